package infra

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	lru "github.com/hashicorp/golang-lru"
)

// Engine escolhe a implementação de token bucket usada por chave.
type Engine string

const (
	// EngineBucket usa o TokenBucket deste pacote (refill preguiçoso, aceita refill 0).
	EngineBucket Engine = "bucket"
	// EngineXRate usa golang.org/x/time/rate.
	EngineXRate Engine = "xrate"
)

const defaultMaxKeys = 100_000

func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(strings.TrimSpace(s))); e {
	case "", EngineBucket:
		return EngineBucket, nil
	case EngineXRate:
		return EngineXRate, nil
	default:
		return "", fmt.Errorf("unknown rate engine %q", s)
	}
}

// Store é o registro de buckets por chave.
//
// As entradas ficam num LRU limitado (MaxKeys) e um janitor remove as que ficaram
// ociosas por mais de IdleTTL. Remover um bucket em repouso só reinicia o burst
// daquela chave.
//
// O lock do cache cobre apenas o lookup; a decisão allow/deny acontece sob o mutex
// do próprio bucket, então chaves diferentes não disputam entre si.
type Store struct {
	cache *lru.Cache

	rps          float64
	burst        int
	engine       Engine
	maxKeys      int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time

	created atomic.Int64
}

type storeEntry struct {
	lim      domain.Limiter
	lastSeen atomic.Int64 // unix nano
}

func (e *storeEntry) touch(now time.Time) { e.lastSeen.Store(now.UnixNano()) }

type StoreOption func(*Store)

func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *Store) { s.cleanupEvery = d }
}

// WithMaxKeys limita o número de chaves vivas; a menos usada recentemente sai primeiro.
func WithMaxKeys(n int) StoreOption {
	return func(s *Store) { s.maxKeys = n }
}

func WithEngine(e Engine) StoreOption {
	return func(s *Store) { s.engine = e }
}

// WithClock troca o relógio (testes).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore cria o registro com refill `rps` tokens/s e capacidade `burst`.
func NewStore(rps float64, burst int, opts ...StoreOption) *Store {
	s := &Store{
		rps:          rps,
		burst:        burst,
		engine:       EngineBucket,
		maxKeys:      defaultMaxKeys,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxKeys <= 0 {
		s.maxKeys = defaultMaxKeys
	}
	if s.now == nil {
		s.now = time.Now
	}

	// lru.New só falha com tamanho <= 0, já tratado acima
	cache, _ := lru.New(s.maxKeys)
	s.cache = cache
	return s
}

func (s *Store) RPS() float64                { return s.rps }
func (s *Store) Burst() int                  { return s.burst }
func (s *Store) Engine() Engine              { return s.engine }
func (s *Store) CleanupEvery() time.Duration { return s.cleanupEvery }

// Len é o número de chaves vivas no registro.
func (s *Store) Len() int { return s.cache.Len() }

// Created conta quantos limiters já foram construídos desde o início do processo.
func (s *Store) Created() int64 { return s.created.Load() }

// Get implementa domain.LimiterStore.
func (s *Store) Get(key domain.Key) domain.Limiter {
	return s.entry(string(key), s.now()).lim
}

// Allow consome `cost` tokens do bucket de `key`, se houver saldo.
func (s *Store) Allow(key string, cost uint) bool {
	now := s.now()
	return s.entry(key, now).lim.AllowN(now, cost)
}

// Remaining devolve o saldo atual de `key` sem criar bucket.
func (s *Store) Remaining(key domain.Key) (float64, bool) {
	v, ok := s.cache.Peek(string(key))
	if !ok {
		return float64(s.burst), false
	}
	tr, ok := v.(*storeEntry).lim.(interface{ Tokens(time.Time) float64 })
	if !ok {
		return 0, false
	}
	return tr.Tokens(s.now()), true
}

// entry faz o get-or-create. PeekOrAdd é atômico dentro do cache: se duas requests
// disputam a criação da mesma chave, só uma instância é instalada e ambas a recebem.
func (s *Store) entry(key string, now time.Time) *storeEntry {
	if v, ok := s.cache.Get(key); ok {
		ent := v.(*storeEntry)
		ent.touch(now)
		return ent
	}

	fresh := &storeEntry{lim: s.newLimiter(now)}
	fresh.touch(now)

	prev, found, _ := s.cache.PeekOrAdd(key, fresh)
	if found {
		ent := prev.(*storeEntry)
		ent.touch(now)
		return ent
	}
	s.created.Add(1)
	return fresh
}

func (s *Store) newLimiter(now time.Time) domain.Limiter {
	if s.engine == EngineXRate {
		return newXRateLimiter(s.rps, s.burst, now)
	}
	return NewTokenBucket(float64(s.burst), s.rps, now)
}

// Cleanup remove as chaves sem uso há mais de idleTTL.
func (s *Store) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL).UnixNano()

	for _, k := range s.cache.Keys() {
		v, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		if v.(*storeEntry).lastSeen.Load() < cutoff {
			s.cache.Remove(k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *Store) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
// (Permite reuso em libs sem acoplar.)
type DoneContext interface {
	Done() <-chan struct{}
}

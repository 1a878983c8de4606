package infra

import (
	"context"
	"sync"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// MemoryStatsStore guarda contadores de decisão em memória.
// Útil para testes e para o endpoint /stats do admin.
//
// Não faz expiração. byRoute é limitado a maxRoutes entradas (o excedente vai
// para OverflowRoute); com WithTrackKeys(true) byKey cresce com o número de clientes.
type MemoryStatsStore struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	byKey   map[string]Counters

	trackKeys bool
	maxRoutes int
}

// OverflowRoute acumula as rotas que chegaram depois do limite de WithMaxRoutes.
const OverflowRoute = "other"

const defaultMaxRoutes = 1000

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

// WithMaxRoutes limita quantas rotas distintas são contadas separadamente.
func WithMaxRoutes(n int) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.maxRoutes = n }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),

		maxRoutes: defaultMaxRoutes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRoutes <= 0 {
		s.maxRoutes = defaultMaxRoutes
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	c, ok := s.byRoute[route]
	if !ok && len(s.byRoute) >= s.maxRoutes {
		route = OverflowRoute
		c = s.byRoute[route]
	}
	c.add(ev.Allowed)
	s.byRoute[route] = c

	if s.trackKeys {
		k := s.byKey[string(ev.Key)]
		k.add(ev.Allowed)
		s.byKey[string(ev.Key)] = k
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Totals segue a mesma assinatura do RedisStatsStore (admin /stats).
func (s *MemoryStatsStore) Totals(context.Context) (Counters, error) {
	return s.Total(), nil
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}

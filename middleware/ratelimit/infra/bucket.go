package infra

import (
	"math"
	"sync"
	"time"
)

// TokenBucket é um token bucket com refill preguiçoso: não existe timer por bucket,
// o refill é calculado em O(1) a cada chamada a partir do tempo decorrido.
//
// Invariante: 0 <= tokens <= capacity após qualquer operação.
type TokenBucket struct {
	mu sync.Mutex

	capacity   float64
	refillRate float64 // tokens por segundo; 0 = sem refill

	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket cria um bucket cheio.
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	if capacity < 0 || math.IsNaN(capacity) {
		capacity = 0
	}
	if refillRate < 0 || math.IsNaN(refillRate) {
		refillRate = 0
	}
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now,
	}
}

func (b *TokenBucket) Capacity() float64   { return b.capacity }
func (b *TokenBucket) RefillRate() float64 { return b.refillRate }

// AllowN implementa domain.Limiter.
//
// Negação não consome tokens. cost == 0 é sempre permitido.
func (b *TokenBucket) AllowN(now time.Time, cost uint) bool {
	if cost == 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)

	need := float64(cost)
	if b.tokens < need {
		return false
	}
	b.tokens -= need
	return true
}

// Tokens devolve o saldo projetado em `now` sem alterar o bucket.
func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.projected(now)
}

// RetryAfter implementa domain.RetryEstimator.
// Retorna -1 quando `cost` nunca vai caber (sem refill, ou cost > capacity).
func (b *TokenBucket) RetryAfter(now time.Time, cost uint) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	need := float64(cost)
	avail := b.projected(now)
	if avail >= need {
		return 0
	}
	if b.refillRate <= 0 || need > b.capacity {
		return -1
	}
	secs := (need - avail) / b.refillRate
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// refill exige mu travado.
func (b *TokenBucket) refill(now time.Time) {
	if !now.After(b.lastRefill) {
		// relógio parado ou andando para trás: nada a somar e lastRefill não recua
		return
	}
	b.tokens = b.projected(now)
	b.lastRefill = now
}

func (b *TokenBucket) projected(now time.Time) float64 {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 || b.refillRate == 0 {
		return b.tokens
	}
	return math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
}

package infra

import (
	"time"

	"golang.org/x/time/rate"
)

// xrateLimiter adapta *rate.Limiter (golang.org/x/time/rate) ao contrato domain.Limiter.
//
// Usado quando RATE_ENGINE=xrate. A capacidade vira o burst (arredondado para baixo).
type xrateLimiter struct {
	lim *rate.Limiter
}

func newXRateLimiter(refillRate float64, capacity int, now time.Time) *xrateLimiter {
	lim := rate.NewLimiter(rate.Limit(refillRate), capacity)
	// começa cheio a partir de `now`, igual ao TokenBucket
	lim.SetBurstAt(now, capacity)
	return &xrateLimiter{lim: lim}
}

func (x *xrateLimiter) AllowN(now time.Time, cost uint) bool {
	if cost == 0 {
		return true
	}
	return x.lim.AllowN(now, int(cost))
}

func (x *xrateLimiter) Tokens(now time.Time) float64 {
	return x.lim.TokensAt(now)
}

func (x *xrateLimiter) RetryAfter(now time.Time, cost uint) time.Duration {
	if x.lim.Limit() <= 0 || int(cost) > x.lim.Burst() {
		return -1
	}
	missing := float64(cost) - x.lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(x.lim.Limit()) * float64(time.Second))
}

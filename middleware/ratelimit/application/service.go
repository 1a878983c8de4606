package application

import (
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	Store domain.LimiterStore
	// RetryAfter é usado quando o limiter não sabe estimar a espera.
	RetryAfter time.Duration
	// Now é o relógio; nil usa time.Now.
	Now func() time.Time
}

func (s Service) Decide(key domain.Key) domain.Decision {
	return s.DecideN(key, 1)
}

// DecideN decide para uma request de custo `cost` tokens.
func (s Service) DecideN(key domain.Key, cost uint) domain.Decision {
	if s.Store == nil {
		return domain.Decision{Allowed: true}
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = 1 * time.Second
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	lim := s.Store.Get(key)
	if lim == nil {
		return domain.Decision{Allowed: true}
	}

	at := now()
	if lim.AllowN(at, cost) {
		return domain.Decision{Allowed: true}
	}
	return domain.Decision{Allowed: false, RetryAfter: s.retryAfter(lim, at, cost)}
}

// retryAfter usa a estimativa do limiter arredondada para segundos inteiros
// (Retry-After só aceita segundos), com mínimo de 1s.
func (s Service) retryAfter(lim domain.Limiter, at time.Time, cost uint) time.Duration {
	est, ok := lim.(domain.RetryEstimator)
	if !ok {
		return s.RetryAfter
	}
	d := est.RetryAfter(at, cost)
	if d <= 0 {
		// nunca vai caber, ou caberia agora mas perdeu a corrida: usa o padrão
		return s.RetryAfter
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}

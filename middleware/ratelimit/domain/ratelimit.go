package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import "time"

// Key identifica o dono de um bucket (IP do cliente, API key, ...).
type Key string

// Limiter decide se uma ação de custo `cost` é permitida no instante `now`.
//
// O instante é recebido de fora para que o relógio seja injetável nos testes.
// Implementações: token bucket próprio (infra.TokenBucket) ou golang.org/x/time/rate.
type Limiter interface {
	AllowN(now time.Time, cost uint) bool
}

// RetryEstimator é implementado por limiters que sabem dizer quanto tempo falta
// para `cost` tokens estarem disponíveis. Valor negativo: nunca (sem refill).
type RetryEstimator interface {
	RetryAfter(now time.Time, cost uint) time.Duration
}

// LimiterStore obtém um limiter por chave (ex: IP, API key, usuário).
// A implementação pode manter cache, TTL, etc., mas deve devolver sempre a mesma
// instância para a mesma chave enquanto ela estiver viva.
type LimiterStore interface {
	Get(Key) Limiter
}

type Decision struct {
	Allowed bool
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}

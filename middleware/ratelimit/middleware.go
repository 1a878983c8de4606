package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/requestid"
)

// SharedFallbackKey é a chave usada quando a request não traz endereço do peer.
// Todos esses clientes dividem um único bucket (degradação conhecida e intencional).
const SharedFallbackKey = "unknown"

// DefaultDenyMessage é o corpo da resposta 429.
const DefaultDenyMessage = "Too many requests"

type KeyFunc func(r *http.Request) string

// CostFunc diz quantos tokens uma request consome. Padrão: 1.
type CostFunc func(r *http.Request) uint

type Options struct {
	Store               domain.LimiterStore
	Stats               domain.StatsStore
	KeyFn               KeyFunc
	CostFn              CostFunc
	KeyHeader           string
	TrustXForwardedFor  bool
	FallbackKey         string
	RejectStatus        int
	RetryAfter          time.Duration
	AddRateLimitHeaders bool
	DenyMessage         string
	Logger              *zap.Logger
	// Now é o relógio das decisões; nil usa time.Now.
	Now func() time.Time
	// PathLabel é o que vai em StatsEvent.Path; nil usa r.URL.Path.
	// Atrás de um proxy que aceita qualquer path, passe um rótulo de cardinalidade
	// fixa (ex: prefixo da rota), senão os stores de estatística crescem sem limite.
	PathLabel func(r *http.Request) string
}

type rateInfo interface {
	RPS() float64
	Burst() int
}

type remainingInfo interface {
	Remaining(domain.Key) (float64, bool)
}

// DefaultKeyFunc usa SharedFallbackKey como último recurso.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return KeyFuncWithFallback(keyHeader, trustXFF, SharedFallbackKey)
}

// KeyFuncWithFallback extrai a chave do cliente nesta ordem:
// header configurado, primeiro IP do X-Forwarded-For (se confiável),
// host do RemoteAddr, RemoteAddr cru e, por fim, `fallback`.
//
// Header e XFF podem ser forjados pelo cliente; por padrão ficam desligados e a
// chave é o endereço do peer da conexão.
func KeyFuncWithFallback(keyHeader string, trustXFF bool, fallback string) KeyFunc {
	if fallback == "" {
		fallback = SharedFallbackKey
	}
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		addr := strings.TrimSpace(r.RemoteAddr)
		host, _, err := net.SplitHostPort(addr)
		if err == nil && host != "" {
			return host
		}
		if addr != "" {
			return addr
		}
		return fallback
	}
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RetryAfter == 0 {
		opts.RetryAfter = 1 * time.Second
	}
	if opts.KeyFn == nil {
		opts.KeyFn = KeyFuncWithFallback(opts.KeyHeader, opts.TrustXForwardedFor, opts.FallbackKey)
	}
	if opts.CostFn == nil {
		opts.CostFn = func(*http.Request) uint { return 1 }
	}
	if opts.DenyMessage == "" {
		opts.DenyMessage = DefaultDenyMessage
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PathLabel == nil {
		opts.PathLabel = func(r *http.Request) string { return r.URL.Path }
	}

	svc := application.Service{
		Store:      opts.Store,
		RetryAfter: opts.RetryAfter,
		Now:        opts.Now,
	}

	// sob ataque, um log por negação vira o próprio problema
	denyLog := &rate.Sometimes{Interval: time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			cost := opts.CostFn(r)

			dec := svc.DecideN(domain.Key(key), cost)

			if opts.AddRateLimitHeaders {
				setRateLimitHeaders(w, opts.Store, key)
			}

			if opts.Stats != nil {
				err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:     domain.Key(key),
					Allowed: dec.Allowed,
					Cost:    cost,
					Method:  r.Method,
					Path:    opts.PathLabel(r),
					At:      time.Now(),
				})
				if err != nil {
					opts.Logger.Debug("rate limit stats record failed", zap.Error(err))
				}
			}

			if !dec.Allowed {
				denyLog.Do(func() {
					opts.Logger.Info("rate limit exceeded",
						zap.String("key", key),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Duration("retry_after", dec.RetryAfter),
						zap.String("request_id", requestid.FromContext(r.Context())),
					)
				})
				w.Header().Set("Retry-After", formatInt(int(dec.RetryAfter.Seconds())))
				http.Error(w, opts.DenyMessage, opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, store domain.LimiterStore, key string) {
	w.Header().Set("X-RateLimit-Key", key)
	if ri, ok := store.(rateInfo); ok {
		w.Header().Set("X-RateLimit-RPS", formatFloat(ri.RPS()))
		w.Header().Set("X-RateLimit-Burst", formatInt(ri.Burst()))
	}
	if rem, ok := store.(remainingInfo); ok {
		if v, found := rem.Remaining(domain.Key(key)); found {
			w.Header().Set("X-RateLimit-Remaining", formatInt(int(v)))
		}
	}
}

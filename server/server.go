// Package server monta o gateway a partir da configuração: router, cadeia de
// middlewares, proxy, servidor de admin e shutdown gracioso.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ratelimit-gateway/config"
	"ratelimit-gateway/gateway"
	"ratelimit-gateway/metrics"
	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"
	"ratelimit-gateway/middleware/requestid"
)

// ProxiedMethods são os métodos encaminhados ao upstream; o resto recebe 405.
var ProxiedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodHead,
}

type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store   *infra.Store
	proxy   *gateway.Proxy
	metrics *metrics.Recorder
	local   *infra.MemoryStatsStore
	remote  *infra.RedisStatsStore
	pool    domain.SlotPool
	client  *http.Client

	router chi.Router
	admin  chi.Router
}

type Option func(*Server)

// WithRedisStats soma o Redis aos destinos das estatísticas de decisão.
func WithRedisStats(s *infra.RedisStatsStore) Option {
	return func(srv *Server) { srv.remote = s }
}

// WithUpstreamClient troca o http.Client do proxy.
func WithUpstreamClient(c *http.Client) Option {
	return func(srv *Server) { srv.client = c }
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	engine, err := infra.ParseEngine(cfg.RateEngine)
	if err != nil {
		return nil, err
	}
	table, err := cfg.RouteTable()
	if err != nil {
		return nil, err
	}

	s.store = infra.NewStore(cfg.RateRPS, cfg.RateBurst,
		infra.WithEngine(engine),
		infra.WithMaxKeys(cfg.RateMaxKeys),
		infra.WithIdleTTL(cfg.RateIdleTTL),
		infra.WithCleanupEvery(cfg.RateCleanupEvery),
	)
	s.metrics = metrics.New()
	s.local = infra.NewMemoryStatsStore()

	if err := s.metrics.WatchLimiters(s.store.Len); err != nil {
		return nil, fmt.Errorf("register limiter gauge: %w", err)
	}
	if cfg.ConcurrencyMax > 0 {
		s.pool = infra.NewChanPool(cfg.ConcurrencyMax)
		if p, ok := s.pool.(interface{ InUse() int }); ok {
			if err := s.metrics.WatchInFlight(p.InUse); err != nil {
				return nil, fmt.Errorf("register in-flight gauge: %w", err)
			}
		}
	}

	proxyOpts := []gateway.Option{
		gateway.WithTimeout(cfg.UpstreamTimeout),
		gateway.WithLogger(logger.Named("proxy")),
		gateway.WithObserver(s.metrics),
	}
	if s.client != nil {
		proxyOpts = append(proxyOpts, gateway.WithClient(s.client))
	}
	s.proxy = gateway.NewProxy(table, proxyOpts...)

	s.router = s.newRouter()
	s.admin = s.newAdminRouter()
	return s, nil
}

func (s *Server) stats() domain.StatsStore {
	stores := []domain.StatsStore{s.local, s.metrics}
	if s.remote != nil {
		stores = append(stores, s.remote)
	}
	return infra.NewMultiStatsStore(stores...)
}

// chain: request id -> rate limit -> concorrência -> proxy.
func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestid.Middleware)

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	h := http.Handler(s.proxy)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Pool:           s.pool,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: s.cfg.ConcurrencyTimeout,
	})(h)
	if s.cfg.RateEnabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Store:               s.store,
			Stats:               s.stats(),
			KeyHeader:           s.cfg.RateKeyHeader,
			TrustXForwardedFor:  s.cfg.TrustXFF,
			FallbackKey:         s.cfg.RateFallbackKey,
			RejectStatus:        http.StatusTooManyRequests,
			RetryAfter:          s.cfg.RetryAfter,
			AddRateLimitHeaders: s.cfg.AddRateLimitHeaders,
			Logger:              s.logger.Named("ratelimit"),
			PathLabel:           s.routeLabel,
		})(h)
	}

	for _, m := range ProxiedMethods {
		r.Method(m, "/*", h)
	}
	return r
}

// routeLabel mantém a cardinalidade das estatísticas presa ao tamanho da tabela
// de rotas, qualquer que seja o path pedido.
func (s *Server) routeLabel(r *http.Request) string {
	return s.proxy.Routes().Label(r.URL.Path)
}

func (s *Server) newAdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/stats", s.handleStats)
	return r
}

type statsResponse struct {
	Buckets int             `json:"buckets"`
	Created int64           `json:"created"`
	Local   infra.Counters  `json:"local"`
	Redis   *infra.Counters `json:"redis,omitempty"`
	Routes  []gateway.Route `json:"routes"`
	Default string          `json:"default_backend"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Buckets: s.store.Len(),
		Created: s.store.Created(),
		Local:   s.local.Total(),
		Routes:  s.proxy.Routes().Routes(),
		Default: s.proxy.Routes().Default(),
	}
	if s.remote != nil {
		c, err := s.remote.Totals(r.Context())
		if err != nil {
			s.logger.Warn("redis stats unavailable", zap.Error(err))
		} else {
			resp.Redis = &c
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("write stats response", zap.Error(err))
	}
}

// Handler é o router do tráfego proxied.
func (s *Server) Handler() http.Handler { return s.router }

// AdminHandler serve /metrics, /healthz e /stats.
func (s *Server) AdminHandler() http.Handler { return s.admin }

func (s *Server) Store() *infra.Store { return s.store }

// Run sobe o gateway (e o admin, se METRICS_ADDR não for vazio) e bloqueia até o
// ctx encerrar ou um listener falhar. O janitor do registry para junto.
func (s *Server) Run(ctx context.Context) error {
	gw := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	servers := []*http.Server{gw}
	if s.cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           s.admin,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	s.store.StartJanitor(gctx)

	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			s.logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		s.logger.Info("servers stopped")
		return errors.Join(errs...)
	})

	return g.Wait()
}

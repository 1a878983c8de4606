// Package metrics expõe em Prometheus as decisões do rate limit e o resultado
// das chamadas aos backends.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ratelimit-gateway/gateway"
	"ratelimit-gateway/middleware/ratelimit/domain"
)

const namespace = "gateway"

// Recorder implementa domain.StatsStore (decisões) e gateway.Observer (upstream).
//
// Usa um registry próprio em vez do global para que testes e múltiplas instâncias
// não colidam.
type Recorder struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	upstream  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

var (
	_ domain.StatsStore = (*Recorder)(nil)
	_ gateway.Observer  = (*Recorder)(nil)
)

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by result (allowed|denied).",
		}, []string{"result"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream calls by backend, status code and failure kind.",
		}, []string{"backend", "code", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "duration_seconds",
			Help:      "Upstream call duration, including the body read.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.decisions,
		r.upstream,
		r.latency,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serve o formato de exposição do Prometheus.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) Record(_ context.Context, ev domain.StatsEvent) error {
	result := "denied"
	if ev.Allowed {
		result = "allowed"
	}
	r.decisions.WithLabelValues(result).Inc()
	return nil
}

func (r *Recorder) ObserveUpstream(backend string, status int, err error, took time.Duration) {
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	r.upstream.WithLabelValues(backend, code, gateway.KindLabel(err)).Inc()
	r.latency.WithLabelValues(backend).Observe(took.Seconds())
}

// WatchLimiters publica o número de buckets vivos no registry.
func (r *Recorder) WatchLimiters(size func() int) error {
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "buckets",
		Help:      "Token buckets currently held in memory.",
	}, func() float64 { return float64(size()) }))
}

// WatchInFlight publica a ocupação do limite de concorrência.
func (r *Recorder) WatchInFlight(inUse func() int) error {
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight_requests",
		Help:      "Requests holding a concurrency slot.",
	}, func() float64 { return float64(inUse()) }))
}

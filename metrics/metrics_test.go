package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit-gateway/gateway"
	"ratelimit-gateway/middleware/ratelimit/domain"
)

func TestRecorder_CountsDecisions(t *testing.T) {
	r := New()
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, domain.StatsEvent{Key: "a", Allowed: true}))
	require.NoError(t, r.Record(ctx, domain.StatsEvent{Key: "a", Allowed: true}))
	require.NoError(t, r.Record(ctx, domain.StatsEvent{Key: "a", Allowed: false}))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.decisions.WithLabelValues("allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions.WithLabelValues("denied")))
}

func TestRecorder_ObserveUpstream(t *testing.T) {
	r := New()
	backend := gateway.DefaultBackendA

	r.ObserveUpstream(backend, http.StatusOK, nil, 10*time.Millisecond)
	r.ObserveUpstream(backend, 0, &gateway.UpstreamError{Kind: gateway.ErrUpstreamTimeout, Err: errors.New("deadline")}, time.Second)
	r.ObserveUpstream(backend, 0, &gateway.UpstreamError{Kind: gateway.ErrUpstreamUnreachable, Err: errors.New("refused")}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.upstream.WithLabelValues(backend, "200", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.upstream.WithLabelValues(backend, "none", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.upstream.WithLabelValues(backend, "none", "unreachable")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.latency))
}

func TestRecorder_GaugesAndHandler(t *testing.T) {
	r := New()
	require.NoError(t, r.WatchLimiters(func() int { return 7 }))
	require.NoError(t, r.WatchInFlight(func() int { return 3 }))
	require.Error(t, r.WatchLimiters(func() int { return 0 }), "duplicate registration must fail")

	r.ObserveUpstream(gateway.DefaultBackendB, http.StatusTeapot, nil, time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "gateway_ratelimit_buckets 7")
	assert.Contains(t, text, "gateway_in_flight_requests 3")
	assert.True(t, strings.Contains(text, `gateway_upstream_requests_total{backend="http://127.0.0.1:8002/",code="418",kind="ok"} 1`), text)
}

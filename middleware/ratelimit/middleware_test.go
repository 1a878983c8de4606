package ratelimit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			*calls++
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func TestMiddleware_AllowsThenRejectsSameKey(t *testing.T) {
	store := infra.NewStore(0.02, 1)

	calls := 0
	h := Middleware(Options{
		Store:               store,
		RejectStatus:        http.StatusTooManyRequests,
		RetryAfter:          1 * time.Second,
		AddRateLimitHeaders: true,
	})(okHandler(&calls))

	// 1) primeira passa
	r1 := httptest.NewRequest(http.MethodGet, "http://example/service1/x", nil)
	r1.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, r1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}
	if got := w1.Header().Get("X-RateLimit-Key"); got != "10.0.0.1" {
		t.Fatalf("expected X-RateLimit-Key=10.0.0.1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-RPS"); got != "0.02" {
		t.Fatalf("expected X-RateLimit-RPS=0.02, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Burst"); got != "1" {
		t.Fatalf("expected X-RateLimit-Burst=1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected X-RateLimit-Remaining=0, got %q", got)
	}

	// 2) segunda deve bloquear (burst=1 e rps bem baixo)
	r2 := httptest.NewRequest(http.MethodGet, "http://example/service1/x", nil)
	r2.RemoteAddr = "10.0.0.1:1234"
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got == "" {
		t.Fatalf("expected Retry-After header to be set")
	}
	if !strings.Contains(w2.Body.String(), DefaultDenyMessage) {
		t.Fatalf("expected deny reason in body, got %q", w2.Body.String())
	}

	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}
}

func TestMiddleware_KeyByHeader(t *testing.T) {
	store := infra.NewStore(0.02, 1)

	h := Middleware(Options{
		Store:      store,
		KeyHeader:  "X-Api-Key",
		RetryAfter: 1 * time.Second,
	})(okHandler(nil))

	// duas chaves diferentes => ambos devem passar (cada chave tem seu próprio limiter)
	for _, k := range []string{"k1", "k2"} {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.Header.Set("X-Api-Key", k)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 for key %s, got %d", k, w.Code)
		}
	}
}

func TestMiddleware_RetryAfterUsesSeconds(t *testing.T) {
	// sem refill o bucket não sabe estimar a espera: vale o RetryAfter configurado
	store := infra.NewStore(0, 1)

	h := Middleware(Options{
		Store:      store,
		RetryAfter: 2500 * time.Millisecond,
	})(okHandler(nil))

	r1 := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r1.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, r1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}

	r2 := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r2.RemoteAddr = "10.0.0.1:1234"
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := strings.TrimSpace(w2.Header().Get("Retry-After")); got != "2" {
		// int(2.5s.Seconds()) == 2
		t.Fatalf("expected Retry-After=2, got %q", got)
	}
}

func TestMiddleware_RetryAfterFromBucketEstimate(t *testing.T) {
	// 0.5 token/s: depois de gastar o burst faltam 2s para o próximo
	store := infra.NewStore(0.5, 1)

	h := Middleware(Options{Store: store})(okHandler(nil))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i+1, want, w.Code)
		}
		if want == http.StatusTooManyRequests && w.Header().Get("Retry-After") != "2" {
			t.Fatalf("expected Retry-After=2, got %q", w.Header().Get("Retry-After"))
		}
	}
}

func TestMiddleware_CostFnConsumesMoreTokens(t *testing.T) {
	store := infra.NewStore(0, 4)

	h := Middleware(Options{
		Store:  store,
		CostFn: func(r *http.Request) uint { return 3 },
	})(okHandler(nil))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodPost, "http://example/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected [200 429], got %v", codes)
	}
}

type errStats struct{ events []domain.StatsEvent }

func (s *errStats) Record(_ context.Context, ev domain.StatsEvent) error {
	s.events = append(s.events, ev)
	return io.ErrClosedPipe
}

func TestMiddleware_StatsFailureDoesNotFailRequest(t *testing.T) {
	stats := &errStats{}
	h := Middleware(Options{
		Store: infra.NewStore(1, 1),
		Stats: stats,
	})(okHandler(nil))

	r := httptest.NewRequest(http.MethodGet, "http://example/service2/y", nil)
	r.RemoteAddr = "10.0.0.7:999"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 despite stats error, got %d", w.Code)
	}
	if len(stats.events) != 1 {
		t.Fatalf("expected one stats event, got %d", len(stats.events))
	}
	ev := stats.events[0]
	if ev.Key != "10.0.0.7" || !ev.Allowed || ev.Cost != 1 || ev.Path != "/service2/y" {
		t.Fatalf("unexpected stats event %+v", ev)
	}
}

func TestMiddleware_NoStorePassesThrough(t *testing.T) {
	calls := 0
	h := Middleware(Options{})(okHandler(&calls))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/", nil))
	}
	if calls != 3 {
		t.Fatalf("expected all requests to pass, got %d", calls)
	}
}

func TestMiddleware_PathLabelReplacesRawPathInStats(t *testing.T) {
	stats := &errStats{}
	h := Middleware(Options{
		Store:     infra.NewStore(0, 1),
		Stats:     stats,
		PathLabel: func(*http.Request) string { return "default" },
	})(okHandler(nil))

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://example/junk/"+formatInt(i), nil)
		r.RemoteAddr = "10.0.0.8:1"
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	if len(stats.events) != 3 {
		t.Fatalf("expected 3 stats events (allowed and denied), got %d", len(stats.events))
	}
	for _, ev := range stats.events {
		if ev.Path != "default" {
			t.Fatalf("expected labelled path, got %q", ev.Path)
		}
	}
}

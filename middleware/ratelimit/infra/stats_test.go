package infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

type failingStats struct{ calls int }

func (f *failingStats) Record(context.Context, domain.StatsEvent) error {
	f.calls++
	return errors.New("boom")
}

func TestMemoryStatsStore_CountsByRouteAndKey(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	ctx := context.Background()

	_ = s.Record(ctx, domain.StatsEvent{Key: "1.2.3.4", Allowed: true, Method: "GET", Path: "/service1/x"})
	_ = s.Record(ctx, domain.StatsEvent{Key: "1.2.3.4", Allowed: false, Method: "GET", Path: "/service1/x"})

	if got := s.Total(); got.Allowed != 1 || got.Denied != 1 {
		t.Fatalf("unexpected totals %+v", got)
	}
	if got := s.ByRoute()["GET /service1/x"]; got.Allowed != 1 || got.Denied != 1 {
		t.Fatalf("unexpected route counters %+v", got)
	}
	if got := s.ByKey()["1.2.3.4"]; got.Denied != 1 {
		t.Fatalf("unexpected key counters %+v", got)
	}
}

func TestMultiStatsStore_FansOutAndJoinsErrors(t *testing.T) {
	mem := NewMemoryStatsStore()
	bad := &failingStats{}
	multi := NewMultiStatsStore(nil, mem, bad)

	err := multi.Record(context.Background(), domain.StatsEvent{Allowed: true})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if mem.Total().Allowed != 1 || bad.calls != 1 {
		t.Fatalf("expected every store to be called")
	}
}

func TestNewMultiStatsStore_CollapsesTrivialCases(t *testing.T) {
	if NewMultiStatsStore(nil, nil) != nil {
		t.Fatalf("expected nil when no stores")
	}
	mem := NewMemoryStatsStore()
	if got := NewMultiStatsStore(mem); got != mem {
		t.Fatalf("expected single store to be returned as is")
	}
}

func TestRedisStatsStore_NilClientIsNoop(t *testing.T) {
	s := NewRedisStatsStore(nil)
	if err := s.Record(context.Background(), domain.StatsEvent{Allowed: true}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c, err := s.Totals(context.Background()); err != nil || c != (Counters{}) {
		t.Fatalf("expected zero counters, got %+v %v", c, err)
	}
}

func TestMemoryStatsStore_RoutesAreBounded(t *testing.T) {
	s := NewMemoryStatsStore(WithMaxRoutes(3))
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		_ = s.Record(ctx, domain.StatsEvent{Allowed: false, Method: "GET", Path: fmt.Sprintf("/junk/%d", i)})
	}

	routes := s.ByRoute()
	if len(routes) != 4 {
		t.Fatalf("expected 3 routes plus overflow, got %d", len(routes))
	}
	if got := routes[OverflowRoute].Denied; got != 497 {
		t.Fatalf("expected overflow to absorb 497 events, got %d", got)
	}
	if got := s.Total().Denied; got != 500 {
		t.Fatalf("expected totals to keep counting, got %d", got)
	}

	// rota já conhecida continua no próprio contador
	_ = s.Record(ctx, domain.StatsEvent{Allowed: true, Method: "GET", Path: "/junk/0"})
	if got := s.ByRoute()["GET /junk/0"].Allowed; got != 1 {
		t.Fatalf("expected known route to be counted, got %d", got)
	}
}

func TestRedisStatsStore_RecordHonoursTimeout(t *testing.T) {
	// servidor que aceita a conexão e nunca responde
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:                  ln.Addr().String(),
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})
	defer rdb.Close()

	s := NewRedisStatsStore(rdb, WithStatsTimeout(50*time.Millisecond))

	start := time.Now()
	err = s.Record(context.Background(), domain.StatsEvent{Allowed: false, Method: "GET", Path: "default"})
	took := time.Since(start)

	if err == nil {
		t.Fatalf("expected an error from a silent redis")
	}
	if took > 2*time.Second {
		t.Fatalf("expected Record to give up quickly, took %s", took)
	}
}

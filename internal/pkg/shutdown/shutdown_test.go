package shutdown

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"pinehill/internal/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "json"})
}

func TestShutdownRunsHandlersInReverseOrder(t *testing.T) {
	m := NewManager(testLogger(), time.Second)

	var order []string
	m.RegisterSimple("pool", func() { order = append(order, "pool") })
	m.RegisterSimple("redis", func() { order = append(order, "redis") })
	m.RegisterSimple("poller", func() { order = append(order, "poller") })

	m.Shutdown()

	want := []string{"poller", "redis", "pool"}
	if len(order) != len(want) {
		t.Fatalf("expected %d handlers to run, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestShutdownContinuesAfterHandlerError(t *testing.T) {
	m := NewManager(testLogger(), time.Second)

	var ran []string
	m.Register("a", func(ctx context.Context) error {
		ran = append(ran, "a")
		return nil
	})
	m.Register("b", func(ctx context.Context) error {
		ran = append(ran, "b")
		return fmt.Errorf("b failed")
	})

	m.Shutdown()

	if len(ran) != 2 {
		t.Fatalf("expected both handlers to run, got %v", ran)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	m := NewManager(testLogger(), time.Second)

	var calls int32
	m.RegisterSimple("once", func() { atomic.AddInt32(&calls, 1) })

	m.Shutdown()
	m.Shutdown()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected handler to run once, ran %d times", got)
	}
}

func TestShutdownTimeoutSkipsRemaining(t *testing.T) {
	m := NewManager(testLogger(), 50*time.Millisecond)

	var skipped int32
	m.RegisterSimple("never-reached", func() { atomic.AddInt32(&skipped, 1) })
	m.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
		}
		return ctx.Err()
	})

	m.Shutdown()

	if got := atomic.LoadInt32(&skipped); got != 0 {
		t.Errorf("expected later handler to be skipped after timeout, ran %d times", got)
	}
}

func TestDoneClosesAfterShutdown(t *testing.T) {
	m := NewManager(testLogger(), time.Second)

	select {
	case <-m.Done():
		t.Fatal("Done() closed before Shutdown()")
	default:
	}

	m.Shutdown()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Shutdown()")
	}
}

func TestWaitWithContextCancel(t *testing.T) {
	m := NewManager(testLogger(), time.Second)

	var cleaned int32
	m.RegisterSimple("cleanup", func() { atomic.AddInt32(&cleaned, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	done := make(chan struct{})
	go func() {
		m.WaitWithContext(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitWithContext did not return after context cancel")
	}

	if got := atomic.LoadInt32(&cleaned); got != 1 {
		t.Errorf("expected cleanup to run once, ran %d times", got)
	}
}

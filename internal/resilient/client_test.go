package resilient

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestClient(cfg Config) *Client {
	c := New(cfg)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	c := newTestClient(Config{Name: "test", MaxAttempts: 3})

	calls := 0
	v, err := Do(context.Background(), c, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	c := newTestClient(Config{Name: "test", MaxAttempts: 2})

	calls := 0
	_, err := Do(context.Background(), c, func(context.Context) (string, error) {
		calls++
		return "", errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected last error boom, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsRetrying(t *testing.T) {
	c := newTestClient(Config{Name: "test", MaxAttempts: 5})

	calls := 0
	_, err := Do(context.Background(), c, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(errors.New("bad payload"))
	})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestDo_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	c := newTestClient(Config{
		Name:            "test",
		MaxAttempts:     1,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	})

	fail := func(context.Context) (int, error) { return 0, errors.New("down") }
	for i := 0; i < 2; i++ {
		if _, err := Do(context.Background(), c, fail); err == nil {
			t.Fatal("expected failure")
		}
	}

	calls := 0
	_, err := Do(context.Background(), c, func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	if err == nil {
		t.Fatal("expected breaker to reject the call")
	}
	if calls != 0 {
		t.Errorf("open breaker should not invoke fn, got %d calls", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	c := newTestClient(Config{Name: "test", MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, c, func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no calls, got %d", calls)
	}
}

func TestDo_AttemptTimeout(t *testing.T) {
	c := newTestClient(Config{Name: "test", MaxAttempts: 1, AttemptTimeout: 10 * time.Millisecond})

	_, err := Do(context.Background(), c, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDoOr_Fallback(t *testing.T) {
	c := newTestClient(Config{Name: "test", MaxAttempts: 2})

	v, ok := DoOr(context.Background(), c, func(context.Context) (float64, error) {
		return 0, errors.New("down")
	}, 0.08)
	if ok {
		t.Error("expected ok=false on exhaustion")
	}
	if v != 0.08 {
		t.Errorf("expected fallback 0.08, got %v", v)
	}

	v, ok = DoOr(context.Background(), c, func(context.Context) (float64, error) {
		return 0.11, nil
	}, 0.08)
	if !ok || v != 0.11 {
		t.Errorf("expected live value 0.11, got %v (ok=%v)", v, ok)
	}
}

func TestDelay_Bounded(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	cfg.normalize()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

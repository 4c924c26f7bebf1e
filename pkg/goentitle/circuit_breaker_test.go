package goentitle

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBackendDown = errors.New("connection refused")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*DefaultCircuitBreaker, *fakeClock, *[]CircuitBreakerState) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var changes []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, reset, func(s CircuitBreakerState) {
		changes = append(changes, s)
	})
	cb.now = clock.now
	return cb, clock, &changes
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _, changes := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	fail := func() error { return errBackendDown }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBackendDown) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State = %s, want open", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open circuit let a call through: err=%v called=%v", err, called)
	}
	if len(*changes) != 1 || (*changes)[0] != StateOpen {
		t.Errorf("unexpected state changes: %v", *changes)
	}
}

func TestCircuitBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	cb, _, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return ErrRecordNotFound })
		_ = cb.Execute(ctx, func() error { return ErrNoChange })
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock, changes := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackendDown })
	clock.advance(time.Minute)

	if cb.State() != StateHalfOpen {
		t.Fatalf("State = %s, want half_open", cb.State())
	}

	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %s, want closed", cb.State())
	}

	want := []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}
	if len(*changes) != len(want) {
		t.Fatalf("changes = %v, want %v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("changes = %v, want %v", *changes, want)
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackendDown })
	clock.advance(time.Minute)
	_ = cb.Execute(ctx, func() error { return errBackendDown })

	if cb.State() != StateOpen {
		t.Errorf("State = %s, want open", cb.State())
	}
}

func TestCircuitBreaker_SingleProbeInHalfOpen(t *testing.T) {
	cb, clock, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackendDown })
	clock.advance(time.Minute)

	var second error
	_ = cb.Execute(ctx, func() error {
		second = cb.Execute(ctx, func() error { return nil })
		return nil
	})
	if !errors.Is(second, ErrCircuitOpen) {
		t.Errorf("expected concurrent probe to be rejected, got %v", second)
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb, _, _ := newTestBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %s, want closed", cb.State())
	}
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"
)

func TestTryAcquireExhaustsWindow(t *testing.T) {
	l := NewLimiter(Config{RequestsPerWindow: 3, WindowDuration: time.Hour})

	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("slot %d should be available", i)
		}
	}
	if l.TryAcquire() {
		t.Fatal("fourth acquire should be refused")
	}

	consumed, limit := l.Stats()
	if consumed != 3 || limit != 3 {
		t.Fatalf("Stats() = %d/%d, want 3/3", consumed, limit)
	}
}

func TestAcquireWaitsForWindowReset(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := NewLimiter(Config{RequestsPerWindow: 1, WindowDuration: 10 * time.Second})
		ctx := context.Background()

		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("first Acquire: %v", err)
		}

		start := time.Now()
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("second Acquire: %v", err)
		}
		if waited := time.Since(start); waited < 10*time.Second {
			t.Fatalf("second Acquire waited %v, want the full window", waited)
		}
	})
}

func TestAcquireHonoursContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := NewLimiter(Config{RequestsPerWindow: 1, WindowDuration: time.Hour})
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("first Acquire: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Acquire = %v, want DeadlineExceeded", err)
		}
	})
}

func TestZeroLimitDisablesLimiting(t *testing.T) {
	l := NewLimiter(Config{RequestsPerWindow: 0, WindowDuration: time.Hour})
	for i := 0; i < 100; i++ {
		if !l.TryAcquire() {
			t.Fatalf("acquire %d refused with limiting disabled", i)
		}
	}
}

func TestWindowResetRestoresCapacity(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := NewLimiter(Config{RequestsPerWindow: 2, WindowDuration: 10 * time.Second})

		if !l.TryAcquire() || !l.TryAcquire() {
			t.Fatal("first two slots should be available")
		}
		if l.TryAcquire() {
			t.Fatal("window should be exhausted")
		}

		time.Sleep(11 * time.Second)
		if !l.TryAcquire() {
			t.Fatal("capacity should return after the window rolls")
		}
	})
}

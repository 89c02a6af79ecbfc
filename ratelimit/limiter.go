// Package ratelimit bounds outbound REST traffic with a fixed-window
// limiter. The order API sits behind the same backend that serves real
// guests, so the verification loop must never burst past its share.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds limiter configuration.
type Config struct {
	RequestsPerWindow int
	WindowDuration    time.Duration // defaults to 60 seconds if zero
	Logger            *slog.Logger
}

// Limiter implements a fixed-window rate limiter. Acquire blocks until a
// slot is available in the current or a future window.
type Limiter struct {
	mu sync.Mutex

	limit  int
	window time.Duration
	logger *slog.Logger

	windowStart time.Time
	consumed    int
}

// NewLimiter creates a limiter. RequestsPerWindow <= 0 disables limiting.
func NewLimiter(cfg Config) *Limiter {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Limiter{
		limit:       cfg.RequestsPerWindow,
		window:      cfg.WindowDuration,
		logger:      cfg.Logger.WithGroup("ratelimit"),
		windowStart: time.Now(),
	}
}

// Acquire consumes one slot, waiting for a window reset when the current
// window is exhausted. Returns the context error if cancelled first.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.resetWindowIfNeeded()
		if l.limit <= 0 || l.consumed < l.limit {
			l.consumed++
			l.mu.Unlock()
			return nil
		}
		next := l.windowStart.Add(l.window)
		l.mu.Unlock()

		l.logger.Debug("rate limit window exhausted",
			slog.Int("window_limit", l.limit),
			slog.Time("next_window", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		}
	}
}

// TryAcquire consumes one slot without blocking. Reports whether a slot
// was available.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetWindowIfNeeded()
	if l.limit > 0 && l.consumed >= l.limit {
		return false
	}
	l.consumed++
	return true
}

// Stats returns the current window usage.
func (l *Limiter) Stats() (consumed, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetWindowIfNeeded()
	return l.consumed, l.limit
}

// resetWindowIfNeeded rolls the window forward. Must be called with the
// lock held.
func (l *Limiter) resetWindowIfNeeded() {
	now := time.Now()
	if now.Sub(l.windowStart) < l.window {
		return
	}
	if l.consumed > 0 {
		utilizationPct := 0
		if l.limit > 0 {
			utilizationPct = (l.consumed * 100) / l.limit
		}
		l.logger.Debug("rate limit window reset",
			slog.Int("previous_window_consumed", l.consumed),
			slog.Int("window_limit", l.limit),
			slog.Int("utilization_pct", utilizationPct))
	}
	l.windowStart = now
	l.consumed = 0
}

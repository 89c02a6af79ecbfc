// Package verify is the REST fallback behind the push channels. When a
// channel gives up, when an event arrives without enough data to merge,
// and on a periodic safety sweep, it re-fetches authoritative order state
// over HTTP and feeds it through the reconciler like any other source.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
	"github.com/olrightythen/smart-qr-menu-system-sub000/reconcile"
)

// ErrThrottled is returned when an order was verified too recently.
var ErrThrottled = errors.New("verify: order checked too recently")

// DefaultMinInterval is the per-order floor between REST checks.
const DefaultMinInterval = 15 * time.Second

// DegradedThreshold is how many consecutive failed sweeps trigger the
// one-time degradation warning.
const DegradedThreshold = 3

type statusClient interface {
	OrderStatus(ctx context.Context, id int64) (order.Event, error)
	VendorOrders(ctx context.Context, vendorID int64) ([]order.Record, error)
}

type orderLister interface {
	ListOrders(ctx context.Context) ([]order.Record, error)
}

type applier interface {
	Apply(ctx context.Context, src reconcile.Source, evt order.Event) (reconcile.Outcome, error)
}

// Verifier re-checks tracked orders against the REST API.
type Verifier struct {
	client         statusClient
	lister         orderLister
	applier        applier
	logger         *slog.Logger
	clock          func() time.Time
	maxConcurrency int
	timeout        time.Duration
	minInterval    time.Duration
	onDegraded     func(error)

	mu           sync.Mutex
	lastVerified map[int64]time.Time
	sweepFails   int
	escalated    bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger.WithGroup("verify")
		}
	}
}

// WithConcurrency sets the maximum number of concurrent status fetches.
// Values below 1 default to serial execution.
func WithConcurrency(n int) Option {
	return func(v *Verifier) {
		v.maxConcurrency = n
	}
}

// WithTimeout configures the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithMinInterval sets the per-order floor between checks.
func WithMinInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.minInterval = d
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// WithDegradedHook registers a callback fired once when sweeps have
// failed DegradedThreshold times in a row. A successful sweep re-arms it.
func WithDegradedHook(fn func(error)) Option {
	return func(v *Verifier) {
		v.onDegraded = fn
	}
}

// New builds a Verifier.
func New(client statusClient, lister orderLister, applier applier, opts ...Option) *Verifier {
	v := &Verifier{
		client:         client,
		lister:         lister,
		applier:        applier,
		logger:         slog.Default().WithGroup("verify"),
		clock:          time.Now,
		maxConcurrency: 4,
		timeout:        10 * time.Second,
		minInterval:    DefaultMinInterval,
		lastVerified:   make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.maxConcurrency < 1 {
		v.maxConcurrency = 1
	}
	return v
}

// VerifyOrder fetches the order's authoritative status and merges it.
// Returns ErrThrottled when the order was checked within the minimum
// interval; the cached state is considered fresh enough.
func (v *Verifier) VerifyOrder(ctx context.Context, id int64) (reconcile.Outcome, error) {
	if !v.claim(id) {
		return "", fmt.Errorf("%w: order %d", ErrThrottled, id)
	}

	callCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	evt, err := v.client.OrderStatus(callCtx, id)
	if err != nil {
		v.release(id)
		return "", fmt.Errorf("verify order %d: %w", id, err)
	}

	out, err := v.applier.Apply(ctx, reconcile.SourceVerify, evt)
	if err != nil {
		return "", err
	}
	v.logger.Debug("order verified",
		slog.Int64("order_id", id),
		slog.String("status", string(evt.Status)),
		slog.String("outcome", string(out)))
	return out, nil
}

// Sweep verifies every non-terminal tracked order. Individual failures
// are aggregated; orders inside their minimum interval are skipped
// silently.
func (v *Verifier) Sweep(ctx context.Context) error {
	recs, err := v.lister.ListOrders(ctx)
	if err != nil {
		v.recordSweep(fmt.Errorf("list orders: %w", err))
		return fmt.Errorf("list orders: %w", err)
	}

	var pending []int64
	for _, rec := range recs {
		if !rec.Status.Terminal() {
			pending = append(pending, rec.ID)
		}
	}
	if len(pending) == 0 {
		v.recordSweep(nil)
		return nil
	}

	start := v.clock()
	var merged atomic.Int32
	var errsMu sync.Mutex
	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.maxConcurrency)

	for _, id := range pending {
		id := id
		g.Go(func() error {
			out, err := v.VerifyOrder(gctx, id)
			if errors.Is(err, ErrThrottled) {
				return nil
			}
			if err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
				return nil
			}
			if out.Accepted() {
				merged.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	v.logger.Info("verified tracked orders",
		slog.Int("pending", len(pending)),
		slog.Int("merged", int(merged.Load())),
		slog.Int("failed", len(errs)),
		slog.Duration("elapsed", v.clock().Sub(start)))

	err = errors.Join(errs...)
	v.recordSweep(err)
	return err
}

// ReconcileVendor re-fetches the full order list for a vendor and merges
// it. Used for the coarse invalidation the table channel triggers.
func (v *Verifier) ReconcileVendor(ctx context.Context, vendorID int64) error {
	callCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	recs, err := v.client.VendorOrders(callCtx, vendorID)
	if err != nil {
		return fmt.Errorf("vendor %d orders: %w", vendorID, err)
	}

	var errs []error
	for _, rec := range recs {
		evt := order.Event{
			OrderID:         rec.ID,
			Status:          rec.Status,
			VendorID:        rec.VendorID,
			TableIdentifier: rec.TableIdentifier,
			UpdatedAt:       rec.UpdatedAt,
			Signed:          true,
			Patch: &order.Patch{
				Items:       rec.Items,
				TotalAmount: rec.TotalAmount,
				CreatedAt:   rec.CreatedAt,
			},
		}
		if _, err := v.applier.Apply(ctx, reconcile.SourceVerify, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := v.Sweep(ctx); err != nil {
				v.logger.Warn("verification sweep failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// claim reserves a verification slot for id, enforcing the minimum
// interval. Reserving up front keeps concurrent sweeps from double
// fetching the same order.
func (v *Verifier) claim(id int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock()
	if last, ok := v.lastVerified[id]; ok && now.Sub(last) < v.minInterval {
		return false
	}
	v.lastVerified[id] = now
	return true
}

func (v *Verifier) release(id int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.lastVerified, id)
}

func (v *Verifier) recordSweep(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err == nil {
		v.sweepFails = 0
		v.escalated = false
		return
	}
	v.sweepFails++
	if v.sweepFails >= DegradedThreshold && !v.escalated {
		v.escalated = true
		v.logger.Warn("verification degraded",
			slog.Int("consecutive_failures", v.sweepFails))
		if v.onDegraded != nil {
			v.onDegraded(err)
		}
	}
}

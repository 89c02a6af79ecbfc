// Package reconcile merges heterogeneous inbound events — three channel
// shapes, REST snapshots, locally created orders — into the durable
// order cache. It is the cache's single writer: every code path that
// wants to change an order goes through Apply, so the regression guard
// and the state machine hold no matter where an update came from.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

// Source identifies where an event entered the system.
type Source string

const (
	SourceNotification Source = "notifications"
	SourceTracking     Source = "tracking"
	SourceTable        Source = "table"
	SourceVerify       Source = "verify"
	SourceLocal        Source = "local"
)

// Outcome reports what Apply did with an event.
type Outcome string

const (
	// OutcomeApplied means the cached record advanced.
	OutcomeApplied Outcome = "applied"
	// OutcomeSynthesized means no record existed and a minimal one was
	// created from the event.
	OutcomeSynthesized Outcome = "synthesized"
	// OutcomeUnchanged means the event repeated the cached state.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeRejectedStale means the event's timestamp was older than
	// the cached record.
	OutcomeRejectedStale Outcome = "rejected_stale"
	// OutcomeRejectedTransition means the status move is illegal.
	OutcomeRejectedTransition Outcome = "rejected_transition"
	// OutcomeRejectedScope means a table-scoped event did not match the
	// registered vendor/table pair.
	OutcomeRejectedScope Outcome = "rejected_scope"
	// OutcomeRejectedUnsigned means a tracking update lacked the server
	// freshness signature.
	OutcomeRejectedUnsigned Outcome = "rejected_unsigned"
	// OutcomeRejectedInvalid means the event was missing required fields.
	OutcomeRejectedInvalid Outcome = "rejected_invalid"
)

// Accepted reports whether the outcome wrote to the cache.
func (o Outcome) Accepted() bool {
	switch o {
	case OutcomeApplied, OutcomeSynthesized:
		return true
	}
	return false
}

// Store is the slice of the durable store the reconciler writes.
type Store interface {
	GetOrder(ctx context.Context, id int64) (order.Record, bool, error)
	UpsertOrder(ctx context.Context, rec order.Record) error
}

// BookingClearer releases the table-booking markers once an order
// reaches a terminal status, so a new order can be placed at the table.
type BookingClearer interface {
	ClearActiveOrder(ctx context.Context, orderID int64) error
}

// Scope is the vendor/table pair this process registered interest in.
// Table-channel events outside it are discarded: the server may
// multiplex several tables onto one group.
type Scope struct {
	VendorID        int64
	TableIdentifier string
}

// Subscriber observes accepted updates. Called exactly once per accepted
// update while the reconciler's lock is held; it must not call back in.
type Subscriber func(rec order.Record, out Outcome, src Source)

// Config wires a Reconciler.
type Config struct {
	Store    Store
	Bookings BookingClearer
	Scope    *Scope
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Reconciler implements the single-writer merge.
type Reconciler struct {
	mu       sync.Mutex
	store    Store
	bookings BookingClearer
	scope    *Scope
	logger   *slog.Logger
	clock    func() time.Time
	subs     []Subscriber
}

// New builds a Reconciler.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		store:    cfg.Store,
		bookings: cfg.Bookings,
		scope:    cfg.Scope,
		logger:   logger.WithGroup("reconcile"),
		clock:    clock,
	}
}

// AttachBookings installs the booking cleanup hook. The cart manager and
// the reconciler reference each other, so the hook arrives after
// construction.
func (r *Reconciler) AttachBookings(b BookingClearer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings = b
}

// Subscribe registers a callback for accepted updates.
func (r *Reconciler) Subscribe(fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Apply merges one event. Rejections are reported through the outcome,
// not the error; the error is reserved for storage failures.
func (r *Reconciler) Apply(ctx context.Context, src Source, evt order.Event) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if evt.OrderID <= 0 || !evt.Status.Known() {
		r.logger.Warn("dropping invalid event",
			slog.String("source", string(src)),
			slog.Int64("order_id", evt.OrderID),
			slog.String("status", string(evt.Status)))
		return OutcomeRejectedInvalid, nil
	}

	if out, ok := r.checkScope(src, evt); !ok {
		return out, nil
	}

	if src == SourceTracking && !evt.Signed {
		r.logger.Debug("ignoring unsigned tracking update",
			slog.Int64("order_id", evt.OrderID))
		return OutcomeRejectedUnsigned, nil
	}

	rec, found, err := r.store.GetOrder(ctx, evt.OrderID)
	if err != nil {
		return "", fmt.Errorf("load order %d: %w", evt.OrderID, err)
	}

	if !found {
		return r.synthesize(ctx, src, evt)
	}
	return r.merge(ctx, src, evt, rec)
}

// RecordLocal routes a locally created order through the same merge path
// as push events, honoring the single-writer contract.
func (r *Reconciler) RecordLocal(ctx context.Context, rec order.Record) (Outcome, error) {
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
	return r.Apply(ctx, SourceLocal, evt)
}

func (r *Reconciler) checkScope(src Source, evt order.Event) (Outcome, bool) {
	if src != SourceTable || r.scope == nil {
		return "", true
	}
	if evt.TableIdentifier != r.scope.TableIdentifier ||
		(evt.VendorID != 0 && evt.VendorID != r.scope.VendorID) {
		r.logger.Debug("discarding out-of-scope event",
			slog.Int64("order_id", evt.OrderID),
			slog.String("event_table", evt.TableIdentifier),
			slog.String("scope_table", r.scope.TableIdentifier))
		return OutcomeRejectedScope, false
	}
	return "", true
}

func (r *Reconciler) synthesize(ctx context.Context, src Source, evt order.Event) (Outcome, error) {
	now := r.clock().UTC()
	rec := order.Record{
		ID:              evt.OrderID,
		Status:          evt.Status,
		VendorID:        evt.VendorID,
		TableIdentifier: evt.TableIdentifier,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if r.scope != nil {
		if rec.VendorID == 0 {
			rec.VendorID = r.scope.VendorID
		}
		if rec.TableIdentifier == "" {
			rec.TableIdentifier = r.scope.TableIdentifier
		}
	}
	if !evt.UpdatedAt.IsZero() {
		rec.UpdatedAt = evt.UpdatedAt
	}
	if p := evt.Patch; p != nil {
		rec.Items = p.Items
		rec.TotalAmount = p.TotalAmount
		if !p.CreatedAt.IsZero() {
			rec.CreatedAt = p.CreatedAt
		}
	}

	if err := r.store.UpsertOrder(ctx, rec); err != nil {
		return "", fmt.Errorf("store synthesized order %d: %w", evt.OrderID, err)
	}
	r.logger.Info("synthesized order from event",
		slog.String("source", string(src)),
		slog.Int64("order_id", rec.ID),
		slog.String("status", string(rec.Status)))

	r.finishLocked(ctx, rec, OutcomeSynthesized, src)
	return OutcomeSynthesized, nil
}

func (r *Reconciler) merge(ctx context.Context, src Source, evt order.Event, rec order.Record) (Outcome, error) {
	if !evt.UpdatedAt.IsZero() && evt.UpdatedAt.Before(rec.UpdatedAt) {
		r.logger.Debug("rejecting stale event",
			slog.Int64("order_id", evt.OrderID),
			slog.Time("event_updated_at", evt.UpdatedAt),
			slog.Time("cached_updated_at", rec.UpdatedAt))
		return OutcomeRejectedStale, nil
	}

	if evt.Status == rec.Status {
		// Same state seen twice; applying it again must be a no-op.
		return OutcomeUnchanged, nil
	}

	if !order.CanTransition(rec.Status, evt.Status) {
		r.logger.Debug("rejecting illegal transition",
			slog.Int64("order_id", evt.OrderID),
			slog.String("from", string(rec.Status)),
			slog.String("to", string(evt.Status)),
			slog.String("source", string(src)))
		return OutcomeRejectedTransition, nil
	}

	rec.Status = evt.Status
	switch {
	case !evt.UpdatedAt.IsZero():
		rec.UpdatedAt = evt.UpdatedAt
	default:
		if now := r.clock().UTC(); now.After(rec.UpdatedAt) {
			rec.UpdatedAt = now
		}
	}
	if p := evt.Patch; p != nil {
		if len(p.Items) > 0 {
			rec.Items = p.Items
		}
		if p.TotalAmount != 0 {
			rec.TotalAmount = p.TotalAmount
		}
	}
	if rec.VendorID == 0 {
		rec.VendorID = evt.VendorID
	}
	if rec.TableIdentifier == "" {
		rec.TableIdentifier = evt.TableIdentifier
	}

	if err := r.store.UpsertOrder(ctx, rec); err != nil {
		return "", fmt.Errorf("store order %d: %w", rec.ID, err)
	}
	r.logger.Info("order updated",
		slog.String("source", string(src)),
		slog.Int64("order_id", rec.ID),
		slog.String("status", string(rec.Status)))

	r.finishLocked(ctx, rec, OutcomeApplied, src)
	return OutcomeApplied, nil
}

// finishLocked runs the post-write duties of an accepted update: release
// the table booking on terminal statuses, then notify subscribers.
func (r *Reconciler) finishLocked(ctx context.Context, rec order.Record, out Outcome, src Source) {
	if rec.Status.Terminal() && r.bookings != nil {
		if err := r.bookings.ClearActiveOrder(ctx, rec.ID); err != nil {
			r.logger.Warn("could not clear booking markers",
				slog.Int64("order_id", rec.ID),
				slog.String("error", err.Error()))
		}
	}
	for _, fn := range r.subs {
		fn(rec, out, src)
	}
}

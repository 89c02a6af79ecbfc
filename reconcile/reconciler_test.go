package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/olrightythen/smart-qr-menu-system-sub000/internal/testutil"
	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

type memStore struct {
	recs    map[int64]order.Record
	failGet error
}

func newMemStore() *memStore {
	return &memStore{recs: map[int64]order.Record{}}
}

func (m *memStore) GetOrder(_ context.Context, id int64) (order.Record, bool, error) {
	if m.failGet != nil {
		return order.Record{}, false, m.failGet
	}
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func (m *memStore) UpsertOrder(_ context.Context, rec order.Record) error {
	m.recs[rec.ID] = rec
	return nil
}

type fakeBookings struct {
	cleared []int64
}

func (f *fakeBookings) ClearActiveOrder(_ context.Context, orderID int64) error {
	f.cleared = append(f.cleared, orderID)
	return nil
}

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(store Store) (*Reconciler, *fakeBookings) {
	bookings := &fakeBookings{}
	r := New(Config{
		Store:    store,
		Bookings: bookings,
		Scope:    &Scope{VendorID: 7, TableIdentifier: "T1"},
		Clock:    func() time.Time { return base },
	})
	return r, bookings
}

func TestApplySynthesizesAbsentOrder(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	evt := testutil.NewEvent(t, base, 42, testutil.WithStatus(order.StatusPreparing))
	evt.VendorID = 0
	evt.TableIdentifier = ""

	out, err := r.Apply(ctx, SourceTracking, evt)
	require.NoError(t, err)
	require.Equal(t, OutcomeSynthesized, out)

	rec := store.recs[42]
	require.Equal(t, order.StatusPreparing, rec.Status)
	require.Equal(t, int64(7), rec.VendorID, "scope fills missing vendor")
	require.Equal(t, "T1", rec.TableIdentifier, "scope fills missing table")
}

func TestApplyAdvancesStatus(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	var seen []Outcome
	r.Subscribe(func(_ order.Record, out Outcome, _ Source) {
		seen = append(seen, out)
	})

	_, err := r.Apply(ctx, SourceLocal, testutil.NewEvent(t, base, 1))
	require.NoError(t, err)

	out, err := r.Apply(ctx, SourceNotification, testutil.NewEvent(t, base.Add(time.Minute), 1,
		testutil.WithStatus(order.StatusAccepted)))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)
	require.Equal(t, order.StatusAccepted, store.recs[1].Status)
	require.Equal(t, []Outcome{OutcomeSynthesized, OutcomeApplied}, seen,
		"subscribers fire exactly once per accepted update")
}

func TestApplyIdempotent(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	calls := 0
	r.Subscribe(func(order.Record, Outcome, Source) { calls++ })

	evt := testutil.NewEvent(t, base, 1, testutil.WithStatus(order.StatusAccepted))
	_, err := r.Apply(ctx, SourceTracking, evt)
	require.NoError(t, err)

	// The same state delivered twice must change nothing.
	out, err := r.Apply(ctx, SourceTracking, evt)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, out)
	require.Equal(t, 1, calls)
}

func TestApplyRejectsRegression(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.Apply(ctx, SourceTracking,
		testutil.NewEvent(t, base, 1, testutil.WithStatus(order.StatusReady)))
	require.NoError(t, err)

	out, err := r.Apply(ctx, SourceTracking,
		testutil.NewEvent(t, base.Add(time.Minute), 1, testutil.WithStatus(order.StatusPreparing)))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejectedTransition, out)
	require.Equal(t, order.StatusReady, store.recs[1].Status)
}

func TestApplyRejectsStaleTimestamp(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.Apply(ctx, SourceTracking,
		testutil.NewEvent(t, base, 1, testutil.WithStatus(order.StatusAccepted)))
	require.NoError(t, err)

	out, err := r.Apply(ctx, SourceVerify,
		testutil.NewEvent(t, base.Add(-time.Minute), 1, testutil.WithStatus(order.StatusConfirmed)))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejectedStale, out)
	require.Equal(t, order.StatusAccepted, store.recs[1].Status)
}

// Delivering the lifecycle in any order must converge to the furthest state.
func TestApplyShuffledDeliveryConverges(t *testing.T) {
	statuses := []order.Status{
		order.StatusPending, order.StatusAccepted, order.StatusConfirmed,
		order.StatusPreparing, order.StatusReady,
	}
	rng := rand.New(rand.NewSource(11))

	for trial := 0; trial < 25; trial++ {
		store := newMemStore()
		r, _ := newTestReconciler(store)
		ctx := context.Background()

		shuffled := append([]order.Status(nil), statuses...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		for i, st := range shuffled {
			evt := testutil.NewEvent(t, base.Add(time.Duration(i)*time.Second), 1,
				testutil.WithStatus(st))
			// Timestamps reflect arrival order, not emission order; the
			// state machine alone must prevent regression.
			_, err := r.Apply(ctx, SourceTracking, evt)
			require.NoError(t, err)
		}
		require.Equal(t, order.StatusReady, store.recs[1].Status,
			"trial %d order %v", trial, shuffled)
	}
}

func TestApplyScopeFilterForTableSource(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	out, err := r.Apply(ctx, SourceTable,
		testutil.NewEvent(t, base, 1, testutil.WithTable("T9")))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejectedScope, out)
	require.Empty(t, store.recs)

	out, err = r.Apply(ctx, SourceTable,
		testutil.NewEvent(t, base, 1, testutil.WithVendor(8)))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejectedScope, out)

	// Non-table sources are not scope filtered.
	out, err = r.Apply(ctx, SourceNotification,
		testutil.NewEvent(t, base, 2, testutil.WithTable("T9")))
	require.NoError(t, err)
	require.Equal(t, OutcomeSynthesized, out)
}

func TestApplyRejectsUnsignedTracking(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	out, err := r.Apply(ctx, SourceTracking,
		testutil.NewEvent(t, base, 1, testutil.WithSigned(false)))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejectedUnsigned, out)
	require.Empty(t, store.recs)

	// The same payload is fine from the verify source.
	out, err = r.Apply(ctx, SourceVerify,
		testutil.NewEvent(t, base, 1, testutil.WithSigned(false)))
	require.NoError(t, err)
	require.Equal(t, OutcomeSynthesized, out)
}

func TestTerminalStatusClearsBooking(t *testing.T) {
	store := newMemStore()
	r, bookings := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.Apply(ctx, SourceTracking,
		testutil.NewEvent(t, base, 5, testutil.WithStatus(order.StatusReady)))
	require.NoError(t, err)
	require.Empty(t, bookings.cleared)

	_, err = r.Apply(ctx, SourceTracking,
		testutil.NewEvent(t, base.Add(time.Minute), 5, testutil.WithStatus(order.StatusCompleted)))
	require.NoError(t, err)
	require.Equal(t, []int64{5}, bookings.cleared)
}

func TestApplyDropsInvalidEvents(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	out, err := r.Apply(ctx, SourceTracking, order.Event{OrderID: 0, Status: order.StatusReady, Signed: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejectedInvalid, out)

	out, err = r.Apply(ctx, SourceTracking, order.Event{OrderID: 3, Status: "unheard-of", Signed: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejectedInvalid, out)
}

func TestApplySurfacesStorageErrors(t *testing.T) {
	store := newMemStore()
	store.failGet = errors.New("disk on fire")
	r, _ := newTestReconciler(store)

	_, err := r.Apply(context.Background(), SourceTracking,
		testutil.NewEvent(t, base, 1))
	require.ErrorContains(t, err, "disk on fire")
}

func TestRecordLocal(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	rec := testutil.NewRecord(t, base, 42)
	out, err := r.RecordLocal(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, OutcomeSynthesized, out)

	got := store.recs[42]
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("stored record differs from local record (-want +got):\n%s", diff)
	}
}

func TestApplyMergesPatchAndBackfill(t *testing.T) {
	store := newMemStore()
	r, _ := newTestReconciler(store)
	ctx := context.Background()

	// Sparse synthesized record first.
	sparse := order.Event{OrderID: 9, Status: order.StatusPending, Signed: true, UpdatedAt: base}
	_, err := r.Apply(ctx, SourceNotification, sparse)
	require.NoError(t, err)

	items := []order.Item{{ID: 2, Name: "Sekuwa", Quantity: 1, Price: 250}}
	_, err = r.Apply(ctx, SourceVerify, testutil.NewEvent(t, base.Add(time.Minute), 9,
		testutil.WithStatus(order.StatusAccepted),
		testutil.WithPatch(&order.Patch{Items: items, TotalAmount: 250})))
	require.NoError(t, err)

	got := store.recs[9]
	require.Equal(t, items, got.Items)
	require.Equal(t, 250.0, got.TotalAmount)
	require.Equal(t, base.Add(time.Minute), got.UpdatedAt)
}

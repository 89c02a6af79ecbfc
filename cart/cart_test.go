package cart

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
	"github.com/olrightythen/smart-qr-menu-system-sub000/reconcile"
	"github.com/olrightythen/smart-qr-menu-system-sub000/storage"
)

type fakeCreator struct {
	nextID int64
	calls  int
	err    error
}

func (f *fakeCreator) CreateOrder(_ context.Context, vendorID int64, table string, items []order.Item) (order.Record, error) {
	f.calls++
	if f.err != nil {
		return order.Record{}, f.err
	}
	f.nextID++
	return order.Record{
		ID:              f.nextID + 100,
		Status:          order.StatusPending,
		VendorID:        vendorID,
		TableIdentifier: table,
		Items:           items,
	}, nil
}

type fakeRecorder struct {
	recs []order.Record
}

func (f *fakeRecorder) RecordLocal(_ context.Context, rec order.Record) (reconcile.Outcome, error) {
	f.recs = append(f.recs, rec)
	return reconcile.OutcomeSynthesized, nil
}

func newTestManager(t *testing.T) (*Manager, *storage.Storage, *fakeCreator, *fakeRecorder) {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	creator := &fakeCreator{}
	recorder := &fakeRecorder{}
	m := NewManager(Config{
		Store:    store,
		Creator:  creator,
		Recorder: recorder,
		VendorID: 7,
		Table:    "T1",
		Clock:    func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) },
	})
	return m, store, creator, recorder
}

func momo(qty int) order.Item {
	return order.Item{ID: 1, Name: "Momo", Quantity: qty, Price: 150}
}

func TestAddMergesSameItem(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, momo(2)))
	require.NoError(t, m.Add(ctx, momo(1)))
	require.NoError(t, m.Add(ctx, order.Item{ID: 5, Name: "Chowmein", Quantity: 1, Price: 120}))

	items, err := m.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 3, items[0].Quantity)

	total, err := m.Total(ctx)
	require.NoError(t, err)
	require.Equal(t, 3*150.0+120.0, total)
}

func TestSetQuantityAndRemove(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, momo(2)))
	require.NoError(t, m.SetQuantity(ctx, 1, 5))

	items, err := m.Items(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, items[0].Quantity)

	require.NoError(t, m.Remove(ctx, 1))
	items, err = m.Items(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestCartSurvivesManagerRestart(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, momo(2)))

	// A fresh manager over the same store sees the cart.
	m2 := NewManager(Config{
		Store: store, Creator: &fakeCreator{}, Recorder: &fakeRecorder{},
		VendorID: 7, Table: "T1",
	})
	items, err := m2.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestPlaceOrderHappyPath(t *testing.T) {
	m, store, creator, recorder := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, momo(2)))
	rec, err := m.PlaceOrder(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, creator.calls)
	require.Equal(t, order.StatusPending, rec.Status)
	require.Equal(t, 300.0, rec.TotalAmount)
	require.False(t, rec.CreatedAt.IsZero())

	// Routed through the reconciler, not written directly.
	require.Len(t, recorder.recs, 1)
	require.Equal(t, rec.ID, recorder.recs[0].ID)

	// Booking markers are stamped.
	v, found, err := store.GetMarker(ctx, storage.MarkerCurrentOrderID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, strconv.FormatInt(rec.ID, 10), v)

	table, _, err := store.GetMarker(ctx, storage.MarkerLastOrderTable)
	require.NoError(t, err)
	require.Equal(t, "T1", table)

	// And the cart is gone.
	items, err := m.Items(ctx)
	require.NoError(t, err)
	require.Empty(t, items)

	id, ok, err := m.ActiveOrder(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.ID, id)
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	m, _, creator, _ := newTestManager(t)
	_, err := m.PlaceOrder(context.Background())
	require.ErrorIs(t, err, ErrEmptyCart)
	require.Zero(t, creator.calls)
}

func TestPlaceOrderRefusedWhileOtherTableActive(t *testing.T) {
	m, store, creator, _ := newTestManager(t)
	ctx := context.Background()

	// A booking from another table is still live.
	require.NoError(t, store.SetMarker(ctx, storage.MarkerCurrentOrderID, "55"))
	require.NoError(t, store.SetMarker(ctx, storage.MarkerLastOrderTable, "T9"))

	require.NoError(t, m.Add(ctx, momo(1)))
	_, err := m.PlaceOrder(ctx)
	require.ErrorIs(t, err, ErrTableBusy)
	require.Zero(t, creator.calls)
}

func TestPlaceOrderAllowedWhenSameTableActive(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, store.SetMarker(ctx, storage.MarkerCurrentOrderID, "55"))
	require.NoError(t, store.SetMarker(ctx, storage.MarkerLastOrderTable, "T1"))

	require.NoError(t, m.Add(ctx, momo(1)))
	_, err := m.PlaceOrder(ctx)
	require.NoError(t, err)
}

func TestClearActiveOrderMatchesID(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, momo(1)))
	rec, err := m.PlaceOrder(ctx)
	require.NoError(t, err)

	// A terminal event for some other order must not release the booking.
	require.NoError(t, m.ClearActiveOrder(ctx, rec.ID+1))
	_, found, err := store.GetMarker(ctx, storage.MarkerCurrentOrderID)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, m.ClearActiveOrder(ctx, rec.ID))
	_, found, err = store.GetMarker(ctx, storage.MarkerCurrentOrderID)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = store.GetMarker(ctx, storage.MarkerLastOrderTable)
	require.NoError(t, err)
	require.False(t, found)

	_, ok, err := m.ActiveOrder(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearActiveOrderUnconditional(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, store.SetMarker(ctx, storage.MarkerCurrentOrderID, "55"))
	require.NoError(t, m.ClearActiveOrder(ctx, 0))

	_, found, err := store.GetMarker(ctx, storage.MarkerCurrentOrderID)
	require.NoError(t, err)
	require.False(t, found)
}

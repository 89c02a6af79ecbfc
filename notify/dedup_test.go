package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olrightythen/smart-qr-menu-system-sub000/internal/testutil"
	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

type memToasts struct {
	shown map[string]time.Time
}

func newMemToasts() *memToasts {
	return &memToasts{shown: map[string]time.Time{}}
}

func (m *memToasts) RecordToastShown(_ context.Context, key string, at time.Time) error {
	m.shown[key] = at
	return nil
}

func (m *memToasts) ToastShownAt(_ context.Context, key string) (time.Time, bool, error) {
	at, ok := m.shown[key]
	return at, ok, nil
}

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDedup(toasts ToastStore, clock *testClock) *Deduplicator {
	return New(Config{Toasts: toasts, Clock: clock.Now})
}

func TestOfferFirstDelivery(t *testing.T) {
	clock := &testClock{now: base}
	d := newTestDedup(newMemToasts(), clock)
	ctx := context.Background()

	n := testutil.NewNotification(t, base, "1")
	decision, err := d.Offer(ctx, n)
	require.NoError(t, err)
	require.Equal(t, DecisionDelivered, decision)
	require.Equal(t, 1, d.Unread())
	require.Len(t, d.Recent(0), 1)
}

func TestOfferDropsRingDuplicateWithinWindow(t *testing.T) {
	clock := &testClock{now: base}
	d := newTestDedup(newMemToasts(), clock)
	ctx := context.Background()

	n := testutil.NewNotification(t, base, "1")
	_, err := d.Offer(ctx, n)
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	// Same transition replayed moments later: a complete drop, nothing
	// counted anywhere.
	decision, err := d.Offer(ctx, testutil.NewNotification(t, base, "2"))
	require.NoError(t, err)
	require.Equal(t, DecisionDropped, decision)
	require.Equal(t, 1, d.Unread())
	require.Len(t, d.Recent(0), 1)
}

func TestOfferSuppressesToastWithinDurableWindow(t *testing.T) {
	clock := &testClock{now: base}
	toasts := newMemToasts()
	d := newTestDedup(toasts, clock)
	ctx := context.Background()

	_, err := d.Offer(ctx, testutil.NewNotification(t, base, "1"))
	require.NoError(t, err)

	// Past the ring window but inside the 30s toast window.
	clock.Advance(10 * time.Second)
	decision, err := d.Offer(ctx, testutil.NewNotification(t, base, "2"))
	require.NoError(t, err)
	require.Equal(t, DecisionSuppressed, decision)
	require.Equal(t, 1, d.Unread(), "a suppressed repeat must not inflate unread")
}

func TestOfferDeliversAgainAfterToastWindow(t *testing.T) {
	clock := &testClock{now: base}
	d := newTestDedup(newMemToasts(), clock)
	ctx := context.Background()

	_, err := d.Offer(ctx, testutil.NewNotification(t, base, "1"))
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	decision, err := d.Offer(ctx, testutil.NewNotification(t, base, "2"))
	require.NoError(t, err)
	require.Equal(t, DecisionDelivered, decision)
}

// A reconnect replay right after a process restart: the in-memory ring is
// gone, but the durable marker still suppresses the toast. The restarted
// feed counts the notification once.
func TestRestartReplaySuppressedByDurableMarker(t *testing.T) {
	toasts := newMemToasts()
	ctx := context.Background()

	clock := &testClock{now: base}
	first := newTestDedup(toasts, clock)
	_, err := first.Offer(ctx, testutil.NewNotification(t, base, "1"))
	require.NoError(t, err)

	// New process, same durable store, 8 seconds later.
	clock2 := &testClock{now: base.Add(8 * time.Second)}
	second := newTestDedup(toasts, clock2)
	decision, err := second.Offer(ctx, testutil.NewNotification(t, base, "1"))
	require.NoError(t, err)
	require.Equal(t, DecisionSuppressed, decision)
	require.Equal(t, 1, second.Unread())
}

func TestDifferentTransitionsAreIndependent(t *testing.T) {
	clock := &testClock{now: base}
	d := newTestDedup(newMemToasts(), clock)
	ctx := context.Background()

	_, err := d.Offer(ctx, testutil.NewNotification(t, base, "1",
		testutil.NotificationOrder(42, order.StatusPreparing)))
	require.NoError(t, err)

	decision, err := d.Offer(ctx, testutil.NewNotification(t, base, "2",
		testutil.NotificationOrder(42, order.StatusReady)))
	require.NoError(t, err)
	require.Equal(t, DecisionDelivered, decision)
	require.Equal(t, 2, d.Unread())
}

func TestMarkReadAndMarkAllRead(t *testing.T) {
	clock := &testClock{now: base}
	d := newTestDedup(newMemToasts(), clock)
	ctx := context.Background()

	for i, st := range []order.Status{order.StatusAccepted, order.StatusPreparing, order.StatusReady} {
		_, err := d.Offer(ctx, testutil.NewNotification(t, base, string(rune('a'+i)),
			testutil.NotificationOrder(42, st)))
		require.NoError(t, err)
		clock.Advance(6 * time.Second)
	}
	require.Equal(t, 3, d.Unread())

	d.MarkRead("a")
	require.Equal(t, 2, d.Unread())
	d.MarkRead("a") // double read is a no-op
	require.Equal(t, 2, d.Unread())
	d.MarkRead("nope")
	require.Equal(t, 2, d.Unread())

	d.MarkAllRead()
	require.Equal(t, 0, d.Unread())
}

func TestRecentNewestFirstAndLimit(t *testing.T) {
	clock := &testClock{now: base}
	d := newTestDedup(newMemToasts(), clock)
	ctx := context.Background()

	statuses := []order.Status{order.StatusAccepted, order.StatusPreparing, order.StatusReady}
	for i, st := range statuses {
		_, err := d.Offer(ctx, testutil.NewNotification(t, clock.now, string(rune('a'+i)),
			testutil.NotificationOrder(42, st)))
		require.NoError(t, err)
		clock.Advance(6 * time.Second)
	}

	recent := d.Recent(2)
	require.Len(t, recent, 2)
	require.Equal(t, "c", recent[0].ID)
	require.Equal(t, "b", recent[1].ID)
}

func TestFeedEvictionKeepsUnreadHonest(t *testing.T) {
	clock := &testClock{now: base}
	d := newTestDedup(newMemToasts(), clock)
	ctx := context.Background()

	for i := 0; i < FeedCap+3; i++ {
		_, err := d.Offer(ctx, testutil.NewNotification(t, clock.now, "n",
			testutil.NotificationOrder(int64(i+1), order.StatusReady)))
		require.NoError(t, err)
		clock.Advance(6 * time.Second)
	}

	require.Len(t, d.Recent(0), FeedCap)
	require.Equal(t, FeedCap, d.Unread())
}

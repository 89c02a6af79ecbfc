// Package notify keeps the vendor notification feed sane: servers replay
// notifications on reconnect and sometimes double-send them outright, so
// every inbound notification passes a two-stage duplicate filter before
// it reaches a toast or the unread counter.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

const (
	// RingSize bounds the in-memory duplicate ring.
	RingSize = 50
	// RingWindow is how long a ring entry blocks an identical notification.
	RingWindow = 5 * time.Second
	// ToastWindow is how long the durable marker suppresses a repeat toast.
	// Longer than RingWindow because it must survive a process restart,
	// where the ring is lost.
	ToastWindow = 30 * time.Second

	// FeedCap bounds the retained notification feed.
	FeedCap = 50
)

// Decision is what the deduplicator did with a notification.
type Decision string

const (
	// DecisionDelivered means the notification is new: feed entry, unread
	// increment, and a toast.
	DecisionDelivered Decision = "delivered"
	// DecisionSuppressed means the notification was recorded but its toast
	// was held back by the durable marker.
	DecisionSuppressed Decision = "suppressed"
	// DecisionDropped means an identical notification arrived moments ago
	// and this one was discarded entirely.
	DecisionDropped Decision = "dropped"
)

// ToastStore persists toast markers across restarts.
type ToastStore interface {
	RecordToastShown(ctx context.Context, key string, at time.Time) error
	ToastShownAt(ctx context.Context, key string) (time.Time, bool, error)
}

// Subscriber observes notifications that survive the ring filter.
type Subscriber func(n order.Notification, d Decision)

type ringEntry struct {
	key    string
	seenAt time.Time
}

type feedEntry struct {
	notification order.Notification
	key          string
	read         bool
}

// Config wires a Deduplicator.
type Config struct {
	Toasts ToastStore
	Logger *slog.Logger
	Clock  func() time.Time
}

// Deduplicator filters the notification stream and maintains the feed.
type Deduplicator struct {
	mu     sync.Mutex
	toasts ToastStore
	logger *slog.Logger
	clock  func() time.Time

	ring    []ringEntry
	ringPos int
	feed    []feedEntry
	unread  int
	subs    []Subscriber
}

// New builds a Deduplicator.
func New(cfg Config) *Deduplicator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Deduplicator{
		toasts: cfg.Toasts,
		logger: logger.WithGroup("notify"),
		clock:  clock,
		ring:   make([]ringEntry, 0, RingSize),
	}
}

// Subscribe registers a callback for non-dropped notifications. Callbacks
// run with the deduplicator's lock held and must not call back in.
func (d *Deduplicator) Subscribe(fn Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

// Offer runs one notification through the filter. The error is reserved
// for storage failures; duplicates surface as DecisionDropped or
// DecisionSuppressed, never as errors.
func (d *Deduplicator) Offer(ctx context.Context, n order.Notification) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock().UTC()
	key := n.DedupKey()

	if d.ringHitLocked(key, now) {
		d.logger.Debug("dropping duplicate notification",
			slog.String("key", key),
			slog.String("type", string(n.Type)))
		return DecisionDropped, nil
	}
	d.ringAddLocked(key, now)

	// Feed identity is the dedup key too: a replay that slips past the
	// ring (restart, slow retransmit) must not inflate the unread count.
	if !d.feedContainsLocked(key) {
		d.feedAddLocked(n, key)
		d.unread++
	}

	decision := DecisionDelivered
	if d.toasts != nil {
		markerKey := n.ToastMarkerKey()
		shownAt, found, err := d.toasts.ToastShownAt(ctx, markerKey)
		if err != nil {
			return "", fmt.Errorf("toast marker %q: %w", markerKey, err)
		}
		if found && now.Sub(shownAt) < ToastWindow {
			decision = DecisionSuppressed
			d.logger.Debug("suppressing repeat toast",
				slog.String("key", markerKey),
				slog.Duration("age", now.Sub(shownAt)))
		} else {
			if err := d.toasts.RecordToastShown(ctx, markerKey, now); err != nil {
				return "", fmt.Errorf("record toast %q: %w", markerKey, err)
			}
		}
	}

	for _, fn := range d.subs {
		fn(n, decision)
	}
	return decision, nil
}

// Unread returns the current unread count.
func (d *Deduplicator) Unread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread
}

// Recent returns up to limit notifications, newest first. limit <= 0
// returns the whole feed.
func (d *Deduplicator) Recent(limit int) []order.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.feed)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]order.Notification, 0, n)
	for i := len(d.feed) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d.feed[i].notification)
	}
	return out
}

// MarkRead marks one feed entry read by notification ID. Unknown IDs and
// already-read entries are no-ops.
func (d *Deduplicator) MarkRead(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.feed {
		if d.feed[i].notification.ID == id && !d.feed[i].read {
			d.feed[i].read = true
			if d.unread > 0 {
				d.unread--
			}
			return
		}
	}
}

// MarkAllRead clears the unread count.
func (d *Deduplicator) MarkAllRead() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.feed {
		d.feed[i].read = true
	}
	d.unread = 0
}

func (d *Deduplicator) ringHitLocked(key string, now time.Time) bool {
	for _, e := range d.ring {
		if e.key == key && now.Sub(e.seenAt) < RingWindow {
			return true
		}
	}
	return false
}

func (d *Deduplicator) ringAddLocked(key string, now time.Time) {
	entry := ringEntry{key: key, seenAt: now}
	if len(d.ring) < RingSize {
		d.ring = append(d.ring, entry)
		return
	}
	d.ring[d.ringPos] = entry
	d.ringPos = (d.ringPos + 1) % RingSize
}

func (d *Deduplicator) feedContainsLocked(key string) bool {
	for _, e := range d.feed {
		if e.key == key {
			return true
		}
	}
	return false
}

func (d *Deduplicator) feedAddLocked(n order.Notification, key string) {
	d.feed = append(d.feed, feedEntry{notification: n, key: key})
	if len(d.feed) > FeedCap {
		// Evict oldest; keep the unread count honest if it was unread.
		if !d.feed[0].read && d.unread > 0 {
			d.unread--
		}
		d.feed = d.feed[1:]
	}
}

package api

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olrightythen/smart-qr-menu-system-sub000/channel"
	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

const (
	defaultStreamBuffer = 100
	defaultEventHistory = 50
	defaultEventMaxAge  = 5 * time.Minute
)

// StreamEventType classifies a stream event.
type StreamEventType string

const (
	StreamEventOrder        StreamEventType = "order"
	StreamEventNotification StreamEventType = "notification"
	StreamEventChannel      StreamEventType = "channel"
)

// ChannelUpdate reports a connection status change on one channel.
type ChannelUpdate struct {
	Name     string           `json:"name"`
	Snapshot channel.Snapshot `json:"snapshot"`
}

// StreamEvent is one SSE payload: a reconciled order update, a surviving
// notification, or a channel status change.
type StreamEvent struct {
	Type         StreamEventType     `json:"type"`
	Sequence     int64               `json:"sequence"`
	Timestamp    time.Time           `json:"timestamp"`
	Order        *order.Record       `json:"order,omitempty"`
	Outcome      string              `json:"outcome,omitempty"`
	Source       string              `json:"source,omitempty"`
	Notification *order.Notification `json:"notification,omitempty"`
	Channel      *ChannelUpdate      `json:"channel,omitempty"`
}

type streamSubscriber struct {
	id     int64
	ch     chan StreamEvent
	ctx    context.Context
	mu     sync.RWMutex
	closed bool
}

func (s *streamSubscriber) trySend(evt StreamEvent) (sent bool, closed bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, true
	}
	select {
	case s.ch <- evt:
		return true, false
	default:
		return false, false
	}
}

func (s *streamSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}

// StreamController fans reconciled updates out to SSE subscribers. Late
// joiners get a bounded replay of recent events so a page refresh does
// not lose the last few status changes.
type StreamController struct {
	mu          sync.RWMutex
	subscribers map[int64]*streamSubscriber
	nextSubID   int64
	sequence    int64
	logger      *slog.Logger
	bufferSize  int

	eventHistory   []StreamEvent
	maxHistorySize int
	maxHistoryAge  time.Duration
}

// StreamControllerOption configures a StreamController.
type StreamControllerOption func(*StreamController)

// WithStreamLogger overrides the controller's logger.
func WithStreamLogger(logger *slog.Logger) StreamControllerOption {
	return func(c *StreamController) {
		if logger != nil {
			c.logger = logger.WithGroup("stream")
		}
	}
}

// WithStreamBufferSize sets the per-subscriber channel buffer size.
// Values <= 0 fall back to the default.
func WithStreamBufferSize(size int) StreamControllerOption {
	return func(c *StreamController) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// NewStreamController constructs a controller with sane defaults.
func NewStreamController(opts ...StreamControllerOption) *StreamController {
	c := &StreamController{
		subscribers:    make(map[int64]*streamSubscriber),
		bufferSize:     defaultStreamBuffer,
		logger:         slog.Default().WithGroup("stream"),
		eventHistory:   make([]StreamEvent, 0, defaultEventHistory),
		maxHistorySize: defaultEventHistory,
		maxHistoryAge:  defaultEventMaxAge,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers a subscriber for live events. Recent history is
// replayed into the fresh buffer first.
func (c *StreamController) Subscribe(ctx context.Context) <-chan StreamEvent {
	ch := make(chan StreamEvent, c.bufferSize)
	sub := &streamSubscriber{
		id:  atomic.AddInt64(&c.nextSubID, 1),
		ch:  ch,
		ctx: ctx,
	}

	c.mu.Lock()
	c.subscribers[sub.id] = sub
	history := c.recentHistoryLocked()
	c.mu.Unlock()

	go func() {
		for _, evt := range history {
			if ctx.Err() != nil {
				return
			}
			sent, closed := sub.trySend(evt)
			if closed {
				return
			}
			if !sent {
				c.logger.Warn("skipping history event, buffer full",
					slog.Int64("subscriber", sub.id))
			}
		}
	}()
	go c.awaitCancellation(sub)

	return ch
}

func (c *StreamController) recentHistoryLocked() []StreamEvent {
	cutoff := time.Now().Add(-c.maxHistoryAge)
	result := make([]StreamEvent, 0, len(c.eventHistory))
	for _, evt := range c.eventHistory {
		if evt.Timestamp.After(cutoff) {
			result = append(result, evt)
		}
	}
	return result
}

func (c *StreamController) awaitCancellation(sub *streamSubscriber) {
	<-sub.ctx.Done()

	shouldClose := false
	c.mu.Lock()
	if _, ok := c.subscribers[sub.id]; ok {
		delete(c.subscribers, sub.id)
		shouldClose = true
	}
	c.mu.Unlock()

	if shouldClose {
		sub.close()
	}
}

// Publish fans the event out to all subscribers. Delivery is best-effort:
// a subscriber with a full buffer loses the event rather than blocking
// the reconciler.
func (c *StreamController) Publish(evt StreamEvent) {
	evt.Sequence = atomic.AddInt64(&c.sequence, 1)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	c.addToHistoryLocked(evt)
	subscribers := make([]*streamSubscriber, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subscribers = append(subscribers, sub)
	}
	c.mu.Unlock()

	for _, sub := range subscribers {
		sent, closed := sub.trySend(evt)
		if closed {
			continue
		}
		if !sent {
			c.logger.Warn("dropping stream event; subscriber buffer full",
				slog.Int64("subscriber", sub.id),
				slog.String("type", string(evt.Type)))
		}
	}
}

func (c *StreamController) addToHistoryLocked(evt StreamEvent) {
	c.eventHistory = append(c.eventHistory, evt)

	if len(c.eventHistory) > c.maxHistorySize {
		c.eventHistory = c.eventHistory[len(c.eventHistory)-c.maxHistorySize:]
	}
	cutoff := time.Now().Add(-c.maxHistoryAge)
	for i, e := range c.eventHistory {
		if e.Timestamp.After(cutoff) {
			if i > 0 {
				c.eventHistory = c.eventHistory[i:]
			}
			break
		}
	}
}

// Flush drains and closes all subscriber channels. Primarily used in tests.
func (c *StreamController) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, sub := range c.subscribers {
		sub.close()
		delete(c.subscribers, id)
	}
}

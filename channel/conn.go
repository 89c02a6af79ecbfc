// Package channel owns the lifecycle of one logical websocket: connect,
// authenticate, heartbeat, reconnect with backoff, teardown. Multiple
// instances run concurrently (account notifications, one order's
// tracking, a vendor/table pair); they share nothing but the policy.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/olrightythen/smart-qr-menu-system-sub000/backoff"
	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

var (
	// ErrClosed is returned by Open after the connection was torn down.
	ErrClosed = errors.New("channel: connection closed")
	// ErrAccessDenied is returned by Open while the connection is in the
	// denied state; a new credential and an explicit Reset are required.
	ErrAccessDenied = errors.New("channel: access denied")
)

// Close codes the backend uses for fatal authentication outcomes.
const (
	closeAuthFailed      = 4001
	closeConnectionError = 4002
	closeForbidden       = 4003
)

// Handlers receive the connection's output. They are invoked from the
// connection's internal goroutines and must not call back into the Conn.
type Handlers struct {
	// OnFrame receives every decoded inbound envelope except pongs.
	OnFrame func(env order.Envelope)
	// OnStateChange fires on every status transition.
	OnStateChange func(snap Snapshot)
	// OnGiveUp fires exactly once when the reconnect budget is spent.
	OnGiveUp func()
}

// Config describes one channel endpoint and its policy knobs. Zero
// durations fall back to the package defaults in backoff.
type Config struct {
	// Name labels log lines; "notifications", "tracking", "table".
	Name string
	URL  string

	Policy            backoff.Policy
	PingInterval      time.Duration
	ConnectTimeout    time.Duration
	MinAttemptSpacing time.Duration
	LivenessWindow    time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Conn is one logical websocket connection.
type Conn struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu            sync.Mutex
	writeMu       sync.Mutex
	ws            *websocket.Conn
	status        Status
	attempt       int
	gen           int
	closed        bool
	warned        bool
	lastOpenAt    time.Time
	lastPingAt    time.Time
	lastPongAt    time.Time
	lastTrafficAt time.Time
	reconnect     *time.Timer
	stopPing      chan struct{}
}

// New builds a connection without opening it.
func New(cfg Config, handlers Handlers) *Conn {
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = backoff.PingInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = backoff.ConnectTimeout
	}
	if cfg.MinAttemptSpacing <= 0 {
		cfg.MinAttemptSpacing = backoff.MinAttemptSpacing
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = backoff.LivenessWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.WithGroup("channel").With(slog.String("name", cfg.Name)),
		status:   StatusDisconnected,
	}
}

// Open starts a connect attempt. Idempotent: while Connecting or
// Connected it is a no-op, and re-invocations within the minimum attempt
// spacing are swallowed so UI-driven call storms cannot thrash the
// socket. A call while Failed is the manual retry: it resets the attempt
// counter and tries again.
func (c *Conn) Open() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.status {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		c.mu.Unlock()
		return nil
	case StatusDenied:
		c.mu.Unlock()
		return ErrAccessDenied
	}

	now := time.Now()
	if !c.lastOpenAt.IsZero() && now.Sub(c.lastOpenAt) < c.cfg.MinAttemptSpacing {
		c.logger.Debug("suppressing rapid reconnect attempt")
		c.mu.Unlock()
		return nil
	}
	c.lastOpenAt = now

	if c.status == StatusFailed {
		c.attempt = 0
		c.warned = false
	}

	c.gen++
	gen := c.gen
	notify := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	notify()
	go c.dial(gen)
	return nil
}

// Send writes one JSON message when the connection is Connected. It
// never queues: the return value reports whether the transport accepted
// the write, and callers must not assume delivery.
func (c *Conn) Send(v any) bool {
	c.mu.Lock()
	ws := c.ws
	ok := !c.closed && c.status == StatusConnected && ws != nil
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.writeMu.Lock()
	err := ws.WriteJSON(v)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("send failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Close tears the connection down with a normal closure. Any pending
// reconnect or heartbeat timer is cancelled and no handler fires
// afterwards. The Conn cannot be reused.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.cancelReconnectLocked()
	c.stopHeartbeatLocked()
	ws := c.ws
	c.ws = nil
	c.attempt = 0
	notify := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	notify()
}

// Reset returns a Failed or Denied connection to Disconnected with a
// fresh attempt budget. This is the explicit external reset; nothing in
// the Conn calls it.
func (c *Conn) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != StatusFailed && c.status != StatusDenied && c.status != StatusErrored {
		c.mu.Unlock()
		return nil
	}
	c.attempt = 0
	c.warned = false
	c.lastOpenAt = time.Time{}
	notify := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	notify()
	return nil
}

// State returns a point-in-time snapshot.
func (c *Conn) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conn) snapshotLocked() Snapshot {
	return Snapshot{
		Status:     c.status,
		Attempt:    c.attempt,
		LastPingAt: c.lastPingAt,
		LastPongAt: c.lastPongAt,
	}
}

// setStatusLocked records the transition and returns the notification
// thunk callers run after releasing the lock.
func (c *Conn) setStatusLocked(next Status) func() {
	if c.status == next {
		return func() {}
	}
	c.status = next
	snap := c.snapshotLocked()
	handler := c.handlers.OnStateChange
	return func() {
		if handler != nil {
			handler(snap)
		}
	}
}

func (c *Conn) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Conn) stopHeartbeatLocked() {
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
}

func (c *Conn) dial(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	if c.cfg.Dialer != nil {
		dialer = *c.cfg.Dialer
		dialer.HandshakeTimeout = c.cfg.ConnectTimeout
	}

	ws, resp, err := dialer.Dial(c.cfg.URL, nil)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
		if resp.Body != nil {
			resp.Body.Close()
		}
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}

	if err != nil {
		// A handshake rejected outright with 401/403 is a credential
		// problem, not a connectivity one.
		if errors.Is(err, websocket.ErrBadHandshake) &&
			(statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden) {
			c.logger.Error("handshake rejected",
				slog.Int("http_status", statusCode))
			notify := c.setStatusLocked(StatusDenied)
			c.mu.Unlock()
			notify()
			return
		}
		c.logger.Warn("connect failed",
			slog.Int("attempt", c.attempt),
			slog.String("error", err.Error()))
		notify := c.scheduleReconnectLocked()
		c.mu.Unlock()
		notify()
		return
	}

	c.ws = ws
	c.attempt = 0
	now := time.Now()
	c.lastTrafficAt = now
	stop := make(chan struct{})
	c.stopPing = stop
	notify := c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("connected")
	notify()
	go c.readLoop(gen, ws)
	go c.heartbeat(gen, ws, stop)
}

func (c *Conn) readLoop(gen int, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(gen, err)
			return
		}

		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.lastTrafficAt = time.Now()
		c.mu.Unlock()

		env, derr := order.DecodeEnvelope(raw)
		if derr != nil {
			// Drop the frame, keep the connection.
			c.logger.Warn("dropping malformed frame", slog.String("error", derr.Error()))
			continue
		}

		switch env.Type {
		case order.FramePong:
			c.mu.Lock()
			c.lastPongAt = time.Now()
			c.mu.Unlock()
			continue
		case order.FrameConnectionEstablished:
			c.logger.Debug("connection established", slog.String("message", env.Message))
		case order.FrameError:
			c.logger.Warn("server error frame", slog.String("message", env.Message))
		}

		if c.handlers.OnFrame != nil {
			c.handlers.OnFrame(env)
		}
	}
}

// handleReadError is the single authority over reconnect-vs-stop.
// Transport errors upstream of it are only precursors to the close.
func (c *Conn) handleReadError(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}

	var notify func()
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && (ce.Code == closeAuthFailed || ce.Code == closeForbidden):
		c.logger.Error("access denied by server",
			slog.Int("code", ce.Code), slog.String("reason", ce.Text))
		notify = c.setStatusLocked(StatusDenied)
	case errors.As(err, &ce) && ce.Code == closeConnectionError:
		c.logger.Error("server reported connection error", slog.String("reason", ce.Text))
		notify = c.setStatusLocked(StatusErrored)
	case errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway):
		c.logger.Info("closed by server", slog.Int("code", ce.Code))
		notify = c.setStatusLocked(StatusDisconnected)
	default:
		c.logger.Warn("connection lost", slog.String("error", err.Error()))
		notify = c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	notify()
}

// scheduleReconnectLocked books the next dial, or gives up when the
// budget is spent. Caller holds the lock and runs the returned thunk
// after releasing it.
func (c *Conn) scheduleReconnectLocked() func() {
	if c.cfg.Policy.Exhausted(c.attempt) {
		notify := c.setStatusLocked(StatusFailed)
		giveUp := !c.warned
		c.warned = true
		handler := c.handlers.OnGiveUp
		c.logger.Error("reconnect attempts exhausted",
			slog.Int("attempts", c.attempt))
		return func() {
			notify()
			if giveUp && handler != nil {
				handler()
			}
		}
	}

	delay := c.cfg.Policy.Delay(c.attempt)
	c.attempt++
	c.logger.Info("reconnecting",
		slog.Duration("delay", delay),
		slog.Int("attempt", c.attempt),
		slog.Int("max_attempts", c.cfg.Policy.MaxAttempts))
	notify := c.setStatusLocked(StatusReconnecting)

	c.cancelReconnectLocked()
	c.reconnect = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed || c.status != StatusReconnecting {
			c.mu.Unlock()
			return
		}
		c.gen++
		gen := c.gen
		n := c.setStatusLocked(StatusConnecting)
		c.mu.Unlock()
		n()
		c.dial(gen)
	})
	return notify
}

func (c *Conn) heartbeat(gen int, ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.closed || gen != c.gen || c.status != StatusConnected {
			c.mu.Unlock()
			return
		}
		stale := time.Since(c.lastTrafficAt) > c.cfg.LivenessWindow
		now := time.Now()
		c.lastPingAt = now
		c.mu.Unlock()

		if stale {
			// A stuck-but-open socket cannot be trusted; force the close
			// so the read loop drives a reconnect.
			c.logger.Warn("connection stale, forcing close",
				slog.Duration("liveness_window", c.cfg.LivenessWindow))
			_ = ws.Close()
			return
		}

		c.writeMu.Lock()
		err := ws.WriteJSON(order.NewPing(now))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Warn("ping failed", slog.String("error", err.Error()))
			_ = ws.Close()
			return
		}
	}
}

// NotificationURL builds the account-level notification endpoint.
func NotificationURL(wsBase string, accountID int64, token string) string {
	return fmt.Sprintf("%s/ws/notifications/%d/?token=%s", wsBase, accountID, token)
}

// TrackingURL builds the per-order tracking endpoint.
func TrackingURL(wsBase string, orderID int64) string {
	return fmt.Sprintf("%s/ws/track-order/%d/", wsBase, orderID)
}

// TableURL builds the vendor/table endpoint.
func TableURL(wsBase string, vendorID int64, tableIdentifier string) string {
	return fmt.Sprintf("%s/ws/table/%d/%s/", wsBase, vendorID, tableIdentifier)
}

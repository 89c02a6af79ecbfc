// Package backoff holds the pure reconnect and heartbeat policy shared by
// all channel connections. It keeps no state; each connection scopes its
// own attempt counter.
package backoff

import "time"

// Defaults shared by the notification and table channels.
const (
	DefaultBase        = 1 * time.Second
	DefaultCap         = 30 * time.Second
	DefaultMaxAttempts = 5

	// PingInterval is how often a connected channel probes liveness.
	PingInterval = 30 * time.Second
	// ConnectTimeout bounds the websocket handshake; exceeding it counts
	// as a failed attempt.
	ConnectTimeout = 10 * time.Second
	// MinAttemptSpacing guards against caller-driven connect thrash.
	MinAttemptSpacing = 2 * time.Second
	// LivenessWindow is how long a connection may stay silent before it
	// is treated as stuck and forcibly closed.
	LivenessWindow = 120 * time.Second
)

// Policy computes reconnect delays and the attempt ceiling.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Default is the policy used by most channels.
func Default() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, MaxAttempts: DefaultMaxAttempts}
}

// Tracking is the more generous policy for the per-order tracking
// channel, which is scoped to a single in-flight order and worth
// fighting harder for.
func Tracking() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, MaxAttempts: 8}
}

// Delay returns the wait before reconnect attempt n (0-indexed):
// min(Base * 2^n, Cap).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether attempt n would exceed the ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

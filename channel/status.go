package channel

import "time"

// Status is the lifecycle state of one logical channel connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	// StatusFailed means the reconnect budget is spent. Terminal until an
	// explicit Open or Reset; nothing automatic happens afterwards.
	StatusFailed Status = "failed"
	// StatusDenied means the server rejected the credential or forbade
	// access. Retrying the same credential is never correct.
	StatusDenied Status = "denied"
	// StatusErrored covers server-signalled connection errors that are
	// neither fatal nor worth automatic retry.
	StatusErrored Status = "error"
)

// Snapshot is a point-in-time view of a connection, safe to hand to UIs.
type Snapshot struct {
	Status     Status
	Attempt    int
	LastPingAt time.Time
	LastPongAt time.Time
}

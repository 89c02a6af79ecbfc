package order

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// statusRank orders the main chain. Terminal side-exits share the top rank
// so nothing can move past them.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusAccepted:  1,
	StatusConfirmed: 2,
	StatusPreparing: 3,
	StatusReady:     4,
	StatusCompleted: 5,
	StatusCancelled: 5,
	StatusRejected:  5,
}

// Known reports whether s is a status this client understands.
func (s Status) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the position of s along the lifecycle. Unknown statuses
// rank below pending so they can never displace real state.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether to is reachable from from.
//
// The main chain is pending → accepted → confirmed → preparing → ready →
// completed. Forward jumps along the chain are legal: the three channels
// reconnect independently, so intermediate events can be lost and a later
// state may be the first one we see. rejected is reachable only from
// pending/accepted, cancelled only from accepted/confirmed/preparing.
func CanTransition(from, to Status) bool {
	if !from.Known() || !to.Known() {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusRejected:
		return from == StatusPending || from == StatusAccepted
	case StatusCancelled:
		switch from {
		case StatusAccepted, StatusConfirmed, StatusPreparing:
			return true
		}
		return false
	}
	return to.Rank() > from.Rank()
}

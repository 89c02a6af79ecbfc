// Package order holds the domain types shared by the sync core: order
// records, the status state machine, notification events and the wire
// envelopes of the three push channels.
package order

import (
	"fmt"
	"time"
)

// Item is a single line of an order.
type Item struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Record is the client's view of one order. The ID is server-assigned and
// immutable; UpdatedAt never moves backwards for a given ID.
type Record struct {
	ID              int64     `json:"id"`
	Status          Status    `json:"status"`
	VendorID        int64     `json:"vendor_id"`
	TableIdentifier string    `json:"table_identifier"`
	Items           []Item    `json:"items,omitempty"`
	TotalAmount     float64   `json:"total_amount"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Event is the canonical reconciler input, regardless of which channel or
// wrapper format the update arrived in. OrderID and Status are mandatory;
// everything else is best-effort enrichment.
type Event struct {
	OrderID         int64
	Status          Status
	VendorID        int64
	TableIdentifier string
	UpdatedAt       time.Time
	// Signed reports whether the frame carried the server freshness
	// signature. Tracking-channel updates without it are not trusted.
	Signed bool
	// Patch carries richer fields when the frame included them.
	Patch *Patch
}

// Patch is the optional payload an event may carry beyond the status.
type Patch struct {
	Items       []Item
	TotalAmount float64
	CreatedAt   time.Time
}

// EstimatedWindow returns the human-facing preparation estimate for a
// status, shrinking as time since placement elapses.
func EstimatedWindow(status Status, placedAt time.Time, now time.Time) string {
	switch status {
	case StatusReady:
		return "Ready now"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	case StatusRejected:
		return "Rejected"
	}

	base := 20
	switch status {
	case StatusPending:
		base = 10
	case StatusPreparing:
		base = 15
	}

	if placedAt.IsZero() {
		return "15-20 minutes"
	}

	elapsed := int(now.Sub(placedAt).Minutes())
	remaining := base - elapsed
	if remaining <= 0 {
		return "Almost ready"
	}
	return fmt.Sprintf("%d-%d minutes", remaining, remaining+5)
}

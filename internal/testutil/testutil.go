// internal/testutil/testutil.go
package testutil

import (
	"testing"
	"time"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

type EventOpt func(*order.Event)

// NewEvent builds a reconciler input event with sensible defaults.
func NewEvent(t *testing.T, base time.Time, orderID int64, opts ...EventOpt) order.Event {
	t.Helper()

	evt := order.Event{
		OrderID:         orderID,
		Status:          order.StatusPending,
		VendorID:        7,
		TableIdentifier: "T1",
		UpdatedAt:       base.UTC(),
		Signed:          true,
	}
	for _, opt := range opts {
		opt(&evt)
	}
	return evt
}

// Modifiers
func WithStatus(status order.Status) EventOpt {
	return func(e *order.Event) { e.Status = status }
}
func WithVendor(id int64) EventOpt {
	return func(e *order.Event) { e.VendorID = id }
}
func WithTable(table string) EventOpt {
	return func(e *order.Event) { e.TableIdentifier = table }
}
func WithUpdatedAt(ts time.Time) EventOpt {
	return func(e *order.Event) { e.UpdatedAt = ts.UTC() }
}
func WithSigned(signed bool) EventOpt {
	return func(e *order.Event) { e.Signed = signed }
}
func WithPatch(patch *order.Patch) EventOpt {
	return func(e *order.Event) { e.Patch = patch }
}

type RecordOpt func(*order.Record)

// NewRecord builds a cached order record with sensible defaults.
func NewRecord(t *testing.T, base time.Time, orderID int64, opts ...RecordOpt) order.Record {
	t.Helper()

	rec := order.Record{
		ID:              orderID,
		Status:          order.StatusPending,
		VendorID:        7,
		TableIdentifier: "T1",
		Items: []order.Item{
			{ID: 1, Name: "Momo", Quantity: 2, Price: 150},
		},
		TotalAmount: 300,
		CreatedAt:   base.UTC(),
		UpdatedAt:   base.UTC(),
	}
	for _, opt := range opts {
		opt(&rec)
	}
	return rec
}

func RecordStatus(status order.Status) RecordOpt {
	return func(r *order.Record) { r.Status = status }
}
func RecordUpdatedAt(ts time.Time) RecordOpt {
	return func(r *order.Record) { r.UpdatedAt = ts.UTC() }
}
func RecordItems(items ...order.Item) RecordOpt {
	return func(r *order.Record) {
		r.Items = items
		r.TotalAmount = 0
		for _, it := range items {
			r.TotalAmount += it.Price * float64(it.Quantity)
		}
	}
}

type NotificationOpt func(*order.Notification)

// NewNotification builds a vendor notification with sensible defaults.
func NewNotification(t *testing.T, base time.Time, id string, opts ...NotificationOpt) order.Notification {
	t.Helper()

	n := order.Notification{
		ID:        id,
		Type:      order.NotificationOrderStatus,
		Title:     "Order update",
		Message:   "Your order is being prepared",
		CreatedAt: base.UTC(),
		Data: order.NotificationData{
			OrderID: 42,
			Status:  order.StatusPreparing,
		},
	}
	for _, opt := range opts {
		opt(&n)
	}
	return n
}

func NotificationType(typ order.NotificationType) NotificationOpt {
	return func(n *order.Notification) { n.Type = typ }
}
func NotificationOrder(orderID int64, status order.Status) NotificationOpt {
	return func(n *order.Notification) {
		n.Data.OrderID = orderID
		n.Data.Status = status
	}
}
func NotificationText(title, message string) NotificationOpt {
	return func(n *order.Notification) {
		n.Title = title
		n.Message = message
	}
}
func NotificationCreatedAt(ts time.Time) NotificationOpt {
	return func(n *order.Notification) { n.CreatedAt = ts.UTC() }
}

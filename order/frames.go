package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types shared by all channels.
const (
	FrameConnectionEstablished = "connection_established"
	FramePong                  = "pong"
	FrameError                 = "error"
	FrameNotificationRead      = "notification_read_response"
	FrameVendorNotification    = "vendor_notification"
	FrameOrderUpdate           = "order_update"
	FrameOrderStatus           = "order_status"
	FrameOrderStatusUpdate     = "order_status_update"
	FrameTableStatusUpdate     = "table_status_update"
)

var (
	// ErrMalformedFrame marks a frame that could not be decoded. The
	// caller drops and logs it; the connection stays up.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrIncompleteUpdate marks an order update missing a required field.
	ErrIncompleteUpdate = errors.New("incomplete order update")
)

// Envelope is the outer wrapper every channel uses.
type Envelope struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses the outer frame wrapper.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// orderUpdatePayload mirrors the wire shape shared by the tracking and
// table channels. The server is inconsistent about id vs order_id and
// table_identifier vs qr_code; both spellings are accepted.
type orderUpdatePayload struct {
	ID              int64    `json:"id"`
	OrderID         int64    `json:"order_id"`
	Status          Status   `json:"status"`
	VendorID        int64    `json:"vendor_id"`
	TableIdentifier string   `json:"table_identifier"`
	QRCode          string   `json:"qr_code"`
	Items           []Item   `json:"items,omitempty"`
	TotalAmount     float64  `json:"total_amount,omitempty"`
	CreatedAt       *jsonUTC `json:"created_at,omitempty"`
	UpdatedAt       *jsonUTC `json:"updated_at,omitempty"`
	// ServerTimestamp is the freshness signature stamped by the backend's
	// order utilities. Updates without it are not trusted.
	ServerTimestamp *float64 `json:"server_timestamp,omitempty"`
}

type jsonUTC struct {
	time.Time
}

func (t *jsonUTC) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// DecodeOrderEvent turns an order_update / order_status / order_status_update
// payload into the canonical reconciler event.
func DecodeOrderEvent(data json.RawMessage) (Event, error) {
	if len(data) == 0 {
		return Event{}, fmt.Errorf("%w: empty payload", ErrIncompleteUpdate)
	}

	var p orderUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	id := p.ID
	if id == 0 {
		id = p.OrderID
	}
	if id == 0 || p.Status == "" {
		return Event{}, fmt.Errorf("%w: missing id or status", ErrIncompleteUpdate)
	}

	table := p.TableIdentifier
	if table == "" {
		table = p.QRCode
	}

	evt := Event{
		OrderID:         id,
		Status:          p.Status,
		VendorID:        p.VendorID,
		TableIdentifier: table,
		Signed:          p.ServerTimestamp != nil,
	}
	if p.UpdatedAt != nil {
		evt.UpdatedAt = p.UpdatedAt.Time
	}
	if len(p.Items) > 0 || p.TotalAmount != 0 || p.CreatedAt != nil {
		patch := &Patch{Items: p.Items, TotalAmount: p.TotalAmount}
		if p.CreatedAt != nil {
			patch.CreatedAt = p.CreatedAt.Time
		}
		evt.Patch = patch
	}
	return evt, nil
}

// notificationPayload is the vendor_notification data field on the wire.
type notificationPayload struct {
	ID        json.Number      `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Timestamp *jsonUTC         `json:"timestamp,omitempty"`
	CreatedAt *jsonUTC         `json:"created_at,omitempty"`
	Data      NotificationData `json:"data"`
}

// DecodeNotification parses a vendor_notification payload. A notification
// without a title is considered malformed (nothing displayable).
func DecodeNotification(data json.RawMessage, now time.Time) (Notification, error) {
	if len(data) == 0 {
		return Notification{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	var p notificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if p.Title == "" {
		return Notification{}, fmt.Errorf("%w: missing title", ErrMalformedFrame)
	}

	n := Notification{
		ID:      p.ID.String(),
		Type:    p.Type,
		Title:   p.Title,
		Message: p.Message,
		Data:    p.Data,
	}
	if n.Type == "" {
		n.Type = NotificationInfo
	}
	switch {
	case p.CreatedAt != nil:
		n.CreatedAt = p.CreatedAt.Time
	case p.Timestamp != nil:
		n.CreatedAt = p.Timestamp.Time
	default:
		n.CreatedAt = now.UTC()
	}
	return n, nil
}

// PingFrame is the outbound heartbeat payload.
type PingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPing builds the heartbeat frame with an epoch-ms timestamp.
func NewPing(now time.Time) PingFrame {
	return PingFrame{Type: "ping", Timestamp: now.UnixMilli()}
}

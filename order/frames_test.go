package order

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"order_update","data":{"id":9}}`))
	require.NoError(t, err)
	require.Equal(t, FrameOrderUpdate, env.Type)
	require.JSONEq(t, `{"id":9}`, string(env.Data))
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{]`))
	require.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeEnvelope([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrMalformedFrame, "missing type")
}

func TestDecodeOrderEventIDSpellings(t *testing.T) {
	evt, err := DecodeOrderEvent([]byte(`{"id":12,"status":"preparing"}`))
	require.NoError(t, err)
	require.Equal(t, int64(12), evt.OrderID)

	evt, err = DecodeOrderEvent([]byte(`{"order_id":13,"status":"ready"}`))
	require.NoError(t, err)
	require.Equal(t, int64(13), evt.OrderID)
	require.Equal(t, StatusReady, evt.Status)
}

func TestDecodeOrderEventTableSpellings(t *testing.T) {
	evt, err := DecodeOrderEvent([]byte(`{"id":1,"status":"pending","qr_code":"T4"}`))
	require.NoError(t, err)
	require.Equal(t, "T4", evt.TableIdentifier)

	evt, err = DecodeOrderEvent([]byte(`{"id":1,"status":"pending","table_identifier":"T5","qr_code":"T4"}`))
	require.NoError(t, err)
	require.Equal(t, "T5", evt.TableIdentifier, "table_identifier wins over qr_code")
}

func TestDecodeOrderEventSignature(t *testing.T) {
	evt, err := DecodeOrderEvent([]byte(`{"id":1,"status":"ready","server_timestamp":1722000000.5}`))
	require.NoError(t, err)
	require.True(t, evt.Signed)

	evt, err = DecodeOrderEvent([]byte(`{"id":1,"status":"ready"}`))
	require.NoError(t, err)
	require.False(t, evt.Signed)
}

func TestDecodeOrderEventIncomplete(t *testing.T) {
	_, err := DecodeOrderEvent([]byte(`{"status":"ready"}`))
	require.ErrorIs(t, err, ErrIncompleteUpdate)

	_, err = DecodeOrderEvent([]byte(`{"id":3}`))
	require.ErrorIs(t, err, ErrIncompleteUpdate)

	_, err = DecodeOrderEvent(nil)
	require.ErrorIs(t, err, ErrIncompleteUpdate)
}

func TestDecodeOrderEventPatch(t *testing.T) {
	raw := []byte(`{
		"id": 4,
		"status": "accepted",
		"items": [{"id":1,"name":"Momo","quantity":2,"price":150}],
		"total_amount": 300,
		"created_at": "2026-08-01T10:00:00Z",
		"updated_at": "2026-08-01 10:05:00"
	}`)
	evt, err := DecodeOrderEvent(raw)
	require.NoError(t, err)
	require.NotNil(t, evt.Patch)
	require.Len(t, evt.Patch.Items, 1)
	require.Equal(t, 300.0, evt.Patch.TotalAmount)
	require.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), evt.Patch.CreatedAt)
	require.Equal(t, time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC), evt.UpdatedAt)
}

func TestDecodeNotification(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	raw := []byte(`{
		"id": 77,
		"type": "order_status",
		"title": "Order ready",
		"message": "Order #42 is ready",
		"data": {"order_id": 42, "status": "ready"}
	}`)
	n, err := DecodeNotification(raw, now)
	require.NoError(t, err)
	require.Equal(t, "77", n.ID)
	require.Equal(t, NotificationOrderStatus, n.Type)
	require.Equal(t, int64(42), n.Data.OrderID)
	require.Equal(t, now, n.CreatedAt, "missing timestamp falls back to now")
}

func TestDecodeNotificationDefaultsTypeToInfo(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"id":1,"title":"Hello"}`), time.Now())
	require.NoError(t, err)
	require.Equal(t, NotificationInfo, n.Type)
}

func TestDecodeNotificationMissingTitle(t *testing.T) {
	_, err := DecodeNotification([]byte(`{"id":1,"message":"no title"}`), time.Now())
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDedupKeyOrderVsFreeForm(t *testing.T) {
	withOrder := Notification{
		Type: NotificationOrderStatus,
		Data: NotificationData{OrderID: 42, Status: StatusReady},
	}
	require.Equal(t, "order_status-42-ready", withOrder.DedupKey())

	base := time.Date(2026, 8, 1, 12, 0, 2, 0, time.UTC)
	a := Notification{Title: "Hi", Message: "there", CreatedAt: base}
	b := Notification{Title: "Hi", Message: "there", CreatedAt: base.Add(2 * time.Second)}
	c := Notification{Title: "Hi", Message: "there", CreatedAt: base.Add(10 * time.Second)}
	require.Equal(t, a.DedupKey(), b.DedupKey(), "same 5s bucket")
	require.NotEqual(t, a.DedupKey(), c.DedupKey(), "different bucket")
}

func TestToastMarkerKey(t *testing.T) {
	n := Notification{
		Type: NotificationOrderStatus,
		Data: NotificationData{OrderID: 42, Status: StatusReady},
	}
	require.Equal(t, "last_toast_order_status-42-ready", n.ToastMarkerKey())
}

func TestNewPing(t *testing.T) {
	now := time.UnixMilli(1722000000123)
	ping := NewPing(now)
	require.Equal(t, "ping", ping.Type)
	require.Equal(t, int64(1722000000123), ping.Timestamp)
}

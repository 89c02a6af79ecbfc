package order

import (
	"fmt"
	"time"
)

// NotificationType classifies a vendor notification.
type NotificationType string

const (
	NotificationNewOrder    NotificationType = "new_order"
	NotificationOrderStatus NotificationType = "order_status"
	NotificationPayment     NotificationType = "payment"
	NotificationInfo        NotificationType = "info"
)

// Notification is one event on the account-level notification channel.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"created_at"`
	Data      NotificationData `json:"data"`
}

// NotificationData is the structured payload a notification may carry.
type NotificationData struct {
	OrderID int64   `json:"order_id,omitempty"`
	Status  Status  `json:"status,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
}

const dedupBucket = 5 * time.Second

// DedupKey derives the identity used to collapse duplicate notifications.
// When the event references an order it is (type, orderId, status);
// otherwise (title, message, createdAt floored to 5s) so retransmissions
// of free-form notices still collapse.
func (n Notification) DedupKey() string {
	if n.Data.OrderID != 0 {
		return fmt.Sprintf("%s-%d-%s", n.Type, n.Data.OrderID, n.Data.Status)
	}
	bucket := n.CreatedAt.Truncate(dedupBucket).Unix()
	return fmt.Sprintf("%s|%s|%d", n.Title, n.Message, bucket)
}

// ToastMarkerKey is the durable storage key recording when a toast for
// this notification's transition was last shown.
func (n Notification) ToastMarkerKey() string {
	return fmt.Sprintf("last_toast_%s-%d-%s", n.Type, n.Data.OrderID, n.Data.Status)
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

// Marker keys used by the booking workflow. Other packages may define
// additional keys; storage does not interpret them.
const (
	MarkerCurrentOrderID  = "current_order_id"
	MarkerLastOrderTable  = "last_order_table"
	MarkerLastOrderVendor = "last_order_vendor"
)

// SetMarker stores a small string value under key.
func (s *Storage) SetMarker(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markers (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key, value, nowMillis())
	if err != nil {
		return fmt.Errorf("set marker %q: %w", key, err)
	}
	return nil
}

// GetMarker loads the value stored under key.
func (s *Storage) GetMarker(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM markers WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get marker %q: %w", key, err)
	}
	return value, true, nil
}

// DeleteMarker removes key. Deleting an absent key is not an error.
func (s *Storage) DeleteMarker(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM markers WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete marker %q: %w", key, err)
	}
	return nil
}

// RecordToastShown stamps the durable suppression marker for key.
func (s *Storage) RecordToastShown(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO toast_markers (key, shown_at_ms) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET shown_at_ms = excluded.shown_at_ms`,
		key, at.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record toast %q: %w", key, err)
	}
	return nil
}

// ToastShownAt returns when a toast for key was last shown, if ever.
func (s *Storage) ToastShownAt(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT shown_at_ms FROM toast_markers WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("toast marker %q: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// SaveCart persists the cart lines for one (vendor, table) pair.
func (s *Storage) SaveCart(ctx context.Context, vendorID int64, table string, items []order.Item) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO carts (vendor_id, table_identifier, payload, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (vendor_id, table_identifier) DO UPDATE SET
			payload = excluded.payload, updated_at_ms = excluded.updated_at_ms`,
		vendorID, table, payload, nowMillis())
	if err != nil {
		return fmt.Errorf("save cart %d/%s: %w", vendorID, table, err)
	}
	return nil
}

// LoadCart returns the persisted cart lines, or nil when none exist.
func (s *Storage) LoadCart(ctx context.Context, vendorID int64, table string) ([]order.Item, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM carts WHERE vendor_id = ? AND table_identifier = ?`,
		vendorID, table).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cart %d/%s: %w", vendorID, table, err)
	}

	var items []order.Item
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode cart %d/%s: %w", vendorID, table, err)
	}
	return items, nil
}

// ClearCart removes the cart for one (vendor, table) pair.
func (s *Storage) ClearCart(ctx context.Context, vendorID int64, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM carts WHERE vendor_id = ? AND table_identifier = ?`,
		vendorID, table)
	if err != nil {
		return fmt.Errorf("clear cart %d/%s: %w", vendorID, table, err)
	}
	return nil
}

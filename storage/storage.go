// Package storage is the durable client store: what this process
// currently believes about recent orders, plus the small markers that
// survive restarts (active booking, toast suppression, carts).
//
// All order writes funnel through the reconciler; storage itself only
// enforces the mechanical invariants (whole-record replacement, the
// tracked-order cap, insertion ordering).
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

//go:embed schema.sql
var schemaDDL string

// TrackedCap is the maximum number of orders kept in the tracked set.
// Inserting beyond it evicts the oldest by insertion order.
const TrackedCap = 5

// Storage wraps a single sqlite connection. Writes are serialized with a
// mutex; each write replaces a whole row keyed by id, so the merge
// decision always happens before the write, never interleaved with it.
type Storage struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
	cap    int
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) { s.logger = logger }
}

// WithTrackedCap overrides the tracked-order cap. Used in tests.
func WithTrackedCap(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.cap = n
		}
	}
}

// New opens (or creates) the store at path. Pass ":memory:" for an
// ephemeral store in tests.
func New(path string, opts ...Option) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Storage{
		db:     db,
		logger: slog.Default().WithGroup("storage"),
		cap:    TrackedCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// GetOrder loads one tracked order by id.
func (s *Storage) GetOrder(ctx context.Context, id int64) (order.Record, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM tracked_orders WHERE order_id = ?`, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Record{}, false, nil
	}
	if err != nil {
		return order.Record{}, false, fmt.Errorf("load order %d: %w", id, err)
	}

	var rec order.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return order.Record{}, false, fmt.Errorf("decode order %d: %w", id, err)
	}
	return rec, true, nil
}

// UpsertOrder replaces the stored record wholesale. A new id is appended
// at the top of the insertion order; an existing id keeps its position.
// When the set exceeds the cap the oldest entries are evicted, regardless
// of their status.
func (s *Storage) UpsertOrder(ctx context.Context, rec order.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode order %d: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tracked_orders (order_id, position, status, payload, updated_at_ms)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM tracked_orders), ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			status        = excluded.status,
			payload       = excluded.payload,
			updated_at_ms = excluded.updated_at_ms`,
		rec.ID, string(rec.Status), payload, rec.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert order %d: %w", rec.ID, err)
	}

	// Evict by insertion order only; terminal orders stay visible for
	// tracking history until they age out of the cap.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM tracked_orders WHERE order_id IN (
			SELECT order_id FROM tracked_orders
			ORDER BY position DESC LIMIT -1 OFFSET ?)`, s.cap)
	if err != nil {
		return fmt.Errorf("evict over cap: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// ListOrders returns the tracked set, most recently inserted first.
func (s *Storage) ListOrders(ctx context.Context) ([]order.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM tracked_orders ORDER BY position DESC`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []order.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		var rec order.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountOrders returns the size of the tracked set.
func (s *Storage) CountOrders(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_orders`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

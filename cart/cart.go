// Package cart holds the pre-order state for one (vendor, table) pair:
// the cart lines a guest is assembling, and the booking markers that
// enforce one active order per table. Placing an order hands the created
// record to the reconciler so the cache keeps a single writer.
package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
	"github.com/olrightythen/smart-qr-menu-system-sub000/reconcile"
	"github.com/olrightythen/smart-qr-menu-system-sub000/storage"
)

var (
	// ErrEmptyCart is returned by PlaceOrder when there is nothing to order.
	ErrEmptyCart = errors.New("cart: cart is empty")
	// ErrTableBusy is returned when a booking for another table is still
	// active. One table serves one order at a time.
	ErrTableBusy = errors.New("cart: another table has an active order")
)

// Store is the durable slice the manager needs.
type Store interface {
	SaveCart(ctx context.Context, vendorID int64, table string, items []order.Item) error
	LoadCart(ctx context.Context, vendorID int64, table string) ([]order.Item, error)
	ClearCart(ctx context.Context, vendorID int64, table string) error
	SetMarker(ctx context.Context, key, value string) error
	GetMarker(ctx context.Context, key string) (string, bool, error)
	DeleteMarker(ctx context.Context, key string) error
}

// Creator submits a new order upstream and returns the created record.
type Creator interface {
	CreateOrder(ctx context.Context, vendorID int64, table string, items []order.Item) (order.Record, error)
}

// Recorder routes a locally created order into the cache.
type Recorder interface {
	RecordLocal(ctx context.Context, rec order.Record) (reconcile.Outcome, error)
}

// Config wires a Manager.
type Config struct {
	Store    Store
	Creator  Creator
	Recorder Recorder
	VendorID int64
	Table    string
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Manager owns the cart and booking state for one (vendor, table) pair.
type Manager struct {
	mu       sync.Mutex
	store    Store
	creator  Creator
	recorder Recorder
	vendorID int64
	table    string
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager builds a Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		creator:  cfg.Creator,
		recorder: cfg.Recorder,
		vendorID: cfg.VendorID,
		table:    cfg.Table,
		logger:   logger.WithGroup("cart"),
		clock:    clock,
	}
}

// Items returns the persisted cart lines.
func (m *Manager) Items(ctx context.Context) ([]order.Item, error) {
	return m.store.LoadCart(ctx, m.vendorID, m.table)
}

// Add appends an item, merging quantity into an existing line with the
// same item ID.
func (m *Manager) Add(ctx context.Context, item order.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.store.LoadCart(ctx, m.vendorID, m.table)
	if err != nil {
		return err
	}
	merged := false
	for i := range items {
		if items[i].ID == item.ID {
			items[i].Quantity += item.Quantity
			merged = true
			break
		}
	}
	if !merged {
		items = append(items, item)
	}
	return m.store.SaveCart(ctx, m.vendorID, m.table, items)
}

// SetQuantity updates one line; quantity <= 0 removes it.
func (m *Manager) SetQuantity(ctx context.Context, itemID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.store.LoadCart(ctx, m.vendorID, m.table)
	if err != nil {
		return err
	}
	out := items[:0]
	for _, it := range items {
		if it.ID == itemID {
			if quantity <= 0 {
				continue
			}
			it.Quantity = quantity
		}
		out = append(out, it)
	}
	return m.store.SaveCart(ctx, m.vendorID, m.table, out)
}

// Remove deletes one line.
func (m *Manager) Remove(ctx context.Context, itemID int64) error {
	return m.SetQuantity(ctx, itemID, 0)
}

// Total sums the cart.
func (m *Manager) Total(ctx context.Context) (float64, error) {
	items, err := m.store.LoadCart(ctx, m.vendorID, m.table)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, it := range items {
		total += it.Price * float64(it.Quantity)
	}
	return total, nil
}

// Clear discards the cart.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.ClearCart(ctx, m.vendorID, m.table)
}

// PlaceOrder submits the cart upstream, records the created order through
// the reconciler, stamps the booking markers, and clears the cart.
func (m *Manager) PlaceOrder(ctx context.Context) (order.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.store.LoadCart(ctx, m.vendorID, m.table)
	if err != nil {
		return order.Record{}, err
	}
	if len(items) == 0 {
		return order.Record{}, ErrEmptyCart
	}

	if err := m.checkBookingLocked(ctx); err != nil {
		return order.Record{}, err
	}

	rec, err := m.creator.CreateOrder(ctx, m.vendorID, m.table, items)
	if err != nil {
		return order.Record{}, fmt.Errorf("create order: %w", err)
	}
	m.fillRecord(&rec, items)

	if _, err := m.recorder.RecordLocal(ctx, rec); err != nil {
		return order.Record{}, fmt.Errorf("record order %d: %w", rec.ID, err)
	}
	if err := m.setActiveOrderLocked(ctx, rec.ID); err != nil {
		return order.Record{}, err
	}
	if err := m.store.ClearCart(ctx, m.vendorID, m.table); err != nil {
		return order.Record{}, err
	}

	m.logger.Info("order placed",
		slog.Int64("order_id", rec.ID),
		slog.Int64("vendor_id", m.vendorID),
		slog.String("table", m.table),
		slog.Int("items", len(items)))
	return rec, nil
}

// ActiveOrder returns the order currently booked for this process, if any.
func (m *Manager) ActiveOrder(ctx context.Context) (int64, bool, error) {
	value, found, err := m.store.GetMarker(ctx, storage.MarkerCurrentOrderID)
	if err != nil || !found {
		return 0, false, err
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt %s marker %q: %w",
			storage.MarkerCurrentOrderID, value, err)
	}
	return id, true, nil
}

// ClearActiveOrder releases the booking markers if they belong to
// orderID. orderID 0 clears unconditionally. Satisfies the reconciler's
// terminal-status cleanup hook.
func (m *Manager) ClearActiveOrder(ctx context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if orderID != 0 {
		value, found, err := m.store.GetMarker(ctx, storage.MarkerCurrentOrderID)
		if err != nil {
			return err
		}
		if !found || value != strconv.FormatInt(orderID, 10) {
			return nil
		}
	}

	var errs []error
	for _, key := range []string{
		storage.MarkerCurrentOrderID,
		storage.MarkerLastOrderTable,
		storage.MarkerLastOrderVendor,
	} {
		if err := m.store.DeleteMarker(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.logger.Info("booking released", slog.Int64("order_id", orderID))
	return nil
}

func (m *Manager) checkBookingLocked(ctx context.Context) error {
	_, found, err := m.store.GetMarker(ctx, storage.MarkerCurrentOrderID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	table, _, err := m.store.GetMarker(ctx, storage.MarkerLastOrderTable)
	if err != nil {
		return err
	}
	if table != m.table {
		return fmt.Errorf("%w: table %q", ErrTableBusy, table)
	}
	return nil
}

func (m *Manager) setActiveOrderLocked(ctx context.Context, orderID int64) error {
	for key, value := range map[string]string{
		storage.MarkerCurrentOrderID:  strconv.FormatInt(orderID, 10),
		storage.MarkerLastOrderTable:  m.table,
		storage.MarkerLastOrderVendor: strconv.FormatInt(m.vendorID, 10),
	} {
		if err := m.store.SetMarker(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// fillRecord completes fields the upstream create response may omit.
func (m *Manager) fillRecord(rec *order.Record, items []order.Item) {
	now := m.clock().UTC()
	if rec.Status == "" {
		rec.Status = order.StatusPending
	}
	if rec.VendorID == 0 {
		rec.VendorID = m.vendorID
	}
	if rec.TableIdentifier == "" {
		rec.TableIdentifier = m.table
	}
	if len(rec.Items) == 0 {
		rec.Items = items
	}
	if rec.TotalAmount == 0 {
		for _, it := range items {
			rec.TotalAmount += it.Price * float64(it.Quantity)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
}

// Package sqllogger provides a slog.Handler that mirrors records into a
// durable store through a caller-supplied insert function. Inserts happen
// on a background goroutine so logging never blocks the event path.
package sqllogger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

var (
	ErrQueueFull     = errors.New("sqllogger: queue full")
	ErrHandlerClosed = errors.New("sqllogger: handler closed")
)

// InsertLogEntryParams is one row handed to the insert function.
type InsertLogEntryParams struct {
	TimestampMillis int64
	LevelText       string
	Scope           string
	Message         string
	AttrsJSON       []byte
}

// InsertFunc persists a single log row.
type InsertFunc func(context.Context, InsertLogEntryParams) error

// Option configures a Handler.
type Option func(*config)

type config struct {
	minLevel  slog.Level
	queueSize int
	insertFn  InsertFunc
}

// WithMinLevel sets the lowest level mirrored to the store.
func WithMinLevel(level slog.Level) Option {
	return func(cfg *config) { cfg.minLevel = level }
}

// WithQueueSize overrides the pending-insert queue length.
func WithQueueSize(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.queueSize = size
		}
	}
}

// WithInsertFunc supplies the persistence function. Required.
func WithInsertFunc(fn InsertFunc) Option {
	return func(cfg *config) { cfg.insertFn = fn }
}

// Handler is the slog.Handler. Clones created by WithAttrs/WithGroup share
// one core so the queue and worker are process-wide.
type Handler struct {
	core   *core
	attrs  []slog.Attr
	groups []string
}

type core struct {
	insertFn InsertFunc
	minLevel slog.Level

	queue  chan InsertLogEntryParams
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewHandler builds a Handler and starts its background worker.
func NewHandler(opts ...Option) (*Handler, error) {
	cfg := config{minLevel: slog.LevelInfo, queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.insertFn == nil {
		return nil, errors.New("sqllogger: insert function is required")
	}

	c := &core{
		insertFn: cfg.insertFn,
		minLevel: cfg.minLevel,
		queue:    make(chan InsertLogEntryParams, cfg.queueSize),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()

	return &Handler{core: c}, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return h != nil && h.core != nil && level >= h.core.minLevel
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if !h.Enabled(ctx, record.Level) {
		return nil
	}
	if h.core.closed.Load() {
		return ErrHandlerClosed
	}

	ts := record.Time.UTC().UnixMilli()
	if ts == 0 {
		ts = time.Now().UTC().UnixMilli()
	}
	entry := InsertLogEntryParams{
		TimestampMillis: ts,
		LevelText:       record.Level.String(),
		Scope:           strings.Join(h.groups, "."),
		Message:         record.Message,
		AttrsJSON:       h.encodeAttrs(record),
	}

	select {
	case h.core.queue <- entry:
		return nil
	default:
		return ErrQueueFull
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *Handler) clone() *Handler {
	return &Handler{
		core:   h.core,
		attrs:  append([]slog.Attr{}, h.attrs...),
		groups: append([]string{}, h.groups...),
	}
}

// Close drains pending inserts and stops the worker.
func (h *Handler) Close(ctx context.Context) error {
	if h == nil || h.core == nil {
		return nil
	}
	c := h.core
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *core) run() {
	defer c.wg.Done()
	for {
		select {
		case entry := <-c.queue:
			_ = c.insertFn(context.Background(), entry)
		case <-c.done:
			for {
				select {
				case entry := <-c.queue:
					_ = c.insertFn(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) encodeAttrs(record slog.Record) []byte {
	flat := map[string]any{}
	for _, attr := range h.attrs {
		flattenAttr(flat, "", attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		flattenAttr(flat, "", attr)
		return true
	})
	if len(flat) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// flattenAttr writes attrs into dst using dotted keys for groups. A flat
// map keeps the sqlite rows greppable without JSON path queries.
func flattenAttr(dst map[string]any, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	key := attr.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	if attr.Value.Kind() == slog.KindGroup {
		for _, child := range attr.Value.Group() {
			flattenAttr(dst, key, child)
		}
		return
	}
	if attr.Key == "" {
		return
	}

	switch attr.Value.Kind() {
	case slog.KindString:
		dst[key] = attr.Value.String()
	case slog.KindInt64:
		dst[key] = attr.Value.Int64()
	case slog.KindUint64:
		dst[key] = attr.Value.Uint64()
	case slog.KindFloat64:
		dst[key] = attr.Value.Float64()
	case slog.KindBool:
		dst[key] = attr.Value.Bool()
	case slog.KindDuration:
		dst[key] = attr.Value.Duration().String()
	case slog.KindTime:
		dst[key] = attr.Value.Time().UTC()
	default:
		dst[key] = attr.Value.Any()
	}
}

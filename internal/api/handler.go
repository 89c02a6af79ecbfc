// Package api exposes the reconciled sync state over HTTP: tracked
// orders, the notification feed, per-channel connection status, and an
// SSE stream of live updates. Real UIs subscribe here instead of talking
// to the channels directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/olrightythen/smart-qr-menu-system-sub000/channel"
	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
)

// Store abstracts the bits of storage the API surfaces.
type Store interface {
	GetOrder(ctx context.Context, id int64) (order.Record, bool, error)
	ListOrders(ctx context.Context) ([]order.Record, error)
}

// Feed abstracts the notification deduplicator.
type Feed interface {
	Recent(limit int) []order.Notification
	Unread() int
	MarkRead(id string)
	MarkAllRead()
}

// StatusFunc reports the current per-channel connection snapshots.
type StatusFunc func() map[string]channel.Snapshot

// Handler serves the sync API.
type Handler struct {
	store  Store
	feed   Feed
	status StatusFunc
	stream *StreamController
	logger *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger overrides the handler's logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger.WithGroup("api")
		}
	}
}

// NewHandler wires the API surface together.
func NewHandler(store Store, feed Feed, status StatusFunc, stream *StreamController, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:  store,
		feed:   feed,
		status: status,
		stream: stream,
		logger: slog.Default().WithGroup("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the handler's mux. CORS wrapping happens in the caller.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/orders", h.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.handleGetOrder)
	mux.HandleFunc("GET /api/notifications", h.handleNotifications)
	mux.HandleFunc("POST /api/notifications/read", h.handleMarkRead)
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/stream", h.handleStream)
	return mux
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListOrders(r.Context())
	if err != nil {
		h.serverError(w, r, "list orders", err)
		return
	}
	if recs == nil {
		recs = []order.Record{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"orders": recs})
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid order id"})
		return
	}

	rec, found, err := h.store.GetOrder(r.Context(), id)
	if err != nil {
		h.serverError(w, r, "get order", err)
		return
	}
	if !found {
		h.writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}

	notifications := h.feed.Recent(limit)
	if notifications == nil {
		notifications = []order.Notification{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"unread":        h.feed.Unread(),
	})
}

type markReadRequest struct {
	ID string `json:"id"`
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
	}

	// Empty body or empty id marks the whole feed read.
	if req.ID == "" {
		h.feed.MarkAllRead()
	} else {
		h.feed.MarkRead(req.ID)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"unread": h.feed.Unread()})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshots := map[string]channel.Snapshot{}
	if h.status != nil {
		snapshots = h.status()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"channels": snapshots})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "stream unavailable"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming not supported"})
		return
	}

	events := h.stream.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The initial comment completes the SSE handshake before any event
	// is available.
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, evt); err != nil {
				h.logger.Warn("write sse frame",
					slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w io.Writer, evt StreamEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "id: "+strconv.FormatInt(evt.Sequence, 10)+"\n"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "event: "+string(evt.Type)+"\n"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "data: "+string(payload)+"\n\n"); err != nil {
		return err
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("encode response", slog.String("error", err.Error()))
	}
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": msg})
}

// Server builds an http.Server for the handler with conservative
// timeouts. WriteTimeout stays 0 so the SSE stream is not cut off.
func (h *Handler) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

package log

import (
	"context"
	"log/slog"
	"strings"
)

// FanoutHandler delivers each record to every child handler that accepts
// its level. Used to pair the console handler with the sqlite sink.
type FanoutHandler struct {
	children []slog.Handler
}

// NewFanoutHandler builds a FanoutHandler, skipping nil children.
func NewFanoutHandler(handlers ...slog.Handler) *FanoutHandler {
	kept := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			kept = append(kept, h)
		}
	}
	return &FanoutHandler{children: kept}
}

func (f *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range f.children {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *FanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, child := range f.children {
		if !child.Enabled(ctx, record.Level) {
			continue
		}
		if err := child.Handle(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, len(f.children))
	for i, child := range f.children {
		children[i] = child.WithAttrs(attrs)
	}
	return &FanoutHandler{children: children}
}

func (f *FanoutHandler) WithGroup(name string) slog.Handler {
	children := make([]slog.Handler, len(f.children))
	for i, child := range f.children {
		children[i] = child.WithGroup(name)
	}
	return &FanoutHandler{children: children}
}

// GroupFilterHandler emits only records logged under one of the allowed
// slog groups. With no allowed groups the wrapped handler is returned
// unchanged from the constructor.
type GroupFilterHandler struct {
	next    slog.Handler
	allowed map[string]struct{}
	path    []string
}

// NewGroupFilterHandler wraps next with group filtering.
func NewGroupFilterHandler(next slog.Handler, allowedGroups []string) slog.Handler {
	if next == nil || len(allowedGroups) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(allowedGroups))
	for _, group := range allowedGroups {
		if g := strings.ToLower(strings.TrimSpace(group)); g != "" {
			allowed[g] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilterHandler{next: next, allowed: allowed}
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h != nil && h.next != nil && h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, group := range h.path {
		if _, ok := h.allowed[group]; ok {
			return h.next.Handle(ctx, record)
		}
	}
	return nil
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilterHandler{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		path:    append([]string{}, h.path...),
	}
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := &GroupFilterHandler{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		path:    append([]string{}, h.path...),
	}
	clone.path = append(clone.path, strings.ToLower(name))
	return clone
}

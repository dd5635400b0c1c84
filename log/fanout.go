package log

import (
	"context"
	"log/slog"
)

// FanoutHandler duplicates every record to all child handlers. Used to pair
// the console handler with the sqlite sink.
//
// TODO: drop this helper once Go's native MultiHandler lands (CL 692237).
type FanoutHandler struct {
	children []slog.Handler
}

// NewFanoutHandler constructs a FanoutHandler, skipping nil children.
func NewFanoutHandler(handlers ...slog.Handler) *FanoutHandler {
	kept := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			kept = append(kept, h)
		}
	}
	return &FanoutHandler{children: kept}
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h.children {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, child := range h.children {
		if !child.Enabled(ctx, record.Level) {
			continue
		}
		if err := child.Handle(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.children))
	for i, child := range h.children {
		next[i] = child.WithAttrs(attrs)
	}
	return &FanoutHandler{children: next}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.children))
	for i, child := range h.children {
		next[i] = child.WithGroup(name)
	}
	return &FanoutHandler{children: next}
}

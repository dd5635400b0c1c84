package log

import (
	"context"
	"log/slog"
	"strings"
)

// ScopeFilterHandler drops records that do not belong to one of the allowed
// slog groups. The trader scopes components via Logger.WithGroup (tracker,
// processor, executor, ...) so an operator can narrow noisy debug output to
// one component.
type ScopeFilterHandler struct {
	next    slog.Handler
	allowed map[string]struct{}
	scopes  []string
}

// NewScopeFilterHandler wraps next with scope filtering. With no allowed
// scopes the original handler is returned unchanged.
func NewScopeFilterHandler(next slog.Handler, allowedScopes []string) slog.Handler {
	if next == nil || len(allowedScopes) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(allowedScopes))
	for _, scope := range allowedScopes {
		if trimmed := strings.TrimSpace(strings.ToLower(scope)); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &ScopeFilterHandler{next: next, allowed: allowed}
}

func (h *ScopeFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h == nil || h.next == nil {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *ScopeFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, scope := range h.scopes {
		if _, ok := h.allowed[scope]; ok {
			return h.next.Handle(ctx, record)
		}
	}
	return nil
}

func (h *ScopeFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ScopeFilterHandler{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		scopes:  append([]string{}, h.scopes...),
	}
}

func (h *ScopeFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := &ScopeFilterHandler{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		scopes:  append([]string{}, h.scopes...),
	}
	clone.scopes = append(clone.scopes, strings.ToLower(name))
	return clone
}

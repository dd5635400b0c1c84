// Package log assembles the trader's slog pipeline: the console handler is
// fanned out to the sqlite journal, with optional per-component scope
// filtering layered on top.
package log

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// ContextWithLogger stores the process logger on the context so components
// started from it can log without a threaded *slog.Logger parameter.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, logger)
}

// LoggerFromContext returns the logger stored by ContextWithLogger, falling
// back to slog.Default for contexts that never passed through startup.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

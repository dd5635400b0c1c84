package log

import (
	"context"
	"log/slog"
	"testing"
)

func TestLoggerContextRoundTrip(t *testing.T) {
	logger := slog.New(&recordingHandler{})
	ctx := ContextWithLogger(context.Background(), logger)

	if got := LoggerFromContext(ctx); got != logger {
		t.Fatal("expected the stored logger back")
	}
}

func TestLoggerFromContextDefaults(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != slog.Default() {
		t.Fatal("expected the default logger for a bare context")
	}
}

func TestContextWithNilLogger(t *testing.T) {
	ctx := context.Background()
	if got := ContextWithLogger(ctx, nil); got != ctx {
		t.Fatal("expected the context unchanged")
	}
}

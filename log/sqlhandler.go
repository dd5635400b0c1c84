package log

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const sinkQueueSize = 256

var ErrSinkClosed = errors.New("log: sql sink closed")

// Entry is one log record flattened for the journal table.
type Entry struct {
	TimestampMillis int64
	LevelText       string
	Scope           string
	Message         string
	AttrsJSON       []byte
	SourceFile      string
	SourceLine      int
	SourceFunction  string
}

// InsertFunc persists one entry. storage provides the sqlite-backed
// implementation.
type InsertFunc func(ctx context.Context, entry Entry) error

// SQLHandler is an slog.Handler that journals records through an InsertFunc.
// Writes happen on a background goroutine; a full queue drops the record
// rather than stall the trading loop.
type SQLHandler struct {
	core   *sinkCore
	attrs  []slog.Attr
	scopes []string
}

type sinkCore struct {
	insertFn InsertFunc
	minLevel slog.Level

	queue  chan Entry
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

func NewSQLHandler(insertFn InsertFunc, minLevel slog.Level) *SQLHandler {
	ctx, cancel := context.WithCancel(context.Background())
	core := &sinkCore{
		insertFn: insertFn,
		minLevel: minLevel,
		queue:    make(chan Entry, sinkQueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go core.run(ctx)
	return &SQLHandler{core: core}
}

func (h *SQLHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.core.minLevel
}

func (h *SQLHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.core.closed.Load() {
		return ErrSinkClosed
	}

	entry := h.buildEntry(record)
	select {
	case h.core.queue <- entry:
		return nil
	default:
		// queue full, drop rather than block the caller
		return nil
	}
}

func (h *SQLHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *SQLHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.scopes = append(clone.scopes, name)
	return clone
}

func (h *SQLHandler) clone() *SQLHandler {
	return &SQLHandler{
		core:   h.core,
		attrs:  append([]slog.Attr{}, h.attrs...),
		scopes: append([]string{}, h.scopes...),
	}
}

// Close stops accepting records and waits for the queue to drain, bounded by
// ctx.
func (h *SQLHandler) Close(ctx context.Context) error {
	if !h.core.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.core.cancel()
	select {
	case <-h.core.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sinkCore) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case entry := <-c.queue:
			_ = c.insertFn(context.Background(), entry)
		case <-ctx.Done():
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

func (h *SQLHandler) buildEntry(record slog.Record) Entry {
	ts := record.Time.UTC().UnixMilli()
	if ts == 0 {
		ts = time.Now().UTC().UnixMilli()
	}

	entry := Entry{
		TimestampMillis: ts,
		LevelText:       record.Level.String(),
		Scope:           strings.Join(h.scopes, "."),
		Message:         record.Message,
	}

	if frame := record.Source(); frame != nil {
		entry.SourceFile = frame.File
		entry.SourceLine = frame.Line
		entry.SourceFunction = frame.Function
	}

	flat := make(map[string]any, len(h.attrs)+record.NumAttrs())
	for _, attr := range h.attrs {
		flattenAttr(flat, "", attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		flattenAttr(flat, "", attr)
		return true
	})
	if data, err := json.Marshal(flat); err == nil {
		entry.AttrsJSON = data
	} else {
		entry.AttrsJSON = []byte("{}")
	}

	return entry
}

// flattenAttr records nested groups with dotted keys.
func flattenAttr(dst map[string]any, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	key := attr.Key
	if prefix != "" {
		key = prefix + "." + attr.Key
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
	dst[key] = attr.Value.Any()
}

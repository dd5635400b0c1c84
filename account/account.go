// Package account publishes the venue account view as a JSON file for
// external consumers, rewritten after state-changing reconciliations and on
// a fixed timer.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/sigflow/sigflow/sigflow"
)

// PositionSnapshot is one open position in the published file.
type PositionSnapshot struct {
	Symbol        string  `json:"symbol"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	Side          string  `json:"side"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	MarkPrice     float64 `json:"mark_price"`
}

// Snapshot is the published account file schema. The field names are the
// contract with the downstream reader.
type Snapshot struct {
	Balance         float64            `json:"balance"`
	AvailableMargin float64            `json:"available_margin"`
	UsedMargin      float64            `json:"used_margin"`
	Timestamp       int64              `json:"timestamp"`
	Positions       []PositionSnapshot `json:"positions"`
}

// Writer refreshes the snapshot file from venue state.
type Writer struct {
	exchange sigflow.Exchange
	path     string
	logger   *slog.Logger
	now      func() time.Time
}

// NewWriter builds a Writer publishing to path.
func NewWriter(exchange sigflow.Exchange, path string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		exchange: exchange,
		path:     path,
		logger:   logger.WithGroup("account"),
		now:      time.Now,
	}
}

// Refresh queries the venue and rewrites the snapshot file.
func (w *Writer) Refresh(ctx context.Context) (Snapshot, error) {
	state, err := w.exchange.UserState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query user state: %w", err)
	}

	snap := Snapshot{
		Balance:         state.AccountValue,
		AvailableMargin: state.Withdrawable,
		UsedMargin:      state.MaintenanceMargin,
		Timestamp:       w.now().Unix(),
		Positions:       make([]PositionSnapshot, 0, len(state.Positions)),
	}
	for _, pos := range state.Positions {
		side := "LONG"
		if pos.Size < 0 {
			side = "SHORT"
		}
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Symbol:        pos.Coin,
			Size:          math.Abs(pos.Size),
			EntryPrice:    pos.EntryPrice,
			Side:          side,
			UnrealizedPnl: pos.UnrealizedPnl,
			MarkPrice:     pos.MarkPrice,
		})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode account snapshot: %w", err)
	}
	if err := os.WriteFile(w.path, data, 0o644); err != nil {
		return Snapshot{}, fmt.Errorf("write account snapshot: %w", err)
	}

	w.logger.Info("account snapshot updated",
		slog.Float64("balance", snap.Balance),
		slog.Int("positions", len(snap.Positions)),
	)
	return snap, nil
}

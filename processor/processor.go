// Package processor orchestrates the signal path: it pulls pending signals
// from the store, applies admission control against tracked exposure, sizes
// and rounds the order, and hands the result to the executor.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sigflow/sigflow/executor"
	"github.com/sigflow/sigflow/sigflow"
	"github.com/sigflow/sigflow/signals"
	"github.com/sigflow/sigflow/storage"
	"github.com/sigflow/sigflow/ticks"
	"github.com/sigflow/sigflow/tracker"
)

// TrackerView is the tracker surface the processor consumes.
type TrackerView interface {
	ActiveSymbols(ctx context.Context) (tracker.ActiveSet, error)
	TrackOrder(o tracker.PendingOrder)
	TrackPosition(p tracker.Position)
}

// TradeExecutor submits a vetted trade. *executor.Executor implements it.
type TradeExecutor interface {
	Execute(ctx context.Context, t executor.Trade) (executor.Result, error)
}

// Config bounds the processor's admission and sizing decisions.
type Config struct {
	MaxPerBatch     int
	MaxSignalAge    time.Duration
	MaxPositions    int
	RiskPerTrade    float64
	MaxPositionSize float64
	SymbolMapping   map[string]string
}

func (c Config) withDefaults() Config {
	if c.MaxPerBatch <= 0 {
		c.MaxPerBatch = 3
	}
	if c.MaxSignalAge <= 0 {
		c.MaxSignalAge = 5 * time.Minute
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 5
	}
	if c.RiskPerTrade <= 0 {
		c.RiskPerTrade = 0.01
	}
	if c.MaxPositionSize <= 0 {
		c.MaxPositionSize = 1.0
	}
	return c
}

// Processor runs one signal batch per loop tick. Not safe for concurrent
// use; the loop guarantees single-cycle execution.
type Processor struct {
	source   signals.Source
	trk      TrackerView
	exec     TradeExecutor
	exchange sigflow.Exchange
	ticks    *ticks.Table
	store    *storage.Storage
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	// onOutcome, when set, observes every terminal signal status.
	onOutcome func(status string)
}

// New builds a Processor. store may be nil to disable outcome journaling.
func New(source signals.Source, trk TrackerView, exec TradeExecutor, exchange sigflow.Exchange, ticksTable *ticks.Table, store *storage.Storage, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		source:   source,
		trk:      trk,
		exec:     exec,
		exchange: exchange,
		ticks:    ticksTable,
		store:    store,
		logger:   logger.WithGroup("processor"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// SetOutcomeHook registers an observer for terminal signal statuses.
func (p *Processor) SetOutcomeHook(fn func(status string)) {
	p.onOutcome = fn
}

// Configure replaces the processor's trading parameters. Called between
// cycles only, the loop never runs concurrently with a config command.
func (p *Processor) Configure(cfg Config) {
	p.cfg = cfg.withDefaults()
}

// Settings returns the active trading parameters.
func (p *Processor) Settings() Config {
	return p.cfg
}

// ProcessBatch drains up to MaxPerBatch signals in FIFO order. Per-signal
// failures are logged and left for the next cycle; only an unavailable
// admission snapshot aborts the batch. Returns how many signals resulted in
// an order this cycle.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	handles, err := p.source.ListPending()
	if err != nil {
		return 0, fmt.Errorf("list pending signals: %w", err)
	}
	if len(handles) == 0 {
		return 0, nil
	}

	active, err := p.trk.ActiveSymbols(ctx)
	if err != nil {
		return 0, fmt.Errorf("admission snapshot: %w", err)
	}

	processed := 0
	for _, h := range handles {
		if processed >= p.cfg.MaxPerBatch {
			p.logger.Info("batch cap reached, deferring remaining signals",
				slog.Int("cap", p.cfg.MaxPerBatch),
				slog.Int("deferred", len(handles)-processed),
			)
			break
		}
		placed, err := p.processOne(ctx, h, active)
		if err != nil {
			p.logger.Warn("signal deferred to next cycle",
				slog.String("signal", h.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if placed {
			processed++
		}
	}
	return processed, nil
}

// processOne runs the admission/sizing/execution pipeline for one signal.
// The returned bool reports whether an order went out; the error reports a
// retryable failure (the signal file stays in place).
func (p *Processor) processOne(ctx context.Context, h signals.Handle, active tracker.ActiveSet) (bool, error) {
	sig, err := p.source.Load(h)
	if err != nil {
		// A record that cannot be parsed will never improve; archive it.
		p.logger.Error("unreadable signal, archiving",
			slog.String("signal", h.Name),
			slog.String("error", err.Error()),
		)
		p.archive(h)
		return false, nil
	}

	log := p.logger.With(slog.String("signal", h.Name), slog.String("id", sig.ID))

	if err := sig.Validate(); err != nil {
		log.Warn("invalid signal, archiving", slog.String("error", err.Error()))
		p.finishSignal(h, sig, "invalid: "+err.Error(), "invalid")
		return false, nil
	}

	if age := sig.Age(p.now()); age > p.cfg.MaxSignalAge {
		log.Warn("signal expired", slog.Duration("age", age))
		p.finishSignal(h, sig, "expired", "expired")
		return false, nil
	}

	symbol := p.exchangeSymbol(sig.Symbol)
	side, _ := sig.Side()

	if active.IsActive(symbol) {
		reason := fmt.Sprintf("Symbol already has an %s", active.Reason(symbol))
		log.Warn("symbol occupied, ignoring signal",
			slog.String("symbol", symbol),
			slog.String("reason", reason),
		)
		p.finishSignal(h, sig, reason, "ignored")
		return false, nil
	}

	if active.PositionCount() >= p.cfg.MaxPositions {
		// Deliberately not archived: "too busy" is not "invalid".
		log.Warn("at position limit, deferring signal",
			slog.Int("max_positions", p.cfg.MaxPositions),
		)
		return false, nil
	}

	entry := p.ticks.Round(sig.Price, symbol)
	brackets := sigflow.RepairBrackets(side, sig.Price, sigflow.Brackets{
		TakeProfit: sig.TakeProfit,
		StopLoss:   sig.StopLoss,
	})
	tp := p.ticks.Round(brackets.TakeProfit, symbol)
	sl := p.ticks.Round(brackets.StopLoss, symbol)
	if tp != sig.TakeProfit || sl != sig.StopLoss {
		log.Info("bracket levels adjusted",
			slog.Float64("take_profit", tp),
			slog.Float64("stop_loss", sl),
		)
	}

	size := p.resolveSize(ctx, sig, symbol, entry, sl, log)

	if occupied := p.lastInstantCheck(ctx, symbol, log); occupied {
		p.finishSignal(h, sig, "Symbol already has an open position (detected in last-minute check)", "ignored")
		return false, nil
	}

	// Block the symbol for the rest of this batch before the order goes out.
	active.Pending[symbol] = true

	res, err := p.exec.Execute(ctx, executor.Trade{
		SignalID:   sig.ID,
		Coin:       symbol,
		Side:       side,
		EntryPrice: entry,
		Size:       size,
		TakeProfit: tp,
		StopLoss:   sl,
	})
	if err != nil {
		p.recordOutcome(sig, "error")
		return false, err
	}

	switch res.Outcome {
	case executor.OutcomeFilled:
		entryPrice := entry
		if res.AvgPrice > 0 {
			entryPrice = res.AvgPrice
		}
		p.trk.TrackPosition(tracker.Position{
			ID:           fmt.Sprintf("%s_%d", symbol, res.OrderID),
			Symbol:       symbol,
			SignalID:     sig.ID,
			Side:         side,
			PlannedEntry: entry,
			ActualEntry:  entryPrice,
			Size:         res.FilledSize,
			TakeProfit:   tp,
			StopLoss:     sl,
			EntryTime:    p.now(),
		})
		active.Positions[symbol] = true
		sig.Processed = true
		p.markOutcome(h, sig)
		p.archive(h)
		p.recordOutcome(sig, "success")
		log.Info("signal executed", slog.String("symbol", symbol))
		return true, nil

	case executor.OutcomeResting:
		p.trk.TrackOrder(tracker.PendingOrder{
			Cloid:       res.Cloid,
			OrderID:     res.OrderID,
			Symbol:      symbol,
			SignalID:    sig.ID,
			Side:        side,
			EntryPrice:  entry,
			Size:        size,
			TakeProfit:  tp,
			StopLoss:    sl,
			SubmittedAt: p.now(),
		})
		sig.Processing = true
		sig.OrderID = res.Cloid
		p.markOutcome(h, sig)
		p.recordOutcome(sig, "open_order")
		log.Info("entry resting, keeping signal live",
			slog.String("symbol", symbol),
			slog.String("cloid", res.Cloid),
		)
		return true, nil

	default:
		p.recordOutcome(sig, "rejected")
		return false, fmt.Errorf("entry rejected: %s", res.Message)
	}
}

func (p *Processor) exchangeSymbol(symbol string) string {
	if mapped, ok := p.cfg.SymbolMapping[symbol]; ok {
		return mapped
	}
	return symbol
}

// resolveSize uses the signal's size when given, otherwise sizes off account
// equity and per-trade risk. Sizing never blocks a trade: failures fall back
// to the symbol minimum.
func (p *Processor) resolveSize(ctx context.Context, sig sigflow.Signal, symbol string, entry, stopLoss float64, log *slog.Logger) float64 {
	size := sig.Size
	if size <= 0 {
		state, err := p.exchange.UserState(ctx)
		if err != nil {
			log.Error("sizing query failed, using minimum size", slog.String("error", err.Error()))
			size = 0.01
		} else {
			riskAmount := state.AccountValue * p.cfg.RiskPerTrade * sig.EffectiveStrength()
			riskPerContract := math.Abs(entry - stopLoss)
			if riskPerContract <= 0 {
				log.Warn("degenerate stop distance, using 1% of entry")
				riskPerContract = entry * 0.01
			}
			size = riskAmount / riskPerContract
			size = math.Min(size, p.cfg.MaxPositionSize)
			size = roundSize(size, symbol)
		}
	}
	if floor := minSize(symbol); size < floor {
		log.Warn("position size below minimum",
			slog.Float64("size", size),
			slog.Float64("minimum", floor),
		)
		size = floor
	}
	log.Info("position size resolved",
		slog.String("symbol", symbol),
		slog.Float64("size", size),
	)
	return size
}

func minSize(symbol string) float64 {
	if symbol == "BTC" {
		return 0.001
	}
	return 0.01
}

// roundSize quantizes contract counts, finer for the majors.
func roundSize(size float64, symbol string) float64 {
	decimals := 1
	switch symbol {
	case "BTC":
		decimals = 3
	case "ETH", "SOL":
		decimals = 2
	}
	pow := math.Pow10(decimals)
	return math.Round(size*pow) / pow
}

// lastInstantCheck re-queries remote truth immediately before submission to
// close the race between the batch snapshot and now. Errors fail open: the
// snapshot already vetted the symbol.
func (p *Processor) lastInstantCheck(ctx context.Context, symbol string, log *slog.Logger) bool {
	state, err := p.exchange.UserState(ctx)
	if err != nil {
		log.Error("last-minute position check failed", slog.String("error", err.Error()))
		return false
	}
	for _, pos := range state.Positions {
		if pos.Coin == symbol && math.Abs(pos.Size) > 0 {
			log.Warn("last-minute check found a position", slog.String("symbol", symbol))
			return true
		}
	}
	return false
}

// finishSignal annotates the record, archives it, and journals the outcome.
func (p *Processor) finishSignal(h signals.Handle, sig sigflow.Signal, reason, status string) {
	sig.Processed = true
	sig.IgnoredReason = reason
	p.markOutcome(h, sig)
	p.archive(h)
	p.recordOutcome(sig, status)
}

func (p *Processor) markOutcome(h signals.Handle, sig sigflow.Signal) {
	if err := p.source.MarkOutcome(h, sig); err != nil {
		p.logger.Warn("annotate signal", slog.String("signal", h.Name), slog.String("error", err.Error()))
	}
}

func (p *Processor) archive(h signals.Handle) {
	if err := p.source.Archive(h); err != nil {
		p.logger.Warn("archive signal", slog.String("signal", h.Name), slog.String("error", err.Error()))
	}
}

func (p *Processor) recordOutcome(sig sigflow.Signal, status string) {
	if p.onOutcome != nil {
		p.onOutcome(status)
	}
	if p.store == nil {
		return
	}
	if _, err := p.store.RecordSignalOutcome(sig, status); err != nil {
		p.logger.Warn("journal signal outcome", slog.String("id", sig.ID), slog.String("error", err.Error()))
	}
}

// Package executor turns vetted trade intents into venue orders. It owns the
// entry/bracket submission sequence, client order id assignment, and the
// journaling of every submission and status observation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sigflow/sigflow/orderid"
	"github.com/sigflow/sigflow/sigflow"
	"github.com/sigflow/sigflow/storage"
	"github.com/sigflow/sigflow/ticks"
)

// Outcome classifies what happened to an entry submission.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeFilled
	OutcomeResting
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "filled"
	case OutcomeResting:
		return "resting"
	default:
		return "rejected"
	}
}

// Trade is a fully sized, bracket-repaired intent ready for the venue.
type Trade struct {
	SignalID   string
	Coin       string
	Side       sigflow.Side
	EntryPrice float64
	Size       float64
	TakeProfit float64
	StopLoss   float64
}

// Result reports the entry submission outcome. Cloid is always set; OrderID,
// AvgPrice and FilledSize only when the venue reported them.
type Result struct {
	Outcome    Outcome
	Cloid      string
	OrderID    int64
	AvgPrice   float64
	FilledSize float64
	Message    string
}

// Executor submits orders through an exchange and journals them. The store is
// optional; a nil store disables journaling.
type Executor struct {
	exchange sigflow.Exchange
	store    *storage.Storage
	ticks    *ticks.Table
	logger   *slog.Logger

	retries int
	backoff time.Duration
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New builds an Executor. ticksTable must not be nil; store and logger may be.
func New(exchange sigflow.Exchange, store *storage.Storage, ticksTable *ticks.Table, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		exchange: exchange,
		store:    store,
		ticks:    ticksTable,
		logger:   logger.WithGroup("executor"),
		retries:  3,
		backoff:  time.Second,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute places the entry order for the trade. A filled entry immediately
// gets its bracket orders; a resting entry is left for the tracker to watch.
// Placement is tried once, a failed cycle retries naturally on the next tick.
func (e *Executor) Execute(ctx context.Context, trade Trade) (Result, error) {
	if err := validateBrackets(trade); err != nil {
		return Result{}, err
	}

	id := orderid.New(trade.SignalID, sigflow.KindEntry, e.now())
	req := sigflow.OrderRequest{
		Coin:  trade.Coin,
		IsBuy: trade.Side.IsLong(),
		Size:  trade.Size,
		Price: e.ticks.Round(trade.EntryPrice, trade.Coin),
		Kind:  sigflow.KindEntry,
		Cloid: id.Hex(),
	}

	e.logger.Info("placing entry order",
		slog.String("signal_id", trade.SignalID),
		slog.String("coin", trade.Coin),
		slog.String("side", string(trade.Side)),
		slog.Float64("size", trade.Size),
		slog.Float64("price", req.Price),
		slog.String("cloid", req.Cloid),
	)

	placed, err := e.exchange.PlaceOrder(ctx, req)
	e.journalSubmission(trade.SignalID, req, placed)
	if err != nil {
		return Result{Cloid: req.Cloid}, fmt.Errorf("place entry for %s: %w", trade.Coin, err)
	}

	switch placed.Status {
	case sigflow.PlaceFilled:
		e.logger.Info("entry filled immediately",
			slog.String("coin", trade.Coin),
			slog.Int64("oid", placed.OrderID),
			slog.Float64("avg_price", placed.AvgPrice),
		)
		if _, err := e.PlaceBrackets(ctx, BracketOrder{
			SignalID:   trade.SignalID,
			Coin:       trade.Coin,
			Side:       trade.Side,
			Size:       placed.FilledSize,
			EntryPrice: trade.EntryPrice,
			TakeProfit: trade.TakeProfit,
			StopLoss:   trade.StopLoss,
		}); err != nil {
			// The position is open either way; the tracker keeps the
			// levels and manual intervention can re-arm the brackets.
			e.logger.Error("bracket placement incomplete",
				slog.String("coin", trade.Coin),
				slog.String("error", err.Error()),
			)
		}
		return Result{
			Outcome:    OutcomeFilled,
			Cloid:      req.Cloid,
			OrderID:    placed.OrderID,
			AvgPrice:   placed.AvgPrice,
			FilledSize: placed.FilledSize,
		}, nil

	case sigflow.PlaceResting:
		e.logger.Info("entry resting on book",
			slog.String("coin", trade.Coin),
			slog.Int64("oid", placed.OrderID),
			slog.String("cloid", req.Cloid),
		)
		return Result{
			Outcome: OutcomeResting,
			Cloid:   req.Cloid,
			OrderID: placed.OrderID,
		}, nil

	default:
		e.logger.Warn("entry rejected",
			slog.String("coin", trade.Coin),
			slog.String("reason", placed.Message),
		)
		return Result{
			Outcome: OutcomeRejected,
			Cloid:   req.Cloid,
			Message: placed.Message,
		}, nil
	}
}

// BracketOrder describes the protective pair for an open position. Side is
// the entry side; bracket legs close against it.
type BracketOrder struct {
	SignalID   string
	Coin       string
	Side       sigflow.Side
	Size       float64
	EntryPrice float64
	TakeProfit float64
	StopLoss   float64
}

// BracketResult carries the client order ids of the legs that made it to the
// venue; an empty id means that leg was skipped or rejected.
type BracketResult struct {
	StopLossCloid   string
	TakeProfitCloid string
}

// PlaceBrackets submits reduce-only trigger orders for both legs. Legs fail
// independently; the joined error reports every leg that did not make it.
func (e *Executor) PlaceBrackets(ctx context.Context, b BracketOrder) (BracketResult, error) {
	var res BracketResult
	var errs []error
	if b.StopLoss > 0 {
		cloid, err := e.placeBracketLeg(ctx, b, sigflow.KindStopLoss, b.StopLoss)
		if err != nil {
			errs = append(errs, fmt.Errorf("stop loss: %w", err))
		} else {
			res.StopLossCloid = cloid
		}
	}
	if b.TakeProfit > 0 {
		cloid, err := e.placeBracketLeg(ctx, b, sigflow.KindTakeProfit, b.TakeProfit)
		if err != nil {
			errs = append(errs, fmt.Errorf("take profit: %w", err))
		} else {
			res.TakeProfitCloid = cloid
		}
	}
	return res, errors.Join(errs...)
}

func (e *Executor) placeBracketLeg(ctx context.Context, b BracketOrder, kind sigflow.OrderKind, trigger float64) (string, error) {
	id := orderid.New(b.SignalID, kind, e.now())
	req := sigflow.OrderRequest{
		Coin:       b.Coin,
		IsBuy:      !b.Side.IsLong(),
		Size:       b.Size,
		Price:      e.ticks.Round(b.EntryPrice, b.Coin),
		Kind:       kind,
		TriggerPx:  e.ticks.Round(trigger, b.Coin),
		ReduceOnly: true,
		Cloid:      id.Hex(),
	}

	placed, err := e.exchange.PlaceOrder(ctx, req)
	e.journalSubmission(b.SignalID, req, placed)
	if err != nil {
		return "", err
	}
	if placed.Status == sigflow.PlaceRejected {
		return "", fmt.Errorf("venue rejected %s order: %s", kind, placed.Message)
	}
	e.logger.Info("bracket leg placed",
		slog.String("coin", b.Coin),
		slog.String("kind", kind.String()),
		slog.Float64("trigger", req.TriggerPx),
		slog.String("cloid", req.Cloid),
	)
	return req.Cloid, nil
}

// Cancel asks the venue to cancel the order. Best effort: a failure is
// logged and returned, callers decide whether it matters.
func (e *Executor) Cancel(ctx context.Context, coin, cloid string) error {
	if err := e.exchange.CancelOrder(ctx, coin, cloid); err != nil {
		e.logger.Warn("cancel failed",
			slog.String("coin", coin),
			slog.String("cloid", cloid),
			slog.String("error", err.Error()),
		)
		return err
	}
	e.logger.Info("order canceled",
		slog.String("coin", coin),
		slog.String("cloid", cloid),
	)
	return nil
}

// QueryStatus fetches the order's state with retries and journals the
// observation. sigflow.ErrOrderNotFound is returned as-is without retrying.
func (e *Executor) QueryStatus(ctx context.Context, cloid string) (sigflow.OrderStatus, error) {
	status, err := withRetries(ctx, e, "order status", func(ctx context.Context) (sigflow.OrderStatus, error) {
		return e.exchange.OrderStatus(ctx, cloid)
	})
	if err != nil {
		return sigflow.OrderStatus{}, err
	}
	if e.store != nil {
		if err := e.store.RecordOrderStatus(cloid, status); err != nil {
			e.logger.Warn("journal order status",
				slog.String("cloid", cloid),
				slog.String("error", err.Error()),
			)
		}
	}
	return status, nil
}

// withRetries runs fn with exponential backoff, doubling the wait between
// attempts. Not-found answers are definitive and skip the retry loop.
func withRetries[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	wait := e.backoff
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || errors.Is(err, sigflow.ErrOrderNotFound) {
			return v, err
		}
		if attempt >= e.retries {
			return zero, fmt.Errorf("%s failed after %d retries: %w", op, e.retries, err)
		}
		e.logger.Warn("retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return zero, err
		}
		wait *= 2
	}
}

func (e *Executor) journalSubmission(signalID string, req sigflow.OrderRequest, result sigflow.PlaceResult) {
	if e.store == nil {
		return
	}
	if err := e.store.RecordOrderSubmission(signalID, req, result); err != nil {
		e.logger.Warn("journal order submission",
			slog.String("cloid", req.Cloid),
			slog.String("error", err.Error()),
		)
	}
}

func validateBrackets(t Trade) error {
	if t.Size <= 0 {
		return fmt.Errorf("trade size %v is not positive", t.Size)
	}
	if t.Side.IsLong() {
		if t.TakeProfit > 0 && t.TakeProfit <= t.EntryPrice {
			return fmt.Errorf("long take profit %v not above entry %v", t.TakeProfit, t.EntryPrice)
		}
		if t.StopLoss > 0 && t.StopLoss >= t.EntryPrice {
			return fmt.Errorf("long stop loss %v not below entry %v", t.StopLoss, t.EntryPrice)
		}
		return nil
	}
	if t.TakeProfit > 0 && t.TakeProfit >= t.EntryPrice {
		return fmt.Errorf("short take profit %v not below entry %v", t.TakeProfit, t.EntryPrice)
	}
	if t.StopLoss > 0 && t.StopLoss <= t.EntryPrice {
		return fmt.Errorf("short stop loss %v not above entry %v", t.StopLoss, t.EntryPrice)
	}
	return nil
}

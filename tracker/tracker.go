// Package tracker keeps the local view of resting orders and open positions
// synchronized with the venue. It is the reconciliation core: every cycle it
// expires stale entries, removes duplicates, promotes filled orders to
// positions, arms their brackets, and drops positions the venue no longer
// reports.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sigflow/sigflow/executor"
	"github.com/sigflow/sigflow/sigflow"
	"github.com/sigflow/sigflow/storage"
)

// Gateway is the order-side capability the tracker needs. *executor.Executor
// implements it; tests substitute fakes.
type Gateway interface {
	QueryStatus(ctx context.Context, cloid string) (sigflow.OrderStatus, error)
	PlaceBrackets(ctx context.Context, b executor.BracketOrder) (executor.BracketResult, error)
	Cancel(ctx context.Context, coin, cloid string) error
}

// PendingOrder is a resting entry order the venue has not yet filled.
type PendingOrder struct {
	Cloid       string
	OrderID     int64
	Symbol      string
	SignalID    string
	Side        sigflow.Side
	EntryPrice  float64
	Size        float64
	TakeProfit  float64
	StopLoss    float64
	SubmittedAt time.Time
}

// Position is exchange exposure believed open, with the bracket metadata the
// venue does not echo back.
type Position struct {
	ID            string
	Symbol        string
	SignalID      string
	Side          sigflow.Side
	PlannedEntry  float64
	ActualEntry   float64 // zero until a fill price is observed
	Size          float64
	TakeProfit    float64
	StopLoss      float64
	TPCloid       string
	SLCloid       string
	EntryTime     time.Time
	LastUpdated   time.Time
	UnrealizedPnl float64
	MarkPrice     float64
}

// EntryPrice returns the best known entry price for the position.
func (p Position) EntryPrice() float64 {
	if p.ActualEntry > 0 {
		return p.ActualEntry
	}
	return p.PlannedEntry
}

// ActiveSet is the admission-control snapshot: which symbols are occupied and
// why. Remote truth decides position membership, the local cache fills in
// fills the remote query may have raced past.
type ActiveSet struct {
	Positions map[string]bool
	Pending   map[string]bool
}

// IsActive reports whether the symbol is occupied by a position or order.
func (s ActiveSet) IsActive(symbol string) bool {
	return s.Positions[symbol] || s.Pending[symbol]
}

// Reason distinguishes why the symbol is blocked, for signal annotations.
func (s ActiveSet) Reason(symbol string) string {
	if s.Positions[symbol] {
		return "open position"
	}
	return "open order"
}

// PositionCount counts confirmed positions. Pending orders deliberately do
// not count toward the concurrent-position limit.
func (s ActiveSet) PositionCount() int { return len(s.Positions) }

// Tracker owns the pending-order and position maps. It is driven by a single
// loop; methods are not safe for concurrent use.
type Tracker struct {
	exchange sigflow.Exchange
	gateway  Gateway
	logger   *slog.Logger

	pending   map[string]PendingOrder // keyed by symbol, one resting entry per symbol
	positions map[string]Position     // keyed by position id

	// dirty marks fills tracked from outside Reconcile so the next pass
	// reports them as a structural change.
	dirty bool

	retention time.Duration
	now       func() time.Time
}

// New builds an empty tracker with the default 24h position retention.
func New(exchange sigflow.Exchange, gateway Gateway, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		exchange:  exchange,
		gateway:   gateway,
		logger:    logger.WithGroup("tracker"),
		pending:   make(map[string]PendingOrder),
		positions: make(map[string]Position),
		retention: 24 * time.Hour,
		now:       time.Now,
	}
}

// TrackOrder records a resting entry. A previous pending order for the same
// symbol is replaced; admission control makes that path unreachable in
// normal operation.
func (t *Tracker) TrackOrder(o PendingOrder) {
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = t.now()
	}
	t.pending[o.Symbol] = o
}

// TrackPosition records a position opened by an immediately filled entry.
func (t *Tracker) TrackPosition(p Position) {
	if p.ID == "" {
		p.ID = fmt.Sprintf("%s_%d", p.Symbol, p.EntryTime.UnixMilli())
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = t.now()
	}
	p.LastUpdated = t.now()
	t.positions[p.ID] = p
	t.dirty = true
}

// PendingFor returns the tracked resting order for the symbol, if any.
func (t *Tracker) PendingFor(symbol string) (PendingOrder, bool) {
	o, ok := t.pending[symbol]
	return o, ok
}

// DropPending removes the pending entry for the symbol.
func (t *Tracker) DropPending(symbol string) {
	delete(t.pending, symbol)
}

// Positions returns the tracked positions ordered by symbol.
func (t *Tracker) Positions() []Position {
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// Counts reports tracked positions and pending orders.
func (t *Tracker) Counts() (positions, pending int) {
	return len(t.positions), len(t.pending)
}

// ActiveSymbols derives the admission snapshot: remote nonzero positions,
// unioned with locally tracked positions, plus pending-order symbols.
func (t *Tracker) ActiveSymbols(ctx context.Context) (ActiveSet, error) {
	state, err := t.exchange.UserState(ctx)
	if err != nil {
		return ActiveSet{}, fmt.Errorf("query user state: %w", err)
	}
	set := ActiveSet{
		Positions: make(map[string]bool),
		Pending:   make(map[string]bool),
	}
	for _, pos := range state.Positions {
		set.Positions[pos.Coin] = true
	}
	for _, pos := range t.positions {
		set.Positions[pos.Symbol] = true
	}
	for symbol := range t.pending {
		set.Pending[symbol] = true
	}
	return set, nil
}

// Reconcile runs the per-cycle maintenance pass. Step order matters: later
// steps depend on earlier cleanup. Returns whether the tracked state changed
// structurally, which drives the account snapshot rewrite downstream.
func (t *Tracker) Reconcile(ctx context.Context) (bool, error) {
	// Fills tracked by the processor since the last pass changed the account
	// state without going through promotion here.
	changed := t.dirty
	t.dirty = false
	now := t.now()

	// Step 1: expire positions past retention, regardless of remote state.
	for id, pos := range t.positions {
		if now.Sub(pos.EntryTime) > t.retention {
			t.logger.Info("expiring position",
				slog.String("position", id),
				slog.String("symbol", pos.Symbol),
			)
			delete(t.positions, id)
			changed = true
		}
	}

	// Step 2: dedup by symbol, keeping the latest entry.
	if t.dedupPositions() {
		changed = true
	}

	// Step 3: resolve pending orders against the venue.
	promoted := t.resolvePending(ctx, now)
	if len(promoted) > 0 {
		changed = true
	}

	// Step 4: arm brackets for everything promoted this pass.
	for _, pos := range promoted {
		t.armBrackets(ctx, pos)
	}

	// Step 5: drop positions the venue no longer reports, refresh the rest.
	dropped, err := t.syncRemote(ctx, now)
	if err != nil {
		t.logger.Error("remote position sync failed", slog.String("error", err.Error()))
	} else if dropped {
		changed = true
	}

	positions, pending := t.Counts()
	t.logger.Debug("reconcile complete",
		slog.Int("positions", positions),
		slog.Int("pending_orders", pending),
		slog.Bool("changed", changed),
	)
	return changed, nil
}

// CancelAllPending asks the venue to cancel every tracked resting order and
// drops them locally. Cancel failures still drop the local entry; a live
// order resurfaces through the next status query.
func (t *Tracker) CancelAllPending(ctx context.Context) int {
	n := 0
	for symbol, order := range t.pending {
		_ = t.gateway.Cancel(ctx, symbol, order.Cloid)
		delete(t.pending, symbol)
		n++
	}
	return n
}

// Journal is the storage surface the recovery pass reads. *storage.Storage
// implements it.
type Journal interface {
	ListEntrySubmissions() ([]storage.SubmissionRef, error)
	LatestSignalOutcome(signalID string) (string, bool, error)
	LatestOrderStatus(cloid string) (*sigflow.OrderStatus, bool, error)
	LoadOrderSubmission(cloid string) (*sigflow.OrderRequest, bool, error)
}

// Recover seeds the tracker from journaled entry submissions after a
// restart. Only submissions whose signal last journaled as an open order and
// whose last observed status is non-terminal are re-queried; the venue's
// answer decides whether they come back as pending orders or positions.
func (t *Tracker) Recover(ctx context.Context, journal Journal) (int, error) {
	refs, err := journal.ListEntrySubmissions()
	if err != nil {
		return 0, fmt.Errorf("list journaled submissions: %w", err)
	}

	recovered := 0
	for _, ref := range refs {
		if status, ok, err := journal.LatestSignalOutcome(ref.SignalID); err == nil && ok && status != "open_order" {
			continue
		}
		if last, ok, err := journal.LatestOrderStatus(ref.Cloid); err == nil && ok {
			if last.State == sigflow.OrderFilled || last.State == sigflow.OrderCanceled {
				continue
			}
		}
		req, ok, err := journal.LoadOrderSubmission(ref.Cloid)
		if err != nil || !ok {
			continue
		}

		status, err := t.gateway.QueryStatus(ctx, ref.Cloid)
		if errors.Is(err, sigflow.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			t.logger.Warn("recovery status query failed, skipping order",
				slog.String("cloid", ref.Cloid),
				slog.String("error", err.Error()),
			)
			continue
		}

		side := sigflow.Short
		if req.IsBuy {
			side = sigflow.Long
		}

		switch status.State {
		case sigflow.OrderOpen:
			// The journal does not carry the signal's bracket levels; the
			// default repair offsets stand in until the order fills.
			brackets := sigflow.RepairBrackets(side, req.Price, sigflow.Brackets{})
			t.TrackOrder(PendingOrder{
				Cloid:      ref.Cloid,
				OrderID:    status.OrderID,
				Symbol:     req.Coin,
				SignalID:   ref.SignalID,
				Side:       side,
				EntryPrice: req.Price,
				Size:       req.Size,
				TakeProfit: brackets.TakeProfit,
				StopLoss:   brackets.StopLoss,
			})
			recovered++

		case sigflow.OrderFilled:
			entry := status.AvgPrice
			if entry <= 0 {
				entry = req.Price
			}
			size := status.Size
			if size <= 0 {
				size = req.Size
			}
			t.TrackPosition(Position{
				ID:           fmt.Sprintf("%s_%d", req.Coin, status.OrderID),
				Symbol:       req.Coin,
				SignalID:     ref.SignalID,
				Side:         side,
				PlannedEntry: req.Price,
				ActualEntry:  entry,
				Size:         size,
			})
			recovered++
		}
	}

	if recovered > 0 {
		t.logger.Info("recovered tracked orders from journal", slog.Int("orders", recovered))
	}
	return recovered, nil
}

// CancelPending cancels the resting order for one symbol, if tracked.
func (t *Tracker) CancelPending(ctx context.Context, symbol string) bool {
	order, ok := t.pending[symbol]
	if !ok {
		return false
	}
	_ = t.gateway.Cancel(ctx, symbol, order.Cloid)
	delete(t.pending, symbol)
	return true
}

func (t *Tracker) dedupPositions() bool {
	bySymbol := make(map[string]string) // symbol -> kept position id
	var drop []string
	for id, pos := range t.positions {
		keptID, ok := bySymbol[pos.Symbol]
		if !ok {
			bySymbol[pos.Symbol] = id
			continue
		}
		kept := t.positions[keptID]
		if pos.EntryTime.After(kept.EntryTime) {
			drop = append(drop, keptID)
			bySymbol[pos.Symbol] = id
		} else {
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		t.logger.Warn("removing duplicate position",
			slog.String("position", id),
			slog.String("symbol", t.positions[id].Symbol),
		)
		delete(t.positions, id)
	}
	return len(drop) > 0
}

// resolvePending queries each resting order. Filled promotes to a position;
// canceled, vanished, and unrecognized statuses discard the entry. A phantom
// pending order blocks its symbol forever, so unclear answers fail toward
// discard; a real position resurfaces via the remote sync anyway.
func (t *Tracker) resolvePending(ctx context.Context, now time.Time) []Position {
	var promoted []Position
	for symbol, order := range t.pending {
		status, err := t.gateway.QueryStatus(ctx, order.Cloid)
		if err != nil {
			if errors.Is(err, sigflow.ErrOrderNotFound) {
				t.logger.Warn("pending order unknown to venue, dropping",
					slog.String("symbol", symbol),
					slog.String("cloid", order.Cloid),
				)
				delete(t.pending, symbol)
			} else {
				t.logger.Warn("pending order status unavailable, keeping",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		switch status.State {
		case sigflow.OrderFilled:
			pos := Position{
				ID:           fmt.Sprintf("%s_%d", symbol, order.OrderID),
				Symbol:       symbol,
				SignalID:     order.SignalID,
				Side:         order.Side,
				PlannedEntry: order.EntryPrice,
				Size:         order.Size,
				TakeProfit:   order.TakeProfit,
				StopLoss:     order.StopLoss,
				EntryTime:    now,
				LastUpdated:  now,
			}
			if status.AvgPrice > 0 {
				pos.ActualEntry = status.AvgPrice
			}
			if status.Size > 0 {
				pos.Size = status.Size
			}
			t.logger.Info("pending order filled, promoting to position",
				slog.String("symbol", symbol),
				slog.String("cloid", order.Cloid),
				slog.Float64("entry", pos.EntryPrice()),
			)
			t.positions[pos.ID] = pos
			promoted = append(promoted, pos)
			delete(t.pending, symbol)

		case sigflow.OrderOpen:
			t.logger.Debug("pending order still resting",
				slog.String("symbol", symbol),
				slog.Duration("age", now.Sub(order.SubmittedAt)),
			)

		case sigflow.OrderCanceled:
			t.logger.Info("pending order canceled, dropping",
				slog.String("symbol", symbol),
				slog.String("cloid", order.Cloid),
			)
			delete(t.pending, symbol)

		default:
			t.logger.Warn("pending order in unrecognized state, dropping",
				slog.String("symbol", symbol),
				slog.String("state", status.State.String()),
			)
			delete(t.pending, symbol)
		}
	}
	return promoted
}

func (t *Tracker) armBrackets(ctx context.Context, pos Position) {
	res, err := t.gateway.PlaceBrackets(ctx, executor.BracketOrder{
		SignalID:   pos.SignalID,
		Coin:       pos.Symbol,
		Side:       pos.Side,
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice(),
		TakeProfit: pos.TakeProfit,
		StopLoss:   pos.StopLoss,
	})
	if err != nil {
		t.logger.Error("bracket placement incomplete",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
	}
	if stored, ok := t.positions[pos.ID]; ok {
		stored.TPCloid = res.TakeProfitCloid
		stored.SLCloid = res.StopLossCloid
		t.positions[pos.ID] = stored
	}
}

func (t *Tracker) syncRemote(ctx context.Context, now time.Time) (bool, error) {
	if len(t.positions) == 0 {
		return false, nil
	}
	state, err := t.exchange.UserState(ctx)
	if err != nil {
		return false, err
	}
	remote := make(map[string]sigflow.RemotePosition, len(state.Positions))
	for _, pos := range state.Positions {
		remote[pos.Coin] = pos
	}

	changed := false
	for id, pos := range t.positions {
		r, ok := remote[pos.Symbol]
		if !ok {
			t.logger.Info("position closed on exchange",
				slog.String("position", id),
				slog.String("symbol", pos.Symbol),
				slog.Duration("held", now.Sub(pos.EntryTime)),
			)
			delete(t.positions, id)
			changed = true
			continue
		}
		pos.Size = abs(r.Size)
		pos.UnrealizedPnl = r.UnrealizedPnl
		pos.MarkPrice = r.MarkPrice
		if r.EntryPrice > 0 {
			pos.ActualEntry = r.EntryPrice
		}
		pos.LastUpdated = now
		t.positions[id] = pos
	}
	return changed, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

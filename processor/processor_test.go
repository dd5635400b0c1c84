package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigflow/sigflow/executor"
	"github.com/sigflow/sigflow/sigflow"
	"github.com/sigflow/sigflow/signals"
	"github.com/sigflow/sigflow/ticks"
	"github.com/sigflow/sigflow/tracker"
)

type memSource struct {
	order     []signals.Handle
	sigs      map[string]sigflow.Signal
	annotated map[string]sigflow.Signal
	archived  map[string]bool
}

func newMemSource() *memSource {
	return &memSource{
		sigs:      make(map[string]sigflow.Signal),
		annotated: make(map[string]sigflow.Signal),
		archived:  make(map[string]bool),
	}
}

func (m *memSource) add(name string, sig sigflow.Signal) {
	m.order = append(m.order, signals.Handle{Name: name, ModTime: time.Now()})
	m.sigs[name] = sig
}

func (m *memSource) ListPending() ([]signals.Handle, error) {
	var out []signals.Handle
	for _, h := range m.order {
		if !m.archived[h.Name] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memSource) Load(h signals.Handle) (sigflow.Signal, error) {
	sig, ok := m.sigs[h.Name]
	if !ok {
		return sigflow.Signal{}, errors.New("no such signal")
	}
	return sig, nil
}

func (m *memSource) MarkOutcome(h signals.Handle, sig sigflow.Signal) error {
	m.annotated[h.Name] = sig
	m.sigs[h.Name] = sig
	return nil
}

func (m *memSource) Archive(h signals.Handle) error {
	m.archived[h.Name] = true
	return nil
}

type fakeTracker struct {
	active    tracker.ActiveSet
	activeErr error
	orders    []tracker.PendingOrder
	positions []tracker.Position
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{active: tracker.ActiveSet{
		Positions: make(map[string]bool),
		Pending:   make(map[string]bool),
	}}
}

func (f *fakeTracker) ActiveSymbols(context.Context) (tracker.ActiveSet, error) {
	return f.active, f.activeErr
}

func (f *fakeTracker) TrackOrder(o tracker.PendingOrder) { f.orders = append(f.orders, o) }

func (f *fakeTracker) TrackPosition(p tracker.Position) { f.positions = append(f.positions, p) }

type fakeExec struct {
	trades  []executor.Trade
	results []executor.Result
	errs    []error
}

func (f *fakeExec) Execute(_ context.Context, t executor.Trade) (executor.Result, error) {
	i := len(f.trades)
	f.trades = append(f.trades, t)
	var res executor.Result
	if i < len(f.results) {
		res = f.results[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

type fakeExchange struct {
	state    sigflow.UserState
	stateErr error
}

func (f *fakeExchange) UserState(context.Context) (sigflow.UserState, error) {
	return f.state, f.stateErr
}

func (f *fakeExchange) OrderStatus(context.Context, string) (sigflow.OrderStatus, error) {
	return sigflow.OrderStatus{}, sigflow.ErrOrderNotFound
}

func (f *fakeExchange) PlaceOrder(context.Context, sigflow.OrderRequest) (sigflow.PlaceResult, error) {
	return sigflow.PlaceResult{}, errors.New("not implemented")
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeExchange) Metadata(context.Context) (sigflow.Meta, error) { return sigflow.Meta{}, nil }

func goodSignal(id, symbol string) sigflow.Signal {
	return sigflow.Signal{
		ID:           id,
		Symbol:       symbol,
		PositionType: "LONG",
		Price:        50000,
		TakeProfit:   51000,
		StopLoss:     49000,
		Size:         0.5,
		Timestamp:    time.Now(),
	}
}

func newTestProcessor(src signals.Source, trk TrackerView, exec TradeExecutor, exch sigflow.Exchange) *Processor {
	return New(src, trk, exec, exch, ticks.NewTable(), nil, Config{}, nil)
}

func TestProcessBatchExpiresOldSignals(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	sig := goodSignal("sig-1", "BTC")
	sig.Timestamp = time.Now().Add(-10 * time.Minute)
	src.add("a.json", sig)

	exec := &fakeExec{}
	p := newTestProcessor(src, newFakeTracker(), exec, &fakeExchange{})

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, exec.trades)
	require.True(t, src.archived["a.json"])
	require.Equal(t, "expired", src.annotated["a.json"].IgnoredReason)
	require.True(t, src.annotated["a.json"].Processed)
}

func TestProcessBatchIgnoresActiveSymbols(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	src.add("pos.json", goodSignal("sig-1", "BTC"))
	src.add("ord.json", goodSignal("sig-2", "ETH"))

	trk := newFakeTracker()
	trk.active.Positions["BTC"] = true
	trk.active.Pending["ETH"] = true

	exec := &fakeExec{}
	p := newTestProcessor(src, trk, exec, &fakeExchange{})

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Empty(t, exec.trades)

	require.True(t, src.archived["pos.json"])
	require.Contains(t, src.annotated["pos.json"].IgnoredReason, "open position")
	require.True(t, src.archived["ord.json"])
	require.Contains(t, src.annotated["ord.json"].IgnoredReason, "open order")
}

func TestProcessBatchDefersAtPositionLimit(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	src.add("a.json", goodSignal("sig-1", "BTC"))

	trk := newFakeTracker()
	for _, sym := range []string{"ETH", "SOL", "DOGE", "XRP", "AVAX"} {
		trk.active.Positions[sym] = true
	}

	exec := &fakeExec{}
	p := newTestProcessor(src, trk, exec, &fakeExchange{})

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Empty(t, exec.trades)
	// Deferred, not archived: the slot may free up next cycle.
	require.False(t, src.archived["a.json"])
}

func TestProcessBatchRepairsBracketsAndRounds(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	sig := goodSignal("sig-1", "BTC")
	sig.TakeProfit = 48000 // below entry on a long
	sig.StopLoss = 52000   // above entry on a long
	src.add("a.json", sig)

	exec := &fakeExec{results: []executor.Result{{Outcome: executor.OutcomeResting, Cloid: "0x1"}}}
	p := newTestProcessor(src, newFakeTracker(), exec, &fakeExchange{})

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.trades, 1)
	trade := exec.trades[0]
	require.InDelta(t, 50500, trade.TakeProfit, 1e-9) // 50000 * 1.01, BTC tick 1.0
	require.InDelta(t, 49500, trade.StopLoss, 1e-9)   // 50000 * 0.99
}

func TestProcessBatchRiskSizing(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	sig := goodSignal("sig-1", "BTC")
	sig.Size = 0 // force risk-based sizing
	sig.Strength = 0.8
	src.add("a.json", sig)

	exch := &fakeExchange{state: sigflow.UserState{AccountValue: 10000}}
	exec := &fakeExec{results: []executor.Result{{Outcome: executor.OutcomeResting, Cloid: "0x1"}}}
	p := newTestProcessor(src, newFakeTracker(), exec, exch)

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.trades, 1)
	// risk = 10000 * 0.01 * 0.8 = 80; stop distance = 1000; size = 0.08
	require.InDelta(t, 0.08, exec.trades[0].Size, 1e-9)
}

func TestProcessBatchSizingClampsAndFloors(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	big := goodSignal("sig-1", "ETH")
	big.Size = 0
	big.Price = 3000
	big.TakeProfit = 3100
	big.StopLoss = 2999.9 // tiny stop distance inflates size
	src.add("big.json", big)

	small := goodSignal("sig-2", "SOL")
	small.Size = 0.001 // below the 0.01 non-BTC minimum
	small.Price = 150
	small.TakeProfit = 155
	small.StopLoss = 145
	src.add("small.json", small)

	exch := &fakeExchange{state: sigflow.UserState{AccountValue: 100000}}
	exec := &fakeExec{results: []executor.Result{
		{Outcome: executor.OutcomeResting, Cloid: "0x1"},
		{Outcome: executor.OutcomeResting, Cloid: "0x2"},
	}}
	p := newTestProcessor(src, newFakeTracker(), exec, exch)

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.trades, 2)
	require.InDelta(t, 1.0, exec.trades[0].Size, 1e-9)  // clamped to max position size
	require.InDelta(t, 0.01, exec.trades[1].Size, 1e-9) // floored to minimum
}

func TestProcessBatchSizingZeroStopDistance(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	sig := goodSignal("sig-1", "BTC")
	sig.Size = 0
	sig.Strength = 1
	sig.Price = 50000.4
	sig.TakeProfit = 51000
	sig.StopLoss = 49999.6 // rounds onto the entry tick, stop distance collapses to zero
	src.add("flat.json", sig)

	exch := &fakeExchange{state: sigflow.UserState{AccountValue: 10000}}
	exec := &fakeExec{results: []executor.Result{{Outcome: executor.OutcomeResting, Cloid: "0x1"}}}
	p := newTestProcessor(src, newFakeTracker(), exec, exch)

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.trades, 1)
	// risk 10000 * 0.01 * 1 = 100, divisor falls back to 1% of entry = 500
	require.InDelta(t, 0.2, exec.trades[0].Size, 1e-9)
}

func TestProcessBatchFilledArchivesAndTracks(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	src.add("a.json", goodSignal("sig-1", "BTC"))

	trk := newFakeTracker()
	exec := &fakeExec{results: []executor.Result{{
		Outcome:    executor.OutcomeFilled,
		Cloid:      "0x1",
		OrderID:    42,
		AvgPrice:   50001,
		FilledSize: 0.5,
	}}}
	p := newTestProcessor(src, trk, exec, &fakeExchange{})

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.True(t, src.archived["a.json"])
	require.True(t, src.annotated["a.json"].Processed)

	require.Len(t, trk.positions, 1)
	pos := trk.positions[0]
	require.Equal(t, "BTC_42", pos.ID)
	require.InDelta(t, 50001, pos.ActualEntry, 1e-9)
	require.InDelta(t, 0.5, pos.Size, 1e-9)
}

func TestProcessBatchRestingKeepsSignalLive(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	src.add("a.json", goodSignal("sig-1", "BTC"))

	trk := newFakeTracker()
	exec := &fakeExec{results: []executor.Result{{
		Outcome: executor.OutcomeResting,
		Cloid:   "0xabc",
		OrderID: 7,
	}}}
	p := newTestProcessor(src, trk, exec, &fakeExchange{})

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.False(t, src.archived["a.json"])
	require.True(t, src.annotated["a.json"].Processing)
	require.Equal(t, "0xabc", src.annotated["a.json"].OrderID)

	require.Len(t, trk.orders, 1)
	require.Equal(t, "0xabc", trk.orders[0].Cloid)
	require.Equal(t, int64(7), trk.orders[0].OrderID)
}

func TestProcessBatchErrorLeavesSignalForRetry(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	src.add("a.json", goodSignal("sig-1", "BTC"))

	exec := &fakeExec{errs: []error{errors.New("connection reset")}}
	p := newTestProcessor(src, newFakeTracker(), exec, &fakeExchange{})

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, src.archived["a.json"])
}

func TestProcessBatchCapsPerCycle(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	symbols := []string{"BTC", "ETH", "SOL", "DOGE", "XRP"}
	var results []executor.Result
	for i, sym := range symbols {
		src.add(fmt.Sprintf("%d.json", i), goodSignal(fmt.Sprintf("sig-%d", i), sym))
		results = append(results, executor.Result{Outcome: executor.OutcomeResting, Cloid: fmt.Sprintf("0x%d", i)})
	}

	exec := &fakeExec{results: results}
	p := newTestProcessor(src, newFakeTracker(), exec, &fakeExchange{})

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, exec.trades, 3)
}

func TestProcessBatchSameSymbolSameCycle(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	src.add("first.json", goodSignal("sig-1", "BTC"))
	src.add("second.json", goodSignal("sig-2", "BTC"))

	exec := &fakeExec{results: []executor.Result{{Outcome: executor.OutcomeResting, Cloid: "0x1"}}}
	p := newTestProcessor(src, newFakeTracker(), exec, &fakeExchange{})

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, exec.trades, 1)

	// The second signal was ignored against the in-cycle admission set.
	require.True(t, src.archived["second.json"])
	require.Contains(t, src.annotated["second.json"].IgnoredReason, "open order")
}

func TestProcessBatchLastInstantCheck(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	src.add("a.json", goodSignal("sig-1", "BTC"))

	// The admission set is empty but remote now shows exposure.
	exch := &fakeExchange{state: sigflow.UserState{
		Positions: []sigflow.RemotePosition{{Coin: "BTC", Size: 0.3}},
	}}
	exec := &fakeExec{}
	p := newTestProcessor(src, newFakeTracker(), exec, exch)

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Empty(t, exec.trades)
	require.True(t, src.archived["a.json"])
	require.Contains(t, src.annotated["a.json"].IgnoredReason, "last-minute check")
}

func TestProcessBatchSymbolMapping(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	src.add("a.json", goodSignal("sig-1", "BTCUSDT"))

	exec := &fakeExec{results: []executor.Result{{Outcome: executor.OutcomeResting, Cloid: "0x1"}}}
	p := New(src, newFakeTracker(), exec, &fakeExchange{}, ticks.NewTable(), nil, Config{
		SymbolMapping: map[string]string{"BTCUSDT": "BTC"},
	}, nil)

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.trades, 1)
	require.Equal(t, "BTC", exec.trades[0].Coin)
}

func TestProcessBatchInvalidSignalArchived(t *testing.T) {
	t.Parallel()

	src := newMemSource()
	sig := goodSignal("sig-1", "BTC")
	sig.PositionType = "SIDEWAYS"
	src.add("a.json", sig)

	exec := &fakeExec{}
	p := newTestProcessor(src, newFakeTracker(), exec, &fakeExchange{})

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Empty(t, exec.trades)
	require.True(t, src.archived["a.json"])
	require.Contains(t, src.annotated["a.json"].IgnoredReason, "invalid")
}

package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigflow/sigflow/sigflow"
	"github.com/sigflow/sigflow/storage"
	"github.com/sigflow/sigflow/ticks"
)

type fakeExchange struct {
	placed  []sigflow.OrderRequest
	results []sigflow.PlaceResult
	errs    []error

	statuses   []sigflow.OrderStatus
	statusErrs []error

	canceled []string
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req sigflow.OrderRequest) (sigflow.PlaceResult, error) {
	i := len(f.placed)
	f.placed = append(f.placed, req)
	var res sigflow.PlaceResult
	if i < len(f.results) {
		res = f.results[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

func (f *fakeExchange) OrderStatus(_ context.Context, cloid string) (sigflow.OrderStatus, error) {
	_ = cloid
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		if err != nil {
			return sigflow.OrderStatus{}, err
		}
	}
	if len(f.statuses) > 0 {
		st := f.statuses[0]
		f.statuses = f.statuses[1:]
		return st, nil
	}
	return sigflow.OrderStatus{}, sigflow.ErrOrderNotFound
}

func (f *fakeExchange) CancelOrder(_ context.Context, coin, cloid string) error {
	f.canceled = append(f.canceled, coin+"/"+cloid)
	return nil
}

func (f *fakeExchange) UserState(context.Context) (sigflow.UserState, error) {
	return sigflow.UserState{}, nil
}

func (f *fakeExchange) Metadata(context.Context) (sigflow.Meta, error) {
	return sigflow.Meta{}, nil
}

func TestExecuteFilledPlacesBrackets(t *testing.T) {
	t.Parallel()

	fake := &fakeExchange{
		results: []sigflow.PlaceResult{
			{Status: sigflow.PlaceFilled, OrderID: 42, AvgPrice: 50000, FilledSize: 0.5},
			{Status: sigflow.PlaceResting, OrderID: 43},
			{Status: sigflow.PlaceResting, OrderID: 44},
		},
	}
	e := New(fake, nil, ticks.NewTable(), nil)

	res, err := e.Execute(context.Background(), Trade{
		SignalID:   "sig-1",
		Coin:       "BTC",
		Side:       sigflow.Long,
		EntryPrice: 50000.4,
		Size:       0.5,
		TakeProfit: 51000.2,
		StopLoss:   49000.7,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFilled, res.Outcome)
	require.Equal(t, int64(42), res.OrderID)
	require.InDelta(t, 0.5, res.FilledSize, 1e-9)
	require.NotEmpty(t, res.Cloid)

	require.Len(t, fake.placed, 3)

	entry := fake.placed[0]
	require.True(t, entry.IsBuy)
	require.False(t, entry.ReduceOnly)
	require.Equal(t, sigflow.KindEntry, entry.Kind)
	require.InDelta(t, 50000.0, entry.Price, 1e-9) // BTC tick is 1.0

	sl := fake.placed[1]
	require.Equal(t, sigflow.KindStopLoss, sl.Kind)
	require.False(t, sl.IsBuy)
	require.True(t, sl.ReduceOnly)
	require.InDelta(t, 49001.0, sl.TriggerPx, 1e-9)
	require.InDelta(t, 0.5, sl.Size, 1e-9)

	tp := fake.placed[2]
	require.Equal(t, sigflow.KindTakeProfit, tp.Kind)
	require.False(t, tp.IsBuy)
	require.True(t, tp.ReduceOnly)
	require.InDelta(t, 51000.0, tp.TriggerPx, 1e-9)

	// All three carry distinct client order ids.
	require.NotEqual(t, entry.Cloid, sl.Cloid)
	require.NotEqual(t, sl.Cloid, tp.Cloid)
}

func TestExecuteRestingSkipsBrackets(t *testing.T) {
	t.Parallel()

	fake := &fakeExchange{
		results: []sigflow.PlaceResult{{Status: sigflow.PlaceResting, OrderID: 7}},
	}
	e := New(fake, nil, ticks.NewTable(), nil)

	res, err := e.Execute(context.Background(), Trade{
		SignalID:   "sig-2",
		Coin:       "ETH",
		Side:       sigflow.Short,
		EntryPrice: 3000,
		Size:       1,
		TakeProfit: 2900,
		StopLoss:   3100,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeResting, res.Outcome)
	require.Equal(t, int64(7), res.OrderID)
	require.Len(t, fake.placed, 1)
	require.False(t, fake.placed[0].IsBuy)
}

func TestExecuteRejected(t *testing.T) {
	t.Parallel()

	fake := &fakeExchange{
		results: []sigflow.PlaceResult{{Status: sigflow.PlaceRejected, Message: "Order must have minimum value of $10"}},
	}
	e := New(fake, nil, ticks.NewTable(), nil)

	res, err := e.Execute(context.Background(), Trade{
		SignalID:   "sig-3",
		Coin:       "SOL",
		Side:       sigflow.Long,
		EntryPrice: 150,
		Size:       0.01,
		TakeProfit: 155,
		StopLoss:   145,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Contains(t, res.Message, "minimum value")
	require.Len(t, fake.placed, 1)
}

func TestExecuteTransportError(t *testing.T) {
	t.Parallel()

	fake := &fakeExchange{errs: []error{errors.New("connection reset")}}
	e := New(fake, nil, ticks.NewTable(), nil)

	_, err := e.Execute(context.Background(), Trade{
		SignalID:   "sig-4",
		Coin:       "BTC",
		Side:       sigflow.Long,
		EntryPrice: 50000,
		Size:       0.1,
		TakeProfit: 51000,
		StopLoss:   49000,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
}

func TestExecuteInvertedBrackets(t *testing.T) {
	t.Parallel()

	fake := &fakeExchange{}
	e := New(fake, nil, ticks.NewTable(), nil)

	_, err := e.Execute(context.Background(), Trade{
		SignalID:   "sig-5",
		Coin:       "BTC",
		Side:       sigflow.Long,
		EntryPrice: 50000,
		Size:       0.1,
		TakeProfit: 49000,
		StopLoss:   51000,
	})
	require.Error(t, err)
	require.Empty(t, fake.placed)
}

func TestPlaceBracketsPartialFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeExchange{
		results: []sigflow.PlaceResult{
			{Status: sigflow.PlaceRejected, Message: "Invalid TP/SL price"},
			{Status: sigflow.PlaceResting, OrderID: 9},
		},
	}
	e := New(fake, nil, ticks.NewTable(), nil)

	res, err := e.PlaceBrackets(context.Background(), BracketOrder{
		SignalID:   "sig-6",
		Coin:       "ETH",
		Side:       sigflow.Long,
		Size:       1,
		EntryPrice: 3000,
		TakeProfit: 3100,
		StopLoss:   2900,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "stop loss")
	// The surviving leg still went out.
	require.Len(t, fake.placed, 2)
	require.Empty(t, res.StopLossCloid)
	require.NotEmpty(t, res.TakeProfitCloid)
}

func TestQueryStatusRetries(t *testing.T) {
	t.Parallel()

	fake := &fakeExchange{
		statusErrs: []error{errors.New("timeout"), errors.New("timeout"), nil},
		statuses:   []sigflow.OrderStatus{{State: sigflow.OrderFilled, OrderID: 11, Size: 1}},
	}
	e := New(fake, nil, ticks.NewTable(), nil)
	var waits int
	e.sleep = func(context.Context, time.Duration) error { waits++; return nil }

	st, err := e.QueryStatus(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, sigflow.OrderFilled, st.State)
	require.Equal(t, 2, waits)
}

func TestQueryStatusNotFoundNoRetry(t *testing.T) {
	t.Parallel()

	fake := &fakeExchange{}
	e := New(fake, nil, ticks.NewTable(), nil)
	e.sleep = func(context.Context, time.Duration) error {
		t.Fatal("not-found must not retry")
		return nil
	}

	_, err := e.QueryStatus(context.Background(), "0xmissing")
	require.ErrorIs(t, err, sigflow.ErrOrderNotFound)
}

func TestExecuteJournalsSubmissions(t *testing.T) {
	t.Parallel()

	store, err := storage.New(filepath.Join(t.TempDir(), "sigflow.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := &fakeExchange{
		results: []sigflow.PlaceResult{{Status: sigflow.PlaceResting, OrderID: 5}},
	}
	e := New(fake, store, ticks.NewTable(), nil)

	res, err := e.Execute(context.Background(), Trade{
		SignalID:   "sig-7",
		Coin:       "BTC",
		Side:       sigflow.Long,
		EntryPrice: 50000,
		Size:       0.1,
		TakeProfit: 51000,
		StopLoss:   49000,
	})
	require.NoError(t, err)

	req, ok, err := store.LoadOrderSubmission(res.Cloid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "BTC", req.Coin)
	require.InDelta(t, 0.1, req.Size, 1e-9)
}

package backtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradesim/internal/engine"
	"tradesim/internal/lotsize"
	"tradesim/internal/market"
	"tradesim/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time { return time.Date(2024, 7, n, 0, 0, 0, 0, time.UTC) }

func testHistory() *market.History {
	return market.NewHistory(market.NewSeries("AAA", []market.Bar{
		{Date: day(1), Open: 990, High: 990, Low: 990, Close: 990},
		{Date: day(2), Open: 1000, High: 1050, Low: 1000, Close: 1050},
		{Date: day(3), Open: 1100, High: 1100, Low: 1100, Close: 1100},
		{Date: day(4), Open: 1100, High: 1200, Low: 1100, Close: 1200},
	}))
}

func testRegistry(t *testing.T) *signal.Registry {
	t.Helper()
	reg := signal.NewRegistry()
	require.NoError(t, reg.Register("roundtrip", func(map[string]any) (signal.Source, error) {
		return signal.SourceFunc(func(_ context.Context, req signal.Request) (signal.Signal, error) {
			if req.Held != nil {
				return req.SellSignal(1, 0, "take_profit"), nil
			}
			if req.Date.Equal(day(1)) {
				sig := req.BuySignal(1, "entry")
				sig.Buy.Quantity = 100
				return sig, nil
			}
			return req.Hold(""), nil
		}), nil
	}))
	return reg
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) SendText(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func newTestService(t *testing.T, withStore bool) (*Service, *recordingNotifier) {
	t.Helper()
	var store *ResultStore
	if withStore {
		var err error
		store, err = NewResultStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
	}
	hist := testHistory()
	notifier := &recordingNotifier{}
	svc, err := NewService(ServiceConfig{
		History: func(context.Context, []string, time.Time, time.Time, int) (*market.History, error) {
			return hist.Clone(), nil
		},
		Results:  store,
		Registry: testRegistry(t),
		Lots:     lotsize.New(100, nil),
		Defaults: RunConfig{
			Universe: []string{"AAA"},
			Pools: []PoolConfig{{
				ID:             "core",
				InitialCapital: decimal.NewFromInt(1_000_000),
				MaxPositions:   5,
				Strategies:     []StrategyConfig{{Name: "roundtrip"}},
			}},
		},
		Notifier:      notifier,
		Summarize:     func(r Run, _ *engine.Result) string { return "done " + r.ID },
		MaxConcurrent: 2,
	})
	require.NoError(t, err)
	return svc, notifier
}

func TestServiceRunPersistsResult(t *testing.T) {
	svc, notifier := newTestService(t, true)
	ctx := context.Background()

	run, res, err := svc.Run(ctx, RunRequest{Name: "smoke", Start: "2024-07-01", End: "2024-07-04"})
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, run.Status)
	assert.InDelta(t, 1.0, run.ReturnPct, 1e-9)
	require.Len(t, res.Closed, 1)
	assert.Len(t, notifier.texts, 1)

	stored, err := svc.Results().GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, stored.Status)
	assert.Equal(t, "smoke", stored.Name)
	assert.True(t, stored.FinalCapital.Equal(decimal.NewFromInt(1_010_000)))
	assert.Equal(t, 2, stored.Metrics.Trades)
	assert.False(t, stored.CompletedAt.IsZero())
	assert.Equal(t, []string{"AAA"}, stored.Config.Universe)

	trades, err := svc.Results().ListTrades(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.NotNil(t, trades[1].HoldingDays)
	assert.Equal(t, 1, *trades[1].HoldingDays)
	assert.Equal(t, "take_profit", trades[1].ExitReason)

	closed, err := svc.Results().ListClosed(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.True(t, closed[0].EntryPrice.Equal(decimal.NewFromInt(1000)))
	assert.True(t, closed[0].ExitDate.Equal(day(3)))

	equity, err := svc.Results().ListEquity(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, equity, 4)
	assert.Equal(t, "2024-07-01", equity[0].Date)
	assert.True(t, equity[3].Pools["core"].Equal(decimal.NewFromInt(1_010_000)))

	runs, err := svc.Results().ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestServiceStartRunsInBackground(t *testing.T) {
	svc, _ := newTestService(t, true)
	run, err := svc.Start(RunRequest{Start: "2024-07-01", End: "2024-07-04"})
	require.NoError(t, err)
	assert.Equal(t, RunStatusPending, run.Status)

	require.Eventually(t, func() bool {
		got, err := svc.Results().GetRun(context.Background(), run.ID)
		return err == nil && got.Status == RunStatusDone
	}, 5*time.Second, 20*time.Millisecond)

	skipped, err := svc.Results().ListSkipped(context.Background(), run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestServiceStartRequiresStore(t *testing.T) {
	svc, _ := newTestService(t, false)
	_, err := svc.Start(RunRequest{Start: "2024-07-01", End: "2024-07-04"})
	assert.Error(t, err)
}

func TestServiceRunGridIsolatesRuns(t *testing.T) {
	svc, _ := newTestService(t, false)
	small := []PoolConfig{{
		ID:             "core",
		InitialCapital: decimal.NewFromInt(500_000),
		MaxPositions:   5,
		Strategies:     []StrategyConfig{{Name: "roundtrip"}},
	}}
	results, err := svc.RunGrid(context.Background(), []RunRequest{
		{Start: "2024-07-01", End: "2024-07-04"},
		{Start: "2024-07-01", End: "2024-07-04", Pools: small},
		{Start: "2024-07-01", End: "2024-07-04", Pools: []PoolConfig{{ID: "bad", InitialCapital: decimal.NewFromInt(1), MaxPositions: 0, Strategies: []StrategyConfig{{Name: "roundtrip"}}}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.InDelta(t, 1.0, results[0].Run.ReturnPct, 1e-9)
	assert.InDelta(t, 2.0, results[1].Run.ReturnPct, 1e-9)
	assert.Error(t, results[2].Err)
	assert.Equal(t, RunStatusFailed, results[2].Run.Status)
}

func TestPrepareValidatesRequest(t *testing.T) {
	svc, _ := newTestService(t, false)
	tests := []struct {
		name string
		req  RunRequest
	}{
		{"bad start", RunRequest{Start: "07/01/2024", End: "2024-07-04"}},
		{"end before start", RunRequest{Start: "2024-07-04", End: "2024-07-01"}},
		{"unknown strategy", RunRequest{Start: "2024-07-01", End: "2024-07-04", Pools: []PoolConfig{{ID: "x", Strategies: []StrategyConfig{{Name: "nope"}}}}}},
		{"no strategies", RunRequest{Start: "2024-07-01", End: "2024-07-04", Pools: []PoolConfig{{ID: "x"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Prepare(tc.req)
			assert.Error(t, err)
		})
	}

	liquidate := true
	cfg, err := svc.Prepare(RunRequest{Start: "2024-07-01", End: "2024-07-04", Universe: []string{" bbb", "AAA", "bbb"}, LiquidateAtEnd: &liquidate})
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB", "AAA"}, cfg.Universe)
	assert.True(t, cfg.LiquidateAtEnd)
}

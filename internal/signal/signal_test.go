package signal

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tradesim/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSource struct{ mock.Mock }

func (m *mockSource) Evaluate(ctx context.Context, req Request) (Signal, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Signal), args.Error(1)
}

func barsFrom(closes ...float64) []market.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Bar, len(closes))
	for i, c := range closes {
		out[i] = market.Bar{Date: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func geometric(start, step float64, n int) []float64 {
	out := make([]float64, n)
	v := start
	for i := range out {
		out[i] = v
		v *= step
	}
	return out
}

func TestRankOrdersByScoreThenDiscovery(t *testing.T) {
	in := Candidates([]Signal{
		{Ticker: "A", Score: 50},
		{Ticker: "B", Score: 80},
		{Ticker: "C", Score: 50},
		{Ticker: "D", Score: math.NaN()},
		{Ticker: "E", Score: 80},
	})
	got := Rank(in)
	var order []string
	for _, c := range got {
		order = append(order, c.Signal.Ticker)
	}
	assert.Equal(t, []string{"B", "E", "A", "C", "D"}, order)
	assert.Equal(t, "A", in[0].Signal.Ticker, "input must not be reordered")

	for i := 0; i < 10; i++ {
		again := Rank(in)
		for j := range again {
			assert.Equal(t, got[j].Signal.Ticker, again[j].Signal.Ticker)
		}
	}
}

func TestRankUsesSeqNotInputPosition(t *testing.T) {
	in := []Candidate{
		{Signal: Signal{Ticker: "LATE", Score: 10}, Seq: 5},
		{Signal: Signal{Ticker: "EARLY", Score: 10}, Seq: 1},
	}
	got := Rank(in)
	assert.Equal(t, "EARLY", got[0].Signal.Ticker)
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"composite", "momentum_score", "rsi_reversion", "sma_cross", "trailing_stop"}, r.Names())

	_, err := r.Build("nope", nil)
	assert.Error(t, err)
	_, err = r.Build("sma_cross", map[string]any{"fast": 10, "slow": 5})
	assert.Error(t, err)

	src, err := r.Build("SMA_CROSS", map[string]any{"fast": "3", "slow": 8.0})
	require.NoError(t, err)
	assert.IsType(t, &smaCross{}, src)

	src, err = r.BuildAll([]Spec{{Name: "sma_cross"}, {Name: "trailing_stop"}})
	require.NoError(t, err)
	assert.IsType(t, &Composite{}, src)

	src, err = r.Build("composite", map[string]any{"strategies": []any{
		map[string]any{"name": "rsi_reversion", "params": map[string]any{"period": 7}},
	}})
	require.NoError(t, err)
	assert.IsType(t, &Composite{}, src)
}

func TestSMACross(t *testing.T) {
	src, err := newSMACross(map[string]any{"fast": 5, "slow": 20})
	require.NoError(t, err)
	ctx := context.Background()

	sig, err := src.Evaluate(ctx, Request{Ticker: "X", Bars: barsFrom(append(repeat(10, 20), 20)...)})
	require.NoError(t, err)
	assert.Equal(t, KindBuy, sig.Kind)
	assert.InDelta(t, 1.5/10.5*100, sig.Score, 1e-6)
	assert.Equal(t, 20.0, sig.Price)

	held := &Holding{Quantity: 300, EntryPrice: 10, PeakPrice: 10}
	sig, err = src.Evaluate(ctx, Request{Ticker: "X", Bars: barsFrom(append(repeat(10, 20), 5)...), Held: held})
	require.NoError(t, err)
	assert.Equal(t, KindSell, sig.Kind)
	assert.Equal(t, 1.0, sig.Sell.Fraction)
	assert.Equal(t, int64(300), sig.Sell.Held)

	sig, err = src.Evaluate(ctx, Request{Ticker: "X", Bars: barsFrom(repeat(10, 5)...)})
	require.NoError(t, err)
	assert.Equal(t, KindHold, sig.Kind)
}

func TestRSIReversion(t *testing.T) {
	src, err := newRSIReversion(nil)
	require.NoError(t, err)
	ctx := context.Background()

	sig, err := src.Evaluate(ctx, Request{Bars: barsFrom(geometric(100, 0.98, 20)...)})
	require.NoError(t, err)
	assert.Equal(t, KindBuy, sig.Kind)
	assert.InDelta(t, 100, sig.Score, 1e-6)

	sig, err = src.Evaluate(ctx, Request{Bars: barsFrom(geometric(100, 1.02, 20)...), Held: &Holding{Quantity: 100}})
	require.NoError(t, err)
	assert.Equal(t, KindSell, sig.Kind)
	assert.Equal(t, 1.0, sig.Sell.Fraction)
}

func TestTrailingStop(t *testing.T) {
	src, err := newTrailingStop(map[string]any{"drawdown": 0.1})
	require.NoError(t, err)
	ctx := context.Background()

	sig, err := src.Evaluate(ctx, Request{Bars: barsFrom(89), Held: &Holding{Quantity: 100, PeakPrice: 100}})
	require.NoError(t, err)
	assert.Equal(t, KindSell, sig.Kind)

	sig, err = src.Evaluate(ctx, Request{Bars: barsFrom(95), Held: &Holding{Quantity: 100, PeakPrice: 100}})
	require.NoError(t, err)
	assert.Equal(t, KindHold, sig.Kind)

	sig, err = src.Evaluate(ctx, Request{Bars: barsFrom(50)})
	require.NoError(t, err)
	assert.Equal(t, KindHold, sig.Kind)

	_, err = newTrailingStop(map[string]any{"drawdown": 1.5})
	assert.Error(t, err)
}

func TestMomentumScoreAdapter(t *testing.T) {
	src, err := newMomentumScore(nil)
	require.NoError(t, err)
	ctx := context.Background()

	sig, err := src.Evaluate(ctx, Request{Bars: barsFrom(geometric(100, 1.01, 25)...)})
	require.NoError(t, err)
	assert.Equal(t, KindBuy, sig.Kind)
	assert.InDelta(t, (math.Pow(1.01, 20)-1)*100, sig.Score, 1e-6)

	sig, err = src.Evaluate(ctx, Request{Bars: barsFrom(geometric(100, 0.99, 25)...), Held: &Holding{Quantity: 100}})
	require.NoError(t, err)
	assert.Equal(t, KindSell, sig.Kind)

	sig, err = src.Evaluate(ctx, Request{Bars: barsFrom(1, 2, 3)})
	require.NoError(t, err)
	assert.Equal(t, KindHold, sig.Kind)
}

func TestScorerAdapterPropagatesError(t *testing.T) {
	a := ScorerAdapter{Name: "x", Scorer: ScorerFunc(func(context.Context, Request) (float64, error) {
		return 0, errors.New("boom")
	})}
	_, err := a.Evaluate(context.Background(), Request{})
	assert.EqualError(t, err, "boom")
}

func TestCompositePicksBestBuyAndLargestSell(t *testing.T) {
	ctx := context.Background()
	entry := Request{Ticker: "X", Bars: barsFrom(10)}

	a, b := new(mockSource), new(mockSource)
	a.On("Evaluate", ctx, entry).Return(entry.BuySignal(40, "a"), nil).Once()
	b.On("Evaluate", ctx, entry).Return(entry.BuySignal(70, "b"), nil).Once()
	sig, err := NewComposite(a, b).Evaluate(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "b", sig.Reason)

	exit := Request{Ticker: "X", Bars: barsFrom(10), Held: &Holding{Quantity: 100}}
	a.On("Evaluate", ctx, exit).Return(exit.SellSignal(0.5, 1, "a"), nil).Once()
	b.On("Evaluate", ctx, exit).Return(exit.SellSignal(1, 1, "b"), nil).Once()
	sig, err = NewComposite(a, b).Evaluate(ctx, exit)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sig.Sell.Fraction)

	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestCompositeErrors(t *testing.T) {
	ctx := context.Background()
	req := Request{Ticker: "X"}
	a, b := new(mockSource), new(mockSource)
	a.On("Evaluate", ctx, req).Return(Signal{}, errors.New("a down"))
	b.On("Evaluate", ctx, req).Return(req.Hold("b"), nil).Once()

	sig, err := NewComposite(a, b).Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, KindHold, sig.Kind)

	_, err = NewComposite(a).Evaluate(ctx, req)
	assert.ErrorContains(t, err, "a down")
}

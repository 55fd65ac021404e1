package portfolio

import (
	"math/rand"
	"testing"
	"time"

	"tradesim/internal/lotsize"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func date(day int) time.Time { return time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC) }

func newPool(t *testing.T, capital int64, maxPositions int) *Pool {
	t.Helper()
	p, err := New(Config{ID: "core", InitialCapital: d(capital), MaxPositions: maxPositions}, lotsize.New(100, nil))
	require.NoError(t, err)
	return p
}

func TestBasicRoundTrip(t *testing.T) {
	p := newPool(t, 1_000_000, 5)

	qty := p.SizeBuy("X", d(1000), BuyIntent{})
	assert.Equal(t, int64(1000), qty)
	buy, err := p.ExecuteBuy("X", qty, d(1000), date(1), 80)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), buy.Quantity)
	assert.True(t, p.Cash().IsZero())

	sell, err := p.ExecuteSell("X", SellRequest{Fraction: 1}, d(1100), date(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sell.QuantitySold)
	assert.True(t, sell.Proceeds.Equal(d(1_100_000)))
	assert.True(t, p.Cash().Equal(d(1_100_000)))
	assert.InDelta(t, 0.10, sell.RealizedPLPct, 1e-9)
	assert.Equal(t, 1, sell.HoldingDays)
	assert.True(t, sell.Closed)
	assert.Zero(t, p.PositionCount())
}

func TestCapitalConstrainedAdmission(t *testing.T) {
	p := newPool(t, 500_000, 5)
	intent := BuyIntent{Capital: d(400_000)}

	qa := p.SizeBuy("A", d(1000), intent)
	_, err := p.ExecuteBuy("A", qa, d(1000), date(1), 90)
	require.NoError(t, err)
	assert.True(t, p.Cash().Equal(d(100_000)))

	qb := p.SizeBuy("B", d(1000), intent)
	assert.Equal(t, int64(400), qb, "capital requests are not shrunk to the remaining cash")
	assert.False(t, p.CanAfford("B", qb, d(1000)))
	_, err = p.ExecuteBuy("B", qb, d(1000), date(1), 80)
	assert.ErrorIs(t, err, ErrInsufficientCash)
	assert.True(t, Recoverable(err))
	assert.True(t, p.Cash().Equal(d(100_000)))
}

func TestConservationAtConstantPrices(t *testing.T) {
	p := newPool(t, 1_000_000, 10)
	prices := map[string]decimal.Decimal{"A": d(250), "B": d(1234), "C": d(77)}
	before := p.MarkToMarket(prices)

	_, err := p.ExecuteBuy("A", 1000, prices["A"], date(1), 0)
	require.NoError(t, err)
	_, err = p.ExecuteBuy("B", 200, prices["B"], date(1), 0)
	require.NoError(t, err)
	_, err = p.ExecuteBuy("C", 300, prices["C"], date(2), 0)
	require.NoError(t, err)
	assert.True(t, before.Equal(p.MarkToMarket(prices)))

	_, err = p.ExecuteSell("A", SellRequest{Fraction: 0.5}, prices["A"], date(3))
	require.NoError(t, err)
	_, err = p.ExecuteSell("B", SellRequest{Quantity: 200}, prices["B"], date(3))
	require.NoError(t, err)
	assert.True(t, before.Equal(p.MarkToMarket(prices)))
}

func TestNoNegativeCashUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tickers := []string{"A", "B", "C", "D", "E", "F"}
	p := newPool(t, 2_000_000, 4)

	for i := 0; i < 2000; i++ {
		ticker := tickers[rng.Intn(len(tickers))]
		price := d(int64(10 + rng.Intn(5000)))
		if rng.Intn(3) == 0 && p.Holding(ticker) > 0 {
			_, err := p.ExecuteSell(ticker, SellRequest{Fraction: rng.Float64() + 0.05}, price, date(1))
			if err != nil {
				assert.ErrorIs(t, err, ErrBelowLotSize)
			}
		} else {
			qty := int64(rng.Intn(3000))
			_, err := p.ExecuteBuy(ticker, qty, price, date(1), 0)
			if err != nil {
				assert.True(t, Recoverable(err), "unexpected error %v", err)
			}
		}
		require.False(t, p.Cash().IsNegative(), "cash negative at step %d", i)
		require.LessOrEqual(t, p.PositionCount(), 4)
	}
}

func TestPositionLimits(t *testing.T) {
	p := newPool(t, 1_000_000, 2)
	_, err := p.ExecuteBuy("A", 100, d(100), date(1), 0)
	require.NoError(t, err)
	_, err = p.ExecuteBuy("B", 100, d(100), date(1), 0)
	require.NoError(t, err)
	assert.True(t, p.Full())

	_, err = p.ExecuteBuy("C", 100, d(100), date(1), 0)
	assert.ErrorIs(t, err, ErrPositionLimit)

	// 已持有的 ticker 可以加仓
	_, err = p.ExecuteBuy("A", 100, d(100), date(2), 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(200), p.Holding("a"))
}

func TestMaxPositionFraction(t *testing.T) {
	p, err := New(Config{ID: "f", InitialCapital: d(100_000), MaxPositions: 5, MaxPositionFraction: decimal.RequireFromString("0.25")}, lotsize.New(100, nil))
	require.NoError(t, err)

	assert.ErrorIs(t, p.Check("A", 300, d(100)), ErrPositionLimit)
	assert.NoError(t, p.Check("A", 200, d(100)))

	qty := p.SizeBuy("A", d(100), BuyIntent{})
	assert.Equal(t, int64(200), qty)
	_, err = p.ExecuteBuy("A", qty, d(100), date(1), 0)
	require.NoError(t, err)
	// 已到 25%，无法继续加仓
	assert.Zero(t, p.SizeBuy("A", d(100), BuyIntent{}))
}

func TestBuyBelowLotSize(t *testing.T) {
	p := newPool(t, 1_000_000, 5)
	_, err := p.ExecuteBuy("A", 99, d(10), date(1), 0)
	assert.ErrorIs(t, err, ErrBelowLotSize)
	assert.True(t, p.Cash().Equal(d(1_000_000)))

	buy, err := p.ExecuteBuy("A", 250, d(10), date(1), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(200), buy.Quantity)
}

func TestSellFractionRoundsDownToLot(t *testing.T) {
	lots := lotsize.New(100, map[string]int64{"ONE": 1})
	tests := []struct {
		name     string
		ticker   string
		held     int64
		fraction float64
		want     int64
		wantErr  error
	}{
		{"half of 300 rounds down", "X", 300, 0.5, 100, nil},
		{"third of 1000", "X", 1000, 1.0 / 3, 300, nil},
		{"exact half", "X", 1000, 0.5, 500, nil},
		{"below one lot", "X", 100, 0.5, 0, ErrBelowLotSize},
		{"full includes odd lot", "X", 250, 1, 250, nil},
		{"over one sells all", "X", 300, 1.5, 300, nil},
		{"unit one", "ONE", 7, 0.5, 3, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(Config{ID: "r", InitialCapital: d(100_000_000), MaxPositions: 5}, lots)
			require.NoError(t, err)
			require.NoError(t, p.Restore(Snapshot{
				ID:   "r",
				Cash: d(1_000),
				Positions: []PositionLot{
					{Ticker: tc.ticker, Quantity: tc.held, EntryPrice: d(10), EntryDate: date(1), PeakPrice: d(10)},
				},
			}))
			got, err := p.ResolveSell(tc.ticker, SellRequest{Fraction: tc.fraction})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			res, err := p.ExecuteSell(tc.ticker, SellRequest{Fraction: tc.fraction}, d(10), date(2))
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.QuantitySold)
			assert.Equal(t, tc.held-tc.want, p.Holding(tc.ticker))
		})
	}
}

func TestSellAvgEntryPriceIsPerShare(t *testing.T) {
	p := newPool(t, 1_000_000, 5)
	_, err := p.ExecuteBuy("X", 100, d(1000), date(1), 50)
	require.NoError(t, err)
	_, err = p.ExecuteBuy("X", 100, d(1200), date(2), 50)
	require.NoError(t, err)

	first, err := p.ExecuteSell("X", SellRequest{Quantity: 100}, d(1300), date(3))
	require.NoError(t, err)
	assert.True(t, first.AvgEntryPrice.Equal(d(1000)), first.AvgEntryPrice.String())

	_, err = p.ExecuteBuy("X", 100, d(1400), date(4), 50)
	require.NoError(t, err)
	all, err := p.ExecuteSell("X", SellRequest{Fraction: 1}, d(1500), date(5))
	require.NoError(t, err)
	assert.Equal(t, int64(200), all.QuantitySold)
	assert.True(t, all.AvgEntryPrice.Equal(d(1300)), all.AvgEntryPrice.String())
	assert.True(t, all.CostBasis.Equal(d(1200)))
}

func TestSellUnknownTicker(t *testing.T) {
	p := newPool(t, 1_000, 5)
	_, err := p.ExecuteSell("NOPE", SellRequest{Fraction: 1}, d(10), date(1))
	assert.ErrorIs(t, err, ErrNoPosition)
	assert.False(t, Recoverable(err))
}

func TestMarkToMarketFallsBackToLastMark(t *testing.T) {
	p := newPool(t, 100_000, 5)
	_, err := p.ExecuteBuy("A", 100, d(100), date(1), 0)
	require.NoError(t, err)
	p.UpdateMarks(map[string]decimal.Decimal{"A": d(120)})

	// A 缺价，使用 120
	assert.True(t, p.MarkToMarket(map[string]decimal.Decimal{}).Equal(d(90_000+12_000)))
	assert.True(t, p.MarkToMarket(map[string]decimal.Decimal{"A": d(110)}).Equal(d(90_000+11_000)))

	led, ok := p.Position("A")
	require.True(t, ok)
	assert.True(t, led.Peak().Equal(d(120)))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	p := newPool(t, 1_000_000, 5)
	_, err := p.ExecuteBuy("A", 300, d(1000), date(1), 70)
	require.NoError(t, err)
	_, err = p.ExecuteBuy("B", 200, d(500), date(2), 60)
	require.NoError(t, err)
	_, err = p.ExecuteBuy("A", 100, d(1050), date(3), 75)
	require.NoError(t, err)
	p.UpdateMarks(map[string]decimal.Decimal{"A": d(1100)})

	snap := p.Snapshot()
	require.Len(t, snap.Positions, 3)
	assert.Equal(t, []string{"A", "B"}, snap.Tickers())

	restored := newPool(t, 1, 5)
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, snap, restored.Snapshot())

	clone := p.Clone()
	_, err = clone.ExecuteSell("A", SellRequest{Fraction: 1}, d(1100), date(4))
	require.NoError(t, err)
	assert.Equal(t, int64(400), p.Holding("A"), "clone must be independent")
}

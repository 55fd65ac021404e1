package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReturnsAndDrawdown(t *testing.T) {
	curve := []float64{100, 110, 99, 120, 90}
	r := Returns(curve)
	assert.InDeltaSlice(t, []float64{0.1, -0.1, 120.0/99 - 1, -0.25}, r, 1e-12)
	assert.InDelta(t, 0.25, MaxDrawdown(curve), 1e-12)
	assert.Zero(t, MaxDrawdown([]float64{1, 2, 3}))
	assert.Nil(t, Returns([]float64{1}))
}

func TestSharpe(t *testing.T) {
	_, ok := Sharpe([]float64{0.01}, 0, TradingDaysPerYear)
	assert.False(t, ok)
	_, ok = Sharpe([]float64{0.01, 0.01, 0.01}, 0, TradingDaysPerYear)
	assert.False(t, ok, "zero volatility")

	returns := []float64{0.01, -0.005, 0.02, 0.0}
	got, ok := Sharpe(returns, 0, TradingDaysPerYear)
	assert.True(t, ok)
	mean := (0.01 - 0.005 + 0.02) / 4
	var ss float64
	for _, v := range returns {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / 3)
	assert.InDelta(t, mean/std*math.Sqrt(252), got, 1e-9)
}

func TestTradeStats(t *testing.T) {
	pl := []float64{0.1, -0.05, 0.2, -0.05, 0}
	assert.InDelta(t, 0.4, WinRate(pl), 1e-12)
	pf, ok := ProfitFactor(pl)
	assert.True(t, ok)
	assert.InDelta(t, 3.0, pf, 1e-12)
	_, ok = ProfitFactor([]float64{0.1})
	assert.False(t, ok)
	assert.Zero(t, WinRate(nil))
	assert.InDelta(t, 0.04, Mean(pl), 1e-12)
}

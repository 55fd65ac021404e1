// Package formulas computes performance statistics over equity curves and
// closed trades.
package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear 用于年化日收益。
const TradingDaysPerYear = 252

// Returns 把净值序列转为逐期收益率，前值 <=0 的期跳过。
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 {
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// Sharpe 返回年化夏普比率；样本不足或波动为 0 时 ok=false。
// riskFree 为年化无风险利率（0.02 表示 2%）。
func Sharpe(returns []float64, riskFree float64, periodsPerYear int) (float64, bool) {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return 0, false
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	periodic := riskFree / float64(periodsPerYear)
	return (mean - periodic) / std * math.Sqrt(float64(periodsPerYear)), true
}

// MaxDrawdown 返回最大回撤（0.25 表示自高点下跌 25%）。
func MaxDrawdown(values []float64) float64 {
	maxDD := 0.0
	peak := math.Inf(-1)
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// Volatility 返回年化波动率。
func Volatility(returns []float64, periodsPerYear int) float64 {
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * math.Sqrt(float64(periodsPerYear))
}

// WinRate 返回收益 >0 的比例。
func WinRate(pl []float64) float64 {
	if len(pl) == 0 {
		return 0
	}
	wins := 0
	for _, v := range pl {
		if v > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(pl))
}

// ProfitFactor 为盈利总额 / 亏损总额；没有亏损时 ok=false。
func ProfitFactor(pl []float64) (float64, bool) {
	var gain, loss float64
	for _, v := range pl {
		if v > 0 {
			gain += v
		} else {
			loss -= v
		}
	}
	if loss == 0 {
		return 0, false
	}
	return gain / loss, true
}

// Mean 为空切片返回 0。
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

package engine

import (
	"context"
	"fmt"
	"time"

	"tradesim/internal/audit"
	"tradesim/internal/market"
	"tradesim/internal/pkg/formulas"
	"tradesim/internal/state"

	"github.com/shopspring/decimal"
)

// ReasonEndOfBacktest 是回测结束强制平仓的 exit reason。
const ReasonEndOfBacktest = "end_of_backtest"

// Range 描述一次历史回放。
type Range struct {
	Start          time.Time
	End            time.Time
	LiquidateAtEnd bool
	RiskFreeRate   float64
	// Progress 每处理完一个交易日回调一次。
	Progress func(done, total int, date time.Time)
}

// Metrics 由净值曲线与已实现交易计算。百分比字段以 % 表示。
type Metrics struct {
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	WinRatePct     float64 `json:"win_rate_pct"`
	Sharpe         float64 `json:"sharpe"`
	SharpeValid    bool    `json:"sharpe_valid"`
	VolatilityPct  float64 `json:"volatility_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
	AvgHoldingDays float64 `json:"avg_holding_days"`
	Trades         int     `json:"trades"`
	ClosedTrades   int     `json:"closed_trades"`
	Skipped        int     `json:"skipped"`
}

// Result 是一次历史回放的完整输出。
type Result struct {
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	StartCapital decimal.Decimal `json:"start_capital"`
	EndCapital   decimal.Decimal `json:"end_capital"`
	Metrics      Metrics         `json:"metrics"`
	Trades       []audit.Trade   `json:"-"`
	Closed       []ClosedTrade   `json:"closed"`
	Equity       []EquityPoint   `json:"equity"`
	Skipped      []Skipped       `json:"skipped"`
	Summary      state.Summary   `json:"summary"`
}

// RunHistorical 在 [Start, End] 的交易日上执行每日循环：t 日收盘产生计划，
// t+1 开盘结算。审计或落盘失败立即返回，不再推进。
func (e *Engine) RunHistorical(ctx context.Context, hist *market.History, rng Range) (*Result, error) {
	if hist == nil {
		return nil, fmt.Errorf("history 不能为空")
	}
	days := hist.TradingDays(rng.Start, rng.End)
	if len(days) == 0 {
		return nil, fmt.Errorf("%s ~ %s 区间内没有交易日", market.DateKey(rng.Start), market.DateKey(rng.End))
	}
	res := &Result{Start: days[0], End: days[len(days)-1]}
	for _, p := range e.state.Pools() {
		res.StartCapital = res.StartCapital.Add(p.TotalValue())
	}
	e.log.Infof("回放 %s ~ %s，%d 个交易日，%d 个 pool", market.DateKey(res.Start), market.DateKey(res.End), len(days), len(e.state.Pools()))

	var pending *DayPlan
	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dayRes := DayResult{Date: day}
		if pending != nil && !pending.Empty() {
			settled, err := e.Settle(ctx, *pending, day, historyQuote(hist, day, (*market.History).Open))
			if err != nil {
				return nil, fmt.Errorf("settle %s: %w", market.DateKey(day), err)
			}
			dayRes = settled
		}
		pt, err := e.Bookkeep(ctx, dayRes, hist.Closes(day))
		if err != nil {
			return nil, fmt.Errorf("bookkeep %s: %w", market.DateKey(day), err)
		}
		res.collect(dayRes)
		res.Equity = append(res.Equity, pt)

		pending = nil
		if i < len(days)-1 {
			plan, skipped, err := e.Plan(ctx, day, historyBars(hist, day))
			if err != nil {
				return nil, fmt.Errorf("plan %s: %w", market.DateKey(day), err)
			}
			res.Skipped = append(res.Skipped, skipped...)
			pending = &plan
		}
		if rng.Progress != nil {
			rng.Progress(i+1, len(days), day)
		}
	}

	last := res.End
	if rng.LiquidateAtEnd {
		liq, err := e.Liquidate(ctx, last, historyQuote(hist, last, (*market.History).Close), ReasonEndOfBacktest)
		if err != nil {
			return nil, fmt.Errorf("liquidate %s: %w", market.DateKey(last), err)
		}
		pt, err := e.Bookkeep(ctx, liq, hist.Closes(last))
		if err != nil {
			return nil, fmt.Errorf("bookkeep %s: %w", market.DateKey(last), err)
		}
		res.collect(liq)
		res.Equity[len(res.Equity)-1] = pt
	}

	closes := hist.Closes(last)
	res.Summary = e.state.Summary(closes)
	res.EndCapital = res.Summary.TotalValue
	res.Metrics = computeMetrics(res, rng.RiskFreeRate)
	e.log.Infof("回放完成：%s → %s（%.2f%%），成交 %d，跳过 %d",
		res.StartCapital.StringFixed(2), res.EndCapital.StringFixed(2), res.Metrics.TotalReturnPct, len(res.Trades), len(res.Skipped))
	return res, nil
}

func (r *Result) collect(d DayResult) {
	r.Trades = append(r.Trades, d.Trades...)
	r.Closed = append(r.Closed, d.Closed...)
	r.Skipped = append(r.Skipped, d.Skipped...)
}

func historyQuote(hist *market.History, day time.Time, price func(*market.History, string, time.Time) (decimal.Decimal, error)) QuoteFunc {
	return func(_, ticker string) (Quote, error) {
		px, err := price(hist, ticker, day)
		if err != nil {
			return Quote{}, err
		}
		return Quote{Price: px}, nil
	}
}

func historyBars(hist *market.History, day time.Time) BarsFunc {
	return func(ticker string) []market.Bar {
		s, ok := hist.Series(ticker)
		if !ok {
			return nil
		}
		return s.Upto(day)
	}
}

func computeMetrics(r *Result, riskFree float64) Metrics {
	m := Metrics{
		Trades:       len(r.Trades),
		ClosedTrades: len(r.Closed),
		Skipped:      len(r.Skipped),
	}
	if r.StartCapital.IsPositive() {
		m.TotalReturnPct = r.EndCapital.Sub(r.StartCapital).Div(r.StartCapital).InexactFloat64() * 100
	}
	values := make([]float64, len(r.Equity))
	for i, pt := range r.Equity {
		values[i] = pt.Total.InexactFloat64()
	}
	returns := formulas.Returns(values)
	m.MaxDrawdownPct = formulas.MaxDrawdown(values) * 100
	m.VolatilityPct = formulas.Volatility(returns, formulas.TradingDaysPerYear) * 100
	m.Sharpe, m.SharpeValid = formulas.Sharpe(returns, riskFree, formulas.TradingDaysPerYear)

	pl := make([]float64, len(r.Closed))
	days := make([]float64, len(r.Closed))
	for i, c := range r.Closed {
		pl[i] = c.RealizedPL.InexactFloat64()
		days[i] = float64(c.HoldingDays)
	}
	m.WinRatePct = formulas.WinRate(pl) * 100
	m.ProfitFactor, _ = formulas.ProfitFactor(pl)
	m.AvgHoldingDays = formulas.Mean(days)
	return m
}

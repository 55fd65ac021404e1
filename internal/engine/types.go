package engine

import (
	"errors"
	"time"

	"tradesim/internal/market"
	"tradesim/internal/portfolio"
	"tradesim/internal/signal"

	"github.com/shopspring/decimal"
)

// SkipReason 说明一个信号为何没有执行。
type SkipReason string

const (
	SkipInsufficientCash SkipReason = "insufficient_cash"
	SkipPositionLimit    SkipReason = "position_limit"
	SkipBelowLotSize     SkipReason = "below_lot_size"
	SkipMissingPrice     SkipReason = "missing_price"
	SkipSignalError      SkipReason = "signal_error"
)

// Skipped 是一条被跳过的信号，回测结束时随结果一起报告。
type Skipped struct {
	Date   time.Time   `json:"date"`
	PoolID string      `json:"pool_id"`
	Ticker string      `json:"ticker"`
	Action signal.Kind `json:"action"`
	Reason SkipReason  `json:"reason"`
	Detail string      `json:"detail,omitempty"`
}

// classify 区分可恢复错误（返回跳过原因）与必须中止运行的错误。
func classify(err error) (SkipReason, bool) {
	switch {
	case errors.Is(err, portfolio.ErrInsufficientCash):
		return SkipInsufficientCash, true
	case errors.Is(err, portfolio.ErrPositionLimit):
		return SkipPositionLimit, true
	case errors.Is(err, portfolio.ErrBelowLotSize):
		return SkipBelowLotSize, true
	case errors.Is(err, market.ErrMissingPrice):
		return SkipMissingPrice, true
	}
	// ledger.ErrInsufficientShares / portfolio.ErrNoPosition 说明状态已不一致
	return "", false
}

// PoolPlan 是某个 pool 在决策日产生、次日执行的订单。Buys 已排序。
type PoolPlan struct {
	PoolID string
	Sells  []signal.Signal
	Buys   []signal.Signal
}

// DayPlan 汇总决策日全部 pool 的订单。
type DayPlan struct {
	Date  time.Time
	Pools []PoolPlan
}

// Empty 表示没有任何订单。
func (p DayPlan) Empty() bool {
	for _, pp := range p.Pools {
		if len(pp.Sells) > 0 || len(pp.Buys) > 0 {
			return false
		}
	}
	return true
}

// ClosedTrade 是一次卖出对应的已实现交易。
type ClosedTrade struct {
	PoolID        string          `json:"pool_id"`
	Ticker        string          `json:"ticker"`
	Quantity      int64           `json:"quantity"`
	EntryDate     time.Time       `json:"entry_date"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	ExitDate      time.Time       `json:"exit_date"`
	ExitPrice     decimal.Decimal `json:"exit_price"`
	RealizedPL    decimal.Decimal `json:"realized_pl"`
	RealizedPLPct float64         `json:"realized_pl_pct"`
	HoldingDays   int             `json:"holding_days"`
	ExitReason    string          `json:"exit_reason"`
}

// EquityPoint 是某日收盘后的净值快照。
type EquityPoint struct {
	Date  time.Time                  `json:"date"`
	Cash  decimal.Decimal            `json:"cash"`
	Total decimal.Decimal            `json:"total"`
	Pools map[string]decimal.Decimal `json:"pools"`
}

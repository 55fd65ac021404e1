// Package ledger keeps the open lots of one ticker inside one capital pool and
// consumes them oldest-first.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientShares 表示卖出数量超过持仓，调用方与账本已经不一致。
	ErrInsufficientShares = errors.New("insufficient shares")
	// ErrInvalidLot 表示数量或价格非正。
	ErrInvalidLot = errors.New("invalid lot")
)

// Lot 是同一天同一价格买入的一批股份。
type Lot struct {
	Ticker     string
	Quantity   int64
	UnitCost   decimal.Decimal
	AcquiredAt time.Time
	EntryScore float64
	PeakPrice  decimal.Decimal
}

// Cost 返回该批次剩余数量的成本。
func (l Lot) Cost() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(l.Quantity))
}

// Slice 是一次 FIFO 卖出从某个批次上切下的部分。
type Slice struct {
	Quantity   int64
	UnitCost   decimal.Decimal
	AcquiredAt time.Time
}

func (s Slice) cost() decimal.Decimal {
	return s.UnitCost.Mul(decimal.NewFromInt(s.Quantity))
}

// Liquidation 汇总一次 FIFO 卖出。
type Liquidation struct {
	Proceeds     decimal.Decimal
	QuantitySold int64
	// CostBasis 是最早被触及批次的单位成本，仅用于展示。
	CostBasis decimal.Decimal
	Slices    []Slice
}

// CostOfSold 逐批次累加被卖出部分的成本。
func (l Liquidation) CostOfSold() decimal.Decimal {
	total := decimal.Zero
	for _, s := range l.Slices {
		total = total.Add(s.cost())
	}
	return total
}

// AvgEntryPrice 是被卖出部分按股数加权的买入均价。
func (l Liquidation) AvgEntryPrice() decimal.Decimal {
	if l.QuantitySold <= 0 {
		return decimal.Zero
	}
	return l.CostOfSold().Div(decimal.NewFromInt(l.QuantitySold))
}

// RealizedPL 为收入减去逐批次成本。
func (l Liquidation) RealizedPL() decimal.Decimal {
	return l.Proceeds.Sub(l.CostOfSold())
}

// RealizedPLPct 返回已实现收益率（0.1 表示 +10%），成本为 0 时返回 0。
func (l Liquidation) RealizedPLPct() float64 {
	cost := l.CostOfSold()
	if cost.IsZero() {
		return 0
	}
	return l.RealizedPL().Div(cost).InexactFloat64()
}

// OldestAcquired 返回被消耗批次中最早的买入日期。
func (l Liquidation) OldestAcquired() time.Time {
	if len(l.Slices) == 0 {
		return time.Time{}
	}
	return l.Slices[0].AcquiredAt
}

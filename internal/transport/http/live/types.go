package livehttp

import (
	"time"

	"tradesim/internal/portfolio"
	"tradesim/internal/state"

	"github.com/shopspring/decimal"
)

// LotView 是持仓中的一个批次。
type LotView struct {
	Quantity   int64           `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	EntryDate  string          `json:"entry_date"`
	EntryScore float64         `json:"entry_score"`
}

// PositionView 汇总单个 ticker 的持仓。
type PositionView struct {
	Ticker       string          `json:"ticker"`
	Quantity     int64           `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	Mark         decimal.Decimal `json:"mark"`
	MarketValue  decimal.Decimal `json:"market_value"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	Lots         []LotView       `json:"lots"`
}

// PoolDetail 是 /api/pools/:id 的返回体。
type PoolDetail struct {
	state.PoolSummary
	MaxPositions int            `json:"max_positions"`
	Positions    []PositionView `json:"positions"`
}

// RunDayRequest 是 POST /api/live/run 的请求体，date 为空时取当天。
type RunDayRequest struct {
	Date  string     `json:"date"`
	Fills []FillView `json:"fills"`
}

// FillView 是一条人工回填的成交价。
type FillView struct {
	Pool     string  `json:"pool"`
	Ticker   string  `json:"ticker" binding:"required"`
	Price    float64 `json:"price" binding:"required,gt=0"`
	Quantity int64   `json:"quantity"`
}

func positionsOf(p *portfolio.Pool) []PositionView {
	snap := p.Snapshot()
	var out []PositionView
	for _, ticker := range snap.Tickers() {
		pos := PositionView{Ticker: ticker}
		var cost decimal.Decimal
		for _, lot := range snap.Positions {
			if lot.Ticker != ticker {
				continue
			}
			pos.Quantity += lot.Quantity
			cost = cost.Add(lot.EntryPrice.Mul(decimal.NewFromInt(lot.Quantity)))
			pos.Lots = append(pos.Lots, LotView{
				Quantity:   lot.Quantity,
				EntryPrice: lot.EntryPrice,
				EntryDate:  lot.EntryDate.UTC().Format(time.DateOnly),
				EntryScore: lot.EntryScore,
			})
		}
		if pos.Quantity > 0 {
			pos.AvgCost = cost.Div(decimal.NewFromInt(pos.Quantity)).Round(4)
		}
		mark, ok := p.Mark(ticker)
		if !ok {
			mark = pos.AvgCost
		}
		pos.Mark = mark
		pos.MarketValue = mark.Mul(decimal.NewFromInt(pos.Quantity))
		pos.UnrealizedPL = pos.MarketValue.Sub(cost)
		out = append(out, pos)
	}
	return out
}

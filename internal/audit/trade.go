// Package audit records every executed trade in an append-only log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Trade 是一条不可变的成交记录。
type Trade struct {
	Date       time.Time       `json:"date"`
	PoolID     string          `json:"pool_id"`
	Ticker     string          `json:"ticker"`
	Action     Action          `json:"action"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"`

	EntryScore *float64 `json:"entry_score,omitempty"`

	ExitReason    string   `json:"exit_reason,omitempty"`
	ExitScore     *float64 `json:"exit_score,omitempty"`
	RealizedPLPct *float64 `json:"realized_pl_pct,omitempty"`
	HoldingDays   *int     `json:"holding_days,omitempty"`
}

// Filter 用于查询成交记录，零值字段不参与过滤。
type Filter struct {
	PoolID string
	Ticker string
	From   time.Time
	To     time.Time
	Limit  int
}

func (f Filter) match(t Trade) bool {
	if f.PoolID != "" && !strings.EqualFold(f.PoolID, t.PoolID) {
		return false
	}
	if f.Ticker != "" && !strings.EqualFold(f.Ticker, t.Ticker) {
		return false
	}
	if !f.From.IsZero() && t.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.Date.After(f.To) {
		return false
	}
	return true
}

// Log 追加成交记录；失败意味着当日记录不完整，调用方必须中止。
type Log interface {
	Append(ctx context.Context, trades []Trade) error
}

// Reader 查询成交记录。
type Reader interface {
	List(ctx context.Context, f Filter) ([]Trade, error)
}

// tradeDoc 是审计文档中的一条记录，金额保持为不带引号的精确数字。
type tradeDoc struct {
	Date          string      `json:"date"`
	PoolID        string      `json:"pool_id"`
	Ticker        string      `json:"ticker"`
	Action        Action      `json:"action"`
	Quantity      int64       `json:"quantity"`
	Price         json.Number `json:"price"`
	TotalValue    json.Number `json:"total_value"`
	EntryScore    *float64    `json:"entry_score,omitempty"`
	ExitReason    string      `json:"exit_reason,omitempty"`
	ExitScore     *float64    `json:"exit_score,omitempty"`
	RealizedPLPct *float64    `json:"realized_pl_pct,omitempty"`
	HoldingDays   *int        `json:"holding_days,omitempty"`
}

type document struct {
	Trades []tradeDoc `json:"trades"`
}

func toDoc(t Trade) tradeDoc {
	return tradeDoc{
		Date:          t.Date.UTC().Format("2006-01-02"),
		PoolID:        t.PoolID,
		Ticker:        t.Ticker,
		Action:        t.Action,
		Quantity:      t.Quantity,
		Price:         json.Number(t.Price.String()),
		TotalValue:    json.Number(t.TotalValue.String()),
		EntryScore:    t.EntryScore,
		ExitReason:    t.ExitReason,
		ExitScore:     t.ExitScore,
		RealizedPLPct: t.RealizedPLPct,
		HoldingDays:   t.HoldingDays,
	}
}

func fromDoc(d tradeDoc) (Trade, error) {
	date, err := time.Parse("2006-01-02", d.Date)
	if err != nil {
		return Trade{}, fmt.Errorf("trade date %q: %w", d.Date, err)
	}
	price, err := decimal.NewFromString(d.Price.String())
	if err != nil {
		return Trade{}, fmt.Errorf("trade price %q: %w", d.Price, err)
	}
	total, err := decimal.NewFromString(d.TotalValue.String())
	if err != nil {
		return Trade{}, fmt.Errorf("trade total_value %q: %w", d.TotalValue, err)
	}
	return Trade{
		Date:          date,
		PoolID:        d.PoolID,
		Ticker:        d.Ticker,
		Action:        d.Action,
		Quantity:      d.Quantity,
		Price:         price,
		TotalValue:    total,
		EntryScore:    d.EntryScore,
		ExitReason:    d.ExitReason,
		ExitScore:     d.ExitScore,
		RealizedPLPct: d.RealizedPLPct,
		HoldingDays:   d.HoldingDays,
	}, nil
}

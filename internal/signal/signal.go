// Package signal defines the trading decision shape consumed by the engine,
// the Source contract that produces it, and the ranking of competing BUYs.
package signal

import (
	"context"
	"strings"
	"time"

	"tradesim/internal/market"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindHold Kind = "HOLD"
	KindBuy  Kind = "BUY"
	KindSell Kind = "SELL"
)

// ParseKind 大小写不敏感，未知值视为 HOLD。
func ParseKind(s string) Kind {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindBuy:
		return KindBuy
	case KindSell:
		return KindSell
	default:
		return KindHold
	}
}

// BuyPayload 建议仓位：Quantity 优先，其次 Capital，都为空由资金池决定。
type BuyPayload struct {
	Quantity int64
	Capital  decimal.Decimal
}

// SellPayload 卖出建议：Fraction 为当前持仓的比例（>=1 表示清仓）。
type SellPayload struct {
	Held     int64
	Fraction float64
}

// Signal 是某个 pool/ticker 在某天的决策。
type Signal struct {
	PoolID string
	Ticker string
	Date   time.Time
	Kind   Kind
	Score  float64
	Reason string
	Price  float64
	Buy    BuyPayload
	Sell   SellPayload
	Meta   map[string]any
}

func (s Signal) IsBuy() bool  { return s.Kind == KindBuy }
func (s Signal) IsSell() bool { return s.Kind == KindSell }

// Holding 是交给 Source 的持仓视图。
type Holding struct {
	Quantity   int64
	EntryPrice float64
	EntryDate  time.Time
	EntryScore float64
	PeakPrice  float64
}

// Request 是一次评估的输入；Held 为 nil 表示入场决策，否则为出场决策。
type Request struct {
	PoolID string
	Ticker string
	Date   time.Time
	Bars   []market.Bar
	Held   *Holding
}

// LastClose 返回 Bars 中最后一根收盘价。
func (r Request) LastClose() float64 {
	if len(r.Bars) == 0 {
		return 0
	}
	return r.Bars[len(r.Bars)-1].Close
}

func (r Request) closes() []float64 {
	out := make([]float64, len(r.Bars))
	for i, b := range r.Bars {
		out[i] = b.Close
	}
	return out
}

// Hold 构造一个 HOLD 信号。
func (r Request) Hold(reason string) Signal {
	return r.base(KindHold, 0, reason)
}

// BuySignal 构造一个 BUY 信号，仓位交给资金池决定。
func (r Request) BuySignal(score float64, reason string) Signal {
	return r.base(KindBuy, score, reason)
}

// SellSignal 构造按比例卖出的 SELL 信号。
func (r Request) SellSignal(fraction, score float64, reason string) Signal {
	sig := r.base(KindSell, score, reason)
	sig.Sell = SellPayload{Fraction: fraction}
	if r.Held != nil {
		sig.Sell.Held = r.Held.Quantity
	}
	return sig
}

func (r Request) base(kind Kind, score float64, reason string) Signal {
	return Signal{
		PoolID: r.PoolID,
		Ticker: r.Ticker,
		Date:   r.Date,
		Kind:   kind,
		Score:  score,
		Reason: reason,
		Price:  r.LastClose(),
	}
}

// Source 产生交易决策。
type Source interface {
	Evaluate(ctx context.Context, req Request) (Signal, error)
}

// SourceFunc 让普通函数实现 Source。
type SourceFunc func(ctx context.Context, req Request) (Signal, error)

func (f SourceFunc) Evaluate(ctx context.Context, req Request) (Signal, error) { return f(ctx, req) }

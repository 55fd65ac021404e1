package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// compactThreshold 控制 head 之前的空位累积到多少时回收底层数组。
const compactThreshold = 32

// Ledger 按买入先后保存某个 ticker 的批次（最早的在队首）。
// lots[head:] 为有效批次，卖出只移动 head，复杂度与触及批次数成正比。
type Ledger struct {
	ticker string
	lots   []Lot
	head   int
}

func New(ticker string) *Ledger {
	return &Ledger{ticker: strings.ToUpper(strings.TrimSpace(ticker))}
}

func (l *Ledger) Ticker() string { return l.ticker }

// AddLot 追加一个新批次，数量或价格非正时返回 ErrInvalidLot。
func (l *Ledger) AddLot(qty int64, price decimal.Decimal, date time.Time, score float64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity=%d", ErrInvalidLot, qty)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price=%s", ErrInvalidLot, price)
	}
	l.lots = append(l.lots, Lot{
		Ticker:     l.ticker,
		Quantity:   qty,
		UnitCost:   price,
		AcquiredAt: date,
		EntryScore: score,
		PeakPrice:  price,
	})
	return nil
}

// Restore 直接放入一个已有批次（从持久化文档恢复时使用），保持调用顺序。
func (l *Ledger) Restore(lot Lot) error {
	if lot.Quantity <= 0 || !lot.UnitCost.IsPositive() {
		return fmt.Errorf("%w: %s quantity=%d cost=%s", ErrInvalidLot, l.ticker, lot.Quantity, lot.UnitCost)
	}
	lot.Ticker = l.ticker
	if lot.PeakPrice.LessThan(lot.UnitCost) {
		lot.PeakPrice = lot.UnitCost
	}
	l.lots = append(l.lots, lot)
	return nil
}

// Liquidate 从最早的批次开始卖出 qty 股，归零的批次出队，最后触及的批次部分减少。
func (l *Ledger) Liquidate(qty int64, price decimal.Decimal) (Liquidation, error) {
	if qty <= 0 {
		return Liquidation{}, fmt.Errorf("%w: quantity=%d", ErrInvalidLot, qty)
	}
	held := l.TotalQuantity()
	if qty > held {
		return Liquidation{}, fmt.Errorf("%w: %s 请求卖出 %d，持有 %d", ErrInsufficientShares, l.ticker, qty, held)
	}
	out := Liquidation{CostBasis: l.lots[l.head].UnitCost}
	remaining := qty
	for remaining > 0 {
		lot := &l.lots[l.head]
		take := min(lot.Quantity, remaining)
		out.Slices = append(out.Slices, Slice{Quantity: take, UnitCost: lot.UnitCost, AcquiredAt: lot.AcquiredAt})
		lot.Quantity -= take
		remaining -= take
		if lot.Quantity == 0 {
			l.lots[l.head] = Lot{}
			l.head++
		}
	}
	out.QuantitySold = qty
	out.Proceeds = price.Mul(decimal.NewFromInt(qty))
	l.compact()
	return out, nil
}

func (l *Ledger) compact() {
	if l.head == len(l.lots) {
		l.lots = l.lots[:0]
		l.head = 0
		return
	}
	if l.head >= compactThreshold && l.head*2 >= len(l.lots) {
		n := copy(l.lots, l.lots[l.head:])
		l.lots = l.lots[:n]
		l.head = 0
	}
}

func (l *Ledger) TotalQuantity() int64 {
	var total int64
	for _, lot := range l.lots[l.head:] {
		total += lot.Quantity
	}
	return total
}

// Oldest 返回最早的批次，账本为空时 ok=false。
func (l *Ledger) Oldest() (Lot, bool) {
	if l.IsEmpty() {
		return Lot{}, false
	}
	return l.lots[l.head], true
}

func (l *Ledger) IsEmpty() bool { return l.head >= len(l.lots) }

// Lots 返回有效批次的副本（最早的在前）。
func (l *Ledger) Lots() []Lot {
	out := make([]Lot, len(l.lots)-l.head)
	copy(out, l.lots[l.head:])
	return out
}

// CostTotal 返回全部剩余批次的成本之和。
func (l *Ledger) CostTotal() decimal.Decimal {
	total := decimal.Zero
	for _, lot := range l.lots[l.head:] {
		total = total.Add(lot.Cost())
	}
	return total
}

// UpdatePeak 用最新价格刷新每个批次的持有期最高价。
func (l *Ledger) UpdatePeak(price decimal.Decimal) {
	for i := l.head; i < len(l.lots); i++ {
		if price.GreaterThan(l.lots[i].PeakPrice) {
			l.lots[i].PeakPrice = price
		}
	}
}

// Peak 返回所有批次中最高的持有期最高价。
func (l *Ledger) Peak() decimal.Decimal {
	peak := decimal.Zero
	for _, lot := range l.lots[l.head:] {
		if lot.PeakPrice.GreaterThan(peak) {
			peak = lot.PeakPrice
		}
	}
	return peak
}

// Clone 深拷贝账本。
func (l *Ledger) Clone() *Ledger {
	return &Ledger{ticker: l.ticker, lots: l.Lots()}
}

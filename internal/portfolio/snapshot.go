package portfolio

import (
	"fmt"
	"time"

	"tradesim/internal/ledger"

	"github.com/shopspring/decimal"
)

// PositionLot 是持久化文档中的一条持仓批次。
type PositionLot struct {
	Ticker     string
	Quantity   int64
	EntryPrice decimal.Decimal
	EntryDate  time.Time
	EntryScore float64
	PeakPrice  decimal.Decimal
}

// Snapshot 是资金池的可序列化视图。
type Snapshot struct {
	ID             string
	Name           string
	InitialCapital decimal.Decimal
	Cash           decimal.Decimal
	Positions      []PositionLot
}

// Tickers 按出现顺序返回去重后的 ticker。
func (s Snapshot) Tickers() []string {
	seen := make(map[string]struct{}, len(s.Positions))
	var out []string
	for _, pos := range s.Positions {
		if _, ok := seen[pos.Ticker]; ok {
			continue
		}
		seen[pos.Ticker] = struct{}{}
		out = append(out, pos.Ticker)
	}
	return out
}

// Snapshot 按持仓顺序导出每个批次。
func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := Snapshot{
		ID:             p.id,
		Name:           p.name,
		InitialCapital: p.initialCapital,
		Cash:           p.cash,
	}
	for _, ticker := range p.order {
		for _, lot := range p.ledgers[ticker].Lots() {
			snap.Positions = append(snap.Positions, PositionLot{
				Ticker:     ticker,
				Quantity:   lot.Quantity,
				EntryPrice: lot.UnitCost,
				EntryDate:  lot.AcquiredAt,
				EntryScore: lot.EntryScore,
				PeakPrice:  lot.PeakPrice,
			})
		}
	}
	return snap
}

// Restore 用快照替换现金与持仓；限额参数仍取自配置。
func (p *Pool) Restore(snap Snapshot) error {
	if snap.ID != "" && snap.ID != p.id {
		return fmt.Errorf("snapshot id %s 与 pool %s 不一致", snap.ID, p.id)
	}
	if snap.Cash.IsNegative() {
		return fmt.Errorf("pool %s cash 为负: %s", p.id, snap.Cash)
	}
	ledgers := make(map[string]*ledger.Ledger)
	marks := make(map[string]decimal.Decimal)
	var order []string
	for _, pos := range snap.Positions {
		ticker := normalize(pos.Ticker)
		led, ok := ledgers[ticker]
		if !ok {
			led = ledger.New(ticker)
			ledgers[ticker] = led
			order = append(order, ticker)
		}
		err := led.Restore(ledger.Lot{
			Quantity:   pos.Quantity,
			UnitCost:   pos.EntryPrice,
			AcquiredAt: pos.EntryDate,
			EntryScore: pos.EntryScore,
			PeakPrice:  pos.PeakPrice,
		})
		if err != nil {
			return fmt.Errorf("pool %s: %w", p.id, err)
		}
		// 文档不保存市价，先以最近批次成本作为最后已知价格
		marks[ticker] = pos.EntryPrice
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Name != "" {
		p.name = snap.Name
	}
	if snap.InitialCapital.IsPositive() {
		p.initialCapital = snap.InitialCapital
	}
	p.cash = snap.Cash
	p.ledgers = ledgers
	p.order = order
	p.marks = marks
	return nil
}

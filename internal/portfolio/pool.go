// Package portfolio implements an isolated capital pool: cash plus one FIFO
// ledger per held ticker, with admission limits and mark-to-market valuation.
package portfolio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"tradesim/internal/ledger"
	"tradesim/internal/logger"
	"tradesim/internal/lotsize"

	"github.com/shopspring/decimal"
)

// Config 描述一个资金池的静态参数。
type Config struct {
	ID                  string
	Name                string
	InitialCapital      decimal.Decimal
	MaxPositions        int
	MaxPositionFraction decimal.Decimal
}

// BuyResult 记录一次成交的买入。
type BuyResult struct {
	Ticker   string
	Quantity int64
	Price    decimal.Decimal
	Cost     decimal.Decimal
}

// SellRequest 二选一：Quantity>0 时按股数，否则按持仓比例 Fraction。
type SellRequest struct {
	Fraction float64
	Quantity int64
}

// SellResult 记录一次成交的卖出。
type SellResult struct {
	Ticker        string
	Proceeds      decimal.Decimal
	QuantitySold  int64
	CostBasis     decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPL    decimal.Decimal
	RealizedPLPct float64
	HoldingDays   int
	EntryDate     time.Time
	Closed        bool
}

// BuyIntent 是信号给出的建议仓位，Quantity 优先于 Capital，都为空时按池子上限分配。
type BuyIntent struct {
	Quantity int64
	Capital  decimal.Decimal
}

type Pool struct {
	mu sync.RWMutex

	id             string
	name           string
	initialCapital decimal.Decimal
	cash           decimal.Decimal
	maxPositions   int
	maxFraction    decimal.Decimal

	ledgers map[string]*ledger.Ledger
	order   []string
	marks   map[string]decimal.Decimal

	lots *lotsize.Resolver
	log  logger.Component
}

// New 创建资金池，现金等于初始资金。
func New(cfg Config, lots *lotsize.Resolver) (*Pool, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, fmt.Errorf("pool id 不能为空")
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("pool %s initial_capital 需 > 0", id)
	}
	if cfg.MaxPositions <= 0 {
		return nil, fmt.Errorf("pool %s max_positions 需 > 0", id)
	}
	fraction := cfg.MaxPositionFraction
	if fraction.IsZero() {
		fraction = decimal.NewFromInt(1)
	}
	if fraction.IsNegative() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("pool %s max_position_fraction 需在 (0,1]", id)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = id
	}
	if lots == nil {
		lots = lotsize.New(lotsize.DefaultUnit, nil)
	}
	return &Pool{
		id:             id,
		name:           name,
		initialCapital: cfg.InitialCapital,
		cash:           cfg.InitialCapital,
		maxPositions:   cfg.MaxPositions,
		maxFraction:    fraction,
		ledgers:        make(map[string]*ledger.Ledger),
		marks:          make(map[string]decimal.Decimal),
		lots:           lots,
		log:            logger.With("pool", "pool", id),
	}, nil
}

func (p *Pool) ID() string                      { return p.id }
func (p *Pool) Name() string                    { return p.name }
func (p *Pool) InitialCapital() decimal.Decimal { return p.initialCapital }
func (p *Pool) MaxPositions() int               { return p.maxPositions }
func (p *Pool) Lots() *lotsize.Resolver         { return p.lots }

func (p *Pool) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// Held 按首次买入顺序返回当前持有的 ticker。
func (p *Pool) Held() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

func (p *Pool) PositionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Full 表示持仓 ticker 数已达上限。
func (p *Pool) Full() bool {
	return p.PositionCount() >= p.maxPositions
}

// Holding 返回 ticker 的持股数，未持有为 0。
func (p *Pool) Holding(ticker string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if led, ok := p.ledgers[normalize(ticker)]; ok {
		return led.TotalQuantity()
	}
	return 0
}

// Position 返回 ticker 账本的副本。
func (p *Pool) Position(ticker string) (*ledger.Ledger, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	led, ok := p.ledgers[normalize(ticker)]
	if !ok {
		return nil, false
	}
	return led.Clone(), true
}

// Mark 返回最后已知价格。
func (p *Pool) Mark(ticker string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.marks[normalize(ticker)]
	return m, ok
}

// CanAfford 与 Check 相同但只返回布尔值。
func (p *Pool) CanAfford(ticker string, qty int64, price decimal.Decimal) bool {
	return p.Check(ticker, qty, price) == nil
}

// Check 校验以 price 买入 qty 股是否满足现金、持仓数和单票占比限制。
func (p *Pool) Check(ticker string, qty int64, price decimal.Decimal) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.check(normalize(ticker), qty, price)
}

func (p *Pool) check(ticker string, qty int64, price decimal.Decimal) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %s quantity=%d", ErrBelowLotSize, ticker, qty)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%s 价格无效: %s", ticker, price)
	}
	cost := price.Mul(decimal.NewFromInt(qty))
	if cost.GreaterThan(p.cash) {
		return fmt.Errorf("%w: %s 需要 %s，可用 %s", ErrInsufficientCash, ticker, cost.StringFixed(2), p.cash.StringFixed(2))
	}
	led, held := p.ledgers[ticker]
	if !held && len(p.order) >= p.maxPositions {
		return fmt.Errorf("%w: 已持有 %d/%d 个 ticker", ErrPositionLimit, len(p.order), p.maxPositions)
	}
	var heldQty int64
	if held {
		heldQty = led.TotalQuantity()
	}
	// 买入本身不改变总值，当前 ticker 以成交价估值
	total := p.valueExcept(ticker).Add(price.Mul(decimal.NewFromInt(heldQty)))
	after := price.Mul(decimal.NewFromInt(heldQty + qty))
	if limit := total.Mul(p.maxFraction); after.GreaterThan(limit) {
		return fmt.Errorf("%w: %s 仓位 %s 超过上限 %s", ErrPositionLimit, ticker, after.StringFixed(2), limit.StringFixed(2))
	}
	return nil
}

// SizeBuy 将买入意图换算为取整后的股数。未指定数量和金额时，
// 预算为 min(现金, 单票上限 - 已有仓位市值)。
func (p *Pool) SizeBuy(ticker string, price decimal.Decimal, intent BuyIntent) int64 {
	if !price.IsPositive() {
		return 0
	}
	ticker = normalize(ticker)
	switch {
	case intent.Quantity > 0:
		return p.lots.RoundDown(ticker, intent.Quantity)
	case intent.Capital.IsPositive():
		return p.lots.RoundDown(ticker, intent.Capital.Div(price).Floor().IntPart())
	}
	p.mu.RLock()
	var heldQty int64
	if led, ok := p.ledgers[ticker]; ok {
		heldQty = led.TotalQuantity()
	}
	heldValue := price.Mul(decimal.NewFromInt(heldQty))
	total := p.valueExcept(ticker).Add(heldValue)
	budget := decimal.Min(p.cash, total.Mul(p.maxFraction).Sub(heldValue))
	p.mu.RUnlock()
	if !budget.IsPositive() {
		return 0
	}
	return p.lots.RoundDown(ticker, budget.Div(price).Floor().IntPart())
}

// ExecuteBuy 先按单位取整，再校验并扣减现金、追加批次。
func (p *Pool) ExecuteBuy(ticker string, qty int64, price decimal.Decimal, date time.Time, score float64) (BuyResult, error) {
	ticker = normalize(ticker)
	rounded := p.lots.RoundDown(ticker, qty)
	if rounded <= 0 {
		return BuyResult{}, fmt.Errorf("%w: %s 请求 %d，单位 %d", ErrBelowLotSize, ticker, qty, p.lots.Unit(ticker))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ticker, rounded, price); err != nil {
		return BuyResult{}, err
	}
	led, ok := p.ledgers[ticker]
	if !ok {
		led = ledger.New(ticker)
	}
	if err := led.AddLot(rounded, price, date, score); err != nil {
		return BuyResult{}, err
	}
	if !ok {
		p.ledgers[ticker] = led
		p.order = append(p.order, ticker)
	}
	cost := price.Mul(decimal.NewFromInt(rounded))
	p.cash = p.cash.Sub(cost)
	p.marks[ticker] = price
	p.log.Debugf("BUY %s %d@%s cash=%s", ticker, rounded, price, p.cash.StringFixed(2))
	return BuyResult{Ticker: ticker, Quantity: rounded, Price: price, Cost: cost}, nil
}

// ResolveSell 将卖出请求换算为股数：比例先乘持仓后向下取整到单位，
// 比例 >=1 时卖出全部（含零股），取整为 0 返回 ErrBelowLotSize。
func (p *Pool) ResolveSell(ticker string, req SellRequest) (int64, error) {
	ticker = normalize(ticker)
	p.mu.RLock()
	led, ok := p.ledgers[ticker]
	var held int64
	if ok {
		held = led.TotalQuantity()
	}
	p.mu.RUnlock()
	if held <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPosition, ticker)
	}
	return p.resolveSell(ticker, held, req)
}

func (p *Pool) resolveSell(ticker string, held int64, req SellRequest) (int64, error) {
	if req.Quantity > 0 {
		if req.Quantity >= held {
			// 超出部分交给账本报错
			return req.Quantity, nil
		}
		q := p.lots.RoundDown(ticker, req.Quantity)
		if q <= 0 {
			return 0, fmt.Errorf("%w: %s 请求 %d", ErrBelowLotSize, ticker, req.Quantity)
		}
		return q, nil
	}
	if req.Fraction >= 1 {
		return held, nil
	}
	if req.Fraction <= 0 {
		return 0, fmt.Errorf("%w: %s fraction=%v", ErrBelowLotSize, ticker, req.Fraction)
	}
	raw := decimal.NewFromInt(held).Mul(decimal.NewFromFloat(req.Fraction)).Floor().IntPart()
	q := p.lots.RoundDown(ticker, raw)
	if q <= 0 {
		return 0, fmt.Errorf("%w: %s 持有 %d × %v 不足一个单位", ErrBelowLotSize, ticker, held, req.Fraction)
	}
	return q, nil
}

// ExecuteSell 按 FIFO 卖出并增加现金，清仓后移除该 ticker。
func (p *Pool) ExecuteSell(ticker string, req SellRequest, price decimal.Decimal, date time.Time) (SellResult, error) {
	ticker = normalize(ticker)
	if !price.IsPositive() {
		return SellResult{}, fmt.Errorf("%s 价格无效: %s", ticker, price)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	led, ok := p.ledgers[ticker]
	if !ok || led.IsEmpty() {
		return SellResult{}, fmt.Errorf("%w: %s", ErrNoPosition, ticker)
	}
	qty, err := p.resolveSell(ticker, led.TotalQuantity(), req)
	if err != nil {
		return SellResult{}, err
	}
	liq, err := led.Liquidate(qty, price)
	if err != nil {
		return SellResult{}, err
	}
	p.cash = p.cash.Add(liq.Proceeds)
	p.marks[ticker] = price
	res := SellResult{
		Ticker:        ticker,
		Proceeds:      liq.Proceeds,
		QuantitySold:  liq.QuantitySold,
		CostBasis:     liq.CostBasis,
		AvgEntryPrice: liq.AvgEntryPrice(),
		RealizedPL:    liq.RealizedPL(),
		RealizedPLPct: liq.RealizedPLPct(),
		EntryDate:     liq.OldestAcquired(),
		HoldingDays:   holdingDays(liq.OldestAcquired(), date),
	}
	if led.IsEmpty() {
		p.remove(ticker)
		res.Closed = true
	}
	p.log.Debugf("SELL %s %d@%s pl=%.2f%% cash=%s", ticker, res.QuantitySold, price, res.RealizedPLPct*100, p.cash.StringFixed(2))
	return res, nil
}

func (p *Pool) remove(ticker string) {
	delete(p.ledgers, ticker)
	for i, t := range p.order {
		if t == ticker {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// UpdateMarks 用给定价格刷新最后已知价格，并抬高持仓批次的最高价。
func (p *Pool) UpdateMarks(prices map[string]decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ticker := range p.order {
		px, ok := prices[ticker]
		if !ok || !px.IsPositive() {
			continue
		}
		p.marks[ticker] = px
		p.ledgers[ticker].UpdatePeak(px)
	}
}

// MarkToMarket 返回现金加持仓市值；prices 中缺失的 ticker 使用最后已知价格并记录警告。
func (p *Pool) MarkToMarket(prices map[string]decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := p.cash
	for _, ticker := range p.order {
		px, ok := prices[ticker]
		if !ok || !px.IsPositive() {
			px = p.marks[ticker]
			p.log.Warnf("%s 缺少当日价格，使用最后已知价格 %s", ticker, px)
		}
		total = total.Add(px.Mul(decimal.NewFromInt(p.ledgers[ticker].TotalQuantity())))
	}
	return total
}

// TotalValue 以最后已知价格估值。
func (p *Pool) TotalValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.valueExcept("")
}

func (p *Pool) valueExcept(skip string) decimal.Decimal {
	total := p.cash
	for _, ticker := range p.order {
		if ticker == skip {
			continue
		}
		total = total.Add(p.marks[ticker].Mul(decimal.NewFromInt(p.ledgers[ticker].TotalQuantity())))
	}
	return total
}

// Clone 深拷贝资金池，用于试算。
func (p *Pool) Clone() *Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := &Pool{
		id:             p.id,
		name:           p.name,
		initialCapital: p.initialCapital,
		cash:           p.cash,
		maxPositions:   p.maxPositions,
		maxFraction:    p.maxFraction,
		ledgers:        make(map[string]*ledger.Ledger, len(p.ledgers)),
		order:          append([]string(nil), p.order...),
		marks:          make(map[string]decimal.Decimal, len(p.marks)),
		lots:           p.lots,
		log:            p.log,
	}
	for k, v := range p.ledgers {
		out.ledgers[k] = v.Clone()
	}
	for k, v := range p.marks {
		out.marks[k] = v
	}
	return out
}

func holdingDays(from, to time.Time) int {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	days := int(b.Sub(a).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

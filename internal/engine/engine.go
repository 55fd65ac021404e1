// Package engine drives the daily signal → rank → settle → bookkeeping cycle
// over every pool of an orchestrator, for historical ranges and live days.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradesim/internal/audit"
	"tradesim/internal/logger"
	"tradesim/internal/market"
	"tradesim/internal/portfolio"
	"tradesim/internal/signal"
	"tradesim/internal/state"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config 描述引擎依赖。Sources 以 pool id 为键，每个 pool 必须有一个。
type Config struct {
	State         *state.Orchestrator
	Sources       map[string]signal.Source
	Universe      []string
	Audit         audit.Log
	ParallelPools int
}

// Engine 在一个 Orchestrator 上执行每日循环。
type Engine struct {
	state    *state.Orchestrator
	sources  map[string]signal.Source
	universe []string
	audit    audit.Log
	parallel int
	log      logger.Component
}

// BarsFunc 返回 ticker 截至决策日收盘（含）的日线。
type BarsFunc func(ticker string) []market.Bar

// Quote 是结算时使用的成交价；Quantity>0 时覆盖计划数量（实盘回填）。
type Quote struct {
	Price    decimal.Decimal
	Quantity int64
}

// QuoteFunc 返回某 pool/ticker 的结算报价，缺价返回 market.ErrMissingPrice。
type QuoteFunc func(poolID, ticker string) (Quote, error)

// DayResult 是一次结算的产物。
type DayResult struct {
	Date    time.Time     `json:"date"`
	Trades  []audit.Trade `json:"trades"`
	Closed  []ClosedTrade `json:"closed"`
	Skipped []Skipped     `json:"skipped"`
}

func (r *DayResult) merge(o DayResult) {
	r.Trades = append(r.Trades, o.Trades...)
	r.Closed = append(r.Closed, o.Closed...)
	r.Skipped = append(r.Skipped, o.Skipped...)
}

func New(cfg Config) (*Engine, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("orchestrator 不能为空")
	}
	for _, p := range cfg.State.Pools() {
		if cfg.Sources[p.ID()] == nil {
			return nil, fmt.Errorf("pool %s 缺少 signal source", p.ID())
		}
	}
	universe := make([]string, 0, len(cfg.Universe))
	seen := make(map[string]struct{}, len(cfg.Universe))
	for _, t := range cfg.Universe {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		universe = append(universe, t)
	}
	if len(universe) == 0 {
		return nil, fmt.Errorf("universe 不能为空")
	}
	parallel := cfg.ParallelPools
	if parallel <= 0 {
		parallel = 1
	}
	log := cfg.Audit
	if log == nil {
		log = &audit.MemoryLog{}
	}
	return &Engine{
		state:    cfg.State,
		sources:  cfg.Sources,
		universe: universe,
		audit:    log,
		parallel: parallel,
		log:      logger.With("engine"),
	}, nil
}

func (e *Engine) State() *state.Orchestrator { return e.state }
func (e *Engine) Universe() []string         { return append([]string(nil), e.universe...) }

// Clone 返回在状态副本上运行的引擎，审计写入内存，不落盘。
func (e *Engine) Clone() *Engine {
	return &Engine{
		state:    e.state.Clone(),
		sources:  e.sources,
		universe: e.universe,
		audit:    &audit.MemoryLog{},
		parallel: e.parallel,
		log:      e.log,
	}
}

// forEachPool 以有限并发处理每个 pool，fn 只能修改自己 pool 的状态。
func (e *Engine) forEachPool(ctx context.Context, fn func(ctx context.Context, i int, p *portfolio.Pool) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, p := range e.state.Pools() {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i, p)
		})
	}
	return g.Wait()
}

// Plan 是信号与排序阶段：对未持有的 universe ticker 做入场评估，
// 对持有的 ticker 做出场评估，每个 pool 每个 ticker 调用一次 Source。
func (e *Engine) Plan(ctx context.Context, date time.Time, bars BarsFunc) (DayPlan, []Skipped, error) {
	date = market.Day(date)
	pools := e.state.Pools()
	plans := make([]PoolPlan, len(pools))
	skips := make([][]Skipped, len(pools))
	err := e.forEachPool(ctx, func(ctx context.Context, i int, p *portfolio.Pool) error {
		plan, skipped, err := e.planPool(ctx, p, date, bars)
		plans[i] = plan
		skips[i] = skipped
		return err
	})
	if err != nil {
		return DayPlan{}, nil, err
	}
	var skipped []Skipped
	for _, s := range skips {
		skipped = append(skipped, s...)
	}
	return DayPlan{Date: date, Pools: plans}, skipped, nil
}

func (e *Engine) planPool(ctx context.Context, p *portfolio.Pool, date time.Time, bars BarsFunc) (PoolPlan, []Skipped, error) {
	src := e.sources[p.ID()]
	plan := PoolPlan{PoolID: p.ID()}
	var (
		skipped []Skipped
		buys    []signal.Signal
	)
	held := p.Held()
	heldSet := make(map[string]struct{}, len(held))
	for _, t := range held {
		heldSet[t] = struct{}{}
	}

	evaluate := func(ticker string, holding *signal.Holding) (signal.Signal, bool) {
		intent := signal.KindBuy
		if holding != nil {
			intent = signal.KindSell
		}
		series := bars(ticker)
		if len(series) == 0 || !market.Day(series[len(series)-1].Date).Equal(date) {
			skipped = append(skipped, Skipped{Date: date, PoolID: p.ID(), Ticker: ticker, Action: intent, Reason: SkipMissingPrice})
			return signal.Signal{}, false
		}
		sig, err := src.Evaluate(ctx, signal.Request{PoolID: p.ID(), Ticker: ticker, Date: date, Bars: series, Held: holding})
		if err != nil {
			e.log.Warnf("%s/%s %s 信号失败: %v", p.ID(), ticker, market.DateKey(date), err)
			skipped = append(skipped, Skipped{Date: date, PoolID: p.ID(), Ticker: ticker, Action: intent, Reason: SkipSignalError, Detail: err.Error()})
			return signal.Signal{}, false
		}
		sig.PoolID, sig.Ticker, sig.Date = p.ID(), ticker, date
		return sig, true
	}

	for _, ticker := range held {
		if err := ctx.Err(); err != nil {
			return plan, skipped, err
		}
		sig, ok := evaluate(ticker, holdingOf(p, ticker))
		if !ok || !sig.IsSell() {
			continue
		}
		plan.Sells = append(plan.Sells, sig)
	}
	for _, ticker := range e.universe {
		if _, ok := heldSet[ticker]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return plan, skipped, err
		}
		sig, ok := evaluate(ticker, nil)
		if !ok || !sig.IsBuy() {
			continue
		}
		buys = append(buys, sig)
	}
	for _, c := range signal.Rank(signal.Candidates(buys)) {
		plan.Buys = append(plan.Buys, c.Signal)
	}
	return plan, skipped, nil
}

func holdingOf(p *portfolio.Pool, ticker string) *signal.Holding {
	led, ok := p.Position(ticker)
	if !ok || led.IsEmpty() {
		return nil
	}
	oldest, _ := led.Oldest()
	qty := led.TotalQuantity()
	avg := led.CostTotal().Div(decimal.NewFromInt(qty))
	return &signal.Holding{
		Quantity:   qty,
		EntryPrice: avg.InexactFloat64(),
		EntryDate:  oldest.AcquiredAt,
		EntryScore: oldest.EntryScore,
		PeakPrice:  led.Peak().InexactFloat64(),
	}
}

// Settle 是结算阶段：每个 pool 先执行全部卖出，再按排序逐个买入。
// 可恢复的失败记为跳过，状态不一致类错误直接返回。
func (e *Engine) Settle(ctx context.Context, plan DayPlan, date time.Time, quote QuoteFunc) (DayResult, error) {
	date = market.Day(date)
	results := make([]DayResult, len(plan.Pools))
	pools := make([]*portfolio.Pool, len(plan.Pools))
	for i, pp := range plan.Pools {
		p, err := e.state.Pool(pp.PoolID)
		if err != nil {
			return DayResult{}, err
		}
		pools[i] = p
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i := range plan.Pools {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.settlePool(pools[i], plan.Pools[i], date, quote)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return DayResult{}, err
	}
	out := DayResult{Date: date}
	for _, r := range results {
		out.merge(r)
	}
	return out, nil
}

func (e *Engine) settlePool(p *portfolio.Pool, pp PoolPlan, date time.Time, quote QuoteFunc) (DayResult, error) {
	res := DayResult{Date: date}
	skip := func(sig signal.Signal, reason SkipReason, err error) {
		s := Skipped{Date: date, PoolID: p.ID(), Ticker: sig.Ticker, Action: sig.Kind, Reason: reason}
		if err != nil {
			s.Detail = err.Error()
		}
		e.log.Debugf("%s %s %s 跳过: %s", p.ID(), sig.Kind, sig.Ticker, reason)
		res.Skipped = append(res.Skipped, s)
	}

	for _, sig := range pp.Sells {
		q, err := quote(p.ID(), sig.Ticker)
		if err != nil {
			if reason, ok := classify(err); ok {
				skip(sig, reason, err)
				continue
			}
			return res, err
		}
		req := portfolio.SellRequest{Fraction: sig.Sell.Fraction, Quantity: q.Quantity}
		if req.Quantity <= 0 && req.Fraction <= 0 {
			req.Fraction = 1
		}
		sr, err := p.ExecuteSell(sig.Ticker, req, q.Price, date)
		if err != nil {
			if reason, ok := classify(err); ok {
				skip(sig, reason, err)
				continue
			}
			return res, fmt.Errorf("pool %s sell %s: %w", p.ID(), sig.Ticker, err)
		}
		res.record(p.ID(), sig, q.Price, sr, date)
	}

	for i, sig := range pp.Buys {
		if p.Full() {
			for _, rest := range pp.Buys[i:] {
				skip(rest, SkipPositionLimit, nil)
			}
			break
		}
		q, err := quote(p.ID(), sig.Ticker)
		if err != nil {
			if reason, ok := classify(err); ok {
				skip(sig, reason, err)
				continue
			}
			return res, err
		}
		qty := q.Quantity
		if qty <= 0 {
			qty = p.SizeBuy(sig.Ticker, q.Price, portfolio.BuyIntent{Quantity: sig.Buy.Quantity, Capital: sig.Buy.Capital})
		}
		br, err := p.ExecuteBuy(sig.Ticker, qty, q.Price, date, sig.Score)
		if err != nil {
			if reason, ok := classify(err); ok {
				skip(sig, reason, err)
				continue
			}
			return res, fmt.Errorf("pool %s buy %s: %w", p.ID(), sig.Ticker, err)
		}
		score := sig.Score
		res.Trades = append(res.Trades, audit.Trade{
			Date:       date,
			PoolID:     p.ID(),
			Ticker:     br.Ticker,
			Action:     audit.ActionBuy,
			Quantity:   br.Quantity,
			Price:      br.Price,
			TotalValue: br.Cost,
			EntryScore: &score,
		})
	}
	return res, nil
}

func (r *DayResult) record(poolID string, sig signal.Signal, price decimal.Decimal, sr portfolio.SellResult, date time.Time) {
	score := sig.Score
	pct := sr.RealizedPLPct
	days := sr.HoldingDays
	r.Trades = append(r.Trades, audit.Trade{
		Date:          date,
		PoolID:        poolID,
		Ticker:        sr.Ticker,
		Action:        audit.ActionSell,
		Quantity:      sr.QuantitySold,
		Price:         price,
		TotalValue:    sr.Proceeds,
		ExitReason:    sig.Reason,
		ExitScore:     &score,
		RealizedPLPct: &pct,
		HoldingDays:   &days,
	})
	r.Closed = append(r.Closed, ClosedTrade{
		PoolID:        poolID,
		Ticker:        sr.Ticker,
		Quantity:      sr.QuantitySold,
		EntryDate:     sr.EntryDate,
		EntryPrice:    sr.AvgEntryPrice,
		ExitDate:      date,
		ExitPrice:     price,
		RealizedPL:    sr.RealizedPL,
		RealizedPLPct: pct,
		HoldingDays:   days,
		ExitReason:    sig.Reason,
	})
}

// Liquidate 以给定报价清空全部持仓，用于回测结束。
func (e *Engine) Liquidate(ctx context.Context, date time.Time, quote QuoteFunc, reason string) (DayResult, error) {
	plan := DayPlan{Date: market.Day(date)}
	for _, p := range e.state.Pools() {
		pp := PoolPlan{PoolID: p.ID()}
		for _, t := range p.Held() {
			pp.Sells = append(pp.Sells, signal.Signal{
				PoolID: p.ID(),
				Ticker: t,
				Date:   plan.Date,
				Kind:   signal.KindSell,
				Reason: reason,
				Sell:   signal.SellPayload{Held: p.Holding(t), Fraction: 1},
			})
		}
		plan.Pools = append(plan.Pools, pp)
	}
	return e.Settle(ctx, plan, date, quote)
}

// Bookkeep 用收盘价更新标记价与峰值，追加审计记录，按需落盘并返回净值快照。
// 审计或落盘失败时返回 state.ErrPersistence，调用方不得继续推进。
func (e *Engine) Bookkeep(ctx context.Context, res DayResult, closes map[string]decimal.Decimal) (EquityPoint, error) {
	for _, p := range e.state.Pools() {
		p.UpdateMarks(closes)
	}
	if len(res.Trades) > 0 {
		if err := e.audit.Append(ctx, res.Trades); err != nil {
			return EquityPoint{}, fmt.Errorf("%w: audit append: %v", state.ErrPersistence, err)
		}
	}
	if e.state.Path() != "" {
		if err := e.state.Save(); err != nil {
			if !errors.Is(err, state.ErrPersistence) {
				err = fmt.Errorf("%w: %v", state.ErrPersistence, err)
			}
			return EquityPoint{}, err
		}
	}
	return e.equity(res.Date, closes), nil
}

func (e *Engine) equity(date time.Time, closes map[string]decimal.Decimal) EquityPoint {
	pt := EquityPoint{Date: date, Pools: make(map[string]decimal.Decimal)}
	for _, p := range e.state.Pools() {
		v := p.MarkToMarket(closes)
		pt.Pools[p.ID()] = v
		pt.Total = pt.Total.Add(v)
		pt.Cash = pt.Cash.Add(p.Cash())
	}
	return pt
}

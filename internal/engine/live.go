package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradesim/internal/logger"
	"tradesim/internal/market"
	"tradesim/internal/signal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HistoryLoader 加载截至 date（含）的日线，需包含指标预热所需的回看区间。
type HistoryLoader func(ctx context.Context, tickers []string, date time.Time) (*market.History, error)

// LiveSession 每次调用处理一个交易日：结算上一份计划、记账、生成新计划。
type LiveSession struct {
	mu          sync.Mutex
	engine      *Engine
	pendingPath string
	load        HistoryLoader
	now         func() time.Time
	log         logger.Component
}

// LiveReport 是一次实盘会话的结果。
type LiveReport struct {
	Date           time.Time    `json:"date"`
	SettledPlan    string       `json:"settled_plan,omitempty"`
	AlreadySettled bool         `json:"already_settled"`
	Settled        DayResult    `json:"settled"`
	Equity         EquityPoint  `json:"equity"`
	Plan           *PendingPlan `json:"plan"`
	PlanSkipped    []Skipped    `json:"plan_skipped,omitempty"`
}

func NewLiveSession(e *Engine, pendingPath string, load HistoryLoader) (*LiveSession, error) {
	if e == nil {
		return nil, fmt.Errorf("engine 不能为空")
	}
	if strings.TrimSpace(pendingPath) == "" {
		return nil, fmt.Errorf("pending_path 不能为空")
	}
	if e.state.Path() == "" {
		return nil, fmt.Errorf("实盘会话需要 ledger 持久化路径")
	}
	if load == nil {
		return nil, fmt.Errorf("history loader 不能为空")
	}
	return &LiveSession{
		engine:      e,
		pendingPath: pendingPath,
		load:        load,
		now:         time.Now,
		log:         logger.With("live"),
	}, nil
}

func (s *LiveSession) PendingPath() string { return s.pendingPath }

// RunDay 执行一个交易日。上一份计划只有在其 id 尚未记录为已结算、且决策日早于 date 时才会结算，
// 因此同一天重复执行不会重复成交。
func (s *LiveSession) RunDay(ctx context.Context, date time.Time, fills *Fills) (*LiveReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	date = market.Day(date)
	if fills != nil && fills.Date != "" {
		fd, err := market.ParseDate(fills.Date)
		if err != nil {
			return nil, fmt.Errorf("fills date: %w", err)
		}
		if !fd.Equal(date) {
			return nil, fmt.Errorf("fills 日期 %s 与会话日期 %s 不一致", fills.Date, market.DateKey(date))
		}
	}
	report := &LiveReport{Date: date, Settled: DayResult{Date: date}}
	st := s.engine.state

	pending, err := LoadPendingPlan(s.pendingPath)
	if err != nil {
		return nil, err
	}
	hist, err := s.load(ctx, s.tickers(pending), date)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	// 进程重启后持仓只有成本价，结算前先按上一交易日收盘估值
	prev := previousCloses(hist, date)
	for _, p := range st.Pools() {
		p.UpdateMarks(prev)
	}
	if pending != nil {
		planDay, err := pending.day()
		if err != nil {
			return nil, fmt.Errorf("pending plan %s: %w", pending.ID, err)
		}
		switch {
		case pending.ID == st.LastSettledPlan():
			report.AlreadySettled = true
			s.log.Infof("计划 %s 已结算，跳过", pending.ID)
		case !planDay.Before(date):
			s.log.Infof("计划 %s 决策日 %s 不早于 %s，重新生成", pending.ID, pending.Date, market.DateKey(date))
		default:
			plan, err := pending.DayPlan()
			if err != nil {
				return nil, err
			}
			settled, err := s.engine.Settle(ctx, plan, date, fills.Quote)
			if err != nil {
				return nil, fmt.Errorf("settle plan %s: %w", pending.ID, err)
			}
			report.Settled = settled
			report.SettledPlan = pending.ID
			st.SetLastSettledPlan(pending.ID)
		}
	}

	closes := fills.prices()
	for t, px := range hist.Closes(date) {
		closes[t] = px
	}
	pt, err := s.engine.Bookkeep(ctx, report.Settled, closes)
	if err != nil {
		return nil, err
	}
	report.Equity = pt

	plan, skipped, err := s.engine.Plan(ctx, date, historyBars(hist, date))
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", market.DateKey(date), err)
	}
	est, err := s.estimate(ctx, plan, date, closes)
	if err != nil {
		return nil, err
	}
	next := newPendingPlan(uuid.NewString(), plan, s.now(), est)
	if err := WritePendingPlan(s.pendingPath, next); err != nil {
		return nil, fmt.Errorf("write pending plan: %w", err)
	}
	report.Plan = next
	report.PlanSkipped = skipped
	s.log.Infof("%s 结算 %d 笔，跳过 %d；新计划 %s 已写入 %s",
		market.DateKey(date), len(report.Settled.Trades), len(report.Settled.Skipped), next.ID, s.pendingPath)
	return report, nil
}

// previousCloses 返回各 ticker 在 date 之前最后一根日线的收盘价。
func previousCloses(hist *market.History, date time.Time) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, t := range hist.Tickers() {
		s, _ := hist.Series(t)
		bars := s.Upto(date.AddDate(0, 0, -1))
		if len(bars) == 0 || bars[len(bars)-1].Close <= 0 {
			continue
		}
		out[t] = decimal.NewFromFloat(bars[len(bars)-1].Close)
	}
	return out
}

// tickers 为 universe、全部持仓与待结算计划中出现的 ticker。
func (s *LiveSession) tickers(pending *PendingPlan) []string {
	set := make(map[string]struct{})
	for _, t := range s.engine.universe {
		set[t] = struct{}{}
	}
	for _, p := range s.engine.state.Pools() {
		for _, t := range p.Held() {
			set[t] = struct{}{}
		}
	}
	if pending != nil {
		for _, pool := range pending.Pools {
			for _, o := range append(append([]PendingOrder(nil), pool.Sells...), pool.Buys...) {
				set[strings.ToUpper(strings.TrimSpace(o.Ticker))] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// estimate 在状态副本上以收盘价试算计划，给操作员参考股数。
func (s *LiveSession) estimate(ctx context.Context, plan DayPlan, date time.Time, closes map[string]decimal.Decimal) (map[string]int64, error) {
	res, err := s.engine.Clone().Settle(ctx, plan, date, func(_, ticker string) (Quote, error) {
		px, ok := closes[ticker]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %s", market.ErrMissingPrice, ticker)
		}
		return Quote{Price: px}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("estimate plan: %w", err)
	}
	out := make(map[string]int64, len(res.Trades))
	for _, t := range res.Trades {
		out[estKey(t.PoolID, signal.Kind(t.Action), t.Ticker)] = t.Quantity
	}
	return out, nil
}

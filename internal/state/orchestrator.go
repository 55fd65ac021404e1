// Package state owns the set of capital pools and their atomic persistence.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"tradesim/internal/logger"
	"tradesim/internal/lotsize"
	"tradesim/internal/pkg/fileutil"
	"tradesim/internal/portfolio"

	"github.com/shopspring/decimal"
)

// PoolSpec 是配置中的资金池定义。
type PoolSpec struct {
	Config     portfolio.Config
	Strategies []string
}

// Orchestrator 持有 N 个相互独立的资金池，id 唯一、顺序固定。
type Orchestrator struct {
	mu sync.RWMutex

	path            string
	pools           []*portfolio.Pool
	index           map[string]int
	strategies      map[string][]string
	lastUpdated     time.Time
	lastSettledPlan string

	now func() time.Time
	log logger.Component
}

// New 按配置创建全新的资金池（现金=初始资金，无持仓）。
func New(specs []PoolSpec, lots *lotsize.Resolver) (*Orchestrator, error) {
	o := &Orchestrator{
		index:      make(map[string]int),
		strategies: make(map[string][]string),
		now:        time.Now,
		log:        logger.With("state"),
	}
	for _, spec := range specs {
		p, err := portfolio.New(spec.Config, lots)
		if err != nil {
			return nil, err
		}
		if err := o.add(p, spec.Strategies); err != nil {
			return nil, err
		}
	}
	if len(o.pools) == 0 {
		return nil, fmt.Errorf("至少需要配置一个 pool")
	}
	return o, nil
}

func (o *Orchestrator) add(p *portfolio.Pool, strategies []string) error {
	if _, dup := o.index[p.ID()]; dup {
		return fmt.Errorf("pool id %s 重复", p.ID())
	}
	o.index[p.ID()] = len(o.pools)
	o.pools = append(o.pools, p)
	o.strategies[p.ID()] = append([]string(nil), strategies...)
	return nil
}

// Load 从 path 读取账本；文件不存在时视为首次运行，按配置初始化。
// 文档中有而配置中没有的 pool 以默认限额保留并告警。
func Load(path string, specs []PoolSpec, lots *lotsize.Resolver) (*Orchestrator, error) {
	o, err := New(specs, lots)
	if err != nil {
		return nil, err
	}
	o.path = path
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		o.log.Infof("账本 %s 不存在，按配置初始化 %d 个 pool", path, len(o.pools))
		return o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	doc, migrated, err := parseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", path, err)
	}
	if migrated {
		o.log.Warnf("账本 %s 为旧版 strategy_groups 格式，已迁移，下次保存将写入新格式", path)
	}
	if err := o.apply(doc, lots); err != nil {
		return nil, err
	}
	o.log.Infof("已加载账本 %s（%d 个 pool，更新于 %s）", path, len(o.pools), doc.LastUpdated)
	return o, nil
}

func (o *Orchestrator) apply(doc Document, lots *lotsize.Resolver) error {
	seen := make(map[string]bool, len(doc.Pools))
	for _, pd := range doc.Pools {
		if seen[pd.ID] {
			return fmt.Errorf("ledger document 中 pool id %s 重复", pd.ID)
		}
		seen[pd.ID] = true
		snap, err := decodeSnapshot(pd)
		if err != nil {
			return err
		}
		i, ok := o.index[pd.ID]
		if !ok {
			p, err := portfolio.New(portfolio.Config{ID: pd.ID, Name: pd.Name, InitialCapital: snap.InitialCapital, MaxPositions: defaultMaxPositions}, lots)
			if err != nil {
				return err
			}
			if err := o.add(p, nil); err != nil {
				return err
			}
			i = o.index[pd.ID]
			o.log.Warnf("pool %s 不在配置中，使用默认限额（max_positions=%d）", pd.ID, defaultMaxPositions)
		}
		if err := o.pools[i].Restore(snap); err != nil {
			return err
		}
	}
	if doc.LastUpdated != "" {
		if ts, err := time.Parse(time.RFC3339Nano, doc.LastUpdated); err == nil {
			o.lastUpdated = ts
		}
	}
	o.lastSettledPlan = doc.LastSettledPlan
	return nil
}

const defaultMaxPositions = 10

// Path 返回持久化路径，未设置时为空。
func (o *Orchestrator) Path() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.path
}

// SetPath 设置保存路径。
func (o *Orchestrator) SetPath(path string) {
	o.mu.Lock()
	o.path = path
	o.mu.Unlock()
}

// Save 以临时文件 + rename 原子写入；失败返回包装了 ErrPersistence 的错误。
func (o *Orchestrator) Save() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.path == "" {
		return fmt.Errorf("%w: ledger path 未设置", ErrPersistence)
	}
	o.lastUpdated = o.now().UTC()
	buf, err := json.MarshalIndent(o.document(), "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal ledger: %v", ErrPersistence, err)
	}
	if err := fileutil.WriteAtomic(o.path, buf, 0o644); err != nil {
		return fmt.Errorf("%w: write ledger %s: %v", ErrPersistence, o.path, err)
	}
	return nil
}

func (o *Orchestrator) document() Document {
	doc := Document{
		Pools:           make([]poolDoc, 0, len(o.pools)),
		LastUpdated:     o.lastUpdated.Format(time.RFC3339Nano),
		LastSettledPlan: o.lastSettledPlan,
	}
	for _, p := range o.pools {
		doc.Pools = append(doc.Pools, encodeSnapshot(p.Snapshot()))
	}
	return doc
}

// Pool 按 id 查找资金池。
func (o *Orchestrator) Pool(id string) (*portfolio.Pool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	i, ok := o.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	return o.pools[i], nil
}

// Pools 按配置顺序返回全部资金池。
func (o *Orchestrator) Pools() []*portfolio.Pool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*portfolio.Pool(nil), o.pools...)
}

// Strategies 返回 pool 配置的策略名。
func (o *Orchestrator) Strategies(id string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.strategies[id]...)
}

func (o *Orchestrator) LastUpdated() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastUpdated
}

// LastSettledPlan 返回最近一次已结算的实盘计划 id。
func (o *Orchestrator) LastSettledPlan() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSettledPlan
}

func (o *Orchestrator) SetLastSettledPlan(id string) {
	o.mu.Lock()
	o.lastSettledPlan = id
	o.mu.Unlock()
}

// Clone 深拷贝全部资金池，不带持久化路径。
func (o *Orchestrator) Clone() *Orchestrator {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := &Orchestrator{
		index:           make(map[string]int, len(o.index)),
		strategies:      make(map[string][]string, len(o.strategies)),
		lastUpdated:     o.lastUpdated,
		lastSettledPlan: o.lastSettledPlan,
		now:             o.now,
		log:             o.log,
	}
	for _, p := range o.pools {
		_ = out.add(p.Clone(), o.strategies[p.ID()])
	}
	return out
}

// PoolSummary 是单个资金池的估值。
type PoolSummary struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Strategies     []string        `json:"strategies,omitempty"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Cash           decimal.Decimal `json:"cash"`
	HoldingsValue  decimal.Decimal `json:"holdings_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	ReturnPct      float64         `json:"return_pct"`
	Positions      int             `json:"positions"`
}

// Summary 汇总全部资金池。
type Summary struct {
	Pools          []PoolSummary   `json:"pools"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Cash           decimal.Decimal `json:"cash"`
	TotalValue     decimal.Decimal `json:"total_value"`
	ReturnPct      float64         `json:"return_pct"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// Summary 以 prices 估值（缺失价格回退到最后已知价格）。
func (o *Orchestrator) Summary(prices map[string]decimal.Decimal) Summary {
	pools := o.Pools()
	out := Summary{LastUpdated: o.LastUpdated()}
	for _, p := range pools {
		cash := p.Cash()
		total := p.MarkToMarket(prices)
		ps := PoolSummary{
			ID:             p.ID(),
			Name:           p.Name(),
			Strategies:     o.Strategies(p.ID()),
			InitialCapital: p.InitialCapital(),
			Cash:           cash,
			HoldingsValue:  total.Sub(cash),
			TotalValue:     total,
			ReturnPct:      returnPct(p.InitialCapital(), total),
			Positions:      p.PositionCount(),
		}
		out.Pools = append(out.Pools, ps)
		out.InitialCapital = out.InitialCapital.Add(ps.InitialCapital)
		out.Cash = out.Cash.Add(cash)
		out.TotalValue = out.TotalValue.Add(total)
	}
	out.ReturnPct = returnPct(out.InitialCapital, out.TotalValue)
	return out
}

func returnPct(initial, total decimal.Decimal) float64 {
	if !initial.IsPositive() {
		return 0
	}
	return total.Sub(initial).Div(initial).InexactFloat64() * 100
}

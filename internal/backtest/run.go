package backtest

import (
	"encoding/json"
	"time"

	"tradesim/internal/engine"

	"github.com/shopspring/decimal"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// StrategyConfig 对应 signal.Spec，可从请求 JSON 中解析。
type StrategyConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// PoolConfig 是一次回测中单个资金池的参数。
type PoolConfig struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name,omitempty"`
	InitialCapital      decimal.Decimal  `json:"initial_capital"`
	MaxPositions        int              `json:"max_positions"`
	MaxPositionFraction decimal.Decimal  `json:"max_position_fraction"`
	Strategies          []StrategyConfig `json:"strategies"`
}

// RunConfig 记录本次回测的参数快照，便于重放。
type RunConfig struct {
	Name           string       `json:"name,omitempty"`
	Start          string       `json:"start"`
	End            string       `json:"end"`
	Universe       []string     `json:"universe"`
	Pools          []PoolConfig `json:"pools"`
	LiquidateAtEnd bool         `json:"liquidate_at_end"`
	RiskFreeRate   float64      `json:"risk_free_rate"`
	ParallelPools  int          `json:"parallel_pools"`
	LookbackDays   int          `json:"lookback_days"`
}

// Run 表示一次回测任务。
type Run struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Status         string          `json:"status"`
	Start          string          `json:"start"`
	End            string          `json:"end"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalCapital   decimal.Decimal `json:"final_capital"`
	ReturnPct      float64         `json:"return_pct"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
	WinRatePct     float64         `json:"win_rate_pct"`
	Sharpe         float64         `json:"sharpe"`
	Trades         int             `json:"trades"`
	Skipped        int             `json:"skipped"`
	DaysDone       int             `json:"days_done"`
	DaysTotal      int             `json:"days_total"`
	Message        string          `json:"message"`
	Config         RunConfig       `json:"config"`
	Metrics        engine.Metrics  `json:"metrics"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// RunRequest 为 HTTP 提交使用，未填写的字段取服务默认值。
type RunRequest struct {
	Name           string       `json:"name"`
	Start          string       `json:"start" binding:"required"`
	End            string       `json:"end" binding:"required"`
	Universe       []string     `json:"universe"`
	Pools          []PoolConfig `json:"pools"`
	LiquidateAtEnd *bool        `json:"liquidate_at_end"`
	RiskFreeRate   *float64     `json:"risk_free_rate"`
}

// EquityRow 是存储中的一条净值记录。
type EquityRow struct {
	Date  string                     `json:"date"`
	Cash  decimal.Decimal            `json:"cash"`
	Total decimal.Decimal            `json:"total"`
	Pools map[string]decimal.Decimal `json:"pools"`
}

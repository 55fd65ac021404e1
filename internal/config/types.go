package config

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Config 是 tradesim 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Lots     LotsConfig     `toml:"lots"`
	Pools    []PoolConfig   `toml:"pools"`
	Universe UniverseConfig `toml:"universe"`
	Market   MarketConfig   `toml:"market"`
	Backtest BacktestConfig `toml:"backtest"`
	Live     LiveConfig     `toml:"live"`
	Notify   NotifyConfig   `toml:"notify"`
}

const (
	ModeBacktest = "backtest"
	ModeLive     = "live"
	ModeServe    = "serve"
)

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
	// Mode: backtest | live | serve
	Mode string `toml:"mode"`
}

// LotsConfig 为最小交易单位；table_path 指向可热加载的单位表。
type LotsConfig struct {
	DefaultUnit int64            `toml:"default_unit"`
	Units       map[string]int64 `toml:"units"`
	TablePath   string           `toml:"table_path"`
}

type StrategyConfig struct {
	Name   string         `toml:"name"`
	Params map[string]any `toml:"params"`
}

// PoolConfig 描述一个资金池。
type PoolConfig struct {
	ID                  string           `toml:"id"`
	Name                string           `toml:"name"`
	InitialCapital      decimal.Decimal  `toml:"initial_capital"`
	MaxPositions        int              `toml:"max_positions"`
	MaxPositionFraction decimal.Decimal  `toml:"max_position_fraction"`
	Strategies          []StrategyConfig `toml:"strategies"`
}

type UniverseConfig struct {
	Tickers []string `toml:"tickers"`
}

// Normalized 返回去重、大写后的 ticker，保持配置顺序。
func (u UniverseConfig) Normalized() []string {
	seen := make(map[string]bool, len(u.Tickers))
	out := make([]string, 0, len(u.Tickers))
	for _, t := range u.Tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

type MarketConfig struct {
	DBPath         string `toml:"db_path"`
	BinanceBaseURL string `toml:"binance_base_url"`
	SyncOnStart    bool   `toml:"sync_on_start"`
	LookbackDays   int    `toml:"lookback_days"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type BacktestConfig struct {
	Start          string  `toml:"start"`
	End            string  `toml:"end"`
	LiquidateAtEnd bool    `toml:"liquidate_at_end"`
	RiskFreeRate   float64 `toml:"risk_free_rate"`
	ResultsDir     string  `toml:"results_dir"`
	MaxConcurrent  int     `toml:"max_concurrent"`
	ParallelPools  int     `toml:"parallel_pools"`
	ReportDir      string  `toml:"report_dir"`
	RenderPNG      bool    `toml:"render_png"`
}

// LiveConfig 为实盘会话的文件路径与调度。
type LiveConfig struct {
	StatePath   string `toml:"state_path"`
	AuditPath   string `toml:"audit_path"`
	JournalPath string `toml:"journal_path"`
	PendingPath string `toml:"pending_path"`
	FillsPath   string `toml:"fills_path"`
	// Cron 为 serve 模式下自动执行 RunDay 的表达式（标准 5 段），为空则只能手动触发。
	Cron string `toml:"cron"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

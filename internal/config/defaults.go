package config

import (
	"strings"

	"github.com/shopspring/decimal"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9991"
	defaultAppLogPath       = "data/logs/tradesim.log"
	defaultAppMode          = ModeServe
	defaultLotUnit          = 100
	defaultMarketDBPath     = "data/market"
	defaultMarketBinance    = "https://fapi.binance.com"
	defaultMarketLookback   = 120
	defaultMarketTimeout    = 15
	defaultBacktestResults  = "data/backtest"
	defaultBacktestReports  = "data/reports"
	defaultBacktestMaxConc  = 2
	defaultBacktestRiskFree = 0.02
	defaultLiveStatePath    = "data/live/state.json"
	defaultLiveAuditPath    = "data/live/audit.json"
	defaultLiveJournalPath  = "data/live/audit.db"
	defaultLivePendingPath  = "data/live/pending_plan.yaml"
	defaultLiveFillsPath    = "data/live/fills.yaml"
	defaultPoolMaxPositions = 10
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Lots.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Live.applyDefaults(keys)
	for i := range c.Pools {
		c.Pools[i].applyDefaults()
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.mode", &a.Mode, defaultAppMode),
	)
	a.Mode = strings.ToLower(strings.TrimSpace(a.Mode))
}

func (l *LotsConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "lots.default_unit",
			need:  func() bool { return l.DefaultUnit <= 0 },
			apply: func() { l.DefaultUnit = defaultLotUnit },
		},
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.db_path", &m.DBPath, defaultMarketDBPath),
		stringFieldDefault("market.binance_base_url", &m.BinanceBaseURL, defaultMarketBinance),
		fieldDefault{
			key:   "market.lookback_days",
			need:  func() bool { return m.LookbackDays <= 0 },
			apply: func() { m.LookbackDays = defaultMarketLookback },
		},
		fieldDefault{
			key:   "market.timeout_seconds",
			need:  func() bool { return m.TimeoutSeconds <= 0 },
			apply: func() { m.TimeoutSeconds = defaultMarketTimeout },
		},
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("backtest.liquidate_at_end", &b.LiquidateAtEnd, true),
		stringFieldDefault("backtest.results_dir", &b.ResultsDir, defaultBacktestResults),
		stringFieldDefault("backtest.report_dir", &b.ReportDir, defaultBacktestReports),
		fieldDefault{
			key:   "backtest.max_concurrent",
			need:  func() bool { return b.MaxConcurrent <= 0 },
			apply: func() { b.MaxConcurrent = defaultBacktestMaxConc },
		},
		fieldDefault{
			key:   "backtest.risk_free_rate",
			apply: func() { b.RiskFreeRate = defaultBacktestRiskFree },
		},
	)
}

func (l *LiveConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("live.state_path", &l.StatePath, defaultLiveStatePath),
		stringFieldDefault("live.audit_path", &l.AuditPath, defaultLiveAuditPath),
		stringFieldDefault("live.journal_path", &l.JournalPath, defaultLiveJournalPath),
		stringFieldDefault("live.pending_path", &l.PendingPath, defaultLivePendingPath),
		stringFieldDefault("live.fills_path", &l.FillsPath, defaultLiveFillsPath),
	)
}

// pools 是列表，按条目补默认值。
func (p *PoolConfig) applyDefaults() {
	p.ID = strings.TrimSpace(p.ID)
	if strings.TrimSpace(p.Name) == "" {
		p.Name = p.ID
	}
	if p.MaxPositions == 0 {
		p.MaxPositions = defaultPoolMaxPositions
	}
	if p.MaxPositionFraction.IsZero() {
		p.MaxPositionFraction = decimal.NewFromInt(1)
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

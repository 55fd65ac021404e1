package config

import (
	"fmt"
	"strings"

	"tradesim/internal/market"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if c.Lots.DefaultUnit <= 0 {
		return fmt.Errorf("lots.default_unit must be > 0")
	}
	for ticker, unit := range c.Lots.Units {
		if unit <= 0 {
			return fmt.Errorf("lots.units.%s must be > 0", ticker)
		}
	}
	if err := validatePools(c.Pools); err != nil {
		return err
	}
	if len(c.Universe.Normalized()) == 0 {
		return fmt.Errorf("universe.tickers requires at least one ticker")
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Live.validate(); err != nil {
		return err
	}
	return c.Notify.validate()
}

func (a *AppConfig) validate() error {
	switch a.Mode {
	case ModeBacktest, ModeLive, ModeServe:
		return nil
	default:
		return fmt.Errorf("app.mode must be one of backtest/live/serve, got %q", a.Mode)
	}
}

func validatePools(pools []PoolConfig) error {
	if len(pools) == 0 {
		return fmt.Errorf("pools requires at least one pool")
	}
	seen := make(map[string]bool, len(pools))
	one := decimal.NewFromInt(1)
	for i, p := range pools {
		if p.ID == "" {
			return fmt.Errorf("pools[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("pools[%d].id %s is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		if !p.InitialCapital.IsPositive() {
			return fmt.Errorf("pools.%s.initial_capital must be > 0", p.ID)
		}
		if p.MaxPositions <= 0 {
			return fmt.Errorf("pools.%s.max_positions must be > 0", p.ID)
		}
		if !p.MaxPositionFraction.IsPositive() || p.MaxPositionFraction.GreaterThan(one) {
			return fmt.Errorf("pools.%s.max_position_fraction must be in (0,1]", p.ID)
		}
		if len(p.Strategies) == 0 {
			return fmt.Errorf("pools.%s.strategies requires at least one strategy", p.ID)
		}
		for j, s := range p.Strategies {
			if strings.TrimSpace(s.Name) == "" {
				return fmt.Errorf("pools.%s.strategies[%d].name is required", p.ID, j)
			}
		}
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.RiskFreeRate < 0 {
		return fmt.Errorf("backtest.risk_free_rate must be >= 0")
	}
	if b.ParallelPools < 0 {
		return fmt.Errorf("backtest.parallel_pools must be >= 0")
	}
	var start, end string
	if s := strings.TrimSpace(b.Start); s != "" {
		t, err := market.ParseDate(s)
		if err != nil {
			return fmt.Errorf("backtest.start: %w", err)
		}
		start = market.DateKey(t)
	}
	if e := strings.TrimSpace(b.End); e != "" {
		t, err := market.ParseDate(e)
		if err != nil {
			return fmt.Errorf("backtest.end: %w", err)
		}
		end = market.DateKey(t)
	}
	if start != "" && end != "" && end < start {
		return fmt.Errorf("backtest.end must not be before backtest.start")
	}
	return nil
}

func (l *LiveConfig) validate() error {
	if strings.TrimSpace(l.Cron) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(l.Cron); err != nil {
		return fmt.Errorf("live.cron invalid: %w", err)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if !n.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}

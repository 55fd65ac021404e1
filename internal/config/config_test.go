package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalPools = `
pools:
  - id: core
    initial_capital: 100000
    strategies:
      - name: sma_cross
        params:
          fast: 5
universe:
  tickers: [aapl, MSFT, aapl]
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalPools)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeServe, cfg.App.Mode)
	assert.Equal(t, ":9991", cfg.App.HTTPAddr)
	assert.Equal(t, int64(100), cfg.Lots.DefaultUnit)
	assert.True(t, cfg.Backtest.LiquidateAtEnd)
	assert.InDelta(t, 0.02, cfg.Backtest.RiskFreeRate, 1e-12)
	assert.Equal(t, defaultLivePendingPath, cfg.Live.PendingPath)
	assert.Equal(t, 120, cfg.Market.LookbackDays)

	require.Len(t, cfg.Pools, 1)
	p := cfg.Pools[0]
	assert.Equal(t, "core", p.Name)
	assert.Equal(t, 10, p.MaxPositions)
	assert.True(t, p.InitialCapital.Equal(decimal.NewFromInt(100000)))
	assert.True(t, p.MaxPositionFraction.Equal(decimal.NewFromInt(1)))
	assert.EqualValues(t, 5, p.Strategies[0].Params["fast"])
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Universe.Normalized())
}

func TestExplicitZeroValuesAreKept(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalPools+`
backtest:
  liquidate_at_end: false
  risk_free_rate: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Backtest.LiquidateAtEnd)
	assert.Equal(t, 0.0, cfg.Backtest.RiskFreeRate)
}

func TestIncludeMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pools.yaml", minimalPools)
	path := writeFile(t, dir, "config.yaml", `
include:
  - pools.yaml
app:
  mode: backtest
pools:
  - id: alt
    initial_capital: "250000.50"
    max_positions: 3
    max_position_fraction: 0.5
    strategies:
      - name: rsi_reversion
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeBacktest, cfg.App.Mode)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, "alt", cfg.Pools[0].ID)
	assert.True(t, cfg.Pools[0].InitialCapital.Equal(decimal.RequireFromString("250000.5")))
	assert.True(t, cfg.Pools[0].MaxPositionFraction.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Universe.Normalized())
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"no pools": `
universe:
  tickers: [AAA]
`,
		"duplicate pool": `
pools:
  - {id: a, initial_capital: 1, strategies: [{name: x}]}
  - {id: a, initial_capital: 1, strategies: [{name: x}]}
universe:
  tickers: [AAA]
`,
		"bad fraction": `
pools:
  - {id: a, initial_capital: 1, max_position_fraction: 1.5, strategies: [{name: x}]}
universe:
  tickers: [AAA]
`,
		"no strategies": `
pools:
  - {id: a, initial_capital: 1}
universe:
  tickers: [AAA]
`,
		"empty universe": `
pools:
  - {id: a, initial_capital: 1, strategies: [{name: x}]}
`,
		"bad mode": minimalPools + `
app:
  mode: paper
`,
		"bad cron": minimalPools + `
live:
  cron: "every day"
`,
		"end before start": minimalPools + `
backtest:
  start: "2024-02-01"
  end: "2024-01-01"
`,
		"telegram missing token": minimalPools + `
notify:
  telegram:
    enabled: true
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestPathPrecedence(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, defaultConfigPath, Path(""))
	t.Setenv(EnvConfigPath, "/etc/tradesim.yaml")
	assert.Equal(t, "/etc/tradesim.yaml", Path(""))
	assert.Equal(t, "local.yaml", Path(" local.yaml "))
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Pools, 2)
	assert.Equal(t, "30 16 * * 1-5", cfg.Live.Cron)
}

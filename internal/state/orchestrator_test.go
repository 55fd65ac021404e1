package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradesim/internal/lotsize"
	"tradesim/internal/portfolio"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func day(n int) time.Time { return time.Date(2024, 7, n, 0, 0, 0, 0, time.UTC) }

func specs() []PoolSpec {
	return []PoolSpec{
		{Config: portfolio.Config{ID: "core", Name: "Core", InitialCapital: d(1_000_000), MaxPositions: 5}, Strategies: []string{"sma_cross"}},
		{Config: portfolio.Config{ID: "alt", InitialCapital: d(500_000), MaxPositions: 3}, Strategies: []string{"rsi_reversion"}},
	}
}

func assertSnapshotEqual(t *testing.T, want, got portfolio.Snapshot) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Name, got.Name)
	assert.True(t, want.InitialCapital.Equal(got.InitialCapital), "initial_capital %s != %s", want.InitialCapital, got.InitialCapital)
	assert.True(t, want.Cash.Equal(got.Cash), "cash %s != %s", want.Cash, got.Cash)
	require.Len(t, got.Positions, len(want.Positions))
	for i := range want.Positions {
		w, g := want.Positions[i], got.Positions[i]
		assert.Equal(t, w.Ticker, g.Ticker)
		assert.Equal(t, w.Quantity, g.Quantity)
		assert.True(t, w.EntryPrice.Equal(g.EntryPrice))
		assert.True(t, w.EntryDate.Equal(g.EntryDate))
		assert.Equal(t, w.EntryScore, g.EntryScore)
		assert.True(t, w.PeakPrice.Equal(g.PeakPrice))
	}
}

func TestFirstRunInitializesFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	o, err := Load(path, specs(), lotsize.New(100, nil))
	require.NoError(t, err)

	pools := o.Pools()
	require.Len(t, pools, 2)
	assert.Equal(t, "core", pools[0].ID())
	assert.True(t, pools[1].Cash().Equal(d(500_000)))
	assert.Zero(t, pools[1].PositionCount())
	assert.Equal(t, "alt", pools[1].Name())
	assert.Equal(t, []string{"rsi_reversion"}, o.Strategies("alt"))

	_, err = o.Pool("nope")
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestDuplicatePoolIDsRejected(t *testing.T) {
	s := specs()
	s[1].Config.ID = "core"
	_, err := New(s, nil)
	assert.Error(t, err)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.json")
	lots := lotsize.New(100, nil)
	o, err := Load(path, specs(), lots)
	require.NoError(t, err)
	o.now = func() time.Time { return time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC) }

	core, err := o.Pool("core")
	require.NoError(t, err)
	_, err = core.ExecuteBuy("AAA", 300, decimal.RequireFromString("1000.25"), day(1), 81.5)
	require.NoError(t, err)
	_, err = core.ExecuteBuy("BBB", 200, d(500), day(2), 64)
	require.NoError(t, err)
	core.UpdateMarks(map[string]decimal.Decimal{"AAA": d(1100)})
	o.SetLastSettledPlan("plan-1")

	before := core.Snapshot()
	require.NoError(t, o.Save())

	reloaded, err := Load(path, specs(), lots)
	require.NoError(t, err)
	got, err := reloaded.Pool("core")
	require.NoError(t, err)
	assertSnapshotEqual(t, before, got.Snapshot())
	assert.Equal(t, "plan-1", reloaded.LastSettledPlan())
	assert.True(t, reloaded.LastUpdated().Equal(o.LastUpdated()))

	alt, err := reloaded.Pool("alt")
	require.NoError(t, err)
	assert.True(t, alt.Cash().Equal(d(500_000)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"entry_price": 1000.25`)
	assert.Contains(t, string(raw), `"entry_date": "2024-07-01"`)
}

func TestSaveFailureIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	o, err := New(specs(), nil)
	require.NoError(t, err)
	// 目标是已存在的目录，rename 会失败
	o.SetPath(dir)
	assert.ErrorIs(t, o.Save(), ErrPersistence)

	o.SetPath("")
	assert.ErrorIs(t, o.Save(), ErrPersistence)
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	bad := `{"pools":[{"id":"core","initial_capital":1000,"cash":-5,"positions":[]}],"last_updated":"2024-07-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
	_, err := Load(path, specs(), nil)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = Load(path, specs(), nil)
	assert.Error(t, err)
}

func TestLoadMigratesLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	legacy := `{
	  "strategy_groups": [
	    {"group_id": "core", "name": "Core", "initial_capital": "1000000", "cash": 800000,
	     "positions": [{"symbol": "AAA", "shares": 200, "entry_price": 1000, "entry_date": "2024-07-01", "confidence": 0.7}]},
	    {"group_id": "legacy_only", "initial_capital": 200000, "cash": 200000, "positions": []}
	  ],
	  "last_updated": "2024-07-02T00:00:00Z"
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	o, err := Load(path, specs(), nil)
	require.NoError(t, err)
	require.Len(t, o.Pools(), 3)

	core, err := o.Pool("core")
	require.NoError(t, err)
	assert.True(t, core.Cash().Equal(d(800_000)))
	assert.Equal(t, int64(200), core.Holding("AAA"))
	snap := core.Snapshot()
	assert.InDelta(t, 0.7, snap.Positions[0].EntryScore, 1e-12)
	assert.True(t, snap.Positions[0].PeakPrice.Equal(d(1000)))

	extra, err := o.Pool("legacy_only")
	require.NoError(t, err)
	assert.Equal(t, defaultMaxPositions, extra.MaxPositions())
}

func TestSummaryAggregates(t *testing.T) {
	o, err := New(specs(), lotsize.New(100, nil))
	require.NoError(t, err)
	core, _ := o.Pool("core")
	_, err = core.ExecuteBuy("AAA", 1000, d(100), day(1), 0)
	require.NoError(t, err)

	s := o.Summary(map[string]decimal.Decimal{"AAA": d(110)})
	require.Len(t, s.Pools, 2)
	assert.True(t, s.Pools[0].HoldingsValue.Equal(d(110_000)))
	assert.True(t, s.Pools[0].TotalValue.Equal(d(1_010_000)))
	assert.InDelta(t, 1.0, s.Pools[0].ReturnPct, 1e-9)
	assert.True(t, s.TotalValue.Equal(d(1_510_000)))
	assert.True(t, s.Cash.Equal(d(1_400_000)))

	clone := o.Clone()
	cc, _ := clone.Pool("core")
	_, err = cc.ExecuteSell("AAA", portfolio.SellRequest{Fraction: 1}, d(100), day(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), core.Holding("AAA"))
}

package lotsize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundDown(t *testing.T) {
	r := New(100, map[string]int64{"btcusdt": 1, " 1570 ": 10})

	tests := []struct {
		name   string
		ticker string
		raw    int64
		want   int64
	}{
		{"exact multiple", "7203", 1000, 1000},
		{"rounds down", "7203", 1099, 1000},
		{"below one unit", "7203", 99, 0},
		{"zero", "7203", 0, 0},
		{"negative", "7203", -300, 0},
		{"unit one", "BTCUSDT", 37, 37},
		{"custom unit", "1570", 57, 50},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.RoundDown(tc.ticker, tc.raw))
		})
	}
}

func TestRoundDownProperties(t *testing.T) {
	r := New(0, map[string]int64{"ODD": 7})
	assert.Equal(t, DefaultUnit, r.Unit("UNKNOWN"))

	for _, ticker := range []string{"UNKNOWN", "ODD"} {
		unit := r.Unit(ticker)
		for q := int64(-5); q < 1500; q += 13 {
			once := r.RoundDown(ticker, q)
			assert.Equal(t, once, r.RoundDown(ticker, once), "idempotent for %s q=%d", ticker, q)
			assert.GreaterOrEqual(t, once, int64(0))
			assert.Zero(t, once%unit)
			if q >= 0 {
				assert.LessOrEqual(t, once, q)
			}
		}
	}
}

func TestLoadTableReplacesUnits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lots.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_unit: 10\nunits:\n  ethusdt: 1\n"), 0o644))

	r := New(100, map[string]int64{"OLD": 5})
	require.NoError(t, r.LoadTable(path))

	assert.Equal(t, int64(10), r.Unit("OLD"))
	assert.Equal(t, int64(1), r.Unit("ETHUSDT"))

	r.Merge(map[string]int64{"old": 5})
	assert.Equal(t, int64(5), r.Unit("OLD"))
	assert.Equal(t, int64(1), r.Unit("ETHUSDT"))
}

func TestLoadTableRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lots.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unit: 10\n"), 0o644))
	assert.Error(t, New(100, nil).LoadTable(path))
}

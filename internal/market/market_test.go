package market

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tradesim/internal/pkg/circuit"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(day int) time.Time { return time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC) }

func bar(day int, open, close float64) Bar {
	return Bar{Date: d(day), Open: open, High: close + 1, Low: open - 1, Close: close, Volume: 1000}
}

func TestSeriesLookups(t *testing.T) {
	s := NewSeries("aaa", []Bar{bar(3, 12, 13), bar(1, 10, 11), bar(2, 11, 12), bar(2, 11, 12.5)})
	assert.Equal(t, "AAA", s.Ticker())
	require.Equal(t, 3, s.Len())

	b, ok := s.At(d(2))
	require.True(t, ok)
	assert.Equal(t, 12.5, b.Close, "duplicate day keeps the last row")

	upto := s.Upto(d(2))
	require.Len(t, upto, 2)
	assert.Equal(t, d(2), upto[1].Date)

	next, ok := s.Next(d(2))
	require.True(t, ok)
	assert.Equal(t, d(3), next.Date)
	_, ok = s.Next(d(3))
	assert.False(t, ok)
}

func TestHistoryTradingDaysAndPrices(t *testing.T) {
	h := NewHistory(
		NewSeries("A", []Bar{bar(1, 10, 11), bar(2, 11, 12), bar(6, 12, 13)}),
		NewSeries("B", []Bar{bar(2, 20, 21), bar(3, 21, 22)}),
	)
	days := h.TradingDays(d(2), d(6))
	assert.Equal(t, []time.Time{d(2), d(3), d(6)}, days)

	px, err := h.Open("A", d(2))
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.NewFromInt(11)))

	_, err = h.Close("A", d(3))
	assert.ErrorIs(t, err, ErrMissingPrice)
	_, err = h.Close("ZZZ", d(3))
	assert.ErrorIs(t, err, ErrMissingPrice)

	closes := h.Closes(d(3))
	assert.Len(t, closes, 1)
	assert.True(t, closes["B"].Equal(decimal.NewFromInt(22)))

	c := h.Clone()
	s, ok := c.Series("a")
	require.True(t, ok)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, h.Tickers(), c.Tickers())
}

func TestReadCSV(t *testing.T) {
	raw := "Date,Open,High,Low,Close,Volume\n2024-05-01,10,11,9,10.5,100\n2024-05-02, 10.5,12,10,11.5,\n"
	bars, err := ReadCSV(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, d(1), bars[0].Date)
	assert.Equal(t, 10.5, bars[0].Close)
	assert.Equal(t, 0.0, bars[1].Volume)

	_, err = ReadCSV(strings.NewReader("date,open,close\n"))
	assert.Error(t, err)
	_, err = ReadCSV(strings.NewReader("date,open,high,low,close\n2024/05/01,1,1,1,1\n"))
	assert.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	n, err := st.InsertBars(ctx, "aaa", []Bar{bar(1, 10, 11), bar(2, 11, 12), bar(3, 12, 13)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	// 同一天覆盖
	_, err = st.InsertBars(ctx, "AAA", []Bar{bar(3, 12, 14)})
	require.NoError(t, err)

	bars, err := st.RangeBars(ctx, "AAA", d(2), d(3))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 14.0, bars[1].Close)

	m, err := st.Manifest(ctx, "AAA")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Rows)
	assert.Equal(t, "2024-05-01", m.MinDate)
	assert.Equal(t, "2024-05-03", m.MaxDate)

	tickers, err := st.Tickers()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, tickers)

	h, err := st.LoadHistory(ctx, []string{"AAA"}, d(3), d(3), 1)
	require.NoError(t, err)
	s, ok := h.Series("AAA")
	require.True(t, ok)
	assert.Equal(t, 2, s.Len())
}

type fakeSource struct {
	from time.Time
	bars []Bar
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchDaily(_ context.Context, _ string, start, _ time.Time) ([]Bar, error) {
	f.from = start
	return f.bars, nil
}

func TestSyncerResumesFromManifest(t *testing.T) {
	ctx := context.Background()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	_, err = st.InsertBars(ctx, "BTCUSDT", []Bar{bar(1, 10, 11), bar(4, 11, 12)})
	require.NoError(t, err)

	src := &fakeSource{bars: []Bar{bar(4, 11, 12), bar(5, 12, 13)}}
	sy := &Syncer{Store: st, Source: src}
	n, err := sy.SyncAll(ctx, []string{"BTCUSDT"}, d(1), d(5))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, d(4), src.from)

	m, err := st.Manifest(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Rows)
}

type downSource struct{ calls int }

func (f *downSource) Name() string { return "down" }

func (f *downSource) FetchDaily(context.Context, string, time.Time, time.Time) ([]Bar, error) {
	f.calls++
	return nil, errors.New("503")
}

func TestSyncerStopsCallingOpenBreaker(t *testing.T) {
	ctx := context.Background()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	src := &downSource{}
	sy := &Syncer{Store: st, Source: src, Breaker: circuit.New("down", 2, time.Hour)}
	for i := 0; i < 2; i++ {
		_, err := sy.Sync(ctx, "BTCUSDT", d(1), d(5))
		require.Error(t, err)
	}
	_, err = sy.Sync(ctx, "BTCUSDT", d(1), d(5))
	require.ErrorIs(t, err, circuit.ErrOpen)
	assert.Equal(t, 2, src.calls)
}

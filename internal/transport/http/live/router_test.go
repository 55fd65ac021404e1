package livehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradesim/internal/audit"
	"tradesim/internal/engine"
	"tradesim/internal/lotsize"
	"tradesim/internal/portfolio"
	"tradesim/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	mock.Mock
}

func (m *mockSession) RunDay(ctx context.Context, date time.Time, fills *engine.Fills) (*engine.LiveReport, error) {
	args := m.Called(ctx, date, fills)
	rep, _ := args.Get(0).(*engine.LiveReport)
	return rep, args.Error(1)
}

func (m *mockSession) PendingPath() string { return m.Called().String(0) }

func day(n int) time.Time { return time.Date(2024, 7, n, 0, 0, 0, 0, time.UTC) }

func newTestServer(t *testing.T, session Session) (*Server, *Router) {
	t.Helper()
	st, err := state.New([]state.PoolSpec{
		{Config: portfolio.Config{ID: "core", InitialCapital: decimal.NewFromInt(100_000), MaxPositions: 3}},
		{Config: portfolio.Config{ID: "alt", InitialCapital: decimal.NewFromInt(50_000), MaxPositions: 2}},
	}, lotsize.New(100, nil))
	require.NoError(t, err)
	core, err := st.Pool("core")
	require.NoError(t, err)
	_, err = core.ExecuteBuy("AAA", 100, decimal.NewFromInt(100), day(1), 0.8)
	require.NoError(t, err)
	_, err = core.ExecuteBuy("AAA", 100, decimal.NewFromInt(120), day(2), 0.6)
	require.NoError(t, err)

	trades := &audit.MemoryLog{}
	require.NoError(t, trades.Append(context.Background(), []audit.Trade{
		{Date: day(1), PoolID: "core", Ticker: "AAA", Action: audit.ActionBuy, Quantity: 100, Price: decimal.NewFromInt(100), TotalValue: decimal.NewFromInt(10_000)},
		{Date: day(2), PoolID: "core", Ticker: "AAA", Action: audit.ActionBuy, Quantity: 100, Price: decimal.NewFromInt(120), TotalValue: decimal.NewFromInt(12_000)},
	}))

	router := NewRouter(st, trades, session)
	router.now = func() time.Time { return day(5).Add(15 * time.Hour) }
	srv, err := NewServer(ServerConfig{Live: router})
	require.NoError(t, err)
	return srv, router
}

func do(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var out map[string]json.RawMessage
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestPoolsAndSummary(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := do(t, srv, http.MethodGet, "/api/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pools []state.PoolSummary
	require.NoError(t, json.Unmarshal(body["pools"], &pools))
	require.Len(t, pools, 2)
	assert.Equal(t, "core", pools[0].ID)
	assert.Equal(t, 1, pools[0].Positions)
	assert.True(t, pools[0].Cash.Equal(decimal.NewFromInt(78_000)))

	rec, body = do(t, srv, http.MethodGet, "/api/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sum state.Summary
	require.NoError(t, json.Unmarshal(body["summary"], &sum))
	assert.True(t, sum.InitialCapital.Equal(decimal.NewFromInt(150_000)))

	rec, _ = do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPoolDetailAggregatesLots(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := do(t, srv, http.MethodGet, "/api/pools/core", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail PoolDetail
	require.NoError(t, json.Unmarshal(body["pool"], &detail))
	assert.Equal(t, "core", detail.ID)
	assert.Equal(t, 3, detail.MaxPositions)
	require.Len(t, detail.Positions, 1)
	pos := detail.Positions[0]
	assert.Equal(t, int64(200), pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(110)), pos.AvgCost.String())
	require.Len(t, pos.Lots, 2)
	assert.Equal(t, "2024-07-01", pos.Lots[0].EntryDate)

	rec, _ = do(t, srv, http.MethodGet, "/api/pools/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTradesFilter(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := do(t, srv, http.MethodGet, "/api/trades?pool=core&from=2024-07-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []audit.Trade
	require.NoError(t, json.Unmarshal(body["trades"], &trades))
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(120)))

	rec, _ = do(t, srv, http.MethodGet, "/api/trades?from=07/02/2024", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, srv, http.MethodGet, "/api/trades?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunDayPassesDateAndFills(t *testing.T) {
	session := &mockSession{}
	srv, router := newTestServer(t, session)
	var reported *engine.LiveReport
	router.OnReport = func(rep *engine.LiveReport) { reported = rep }

	rep := &engine.LiveReport{Date: day(3), SettledPlan: "p1"}
	session.On("RunDay", mock.Anything, day(3), mock.MatchedBy(func(f *engine.Fills) bool {
		return f != nil && f.Date == "2024-07-03" && len(f.Fills) == 1 && f.Fills[0].Ticker == "AAA" && f.Fills[0].Price == 101.5
	})).Return(rep, nil).Once()

	rec, body := do(t, srv, http.MethodPost, "/api/live/run", RunDayRequest{
		Date:  "2024-07-03",
		Fills: []FillView{{Ticker: " aaa ", Price: 101.5}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got engine.LiveReport
	require.NoError(t, json.Unmarshal(body["report"], &got))
	assert.Equal(t, "p1", got.SettledPlan)
	assert.Same(t, rep, reported)
	session.AssertExpectations(t)
}

func TestRunDayDefaultsToToday(t *testing.T) {
	session := &mockSession{}
	srv, _ := newTestServer(t, session)
	session.On("RunDay", mock.Anything, day(5), (*engine.Fills)(nil)).Return(&engine.LiveReport{Date: day(5)}, nil).Once()

	rec, _ := do(t, srv, http.MethodPost, "/api/live/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session.AssertExpectations(t)
}

func TestRunDayPersistenceFailure(t *testing.T) {
	session := &mockSession{}
	srv, _ := newTestServer(t, session)
	session.On("RunDay", mock.Anything, day(4), (*engine.Fills)(nil)).
		Return(nil, fmt.Errorf("bookkeep: %w", state.ErrPersistence)).Once()

	rec, _ := do(t, srv, http.MethodPost, "/api/live/run", RunDayRequest{Date: "2024-07-04"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = do(t, srv, http.MethodPost, "/api/live/run", RunDayRequest{Date: "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingPlan(t *testing.T) {
	session := &mockSession{}
	dir := t.TempDir()
	path := dir + "/pending.yaml"
	session.On("PendingPath").Return(path)
	srv, _ := newTestServer(t, session)

	rec, _ := do(t, srv, http.MethodGet, "/api/live/plan", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, engine.WritePendingPlan(path, &engine.PendingPlan{ID: "p9", Date: "2024-07-04"}))
	rec, body := do(t, srv, http.MethodGet, "/api/live/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plan engine.PendingPlan
	require.NoError(t, json.Unmarshal(body["plan"], &plan))
	assert.Equal(t, "p9", plan.ID)
}

func TestLiveEndpointsWithoutSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec, _ := do(t, srv, http.MethodPost, "/api/live/run", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = do(t, srv, http.MethodGet, "/api/live/plan", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradesim/internal/audit"
	"tradesim/internal/engine"
	"tradesim/internal/market"
	"tradesim/internal/signal"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// ResultStore 管理 backtest_runs/trades/closed/equity/skipped 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Path() string { return s.path }

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			name TEXT,
			status TEXT NOT NULL,
			start_day TEXT NOT NULL,
			end_day TEXT NOT NULL,
			initial_capital TEXT NOT NULL,
			final_capital TEXT NOT NULL DEFAULT '0',
			return_pct REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			sharpe REAL NOT NULL DEFAULT 0,
			trades INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			days_done INTEGER NOT NULL DEFAULT 0,
			days_total INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			metrics_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			day TEXT NOT NULL,
			pool_id TEXT NOT NULL,
			ticker TEXT NOT NULL,
			action TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price TEXT NOT NULL,
			total_value TEXT NOT NULL,
			entry_score REAL,
			exit_reason TEXT,
			exit_score REAL,
			realized_pl_pct REAL,
			holding_days INTEGER,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_closed (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			pool_id TEXT NOT NULL,
			ticker TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			entry_day TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_day TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			realized_pl TEXT NOT NULL,
			realized_pl_pct REAL NOT NULL,
			holding_days INTEGER NOT NULL,
			exit_reason TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			day TEXT NOT NULL,
			cash TEXT NOT NULL,
			total TEXT NOT NULL,
			pools_json TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_skipped (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			day TEXT NOT NULL,
			pool_id TEXT NOT NULL,
			ticker TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON backtest_trades(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_run ON backtest_closed(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_run ON backtest_equity(run_id, day);`,
		`CREATE INDEX IF NOT EXISTS idx_skipped_run ON backtest_skipped(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 写入一条 run 记录。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := run.MarshalConfig()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, name, status, start_day, end_day, initial_capital, final_capital,
			config_json, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Status, run.Start, run.End, run.InitialCapital.String(), run.FinalCapital.String(),
		string(cfgJSON), run.Message, now, now)
	return err
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, updated_at=?, completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`, status, message, now, completedAt(status, now), completedAt(status, now), id)
	return err
}

// UpdateRunProgress 记录已处理的交易日数。
func (s *ResultStore) UpdateRunProgress(ctx context.Context, id string, done, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs SET days_done=?, days_total=?, updated_at=? WHERE id=?`,
		done, total, time.Now().UnixMilli(), id)
	return err
}

// UpdateRunSummary 写入最终状态与指标。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id, status string, res *engine.Result, message string) error {
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	m := res.Metrics
	_, err = s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, initial_capital=?, final_capital=?, return_pct=?, max_drawdown=?, win_rate=?, sharpe=?,
		    trades=?, skipped=?, metrics_json=?, message=?, updated_at=?,
		    completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`,
		status, res.StartCapital.String(), res.EndCapital.String(), m.TotalReturnPct, m.MaxDrawdownPct, m.WinRatePct, m.Sharpe,
		m.Trades, m.Skipped, string(metricsJSON), message, now,
		completedAt(status, now), completedAt(status, now), id)
	return err
}

func completedAt(status string, now int64) interface{} {
	if status == RunStatusDone || status == RunStatusFailed {
		return now
	}
	return nil
}

// SaveResult 在一个事务中写入成交、已平仓交易、净值曲线与跳过记录。
func (s *ResultStore) SaveResult(ctx context.Context, runID string, res *engine.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range res.Trades {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_trades
				(run_id, day, pool_id, ticker, action, quantity, price, total_value,
				entry_score, exit_reason, exit_score, realized_pl_pct, holding_days)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, market.DateKey(t.Date), t.PoolID, t.Ticker, string(t.Action), t.Quantity, t.Price.String(), t.TotalValue.String(),
			nullableFloat(t.EntryScore), nullIfEmpty(t.ExitReason), nullableFloat(t.ExitScore),
			nullableFloat(t.RealizedPLPct), nullableInt(t.HoldingDays)); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	for _, c := range res.Closed {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_closed
				(run_id, pool_id, ticker, quantity, entry_day, entry_price, exit_day, exit_price,
				realized_pl, realized_pl_pct, holding_days, exit_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, c.PoolID, c.Ticker, c.Quantity, market.DateKey(c.EntryDate), c.EntryPrice.String(),
			market.DateKey(c.ExitDate), c.ExitPrice.String(), c.RealizedPL.String(), c.RealizedPLPct, c.HoldingDays,
			nullIfEmpty(c.ExitReason)); err != nil {
			return fmt.Errorf("insert closed trade: %w", err)
		}
	}
	for _, pt := range res.Equity {
		pools, err := json.Marshal(pt.Pools)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_equity (run_id, day, cash, total, pools_json) VALUES (?, ?, ?, ?, ?)`,
			runID, market.DateKey(pt.Date), pt.Cash.String(), pt.Total.String(), string(pools)); err != nil {
			return fmt.Errorf("insert equity: %w", err)
		}
	}
	for _, sk := range res.Skipped {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_skipped (run_id, day, pool_id, ticker, action, reason, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, market.DateKey(sk.Date), sk.PoolID, sk.Ticker, string(sk.Action), string(sk.Reason),
			nullIfEmpty(sk.Detail)); err != nil {
			return fmt.Errorf("insert skipped: %w", err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, name, status, start_day, end_day, initial_capital, final_capital, return_pct,
	max_drawdown, win_rate, sharpe, trades, skipped, days_done, days_total, config_json, metrics_json,
	message, created_at, updated_at, completed_at`

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM backtest_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE id=?`, id)
	return scanRun(row)
}

func (s *ResultStore) ListTrades(ctx context.Context, runID string, limit int) ([]audit.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, pool_id, ticker, action, quantity, price, total_value,
		       entry_score, exit_reason, exit_score, realized_pl_pct, holding_days
		FROM backtest_trades WHERE run_id=? ORDER BY id ASC LIMIT ?`, runID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Trade
	for rows.Next() {
		var (
			t                            audit.Trade
			dayStr, action               string
			entryScore, exitScore, plPct sql.NullFloat64
			exitReason                   sql.NullString
			holding                      sql.NullInt64
		)
		if err := rows.Scan(&dayStr, &t.PoolID, &t.Ticker, &action, &t.Quantity, &t.Price, &t.TotalValue,
			&entryScore, &exitReason, &exitScore, &plPct, &holding); err != nil {
			return nil, err
		}
		if t.Date, err = market.ParseDate(dayStr); err != nil {
			return nil, err
		}
		t.Action = audit.Action(action)
		t.EntryScore = floatPtr(entryScore)
		t.ExitScore = floatPtr(exitScore)
		t.RealizedPLPct = floatPtr(plPct)
		t.ExitReason = exitReason.String
		if holding.Valid {
			v := int(holding.Int64)
			t.HoldingDays = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListClosed(ctx context.Context, runID string, limit int) ([]engine.ClosedTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, ticker, quantity, entry_day, entry_price, exit_day, exit_price,
		       realized_pl, realized_pl_pct, holding_days, exit_reason
		FROM backtest_closed WHERE run_id=? ORDER BY id ASC LIMIT ?`, runID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.ClosedTrade
	for rows.Next() {
		var (
			c                 engine.ClosedTrade
			entryDay, exitDay string
			reason            sql.NullString
		)
		if err := rows.Scan(&c.PoolID, &c.Ticker, &c.Quantity, &entryDay, &c.EntryPrice, &exitDay, &c.ExitPrice,
			&c.RealizedPL, &c.RealizedPLPct, &c.HoldingDays, &reason); err != nil {
			return nil, err
		}
		if c.EntryDate, err = market.ParseDate(entryDay); err != nil {
			return nil, err
		}
		if c.ExitDate, err = market.ParseDate(exitDay); err != nil {
			return nil, err
		}
		c.ExitReason = reason.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListEquity(ctx context.Context, runID string) ([]EquityRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, cash, total, pools_json FROM backtest_equity WHERE run_id=? ORDER BY day ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityRow
	for rows.Next() {
		var (
			row   EquityRow
			pools sql.NullString
		)
		if err := rows.Scan(&row.Date, &row.Cash, &row.Total, &pools); err != nil {
			return nil, err
		}
		if pools.Valid && pools.String != "" {
			if err := json.Unmarshal([]byte(pools.String), &row.Pools); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListSkipped(ctx context.Context, runID string, limit int) ([]engine.Skipped, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, pool_id, ticker, action, reason, detail
		FROM backtest_skipped WHERE run_id=? ORDER BY id ASC LIMIT ?`, runID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.Skipped
	for rows.Next() {
		var (
			sk                     engine.Skipped
			dayStr, action, reason string
			detail                 sql.NullString
		)
		if err := rows.Scan(&dayStr, &sk.PoolID, &sk.Ticker, &action, &reason, &detail); err != nil {
			return nil, err
		}
		if sk.Date, err = market.ParseDate(dayStr); err != nil {
			return nil, err
		}
		sk.Action = signal.Kind(action)
		sk.Reason = engine.SkipReason(reason)
		sk.Detail = detail.String
		out = append(out, sk)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 5000 {
		return 1000
	}
	return limit
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run                  Run
		name, message        sql.NullString
		cfgStr               string
		metricsStr           sql.NullString
		createdAt, updatedAt int64
		completed            sql.NullInt64
		initial, final       decimal.Decimal
	)
	if err := row.Scan(&run.ID, &name, &run.Status, &run.Start, &run.End, &initial, &final,
		&run.ReturnPct, &run.MaxDrawdownPct, &run.WinRatePct, &run.Sharpe, &run.Trades, &run.Skipped,
		&run.DaysDone, &run.DaysTotal, &cfgStr, &metricsStr, &message, &createdAt, &updatedAt, &completed); err != nil {
		return Run{}, err
	}
	run.Name = name.String
	run.Message = message.String
	run.InitialCapital = initial
	run.FinalCapital = final
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completed.Valid {
		run.CompletedAt = timeFromMillis(completed.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if metricsStr.Valid && metricsStr.String != "" {
		if err := json.Unmarshal([]byte(metricsStr.String), &run.Metrics); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}

package market

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Manifest 记录某个 ticker 日线文件的统计信息。
type Manifest struct {
	Ticker     string `json:"ticker"`
	MinDate    string `json:"min_date"`
	MaxDate    string `json:"max_date"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Store 每个 ticker 一个 sqlite 文件：<root>/<TICKER>/daily.db。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(ticker string) (*sql.DB, string, error) {
	key := strings.ToUpper(strings.TrimSpace(ticker))
	if key == "" {
		return nil, "", fmt.Errorf("ticker 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.dbPath(key)
	if db, ok := s.dbs[key]; ok {
		return db, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, key); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

func (s *Store) dbPath(ticker string) string {
	return filepath.Join(s.root, ticker, "daily.db")
}

// Tickers 列出已有数据文件的 ticker。
func (s *Store) Tickers() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), "daily.db")); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// InsertBars 批量写入日线（同一天覆盖）。
func (s *Store) InsertBars(ctx context.Context, ticker string, bars []Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	db, _, err := s.db(ticker)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (day, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, DateKey(b.Date), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

// RangeBars 返回 [start,end] 内的日线；零值表示不限制。
func (s *Store) RangeBars(ctx context.Context, ticker string, start, end time.Time) ([]Bar, error) {
	db, _, err := s.db(ticker)
	if err != nil {
		return nil, err
	}
	lo, hi := "0000-01-01", "9999-12-31"
	if !start.IsZero() {
		lo = DateKey(start)
	}
	if !end.IsZero() {
		hi = DateKey(end)
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	rows, err := db.QueryContext(ctx, `
		SELECT day, open, high, low, close, volume
		FROM bars WHERE day BETWEEN ? AND ?
		ORDER BY day ASC`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Bar
	for rows.Next() {
		var (
			day string
			b   Bar
		)
		if err := rows.Scan(&day, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		if b.Date, err = ParseDate(day); err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

func (s *Store) Manifest(ctx context.Context, ticker string) (Manifest, error) {
	db, path, err := s.db(ticker)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT ticker, COALESCE(min_day,''), COALESCE(max_day,''), rows, COALESCE(last_sync_at,0) FROM manifest WHERE id=1`)
	var m Manifest
	if err := row.Scan(&m.Ticker, &m.MinDate, &m.MaxDate, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

// LoadHistory 读取多个 ticker 的日线；start 前额外保留 lookback 个自然日供指标预热。
func (s *Store) LoadHistory(ctx context.Context, tickers []string, start, end time.Time, lookbackDays int) (*History, error) {
	from := start
	if !from.IsZero() && lookbackDays > 0 {
		from = from.AddDate(0, 0, -lookbackDays)
	}
	h := NewHistory()
	for _, t := range tickers {
		bars, err := s.RangeBars(ctx, t, from, end)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", t, err)
		}
		h.Add(NewSeries(t, bars))
	}
	return h, nil
}

func refreshManifest(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_day = (SELECT MIN(day) FROM bars),
		    max_day = (SELECT MAX(day) FROM bars),
		    rows = (SELECT COUNT(1) FROM bars),
		    last_sync_at = ?
		WHERE id = 1`, time.Now().UnixMilli())
	return err
}

func ensureSchema(db *sql.DB, ticker string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			day    TEXT PRIMARY KEY,
			open   REAL NOT NULL,
			high   REAL NOT NULL,
			low    REAL NOT NULL,
			close  REAL NOT NULL,
			volume REAL NOT NULL DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			ticker TEXT NOT NULL,
			min_day TEXT,
			max_day TEXT,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO manifest (id, ticker) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET ticker=excluded.ticker`, ticker)
	return err
}

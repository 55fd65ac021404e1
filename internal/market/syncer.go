package market

import (
	"context"
	"fmt"
	"time"

	"tradesim/internal/logger"
	"tradesim/internal/pkg/circuit"
)

// Syncer 从远端数据源补齐本地日线。Breaker 可选，连续拉取失败后短时间内不再请求远端。
type Syncer struct {
	Store   *Store
	Source  BarSource
	Breaker *circuit.Breaker
}

// Sync 从本地最后一天（或 start）开始拉取到 end，返回写入条数。
func (s *Syncer) Sync(ctx context.Context, ticker string, start, end time.Time) (int, error) {
	if s.Store == nil || s.Source == nil {
		return 0, fmt.Errorf("syncer 未配置 store/source")
	}
	from := Day(start)
	if m, err := s.Store.Manifest(ctx, ticker); err == nil && m.MaxDate != "" {
		if last, err := ParseDate(m.MaxDate); err == nil && !last.Before(from) {
			from = last
		}
	}
	var bars []Bar
	err := s.Breaker.Do(func() error {
		var ferr error
		bars, ferr = s.Source.FetchDaily(ctx, ticker, from, end)
		return ferr
	})
	if err != nil {
		return 0, fmt.Errorf("fetch %s from %s: %w", ticker, s.Source.Name(), err)
	}
	n, err := s.Store.InsertBars(ctx, ticker, bars)
	if err != nil {
		return n, fmt.Errorf("store %s: %w", ticker, err)
	}
	logger.Infof("[market] %s 同步 %d 根日线（%s 起，来源 %s）", ticker, n, DateKey(from), s.Source.Name())
	return n, nil
}

// SyncAll 依次同步多个 ticker，遇错立即返回。
func (s *Syncer) SyncAll(ctx context.Context, tickers []string, start, end time.Time) (int, error) {
	total := 0
	for _, t := range tickers {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.Sync(ctx, t, start, end)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

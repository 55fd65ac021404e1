package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"tradesim/internal/config"
	"tradesim/internal/logger"
	"tradesim/internal/market"
	"tradesim/internal/pkg/circuit"
)

// MarketStack 是本地日线库及其同步器。
type MarketStack struct {
	Store        *market.Store
	Syncer       *market.Syncer
	LookbackDays int
	SyncSummary  string
}

func buildMarketStack(ctx context.Context, cfg config.MarketConfig, tickers []string, from time.Time) (*MarketStack, error) {
	st, err := market.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化日线库失败: %w", err)
	}
	stack := &MarketStack{
		Store:        st,
		LookbackDays: cfg.LookbackDays,
		SyncSummary:  "未同步",
	}
	if strings.TrimSpace(cfg.BinanceBaseURL) != "" {
		stack.Syncer = &market.Syncer{
			Store:   st,
			Source:  market.NewBinanceSource(cfg.BinanceBaseURL, time.Duration(cfg.TimeoutSeconds)*time.Second),
			Breaker: circuit.New("binance", 3, time.Minute),
		}
	}
	if cfg.SyncOnStart && stack.Syncer != nil {
		if !from.IsZero() && cfg.LookbackDays > 0 {
			from = from.AddDate(0, 0, -cfg.LookbackDays)
		}
		n, err := stack.Syncer.SyncAll(ctx, tickers, from, time.Now().UTC())
		if err != nil {
			// 行情源不可用时仍可用本地已有数据运行
			logger.Warnf("启动同步失败（已写入 %d 根）: %v", n, err)
			stack.SyncSummary = fmt.Sprintf("失败：%v", err)
		} else {
			logger.Infof("✓ 启动同步完成，写入 %d 根日线", n)
			stack.SyncSummary = fmt.Sprintf("%s 起写入 %d 根", market.DateKey(from), n)
		}
	}
	return stack, nil
}

// BacktestHistory 满足 backtest.HistoryLoader。
func (m *MarketStack) BacktestHistory(ctx context.Context, tickers []string, start, end time.Time, lookbackDays int) (*market.History, error) {
	return m.Store.LoadHistory(ctx, tickers, start, end, lookbackDays)
}

// LiveHistory 满足 engine.HistoryLoader：读取截至 date 的日线与预热区间。
func (m *MarketStack) LiveHistory(ctx context.Context, tickers []string, date time.Time) (*market.History, error) {
	return m.Store.LoadHistory(ctx, tickers, date, date, m.LookbackDays)
}

// ImportCSV 把 CSV 日线写入本地库。
func (m *MarketStack) ImportCSV(ctx context.Context, ticker, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	bars, err := market.ReadCSV(f)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return m.Store.InsertBars(ctx, ticker, bars)
}

func (m *MarketStack) Close() error {
	if m == nil || m.Store == nil {
		return nil
	}
	return m.Store.Close()
}

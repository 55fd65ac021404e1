package app

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"tradesim/internal/config"
	"tradesim/internal/lotsize"
)

type StartupSummary struct {
	Mode     string
	HTTPAddr string
	Universe []string
	Lots     lotsize.Table
	Market   MarketSummary
	Pools    []PoolDetail
	Live     LiveSummary
	Backtest BacktestSummary
}

type MarketSummary struct {
	DBPath       string
	LookbackDays int
	Sync         string
}

type PoolDetail struct {
	ID                  string
	Name                string
	InitialCapital      string
	MaxPositions        int
	MaxPositionFraction string
	Strategies          []string
}

type LiveSummary struct {
	StatePath   string
	PendingPath string
	FillsPath   string
	Cron        string
	NextRun     string
}

type BacktestSummary struct {
	Start          string
	End            string
	LiquidateAtEnd bool
	ResultsDir     string
}

func newStartupSummary(cfg *config.Config, lots lotsize.Table, stack *MarketStack) *StartupSummary {
	s := &StartupSummary{
		Mode:     cfg.App.Mode,
		HTTPAddr: cfg.App.HTTPAddr,
		Universe: cfg.Universe.Normalized(),
		Lots:     lots,
		Market: MarketSummary{
			DBPath:       cfg.Market.DBPath,
			LookbackDays: cfg.Market.LookbackDays,
		},
		Live: LiveSummary{
			StatePath:   cfg.Live.StatePath,
			PendingPath: cfg.Live.PendingPath,
			FillsPath:   cfg.Live.FillsPath,
			Cron:        cfg.Live.Cron,
		},
		Backtest: BacktestSummary{
			Start:          cfg.Backtest.Start,
			End:            cfg.Backtest.End,
			LiquidateAtEnd: cfg.Backtest.LiquidateAtEnd,
			ResultsDir:     cfg.Backtest.ResultsDir,
		},
	}
	if stack != nil {
		s.Market.Sync = stack.SyncSummary
	}
	for _, p := range cfg.Pools {
		names := make([]string, 0, len(p.Strategies))
		for _, st := range p.Strategies {
			names = append(names, st.Name)
		}
		s.Pools = append(s.Pools, PoolDetail{
			ID:                  p.ID,
			Name:                p.Name,
			InitialCapital:      p.InitialCapital.StringFixed(2),
			MaxPositions:        p.MaxPositions,
			MaxPositionFraction: p.MaxPositionFraction.String(),
			Strategies:          names,
		})
	}
	return s
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintf(w, "  运行模式: %s\n", s.Mode)
	fmt.Fprintf(w, "  HTTP: %s\n", orDash(s.HTTPAddr))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[标的与单位 (UNIVERSE & LOTS)]")
	fmt.Fprintf(w, "  标的: %s\n", formatList(s.Universe))
	fmt.Fprintf(w, "  默认单位: %d\n", s.Lots.DefaultUnit)
	if len(s.Lots.Units) > 0 {
		tickers := make([]string, 0, len(s.Lots.Units))
		for t := range s.Lots.Units {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
		units := make([]string, 0, len(tickers))
		for _, t := range tickers {
			units = append(units, fmt.Sprintf("%s=%d", t, s.Lots.Units[t]))
		}
		fmt.Fprintf(w, "  特殊单位: %s\n", strings.Join(units, ", "))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[行情 (MARKET DATA)]")
	fmt.Fprintf(w, "  日线库: %s\n", s.Market.DBPath)
	fmt.Fprintf(w, "  预热天数: %d\n", s.Market.LookbackDays)
	fmt.Fprintf(w, "  启动同步: %s\n", orDash(s.Market.Sync))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[资金池 (POOLS)]")
	if len(s.Pools) == 0 {
		fmt.Fprintln(w, "  (无配置)")
	}
	for _, p := range s.Pools {
		fmt.Fprintf(w, "  > %s (%s)\n", p.ID, p.Name)
		fmt.Fprintf(w, "    初始资金: %s  最大持仓: %d  单票上限: %s\n", p.InitialCapital, p.MaxPositions, p.MaxPositionFraction)
		fmt.Fprintf(w, "    [策略]: %s\n", formatList(p.Strategies))
	}
	fmt.Fprintln(w)

	switch s.Mode {
	case config.ModeBacktest:
		fmt.Fprintln(w, "[回测 (BACKTEST)]")
		fmt.Fprintf(w, "  区间: %s ~ %s\n", orDash(s.Backtest.Start), orDash(s.Backtest.End))
		fmt.Fprintf(w, "  期末清仓: %v\n", s.Backtest.LiquidateAtEnd)
		fmt.Fprintf(w, "  结果库: %s\n", s.Backtest.ResultsDir)
	default:
		fmt.Fprintln(w, "[实盘 (LIVE)]")
		fmt.Fprintf(w, "  账本: %s\n", s.Live.StatePath)
		fmt.Fprintf(w, "  待执行计划: %s\n", s.Live.PendingPath)
		fmt.Fprintf(w, "  回填文件: %s\n", orDash(s.Live.FillsPath))
		fmt.Fprintf(w, "  定时: %s\n", orDash(s.Live.Cron))
		if s.Live.NextRun != "" {
			fmt.Fprintf(w, "  下一次执行: %s\n", s.Live.NextRun)
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

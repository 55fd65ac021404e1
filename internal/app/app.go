package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"tradesim/internal/backtest"
	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/logger"
	"tradesim/internal/report"
	"tradesim/internal/scheduler"
	"tradesim/internal/state"
	livehttp "tradesim/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→按模式运行回测、单日实盘或常驻服务。
type App struct {
	cfg        *config.Config
	market     *MarketStack
	state      *state.Orchestrator
	live       *LiveJob
	backtest   *backtest.Service
	httpServer *livehttp.Server
	cronSpec   string
	closers    []io.Closer
	out        io.Writer

	Summary *StartupSummary
	// LiveDate 非零时 live 模式以该日期执行，否则取当天。
	LiveDate time.Time
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 按 app.mode 运行，结束后释放资源。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Fprint(a.out)
	}
	switch a.cfg.App.Mode {
	case config.ModeBacktest:
		_, _, err := a.RunBacktest(ctx)
		return err
	case config.ModeLive:
		date := a.LiveDate
		if date.IsZero() {
			date = time.Now()
		}
		_, err := a.RunLive(ctx, date)
		return err
	case config.ModeServe:
		return a.serve(ctx)
	default:
		return fmt.Errorf("未知运行模式 %q", a.cfg.App.Mode)
	}
}

// RunBacktest 以配置中的区间执行一次回测，打印结果并写出报告。
func (a *App) RunBacktest(ctx context.Context) (backtest.Run, *engine.Result, error) {
	if a.backtest == nil {
		return backtest.Run{}, nil, fmt.Errorf("backtest service not initialized")
	}
	a.backtest.SetContext(ctx)
	run, res, err := a.backtest.Run(ctx, backtest.RunRequest{
		Start: a.cfg.Backtest.Start,
		End:   a.cfg.Backtest.End,
	})
	if err != nil {
		return run, nil, fmt.Errorf("回测失败: %w", err)
	}
	report.PrintResult(a.out, run, res)
	if dir := strings.TrimSpace(a.cfg.Backtest.ReportDir); dir != "" {
		files, err := report.Write(ctx, dir, run, res, a.cfg.Backtest.RenderPNG)
		if err != nil {
			return run, res, fmt.Errorf("写出报告失败: %w", err)
		}
		logger.Infof("✓ 报告已写出: %s %s", files.JSON, files.HTML)
	}
	return run, res, nil
}

// RunLive 执行 date 当日的一次实盘会话。
func (a *App) RunLive(ctx context.Context, date time.Time) (*engine.LiveReport, error) {
	if a.live == nil {
		return nil, fmt.Errorf("live session not initialized")
	}
	return a.live.Run(ctx, date)
}

func (a *App) serve(ctx context.Context) error {
	if a.live == nil {
		return fmt.Errorf("live session not initialized")
	}
	if a.httpServer == nil && a.cronSpec == "" {
		return fmt.Errorf("serve 模式需要 http_addr 或 live.cron")
	}
	if a.backtest != nil {
		a.backtest.SetContext(ctx)
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.httpServer != nil {
		group.Go(func() error {
			if err := a.httpServer.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if a.cronSpec != "" {
		sched := newLiveScheduler(ctx, a.cronSpec)
		group.Go(func() error {
			return sched.Start(func() { a.live.Tick(ctx) })
		})
	}
	return group.Wait()
}

// ImportCSV 把 CSV 日线导入本地日线库。
func (a *App) ImportCSV(ctx context.Context, ticker, path string) (int, error) {
	if a.market == nil {
		return 0, fmt.Errorf("market store not initialized")
	}
	return a.market.ImportCSV(ctx, ticker, path)
}

// State 暴露实盘账本（backtest 模式下为 nil）。
func (a *App) State() *state.Orchestrator {
	if a == nil {
		return nil
	}
	return a.state
}

// Close 逆序关闭持有的存储。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newLiveScheduler(ctx context.Context, spec string) *scheduler.CronScheduler {
	return scheduler.NewCronScheduler(ctx, "live", spec)
}

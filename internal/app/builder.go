package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"tradesim/internal/backtest"
	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/logger"
	"tradesim/internal/lotsize"
	"tradesim/internal/market"
	"tradesim/internal/notifier"
	"tradesim/internal/signal"
	"tradesim/internal/state"
	livehttp "tradesim/internal/transport/http/live"
)

type AppBuilder struct {
	cfg *config.Config

	lotsFn        func(config.LotsConfig) (*lotsize.Resolver, error)
	marketStackFn func(context.Context, config.MarketConfig, []string, time.Time) (*MarketStack, error)
	notifierFn    func(config.NotifyConfig) notifier.TextNotifier
	backtestFn    func(*config.Config, *MarketStack, *signal.Registry, *lotsize.Resolver, notifier.TextNotifier) (*backtest.Service, *backtest.ResultStore, error)
	httpFn        func(config.AppConfig, *livehttp.Router, *backtest.Service) (*livehttp.Server, error)

	registry *signal.Registry
	now      func() time.Time
}

type AppBuilderOption func(*AppBuilder)

// WithNotifier 替换通知渠道（测试或自定义推送）。
func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

// WithRegistry 使用外部注册了自定义策略的 Registry。
func WithRegistry(r *signal.Registry) AppBuilderOption {
	return func(b *AppBuilder) { b.registry = r }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		lotsFn:        buildLots,
		marketStackFn: buildMarketStack,
		notifierFn:    buildNotifier,
		backtestFn:    buildBacktestService,
		httpFn:        buildHTTPServer,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	app := &App{cfg: cfg, out: os.Stdout}
	success := false
	defer func() {
		if !success {
			_ = app.Close()
		}
	}()

	lots, err := b.lotsFn(cfg.Lots)
	if err != nil {
		return nil, err
	}
	universe := cfg.Universe.Normalized()
	logger.Infof("✓ 已加载 %d 个标的: %v", len(universe), universe)

	stack, err := b.marketStackFn(ctx, cfg.Market, universe, b.syncFrom())
	if err != nil {
		return nil, err
	}
	app.market = stack
	app.closers = append(app.closers, stack)

	registry := b.registry
	if registry == nil {
		registry = signal.NewRegistry()
	}
	specs, sources, err := poolSpecs(cfg.Pools, registry)
	if err != nil {
		return nil, err
	}

	textNotifier := b.notifierFn(cfg.Notify)

	svc, results, err := b.backtestFn(cfg, stack, registry, lots, textNotifier)
	if err != nil {
		return nil, err
	}
	svc.SetContext(ctx)
	app.backtest = svc
	app.closers = append(app.closers, results)

	// backtest 模式不触碰实盘账本
	if cfg.App.Mode != config.ModeBacktest {
		if err := b.buildLive(app, lots, specs, sources, universe, textNotifier, svc); err != nil {
			return nil, err
		}
	}

	app.Summary = newStartupSummary(cfg, lots.Snapshot(), stack)
	if app.cronSpec != "" {
		if next, err := newLiveScheduler(ctx, app.cronSpec).Next(b.now()); err == nil {
			app.Summary.Live.NextRun = next.Format(time.RFC3339)
		}
	}
	success = true
	return app, nil
}

func (b *AppBuilder) buildLive(app *App, lots *lotsize.Resolver, specs []state.PoolSpec, sources map[string]signal.Source, universe []string, n notifier.TextNotifier, svc *backtest.Service) error {
	cfg := b.cfg
	st, err := state.Load(cfg.Live.StatePath, specs, lots)
	if err != nil {
		return err
	}
	app.state = st

	auditLog, journal, err := buildAuditLog(cfg.Live)
	if err != nil {
		return err
	}
	if journal != nil {
		app.closers = append(app.closers, journal)
	}

	eng, err := engine.New(engine.Config{
		State:         st,
		Sources:       sources,
		Universe:      universe,
		Audit:         auditLog,
		ParallelPools: cfg.Backtest.ParallelPools,
	})
	if err != nil {
		return err
	}
	session, err := engine.NewLiveSession(eng, cfg.Live.PendingPath, app.market.LiveHistory)
	if err != nil {
		return err
	}
	job, err := NewLiveJob(session, st, cfg.Live.FillsPath, n)
	if err != nil {
		return err
	}
	job.now = b.now
	app.live = job

	if cfg.App.Mode != config.ModeServe {
		return nil
	}
	router := livehttp.NewRouter(st, auditLog, session)
	router.OnReport = job.Notify
	server, err := b.httpFn(cfg.App, router, svc)
	if err != nil {
		return err
	}
	app.httpServer = server
	app.cronSpec = cfg.Live.Cron
	return nil
}

// syncFrom 返回启动同步的起始日：回测模式取回测起点，否则取今天。
func (b *AppBuilder) syncFrom() time.Time {
	if b.cfg.App.Mode == config.ModeBacktest {
		if start, err := market.ParseDate(b.cfg.Backtest.Start); err == nil {
			return start
		}
	}
	return market.Day(b.now())
}

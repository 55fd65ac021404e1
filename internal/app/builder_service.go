package app

import (
	"fmt"
	"strings"

	"tradesim/internal/audit"
	"tradesim/internal/backtest"
	"tradesim/internal/config"
	"tradesim/internal/logger"
	"tradesim/internal/lotsize"
	"tradesim/internal/notifier"
	"tradesim/internal/portfolio"
	"tradesim/internal/report"
	"tradesim/internal/signal"
	"tradesim/internal/state"
	backtesthttp "tradesim/internal/transport/http/backtest"
	livehttp "tradesim/internal/transport/http/live"
)

func buildLots(cfg config.LotsConfig) (*lotsize.Resolver, error) {
	lots := lotsize.New(cfg.DefaultUnit, cfg.Units)
	if path := strings.TrimSpace(cfg.TablePath); path != "" {
		// 单位表存在时以文件为准，热加载会整体替换
		if err := lots.Watch(path); err != nil {
			return nil, fmt.Errorf("加载单位表失败: %w", err)
		}
	}
	return lots, nil
}

func newTelegram(cfg config.NotifyConfig) *notifier.Telegram {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	if tg := newTelegram(cfg); tg != nil {
		logger.Infof("✓ Telegram 通知已启用")
		return notifier.Multi{notifier.Log{}, tg}
	}
	return notifier.Log{}
}

// poolSpecs 把配置中的资金池转成 state 规格与各自的信号源。
func poolSpecs(pools []config.PoolConfig, registry *signal.Registry) ([]state.PoolSpec, map[string]signal.Source, error) {
	specs := make([]state.PoolSpec, 0, len(pools))
	sources := make(map[string]signal.Source, len(pools))
	for _, p := range pools {
		names := make([]string, 0, len(p.Strategies))
		sigSpecs := make([]signal.Spec, 0, len(p.Strategies))
		for _, st := range p.Strategies {
			names = append(names, st.Name)
			sigSpecs = append(sigSpecs, signal.Spec{Name: st.Name, Params: st.Params})
		}
		src, err := registry.BuildAll(sigSpecs)
		if err != nil {
			return nil, nil, fmt.Errorf("pool %s: %w", p.ID, err)
		}
		sources[p.ID] = src
		specs = append(specs, state.PoolSpec{
			Config: portfolio.Config{
				ID:                  p.ID,
				Name:                p.Name,
				InitialCapital:      p.InitialCapital,
				MaxPositions:        p.MaxPositions,
				MaxPositionFraction: p.MaxPositionFraction,
			},
			Strategies: names,
		})
	}
	return specs, sources, nil
}

func buildAuditLog(cfg config.LiveConfig) (*audit.MultiLog, *audit.Journal, error) {
	file, err := audit.NewFileLog(cfg.AuditPath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化审计日志失败: %w", err)
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		return audit.NewMultiLog(file), nil, nil
	}
	journal, err := audit.NewJournal(cfg.JournalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化审计 journal 失败: %w", err)
	}
	return audit.NewMultiLog(file, journal), journal, nil
}

// backtestDefaults 把主配置转成回测请求的默认值。
func backtestDefaults(cfg *config.Config) backtest.RunConfig {
	pools := make([]backtest.PoolConfig, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		strategies := make([]backtest.StrategyConfig, 0, len(p.Strategies))
		for _, st := range p.Strategies {
			strategies = append(strategies, backtest.StrategyConfig{Name: st.Name, Params: st.Params})
		}
		pools = append(pools, backtest.PoolConfig{
			ID:                  p.ID,
			Name:                p.Name,
			InitialCapital:      p.InitialCapital,
			MaxPositions:        p.MaxPositions,
			MaxPositionFraction: p.MaxPositionFraction,
			Strategies:          strategies,
		})
	}
	return backtest.RunConfig{
		Start:          cfg.Backtest.Start,
		End:            cfg.Backtest.End,
		Universe:       cfg.Universe.Normalized(),
		Pools:          pools,
		LiquidateAtEnd: cfg.Backtest.LiquidateAtEnd,
		RiskFreeRate:   cfg.Backtest.RiskFreeRate,
		ParallelPools:  cfg.Backtest.ParallelPools,
		LookbackDays:   cfg.Market.LookbackDays,
	}
}

func buildBacktestService(cfg *config.Config, stack *MarketStack, registry *signal.Registry, lots *lotsize.Resolver, notify notifier.TextNotifier) (*backtest.Service, *backtest.ResultStore, error) {
	results, err := backtest.NewResultStore(cfg.Backtest.ResultsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化回测结果库失败: %w", err)
	}
	svc, err := backtest.NewService(backtest.ServiceConfig{
		History:       stack.BacktestHistory,
		Results:       results,
		Registry:      registry,
		Lots:          lots,
		Defaults:      backtestDefaults(cfg),
		Notifier:      notify,
		Summarize:     report.BacktestText,
		MaxConcurrent: cfg.Backtest.MaxConcurrent,
	})
	if err != nil {
		_ = results.Close()
		return nil, nil, err
	}
	return svc, results, nil
}

func buildHTTPServer(cfg config.AppConfig, live *livehttp.Router, svc *backtest.Service) (*livehttp.Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, nil
	}
	var bt livehttp.Registrar
	if svc != nil {
		r, err := backtesthttp.NewRouter(svc)
		if err != nil {
			return nil, err
		}
		bt = r
	}
	server, err := livehttp.NewServer(livehttp.ServerConfig{
		Addr:     cfg.HTTPAddr,
		Live:     live,
		Backtest: bt,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 失败: %w", err)
	}
	logger.Infof("✓ HTTP 接口监听 %s", server.Addr())
	return server, nil
}

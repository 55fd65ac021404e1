package backtest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradesim/internal/engine"
	"tradesim/internal/logger"
	"tradesim/internal/lotsize"
	"tradesim/internal/market"
	"tradesim/internal/portfolio"
	"tradesim/internal/signal"
	"tradesim/internal/state"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Notifier 用于运行完成后的推送。
type Notifier interface {
	SendText(text string) error
}

// HistoryLoader 读取 [start,end] 的日线，实现需自行包含指标预热区间。
type HistoryLoader func(ctx context.Context, tickers []string, start, end time.Time, lookbackDays int) (*market.History, error)

// ServiceConfig 配置回测服务。Defaults 提供请求未填写字段的取值。
type ServiceConfig struct {
	History       HistoryLoader
	Results       *ResultStore
	Registry      *signal.Registry
	Lots          *lotsize.Resolver
	Defaults      RunConfig
	Notifier      Notifier
	Summarize     func(Run, *engine.Result) string
	MaxConcurrent int
}

// Service 负责把回测请求转成引擎运行，并把结果落库。
type Service struct {
	history   HistoryLoader
	results   *ResultStore
	registry  *signal.Registry
	lots      *lotsize.Resolver
	defaults  RunConfig
	notifier  Notifier
	summarize func(Run, *engine.Result) string

	maxConcurrent int
	sem           chan struct{}
	baseCtx       context.Context
	log           logger.Component
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.History == nil {
		return nil, fmt.Errorf("history loader 不能为空")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("signal registry 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Service{
		history:       cfg.History,
		results:       cfg.Results,
		registry:      cfg.Registry,
		lots:          cfg.Lots,
		defaults:      cfg.Defaults,
		notifier:      cfg.Notifier,
		summarize:     cfg.Summarize,
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
		baseCtx:       context.Background(),
		log:           logger.With("backtest"),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Service) Results() *ResultStore { return s.results }

// Prepare 合并默认值并校验请求。
func (s *Service) Prepare(req RunRequest) (RunConfig, error) {
	cfg := s.defaults
	cfg.Name = strings.TrimSpace(req.Name)
	start, err := market.ParseDate(req.Start)
	if err != nil {
		return RunConfig{}, fmt.Errorf("start 无效: %w", err)
	}
	end, err := market.ParseDate(req.End)
	if err != nil {
		return RunConfig{}, fmt.Errorf("end 无效: %w", err)
	}
	if !end.After(start) {
		return RunConfig{}, fmt.Errorf("end 需晚于 start")
	}
	cfg.Start, cfg.End = market.DateKey(start), market.DateKey(end)
	if len(req.Universe) > 0 {
		cfg.Universe = req.Universe
	}
	cfg.Universe = normalizeTickers(cfg.Universe)
	if len(cfg.Universe) == 0 {
		return RunConfig{}, fmt.Errorf("universe 不能为空")
	}
	if len(req.Pools) > 0 {
		cfg.Pools = req.Pools
	}
	if len(cfg.Pools) == 0 {
		return RunConfig{}, fmt.Errorf("至少需要一个 pool")
	}
	cfg.Pools = append([]PoolConfig(nil), cfg.Pools...)
	for i, p := range cfg.Pools {
		if strings.TrimSpace(p.ID) == "" {
			return RunConfig{}, fmt.Errorf("pools[%d].id 不能为空", i)
		}
		if len(p.Strategies) == 0 {
			return RunConfig{}, fmt.Errorf("pool %s 未配置 strategies", p.ID)
		}
		for _, st := range p.Strategies {
			if _, err := s.registry.Build(st.Name, st.Params); err != nil {
				return RunConfig{}, fmt.Errorf("pool %s: %w", p.ID, err)
			}
		}
	}
	if req.LiquidateAtEnd != nil {
		cfg.LiquidateAtEnd = *req.LiquidateAtEnd
	}
	if req.RiskFreeRate != nil {
		cfg.RiskFreeRate = *req.RiskFreeRate
	}
	return cfg, nil
}

// Run 同步执行一次回测；配置了 ResultStore 时同时落库。
func (s *Service) Run(ctx context.Context, req RunRequest) (Run, *engine.Result, error) {
	cfg, err := s.Prepare(req)
	if err != nil {
		return Run{}, nil, err
	}
	run := s.newRun(cfg)
	if s.results != nil {
		if err := s.results.InsertRun(ctx, run); err != nil {
			return Run{}, nil, err
		}
	}
	res, err := s.execute(ctx, run.ID, cfg, nil)
	run = s.finish(ctx, run, res, err)
	if err != nil {
		return run, nil, err
	}
	return run, res, nil
}

// Start 创建回测任务并立即返回，回放在后台进行。
func (s *Service) Start(req RunRequest) (Run, error) {
	if s.results == nil {
		return Run{}, fmt.Errorf("异步回测需要 result store")
	}
	cfg, err := s.Prepare(req)
	if err != nil {
		return Run{}, err
	}
	run := s.newRun(cfg)
	if err := s.results.InsertRun(s.ctx(), run); err != nil {
		return Run{}, err
	}
	go s.runLoop(run, cfg)
	return run, nil
}

func (s *Service) runLoop(run Run, cfg RunConfig) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.log.Warnf("run %s 等待可用 worker", run.ID)
		s.sem <- struct{}{}
	}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	if err := s.results.UpdateRunStatus(ctx, run.ID, RunStatusRunning, ""); err != nil {
		s.log.Errorf("run %s 更新状态失败: %v", run.ID, err)
	}
	res, err := s.execute(ctx, run.ID, cfg, nil)
	s.finish(ctx, run, res, err)
}

// GridResult 是参数网格中一组参数的结果。
type GridResult struct {
	Run    Run
	Result *engine.Result
	Err    error
}

// RunGrid 并行执行多组参数。日线只加载一次，每组回测持有自己的副本；
// 单组失败记录在 GridResult.Err 中，不影响其他组。
func (s *Service) RunGrid(ctx context.Context, reqs []RunRequest) ([]GridResult, error) {
	cfgs := make([]RunConfig, len(reqs))
	var (
		tickers    []string
		start, end time.Time
		lookback   int
	)
	for i, req := range reqs {
		cfg, err := s.Prepare(req)
		if err != nil {
			return nil, fmt.Errorf("grid[%d]: %w", i, err)
		}
		cfgs[i] = cfg
		tickers = append(tickers, cfg.Universe...)
		st, _ := market.ParseDate(cfg.Start)
		en, _ := market.ParseDate(cfg.End)
		if start.IsZero() || st.Before(start) {
			start = st
		}
		if en.After(end) {
			end = en
		}
		lookback = max(lookback, cfg.LookbackDays)
	}
	if len(cfgs) == 0 {
		return nil, nil
	}
	shared, err := s.history(ctx, normalizeTickers(tickers), start, end, lookback)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	out := make([]GridResult, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i, cfg := range cfgs {
		i, cfg := i, cfg
		run := s.newRun(cfg)
		if s.results != nil {
			if err := s.results.InsertRun(ctx, run); err != nil {
				return nil, err
			}
		}
		g.Go(func() error {
			res, err := s.execute(gctx, run.ID, cfg, shared.Clone())
			out[i] = GridResult{Run: s.finish(gctx, run, res, err), Result: res, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

func (s *Service) newRun(cfg RunConfig) Run {
	now := time.Now()
	run := Run{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		Status:    RunStatusPending,
		Start:     cfg.Start,
		End:       cfg.End,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, p := range cfg.Pools {
		run.InitialCapital = run.InitialCapital.Add(p.InitialCapital)
	}
	run.FinalCapital = run.InitialCapital
	return run
}

// execute 构建资金池与信号源并回放；hist 为空时按配置加载。
func (s *Service) execute(ctx context.Context, runID string, cfg RunConfig, hist *market.History) (*engine.Result, error) {
	start, err := market.ParseDate(cfg.Start)
	if err != nil {
		return nil, err
	}
	end, err := market.ParseDate(cfg.End)
	if err != nil {
		return nil, err
	}
	specs := make([]state.PoolSpec, 0, len(cfg.Pools))
	sources := make(map[string]signal.Source, len(cfg.Pools))
	for _, p := range cfg.Pools {
		spec := state.PoolSpec{Config: portfolio.Config{
			ID:                  p.ID,
			Name:                p.Name,
			InitialCapital:      p.InitialCapital,
			MaxPositions:        p.MaxPositions,
			MaxPositionFraction: p.MaxPositionFraction,
		}}
		sigSpecs := make([]signal.Spec, 0, len(p.Strategies))
		for _, st := range p.Strategies {
			spec.Strategies = append(spec.Strategies, st.Name)
			sigSpecs = append(sigSpecs, signal.Spec{Name: st.Name, Params: st.Params})
		}
		src, err := s.registry.BuildAll(sigSpecs)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.ID, err)
		}
		specs = append(specs, spec)
		sources[p.ID] = src
	}
	orch, err := state.New(specs, s.lots)
	if err != nil {
		return nil, err
	}
	if hist == nil {
		hist, err = s.history(ctx, cfg.Universe, start, end, cfg.LookbackDays)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}
	eng, err := engine.New(engine.Config{
		State:         orch,
		Sources:       sources,
		Universe:      cfg.Universe,
		ParallelPools: cfg.ParallelPools,
	})
	if err != nil {
		return nil, err
	}
	var lastReport time.Time
	return eng.RunHistorical(ctx, hist, engine.Range{
		Start:          start,
		End:            end,
		LiquidateAtEnd: cfg.LiquidateAtEnd,
		RiskFreeRate:   cfg.RiskFreeRate,
		Progress: func(done, total int, _ time.Time) {
			if s.results == nil || (done < total && time.Since(lastReport) < time.Second) {
				return
			}
			lastReport = time.Now()
			if err := s.results.UpdateRunProgress(ctx, runID, done, total); err != nil {
				s.log.Warnf("run %s 进度更新失败: %v", runID, err)
			}
		},
	})
}

// finish 写入最终状态并推送摘要。
func (s *Service) finish(ctx context.Context, run Run, res *engine.Result, runErr error) Run {
	if runErr != nil {
		run.Status = RunStatusFailed
		run.Message = runErr.Error()
		s.log.Errorf("run %s 失败: %v", run.ID, runErr)
		if s.results != nil {
			if err := s.results.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, RunStatusFailed, run.Message); err != nil {
				s.log.Errorf("run %s 更新状态失败: %v", run.ID, err)
			}
		}
		return run
	}
	run.Status = RunStatusDone
	run.InitialCapital = res.StartCapital
	run.FinalCapital = res.EndCapital
	run.ReturnPct = res.Metrics.TotalReturnPct
	run.MaxDrawdownPct = res.Metrics.MaxDrawdownPct
	run.WinRatePct = res.Metrics.WinRatePct
	run.Sharpe = res.Metrics.Sharpe
	run.Trades = res.Metrics.Trades
	run.Skipped = res.Metrics.Skipped
	run.Metrics = res.Metrics
	run.DaysDone, run.DaysTotal = len(res.Equity), len(res.Equity)
	run.CompletedAt = time.Now()
	if s.results != nil {
		if err := s.results.SaveResult(ctx, run.ID, res); err != nil {
			s.log.Errorf("run %s 保存结果失败: %v", run.ID, err)
			run.Status = RunStatusFailed
			run.Message = err.Error()
			_ = s.results.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, RunStatusFailed, run.Message)
			return run
		}
		if err := s.results.UpdateRunSummary(ctx, run.ID, RunStatusDone, res, ""); err != nil {
			s.log.Errorf("run %s 更新摘要失败: %v", run.ID, err)
		}
	}
	if s.notifier != nil && s.summarize != nil {
		if err := s.notifier.SendText(s.summarize(run, res)); err != nil {
			s.log.Warnf("run %s 推送失败: %v", run.ID, err)
		}
	}
	return run
}

func normalizeTickers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradesim/internal/logger"

	"github.com/robfig/cron/v3"
)

// CronScheduler 按标准 5 段 cron 表达式执行任务，Start 阻塞到 ctx 结束。
type CronScheduler struct {
	Name           string
	Spec           string
	Location       *time.Location
	RunImmediately bool

	ctx context.Context
	log logger.Component
}

func NewCronScheduler(ctx context.Context, name, spec string) *CronScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &CronScheduler{
		Name:     name,
		Spec:     strings.TrimSpace(spec),
		Location: time.UTC,
		ctx:      ctx,
		log:      logger.With("scheduler", "job", name),
	}
}

// Next 返回 now 之后的下一次触发时间。
func (s *CronScheduler) Next(now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(s.Spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron %q: %w", s.Spec, err)
	}
	return sched.Next(now.In(s.location())), nil
}

func (s *CronScheduler) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Start 注册任务并阻塞；上一轮未结束时跳过本轮。
func (s *CronScheduler) Start(task func()) error {
	if s == nil {
		return nil
	}
	if task == nil {
		return fmt.Errorf("scheduler %s: task is nil", s.Name)
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	c := cron.New(
		cron.WithLocation(s.location()),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: s.log})),
	)
	if _, err := c.AddFunc(s.Spec, task); err != nil {
		return fmt.Errorf("cron %q: %w", s.Spec, err)
	}
	if next, err := s.Next(time.Now()); err == nil {
		s.log.Infof("已注册 cron=%q 下一次执行=%s", s.Spec, next.Format(time.RFC3339))
	}
	if s.RunImmediately {
		s.log.Infof("RunImmediately=true，先执行一次")
		task()
	}
	c.Start()
	<-s.ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.log.Infof("ctx done, exit")
	return nil
}

// cronLogger 把 cron 内部日志接到 logger。
type cronLogger struct {
	log logger.Component
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("%s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorf("%s: %v %v", msg, err, keysAndValues)
}

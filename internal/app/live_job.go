package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tradesim/internal/engine"
	"tradesim/internal/logger"
	"tradesim/internal/market"
	"tradesim/internal/notifier"
	"tradesim/internal/report"
	"tradesim/internal/state"
)

// LiveJob 执行一次实盘会话：读取当日回填、RunDay、推送日报。
type LiveJob struct {
	session   *engine.LiveSession
	state     *state.Orchestrator
	fillsPath string
	notifier  notifier.TextNotifier

	now func() time.Time
	log logger.Component
}

func NewLiveJob(session *engine.LiveSession, st *state.Orchestrator, fillsPath string, n notifier.TextNotifier) (*LiveJob, error) {
	if session == nil {
		return nil, fmt.Errorf("live session 不能为空")
	}
	if st == nil {
		return nil, fmt.Errorf("state 不能为空")
	}
	return &LiveJob{
		session:   session,
		state:     st,
		fillsPath: strings.TrimSpace(fillsPath),
		notifier:  n,
		now:       time.Now,
		log:       logger.With("live"),
	}, nil
}

// Run 执行 date 当日的会话。
func (j *LiveJob) Run(ctx context.Context, date time.Time) (*engine.LiveReport, error) {
	fills, err := j.loadFills(date)
	if err != nil {
		return nil, err
	}
	rep, err := j.session.RunDay(ctx, date, fills)
	if err != nil {
		return nil, err
	}
	j.log.Infof("%s 会话完成：成交 %d 笔，跳过 %d 次", market.DateKey(rep.Date), len(rep.Settled.Trades), len(rep.Settled.Skipped))
	j.Notify(rep)
	return rep, nil
}

// Tick 供 cron 调用，以当前日期执行并只记录错误。
func (j *LiveJob) Tick(ctx context.Context) {
	if _, err := j.Run(ctx, j.now()); err != nil {
		j.log.Errorf("定时会话失败: %v", err)
	}
}

// Notify 推送日报，失败只告警。
func (j *LiveJob) Notify(rep *engine.LiveReport) {
	if j.notifier == nil || rep == nil {
		return
	}
	msg := report.LiveMessage(rep, j.state.Summary(nil))
	if err := j.notifier.SendText(msg.Render()); err != nil {
		j.log.Warnf("日报推送失败: %v", err)
	}
}

// loadFills 读取回填文件；文件缺失或日期不是 date 时视为无回填。
func (j *LiveJob) loadFills(date time.Time) (*engine.Fills, error) {
	if j.fillsPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(j.fillsPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	fills, err := engine.LoadFills(j.fillsPath)
	if err != nil {
		return nil, err
	}
	if fills.Date != "" && fills.Date != market.DateKey(date) {
		j.log.Warnf("回填文件日期 %s 不是 %s，忽略", fills.Date, market.DateKey(date))
		return nil, nil
	}
	return fills, nil
}

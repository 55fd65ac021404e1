// Package report turns backtest results and live sessions into text summaries,
// equity charts and files on disk.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"tradesim/internal/backtest"
	"tradesim/internal/engine"
	"tradesim/internal/market"
	"tradesim/internal/notifier"
	"tradesim/internal/state"

	"github.com/shopspring/decimal"
)

// BacktestMessage 汇总一次回测，用于推送。
func BacktestMessage(run backtest.Run, res *engine.Result) notifier.Message {
	msg := notifier.Message{
		Title:     fmt.Sprintf("📊 回测 %s [%s]", runLabel(run), run.Status),
		Footer:    "run " + run.ID,
		Timestamp: run.UpdatedAt,
	}
	msg.Sections = append(msg.Sections, notifier.Section{
		Title: "区间",
		Lines: []string{fmt.Sprintf("%s ~ %s (%d/%d 天)", run.Start, run.End, run.DaysDone, run.DaysTotal)},
	})
	if run.Status == backtest.RunStatusFailed {
		msg.Sections = append(msg.Sections, notifier.Section{Title: "错误", Lines: []string{run.Message}})
	}
	if res == nil {
		return msg
	}
	m := res.Metrics
	msg.Sections = append(msg.Sections,
		notifier.Section{Title: "收益", Lines: metricLines(res)},
		notifier.Section{Title: "交易", Lines: []string{
			fmt.Sprintf("成交 %d 笔，平仓 %d 笔，跳过 %d 次", m.Trades, m.ClosedTrades, m.Skipped),
			fmt.Sprintf("平均持有 %.1f 天", m.AvgHoldingDays),
			skipBreakdown(res.Skipped),
		}},
		notifier.Section{Title: "资金池", Lines: poolLines(res.Summary)},
	)
	return msg
}

// BacktestText 渲染 BacktestMessage，签名与 backtest.ServiceConfig.Summarize 一致。
func BacktestText(run backtest.Run, res *engine.Result) string {
	return BacktestMessage(run, res).Render()
}

// LiveMessage 汇总一次实盘会话。
func LiveMessage(rep *engine.LiveReport, sum state.Summary) notifier.Message {
	msg := notifier.Message{Title: "📈 实盘日报 " + market.DateKey(rep.Date), Timestamp: time.Now()}
	settled := "无待结算计划"
	switch {
	case rep.AlreadySettled:
		settled = fmt.Sprintf("计划 %s 已结算过，跳过", rep.SettledPlan)
	case rep.SettledPlan != "":
		settled = fmt.Sprintf("结算计划 %s：成交 %d 笔，跳过 %d 次", rep.SettledPlan, len(rep.Settled.Trades), len(rep.Settled.Skipped))
	}
	msg.Sections = append(msg.Sections, notifier.Section{Title: "结算", Lines: []string{settled}})

	trades := make([]string, 0, len(rep.Settled.Trades))
	for _, t := range rep.Settled.Trades {
		trades = append(trades, fmt.Sprintf("%s %s %s x%d @ %s", t.PoolID, t.Action, t.Ticker, t.Quantity, t.Price.StringFixed(2)))
	}
	msg.Sections = append(msg.Sections, notifier.Section{Title: "成交", Lines: trades})

	var plan []string
	if rep.Plan != nil {
		for _, p := range rep.Plan.Pools {
			for _, o := range p.Sells {
				plan = append(plan, fmt.Sprintf("%s SELL %s (%s)", p.PoolID, o.Ticker, o.Reason))
			}
			for _, o := range p.Buys {
				plan = append(plan, fmt.Sprintf("%s BUY %s score=%.2f est=%d", p.PoolID, o.Ticker, o.Score, o.EstQuantity))
			}
		}
	}
	if len(plan) == 0 {
		plan = []string{"明日无操作"}
	}
	msg.Sections = append(msg.Sections,
		notifier.Section{Title: "明日计划", Lines: plan},
		notifier.Section{Title: "资金池", Lines: poolLines(sum)},
	)
	if rep.Plan != nil {
		msg.Footer = "plan " + rep.Plan.ID
	}
	return msg
}

// PrintResult 以控制台表格形式输出回测结果。
func PrintResult(w io.Writer, run backtest.Run, res *engine.Result) {
	title := "回测结果 (BACKTEST RESULT)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[运行 (RUN)]")
	fmt.Fprintf(w, "  名称: %s\n", runLabel(run))
	fmt.Fprintf(w, "  状态: %s\n", run.Status)
	fmt.Fprintf(w, "  区间: %s ~ %s\n", run.Start, run.End)
	if run.Message != "" {
		fmt.Fprintf(w, "  信息: %s\n", run.Message)
	}
	fmt.Fprintln(w)
	if res == nil {
		fmt.Fprintln(w, strings.Repeat("=", 80))
		return
	}

	fmt.Fprintln(w, "[指标 (METRICS)]")
	for _, line := range metricLines(res) {
		fmt.Fprintf(w, "  %s\n", line)
	}
	fmt.Fprintf(w, "  成交/平仓/跳过: %d / %d / %d\n", res.Metrics.Trades, res.Metrics.ClosedTrades, res.Metrics.Skipped)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[资金池 (POOLS)]")
	lines := poolLines(res.Summary)
	if len(lines) == 0 {
		fmt.Fprintln(w, "  (无)")
	}
	for _, line := range lines {
		fmt.Fprintf(w, "  > %s\n", line)
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func runLabel(run backtest.Run) string {
	if run.Name != "" {
		return run.Name
	}
	return run.ID
}

func metricLines(res *engine.Result) []string {
	m := res.Metrics
	sharpe := "n/a"
	if m.SharpeValid {
		sharpe = fmt.Sprintf("%.2f", m.Sharpe)
	}
	return []string{
		fmt.Sprintf("资金 %s → %s", money(res.StartCapital), money(res.EndCapital)),
		fmt.Sprintf("总收益 %+.2f%%，最大回撤 %.2f%%", m.TotalReturnPct, m.MaxDrawdownPct),
		fmt.Sprintf("胜率 %.1f%%，夏普 %s，年化波动 %.2f%%", m.WinRatePct, sharpe, m.VolatilityPct),
	}
}

func poolLines(sum state.Summary) []string {
	out := make([]string, 0, len(sum.Pools))
	for _, p := range sum.Pools {
		out = append(out, fmt.Sprintf("%s: %s (%+.2f%%) 现金 %s 持仓 %d", p.ID, money(p.TotalValue), p.ReturnPct, money(p.Cash), p.Positions))
	}
	return out
}

func skipBreakdown(skipped []engine.Skipped) string {
	if len(skipped) == 0 {
		return ""
	}
	counts := make(map[engine.SkipReason]int)
	for _, s := range skipped {
		counts[s.Reason]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[engine.SkipReason(k)]))
	}
	return "跳过原因 " + strings.Join(parts, " ")
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

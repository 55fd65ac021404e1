package signal

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
)

func registerBuiltins(r *Registry) {
	_ = r.Register("sma_cross", newSMACross)
	_ = r.Register("rsi_reversion", newRSIReversion)
	_ = r.Register("trailing_stop", newTrailingStop)
	_ = r.Register("momentum_score", newMomentumScore)
	_ = r.Register("composite", func(params map[string]any) (Source, error) {
		specs, err := paramSpecs(params, "strategies")
		if err != nil {
			return nil, err
		}
		if len(specs) == 0 {
			return nil, fmt.Errorf("composite 需要 strategies")
		}
		src, err := r.BuildAll(specs)
		if err != nil {
			return nil, err
		}
		if c, ok := src.(*Composite); ok {
			return c, nil
		}
		return NewComposite(src), nil
	})
}

// paramSpecs 解析 [{name: ..., params: {...}}] 形式的嵌套策略列表。
func paramSpecs(params map[string]any, key string) ([]Spec, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("param %s 应为列表", key)
	}
	out := make([]Spec, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("param %s[%d] 应为对象", key, i)
		}
		name, _ := m["name"].(string)
		sub, _ := m["params"].(map[string]any)
		out = append(out, Spec{Name: name, Params: sub})
	}
	return out, nil
}

// smaCross 快线上穿慢线买入，下穿清仓。
type smaCross struct {
	fast, slow int
}

func newSMACross(params map[string]any) (Source, error) {
	fast, err := paramInt(params, "fast", 5)
	if err != nil {
		return nil, err
	}
	slow, err := paramInt(params, "slow", 20)
	if err != nil {
		return nil, err
	}
	if fast < 2 || slow <= fast {
		return nil, fmt.Errorf("sma_cross 需要 2 <= fast < slow（fast=%d slow=%d）", fast, slow)
	}
	return &smaCross{fast: fast, slow: slow}, nil
}

func (s *smaCross) Evaluate(_ context.Context, req Request) (Signal, error) {
	closes := req.closes()
	if len(closes) < s.slow+1 {
		return req.Hold("sma_cross: warming up"), nil
	}
	fast := talib.Sma(closes, s.fast)
	slow := talib.Sma(closes, s.slow)
	n := len(closes) - 1
	prevDiff, diff := fast[n-1]-slow[n-1], fast[n]-slow[n]
	score := 0.0
	if slow[n] > 0 {
		score = diff / slow[n] * 100
	}
	switch {
	case req.Held == nil && prevDiff <= 0 && diff > 0:
		return req.BuySignal(score, fmt.Sprintf("SMA%d 上穿 SMA%d", s.fast, s.slow)), nil
	case req.Held != nil && prevDiff >= 0 && diff < 0:
		return req.SellSignal(1, score, fmt.Sprintf("SMA%d 下穿 SMA%d", s.fast, s.slow)), nil
	}
	sig := req.Hold("sma_cross")
	sig.Score = score
	return sig, nil
}

// rsiReversion 超卖入场；超买先卖出一部分，极度超买清仓。
type rsiReversion struct {
	period       int
	oversold     float64
	overbought   float64
	exitFraction float64
}

func newRSIReversion(params map[string]any) (Source, error) {
	period, err := paramInt(params, "period", 14)
	if err != nil {
		return nil, err
	}
	oversold, err := paramFloat(params, "oversold", 30)
	if err != nil {
		return nil, err
	}
	overbought, err := paramFloat(params, "overbought", 70)
	if err != nil {
		return nil, err
	}
	fraction, err := paramFloat(params, "exit_fraction", 0.5)
	if err != nil {
		return nil, err
	}
	if period < 2 || oversold >= overbought || fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("rsi_reversion 参数无效（period=%d oversold=%.1f overbought=%.1f exit_fraction=%.2f）", period, oversold, overbought, fraction)
	}
	return &rsiReversion{period: period, oversold: oversold, overbought: overbought, exitFraction: fraction}, nil
}

func (s *rsiReversion) Evaluate(_ context.Context, req Request) (Signal, error) {
	closes := req.closes()
	if len(closes) < s.period+2 {
		return req.Hold("rsi_reversion: warming up"), nil
	}
	rsi := talib.Rsi(closes, s.period)
	v := rsi[len(rsi)-1]
	if math.IsNaN(v) {
		return req.Hold("rsi_reversion: rsi unavailable"), nil
	}
	if req.Held == nil {
		if v <= s.oversold {
			return req.BuySignal(100-v, fmt.Sprintf("RSI%d=%.1f 超卖", s.period, v)), nil
		}
		return req.Hold("rsi_reversion"), nil
	}
	switch {
	case v >= math.Min(100, s.overbought+15):
		return req.SellSignal(1, v, fmt.Sprintf("RSI%d=%.1f 极度超买", s.period, v)), nil
	case v >= s.overbought:
		return req.SellSignal(s.exitFraction, v, fmt.Sprintf("RSI%d=%.1f 超买", s.period, v)), nil
	}
	return req.Hold("rsi_reversion"), nil
}

// trailingStop 只负责出场：收盘价较持有期最高价回撤超过阈值时清仓。
type trailingStop struct {
	drawdown float64
}

func newTrailingStop(params map[string]any) (Source, error) {
	dd, err := paramFloat(params, "drawdown", 0.1)
	if err != nil {
		return nil, err
	}
	if dd <= 0 || dd >= 1 {
		return nil, fmt.Errorf("trailing_stop drawdown 需在 (0,1)，当前 %.4f", dd)
	}
	return &trailingStop{drawdown: dd}, nil
}

func (s *trailingStop) Evaluate(_ context.Context, req Request) (Signal, error) {
	if req.Held == nil {
		return req.Hold("trailing_stop: exit only"), nil
	}
	last := req.LastClose()
	peak := math.Max(req.Held.PeakPrice, last)
	if peak <= 0 || last <= 0 {
		return req.Hold("trailing_stop: no price"), nil
	}
	dd := 1 - last/peak
	if dd >= s.drawdown {
		return req.SellSignal(1, dd*100, fmt.Sprintf("回撤 %.2f%% >= %.2f%%", dd*100, s.drawdown*100)), nil
	}
	return req.Hold("trailing_stop"), nil
}

// newMomentumScore 以 ROC 作为旧式打分器，经 ScorerAdapter 转为 Signal。
func newMomentumScore(params map[string]any) (Source, error) {
	period, err := paramInt(params, "period", 20)
	if err != nil {
		return nil, err
	}
	buyAbove, err := paramFloat(params, "buy_above", 5)
	if err != nil {
		return nil, err
	}
	sellBelow, err := paramFloat(params, "sell_below", -5)
	if err != nil {
		return nil, err
	}
	if period < 1 {
		return nil, fmt.Errorf("momentum_score period 需 >= 1")
	}
	scorer := ScorerFunc(func(_ context.Context, req Request) (float64, error) {
		closes := req.closes()
		if len(closes) < period+1 {
			return math.NaN(), nil
		}
		roc := talib.Roc(closes, period)
		return roc[len(roc)-1], nil
	})
	return ScorerAdapter{Name: "momentum_score", Scorer: scorer, BuyAbove: buyAbove, SellBelow: sellBelow}, nil
}

package signal

import (
	"context"
	"fmt"
	"math"
)

// Scorer 是旧式打分器：只返回一个分数。
type Scorer interface {
	Score(ctx context.Context, req Request) (float64, error)
}

// ScorerFunc 让普通函数实现 Scorer。
type ScorerFunc func(ctx context.Context, req Request) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, req Request) (float64, error) { return f(ctx, req) }

// ScorerAdapter 把裸分数转换为统一的 Signal：
// 入场时分数 >= BuyAbove 产生 BUY，出场时分数 <= SellBelow 产生清仓 SELL。
type ScorerAdapter struct {
	Name      string
	Scorer    Scorer
	BuyAbove  float64
	SellBelow float64
}

func (a ScorerAdapter) Evaluate(ctx context.Context, req Request) (Signal, error) {
	if a.Scorer == nil {
		return Signal{}, fmt.Errorf("scorer 未设置")
	}
	score, err := a.Scorer.Score(ctx, req)
	if err != nil {
		return Signal{}, err
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return req.Hold(a.Name + ": score unavailable"), nil
	}
	if req.Held == nil {
		if score >= a.BuyAbove {
			sig := req.BuySignal(score, fmt.Sprintf("%s score %.2f >= %.2f", a.Name, score, a.BuyAbove))
			return sig, nil
		}
		sig := req.Hold(a.Name)
		sig.Score = score
		return sig, nil
	}
	if score <= a.SellBelow {
		return req.SellSignal(1, score, fmt.Sprintf("%s score %.2f <= %.2f", a.Name, score, a.SellBelow)), nil
	}
	sig := req.Hold(a.Name)
	sig.Score = score
	return sig, nil
}

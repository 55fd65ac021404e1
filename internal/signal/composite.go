package signal

import (
	"context"
	"errors"
)

// Composite 合并多个策略：入场取分数最高的 BUY，出场取卖出比例最大的 SELL。
type Composite struct {
	sources []Source
}

func NewComposite(sources ...Source) *Composite {
	return &Composite{sources: sources}
}

func (c *Composite) Evaluate(ctx context.Context, req Request) (Signal, error) {
	var (
		best  *Signal
		errs  []error
		holds int
	)
	for _, src := range c.sources {
		sig, err := src.Evaluate(ctx, req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case req.Held == nil && sig.IsBuy():
			if best == nil || sig.Score > best.Score {
				s := sig
				best = &s
			}
		case req.Held != nil && sig.IsSell():
			if best == nil || sig.Sell.Fraction > best.Sell.Fraction {
				s := sig
				best = &s
			}
		default:
			holds++
		}
	}
	if best != nil {
		return *best, nil
	}
	if holds == 0 && len(errs) > 0 {
		return Signal{}, errors.Join(errs...)
	}
	return req.Hold("composite"), nil
}

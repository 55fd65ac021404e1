package audit

import (
	"context"
	"fmt"
)

// MultiLog 依次写入多个 Log，第一个为主日志，任一失败即返回错误。
type MultiLog struct {
	logs []Log
}

func NewMultiLog(logs ...Log) *MultiLog {
	out := &MultiLog{}
	for _, l := range logs {
		if l != nil {
			out.logs = append(out.logs, l)
		}
	}
	return out
}

func (m *MultiLog) Append(ctx context.Context, trades []Trade) error {
	for i, l := range m.logs {
		if err := l.Append(ctx, trades); err != nil {
			return fmt.Errorf("audit log #%d: %w", i, err)
		}
	}
	return nil
}

// List 从第一个支持查询的 Log 读取。
func (m *MultiLog) List(ctx context.Context, f Filter) ([]Trade, error) {
	for _, l := range m.logs {
		if r, ok := l.(Reader); ok {
			return r.List(ctx, f)
		}
	}
	return nil, fmt.Errorf("没有可查询的 audit log")
}

// MemoryLog 在内存中累积成交，回测使用。
type MemoryLog struct {
	trades []Trade
}

func (m *MemoryLog) Append(_ context.Context, trades []Trade) error {
	m.trades = append(m.trades, trades...)
	return nil
}

func (m *MemoryLog) List(_ context.Context, f Filter) ([]Trade, error) {
	var out []Trade
	for _, t := range m.trades {
		if f.match(t) {
			out = append(out, t)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

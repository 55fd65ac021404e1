package signal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Constructor 根据参数构造一个 Source。
type Constructor func(params map[string]any) (Source, error)

// Spec 引用一个已注册策略及其参数。
type Spec struct {
	Name   string
	Params map[string]any
}

// Registry 将稳定的策略名映射到构造函数。
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry 返回已注册全部内置策略的 Registry。
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	registerBuiltins(r)
	return r
}

// Register 注册或覆盖一个策略名。
func (r *Registry) Register(name string, ctor Constructor) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || ctor == nil {
		return fmt.Errorf("strategy name/constructor 不能为空")
	}
	r.mu.Lock()
	r.ctors[key] = ctor
	r.mu.Unlock()
	return nil
}

// Names 返回已注册的策略名（排序）。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build 按名称构造 Source。
func (r *Registry) Build(name string, params map[string]any) (Source, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	ctor, ok := r.ctors[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q（可用: %s）", name, strings.Join(r.Names(), ", "))
	}
	src, err := ctor(params)
	if err != nil {
		return nil, fmt.Errorf("build strategy %s: %w", key, err)
	}
	return src, nil
}

// BuildAll 构造一组策略，多于一个时组合为 Composite。
func (r *Registry) BuildAll(specs []Spec) (Source, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("至少需要一个策略")
	}
	sources := make([]Source, 0, len(specs))
	for _, s := range specs {
		src, err := r.Build(s.Name, s.Params)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return NewComposite(sources...), nil
}

func paramInt(params map[string]any, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("param %s=%q 不是整数", key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("param %s 类型 %T 无法转换为整数", key, raw)
	}
}

func paramFloat(params map[string]any, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("param %s=%q 不是数字", key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("param %s 类型 %T 无法转换为数字", key, raw)
	}
}

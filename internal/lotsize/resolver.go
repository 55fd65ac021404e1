// Package lotsize maps tickers to their minimum tradable unit and rounds share
// counts down to valid multiples.
package lotsize

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tradesim/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultUnit 是未配置时的最小交易单位（股）。
const DefaultUnit int64 = 100

// Table 对应单位表 YAML 文件。
type Table struct {
	DefaultUnit int64            `yaml:"default_unit"`
	Units       map[string]int64 `yaml:"units"`
}

// Resolver 按 ticker 返回最小交易单位，可热加载单位表文件。
type Resolver struct {
	mu          sync.RWMutex
	defaultUnit int64
	units       map[string]int64

	watcher *viper.Viper
}

// New 创建 Resolver；defaultUnit<=0 时回退到 DefaultUnit。
func New(defaultUnit int64, units map[string]int64) *Resolver {
	r := &Resolver{}
	r.apply(Table{DefaultUnit: defaultUnit, Units: units})
	return r
}

func (r *Resolver) apply(t Table) {
	def := t.DefaultUnit
	if def <= 0 {
		def = DefaultUnit
	}
	units := make(map[string]int64, len(t.Units))
	for k, v := range t.Units {
		key := normalizeTicker(k)
		if key == "" || v <= 0 {
			continue
		}
		units[key] = v
	}
	r.mu.Lock()
	r.defaultUnit = def
	r.units = units
	r.mu.Unlock()
}

// Unit 返回 ticker 的最小交易单位，未知 ticker 使用默认单位。
func (r *Resolver) Unit(ticker string) int64 {
	if r == nil {
		return DefaultUnit
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.units[normalizeTicker(ticker)]; ok {
		return u
	}
	return r.defaultUnit
}

// RoundDown 返回不超过 raw 的最大合法数量（单位整数倍），不足一个单位返回 0。
func (r *Resolver) RoundDown(ticker string, raw int64) int64 {
	if raw <= 0 {
		return 0
	}
	unit := r.Unit(ticker)
	if unit <= 1 {
		return raw
	}
	return raw - raw%unit
}

// Snapshot 返回当前单位表副本。
func (r *Resolver) Snapshot() Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	units := make(map[string]int64, len(r.units))
	for k, v := range r.units {
		units[k] = v
	}
	return Table{DefaultUnit: r.defaultUnit, Units: units}
}

// Merge 在现有单位表上覆盖部分 ticker（配置文件与单位表合并时使用）。
func (r *Resolver) Merge(units map[string]int64) {
	cur := r.Snapshot()
	for k, v := range units {
		cur.Units[k] = v
	}
	r.apply(cur)
}

// LoadTable 读取单位表文件并整体替换当前配置。
func (r *Resolver) LoadTable(path string) error {
	t, err := readTable(path)
	if err != nil {
		return err
	}
	r.apply(t)
	logger.Infof("[lotsize] 已加载单位表 %s（%d 个 ticker，默认 %d）", filepath.Base(path), len(t.Units), r.Unit(""))
	return nil
}

// Watch 加载单位表并在文件变更时自动重载。
func (r *Resolver) Watch(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("lot table path 不能为空")
	}
	if err := r.LoadTable(path); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read lot table failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		if err := r.LoadTable(path); err != nil {
			logger.Errorf("[lotsize] 单位表重载失败: %v", err)
		}
	})
	v.WatchConfig()
	r.watcher = v
	return nil
}

func readTable(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read lot table failed: %w", err)
	}
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Table{}, fmt.Errorf("parse lot table failed: %w", err)
	}
	return t, nil
}

func normalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

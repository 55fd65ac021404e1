package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tradesim/internal/market"
	"tradesim/internal/pkg/fileutil"
	"tradesim/internal/signal"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PendingOrder 是待操作员执行的一笔订单。EstQuantity 为按参考价试算的股数。
type PendingOrder struct {
	Ticker      string  `yaml:"ticker" json:"ticker"`
	Score       float64 `yaml:"score" json:"score"`
	Reason      string  `yaml:"reason,omitempty" json:"reason,omitempty"`
	RefPrice    float64 `yaml:"ref_price" json:"ref_price"`
	Fraction    float64 `yaml:"fraction,omitempty" json:"fraction,omitempty"`
	Quantity    int64   `yaml:"quantity,omitempty" json:"quantity,omitempty"`
	Capital     string  `yaml:"capital,omitempty" json:"capital,omitempty"`
	EstQuantity int64   `yaml:"est_quantity,omitempty" json:"est_quantity,omitempty"`
}

type PendingPool struct {
	PoolID string         `yaml:"pool_id" json:"pool_id"`
	Sells  []PendingOrder `yaml:"sells,omitempty" json:"sells,omitempty"`
	Buys   []PendingOrder `yaml:"buys,omitempty" json:"buys,omitempty"`
}

// PendingPlan 是实盘会话收盘后写出、下一交易日回填结算的计划文件。
type PendingPlan struct {
	ID        string        `yaml:"id" json:"id"`
	Date      string        `yaml:"date" json:"date"`
	CreatedAt time.Time     `yaml:"created_at" json:"created_at"`
	Pools     []PendingPool `yaml:"pools" json:"pools"`
}

func (p *PendingPlan) day() (time.Time, error) {
	return market.ParseDate(p.Date)
}

func newPendingPlan(id string, plan DayPlan, created time.Time, est map[string]int64) *PendingPlan {
	out := &PendingPlan{ID: id, Date: market.DateKey(plan.Date), CreatedAt: created.UTC()}
	for _, pp := range plan.Pools {
		pool := PendingPool{PoolID: pp.PoolID}
		for _, s := range pp.Sells {
			o := pendingOrder(s)
			o.Fraction = s.Sell.Fraction
			o.EstQuantity = est[estKey(pp.PoolID, signal.KindSell, s.Ticker)]
			pool.Sells = append(pool.Sells, o)
		}
		for _, s := range pp.Buys {
			o := pendingOrder(s)
			o.Quantity = s.Buy.Quantity
			if s.Buy.Capital.IsPositive() {
				o.Capital = s.Buy.Capital.String()
			}
			o.EstQuantity = est[estKey(pp.PoolID, signal.KindBuy, s.Ticker)]
			pool.Buys = append(pool.Buys, o)
		}
		out.Pools = append(out.Pools, pool)
	}
	return out
}

func pendingOrder(s signal.Signal) PendingOrder {
	return PendingOrder{Ticker: s.Ticker, Score: s.Score, Reason: s.Reason, RefPrice: s.Price}
}

func estKey(poolID string, kind signal.Kind, ticker string) string {
	return poolID + "|" + string(kind) + "|" + ticker
}

// DayPlan 还原为可结算的计划，买单保持文件中的排序。
func (p *PendingPlan) DayPlan() (DayPlan, error) {
	date, err := p.day()
	if err != nil {
		return DayPlan{}, fmt.Errorf("pending plan %s: %w", p.ID, err)
	}
	out := DayPlan{Date: date}
	for _, pool := range p.Pools {
		pp := PoolPlan{PoolID: pool.PoolID}
		for _, o := range pool.Sells {
			sig := o.signal(pool.PoolID, date, signal.KindSell)
			sig.Sell.Fraction = o.Fraction
			pp.Sells = append(pp.Sells, sig)
		}
		for _, o := range pool.Buys {
			sig := o.signal(pool.PoolID, date, signal.KindBuy)
			sig.Buy.Quantity = o.Quantity
			if o.Capital != "" {
				c, err := decimal.NewFromString(o.Capital)
				if err != nil {
					return DayPlan{}, fmt.Errorf("pending plan %s %s capital: %w", p.ID, o.Ticker, err)
				}
				sig.Buy.Capital = c
			}
			pp.Buys = append(pp.Buys, sig)
		}
		out.Pools = append(out.Pools, pp)
	}
	return out, nil
}

func (o PendingOrder) signal(poolID string, date time.Time, kind signal.Kind) signal.Signal {
	return signal.Signal{
		PoolID: poolID,
		Ticker: strings.ToUpper(strings.TrimSpace(o.Ticker)),
		Date:   date,
		Kind:   kind,
		Score:  o.Score,
		Reason: o.Reason,
		Price:  o.RefPrice,
	}
}

// LoadPendingPlan 读取计划文件；文件不存在返回 (nil, nil)。
func LoadPendingPlan(path string) (*PendingPlan, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending plan: %w", err)
	}
	var plan PendingPlan
	if err := decodeStrict(raw, &plan); err != nil {
		return nil, fmt.Errorf("parse pending plan %s: %w", path, err)
	}
	if strings.TrimSpace(plan.ID) == "" {
		return nil, fmt.Errorf("pending plan %s 缺少 id", path)
	}
	return &plan, nil
}

// WritePendingPlan 原子写入计划文件。
func WritePendingPlan(path string, plan *PendingPlan) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		return fmt.Errorf("encode pending plan: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, buf.Bytes(), 0o644)
}

// Fill 是操作员回填的实际成交。Pool 为空表示对所有 pool 生效；
// Quantity>0 时以实际成交股数为准。
type Fill struct {
	Pool     string  `yaml:"pool,omitempty" json:"pool,omitempty"`
	Ticker   string  `yaml:"ticker" json:"ticker"`
	Price    float64 `yaml:"price" json:"price"`
	Quantity int64   `yaml:"quantity,omitempty" json:"quantity,omitempty"`
}

// Fills 是一个交易日的回填文件。
type Fills struct {
	Date  string `yaml:"date,omitempty" json:"date,omitempty"`
	Fills []Fill `yaml:"fills" json:"fills"`
}

// LoadFills 读取回填文件，未知字段报错。
func LoadFills(path string) (*Fills, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fills: %w", err)
	}
	var f Fills
	if err := decodeStrict(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fills %s: %w", path, err)
	}
	return &f, nil
}

// Quote 先找指定 pool 的回填，再找不限 pool 的回填；找不到返回 market.ErrMissingPrice。
func (f *Fills) Quote(poolID, ticker string) (Quote, error) {
	if f != nil {
		var general *Fill
		for i := range f.Fills {
			fl := &f.Fills[i]
			if !strings.EqualFold(strings.TrimSpace(fl.Ticker), ticker) {
				continue
			}
			if strings.TrimSpace(fl.Pool) == poolID {
				return fl.quote(ticker)
			}
			if strings.TrimSpace(fl.Pool) == "" && general == nil {
				general = fl
			}
		}
		if general != nil {
			return general.quote(ticker)
		}
	}
	return Quote{}, fmt.Errorf("%w: %s/%s 无回填", market.ErrMissingPrice, poolID, ticker)
}

func (fl *Fill) quote(ticker string) (Quote, error) {
	if fl.Price <= 0 {
		return Quote{}, fmt.Errorf("%w: %s 回填价格 %v", market.ErrMissingPrice, ticker, fl.Price)
	}
	return Quote{Price: decimal.NewFromFloat(fl.Price), Quantity: fl.Quantity}, nil
}

// prices 返回回填价格，用于当日缺少收盘价时更新标记价。
func (f *Fills) prices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if f == nil {
		return out
	}
	for _, fl := range f.Fills {
		if fl.Price > 0 {
			out[strings.ToUpper(strings.TrimSpace(fl.Ticker))] = decimal.NewFromFloat(fl.Price)
		}
	}
	return out
}

func decodeStrict(raw []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// Package market holds aligned daily price series and the stores and sources
// that fill them.
package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingPrice 表示某 ticker 当日没有价格，调用方跳过该 ticker 当天即可。
var ErrMissingPrice = errors.New("missing price data")

const dateLayout = "2006-01-02"

// Bar 是一根日线。
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Day 将时间截断到 UTC 日期。
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateKey 返回 YYYY-MM-DD。
func DateKey(t time.Time) string { return t.UTC().Format(dateLayout) }

// ParseDate 解析 YYYY-MM-DD。
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("日期格式应为 YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// Series 是单个 ticker 按日期升序、去重后的日线。
type Series struct {
	ticker string
	bars   []Bar
	index  map[string]int
}

// NewSeries 排序并去重（同一天保留最后一条）。
func NewSeries(ticker string, bars []Bar) *Series {
	sorted := make([]Bar, 0, len(bars))
	for _, b := range bars {
		b.Date = Day(b.Date)
		sorted = append(sorted, b)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	s := &Series{ticker: strings.ToUpper(strings.TrimSpace(ticker)), index: make(map[string]int, len(sorted))}
	for _, b := range sorted {
		key := DateKey(b.Date)
		if i, ok := s.index[key]; ok {
			s.bars[i] = b
			continue
		}
		s.index[key] = len(s.bars)
		s.bars = append(s.bars, b)
	}
	return s
}

func (s *Series) Ticker() string { return s.ticker }
func (s *Series) Len() int       { return len(s.bars) }

// Bars 返回全部日线副本。
func (s *Series) Bars() []Bar { return append([]Bar(nil), s.bars...) }

// At 返回指定日期的日线。
func (s *Series) At(date time.Time) (Bar, bool) {
	i, ok := s.index[DateKey(date)]
	if !ok {
		return Bar{}, false
	}
	return s.bars[i], true
}

// Upto 返回日期不晚于 date 的日线（共享底层数组，只读）。
func (s *Series) Upto(date time.Time) []Bar {
	date = Day(date)
	n := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Date.After(date) })
	return s.bars[:n:n]
}

// Next 返回 date 之后的第一根日线。
func (s *Series) Next(date time.Time) (Bar, bool) {
	date = Day(date)
	n := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Date.After(date) })
	if n >= len(s.bars) {
		return Bar{}, false
	}
	return s.bars[n], true
}

// Last 返回最后一根日线。
func (s *Series) Last() (Bar, bool) {
	if len(s.bars) == 0 {
		return Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

func (s *Series) clone() *Series {
	out := &Series{ticker: s.ticker, bars: s.Bars(), index: make(map[string]int, len(s.index))}
	for k, v := range s.index {
		out.index[k] = v
	}
	return out
}

// History 是一组 ticker 的只读日线，加载一次后供整个回测使用。
type History struct {
	series  map[string]*Series
	tickers []string
}

func NewHistory(series ...*Series) *History {
	h := &History{series: make(map[string]*Series, len(series))}
	for _, s := range series {
		h.Add(s)
	}
	return h
}

// Add 加入或替换一个 ticker 的日线。
func (h *History) Add(s *Series) {
	if s == nil {
		return
	}
	if _, ok := h.series[s.ticker]; !ok {
		h.tickers = append(h.tickers, s.ticker)
	}
	h.series[s.ticker] = s
}

// Tickers 按加入顺序返回 ticker。
func (h *History) Tickers() []string { return append([]string(nil), h.tickers...) }

func (h *History) Series(ticker string) (*Series, bool) {
	s, ok := h.series[strings.ToUpper(strings.TrimSpace(ticker))]
	return s, ok
}

// TradingDays 返回 [start,end] 区间内任一 ticker 有日线的日期（升序）。
func (h *History) TradingDays(start, end time.Time) []time.Time {
	start, end = Day(start), Day(end)
	seen := make(map[string]time.Time)
	for _, s := range h.series {
		for _, b := range s.bars {
			if b.Date.Before(start) || (!end.IsZero() && b.Date.After(end)) {
				continue
			}
			seen[DateKey(b.Date)] = b.Date
		}
	}
	days := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// Open 返回开盘价，缺失时返回 ErrMissingPrice。
func (h *History) Open(ticker string, date time.Time) (decimal.Decimal, error) {
	b, err := h.bar(ticker, date)
	if err != nil {
		return decimal.Zero, err
	}
	return priceOf(ticker, date, b.Open)
}

// Close 返回收盘价，缺失时返回 ErrMissingPrice。
func (h *History) Close(ticker string, date time.Time) (decimal.Decimal, error) {
	b, err := h.bar(ticker, date)
	if err != nil {
		return decimal.Zero, err
	}
	return priceOf(ticker, date, b.Close)
}

// Closes 返回 date 当日所有有数据 ticker 的收盘价。
func (h *History) Closes(date time.Time) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(h.tickers))
	for _, t := range h.tickers {
		if px, err := h.Close(t, date); err == nil {
			out[t] = px
		}
	}
	return out
}

func (h *History) bar(ticker string, date time.Time) (Bar, error) {
	s, ok := h.Series(ticker)
	if !ok {
		return Bar{}, fmt.Errorf("%w: %s 无日线", ErrMissingPrice, ticker)
	}
	b, ok := s.At(date)
	if !ok {
		return Bar{}, fmt.Errorf("%w: %s %s", ErrMissingPrice, ticker, DateKey(date))
	}
	return b, nil
}

func priceOf(ticker string, date time.Time, v float64) (decimal.Decimal, error) {
	if v <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s %s 价格为 %v", ErrMissingPrice, ticker, DateKey(date), v)
	}
	return decimal.NewFromFloat(v), nil
}

// Clone 复制全部日线，供并行回测各自持有。
func (h *History) Clone() *History {
	out := &History{series: make(map[string]*Series, len(h.series)), tickers: h.Tickers()}
	for k, s := range h.series {
		out.series[k] = s.clone()
	}
	return out
}

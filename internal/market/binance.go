package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

const binanceMaxLimit = 1500

// BarSource 拉取远端日线。
type BarSource interface {
	Name() string
	FetchDaily(ctx context.Context, ticker string, start, end time.Time) ([]Bar, error)
}

// BinanceSource 通过 go-binance 拉取 USDT 合约日线，适用于单位为 1 的加密资产。
type BinanceSource struct {
	client *futures.Client
}

func NewBinanceSource(baseURL string, timeout time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(baseURL); base != "" {
		client.BaseURL = base
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceSource{client: client}
}

func (b *BinanceSource) Name() string { return "binance" }

// FetchDaily 按 1500 根分页拉取 [start,end] 的日线，未收盘的当日 K 线被丢弃。
func (b *BinanceSource) FetchDaily(ctx context.Context, ticker string, start, end time.Time) ([]Bar, error) {
	symbol := strings.ToUpper(strings.TrimSpace(ticker))
	if symbol == "" {
		return nil, fmt.Errorf("ticker 不能为空")
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	var out []Bar
	cursor := Day(start).UnixMilli()
	stop := end.UnixMilli()
	now := time.Now().UnixMilli()
	for cursor <= stop {
		kls, err := b.client.NewKlinesService().
			Symbol(symbol).
			Interval("1d").
			StartTime(cursor).
			EndTime(stop).
			Limit(binanceMaxLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
		}
		if len(kls) == 0 {
			break
		}
		for _, kl := range kls {
			if kl == nil || kl.CloseTime > now {
				continue
			}
			out = append(out, Bar{
				Date:   Day(time.UnixMilli(kl.OpenTime)),
				Open:   parseFloat(kl.Open),
				High:   parseFloat(kl.High),
				Low:    parseFloat(kl.Low),
				Close:  parseFloat(kl.Close),
				Volume: parseFloat(kl.Volume),
			})
		}
		last := kls[len(kls)-1]
		if last == nil || len(kls) < binanceMaxLimit {
			break
		}
		cursor = last.CloseTime + 1
	}
	return out, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

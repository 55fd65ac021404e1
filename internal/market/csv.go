package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var csvColumns = []string{"date", "open", "high", "low", "close", "volume"}

// ReadCSV 解析带表头的日线 CSV（date,open,high,low,close[,volume]，列顺序不限）。
func ReadCSV(r io.Reader) ([]Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range csvColumns[:5] {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("csv 缺少列 %s", col)
		}
	}
	var bars []Bar
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		b, err := parseRecord(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRecord(rec []string, idx map[string]int) (Bar, error) {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	date, err := ParseDate(field("date"))
	if err != nil {
		return Bar{}, err
	}
	b := Bar{Date: date}
	targets := []*float64{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume}
	for i, col := range csvColumns[1:] {
		raw := field(col)
		if raw == "" && col == "volume" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("%s=%q: %w", col, raw, err)
		}
		*targets[i] = v
	}
	return b, nil
}

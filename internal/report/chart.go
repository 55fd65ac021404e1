package report

import (
	"bytes"
	"fmt"
	"sort"

	"tradesim/internal/engine"
	"tradesim/internal/market"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorTotal         = "#34d399"
	colorCash          = "#fbbf24"
	colorDrawdown      = "#f87171"

	chartWidthPx    = 1600
	equityHeightPx  = 600
	drawdownHeight  = 260
	minRenderHeight = 520
)

var poolColors = []string{"#3b82f6", "#f472b6", "#a78bfa", "#22d3ee", "#fb7185", "#84cc16"}

// EquityHTML 生成净值曲线页面：总净值、现金、各资金池净值以及回撤柱状图。
func EquityHTML(title string, points []engine.EquityPoint) ([]byte, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("净值曲线为空")
	}
	xAxis := make([]string, len(points))
	for i, p := range points {
		xAxis[i] = market.DateKey(p.Date)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(buildEquityLine(title, xAxis, points), buildDrawdownBar(xAxis, points))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func buildEquityLine(title string, xAxis []string, points []engine.EquityPoint) *charts.Line {
	first, last := points[0].Total, points[len(points)-1].Total
	subtitle := fmt.Sprintf("%s → %s", money(first), money(last))
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeightPx)),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:         title,
			Subtitle:      subtitle,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	line.SetXAxis(xAxis)

	total := make([]float64, len(points))
	cash := make([]float64, len(points))
	for i, p := range points {
		total[i] = p.Total.InexactFloat64()
		cash[i] = p.Cash.InexactFloat64()
	}
	line.AddSeries("Total", toLineData(total), charts.WithLineStyleOpts(opts.LineStyle{Color: colorTotal, Width: 2}))
	line.AddSeries("Cash", toLineData(cash), charts.WithLineStyleOpts(opts.LineStyle{Color: colorCash, Width: 1}))
	for i, id := range poolIDs(points) {
		values := make([]float64, len(points))
		for j, p := range points {
			values[j] = p.Pools[id].InexactFloat64()
		}
		color := poolColors[i%len(poolColors)]
		line.AddSeries(id, toLineData(values), charts.WithLineStyleOpts(opts.LineStyle{Color: color, Width: 1}))
	}
	return line
}

func buildDrawdownBar(xAxis []string, points []engine.EquityPoint) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(drawdownHeight)),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			SplitNumber: 6,
			AxisLabel:   &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	bar.SetXAxis(xAxis)
	dd := Drawdowns(points)
	data := make([]opts.BarData, len(dd))
	for i, v := range dd {
		data[i] = opts.BarData{Value: round(-v, 4)}
	}
	bar.AddSeries("Drawdown", data, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorDrawdown}))
	return bar
}

// Drawdowns 返回每个点相对历史最高总净值的回撤百分比（>=0）。
func Drawdowns(points []engine.EquityPoint) []float64 {
	out := make([]float64, len(points))
	peak := 0.0
	for i, p := range points {
		v := p.Total.InexactFloat64()
		if v > peak {
			peak = v
		}
		if peak > 0 {
			out[i] = (peak - v) / peak * 100
		}
	}
	return out
}

func poolIDs(points []engine.EquityPoint) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range points {
		for id := range p.Pools {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func toLineData(values []float64) []opts.LineData {
	out := make([]opts.LineData, len(values))
	for i, v := range values {
		out[i] = opts.LineData{Value: round(v, 2)}
	}
	return out
}

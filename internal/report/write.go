package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"tradesim/internal/backtest"
	"tradesim/internal/engine"
	"tradesim/internal/logger"
	"tradesim/internal/pkg/fileutil"
)

// Files 是 Write 写出的文件路径，未生成的为空。
type Files struct {
	JSON string
	HTML string
	PNG  string
}

// Write 把回测结果写入 dir：<name>.json、<name>_equity.html，png=true 时再尝试截图。
// 截图失败只记录告警。
func Write(ctx context.Context, dir string, run backtest.Run, res *engine.Result, png bool) (Files, error) {
	if res == nil {
		return Files{}, fmt.Errorf("回测结果为空")
	}
	name := fileSafe(runLabel(run))
	var out Files

	doc := struct {
		Run    backtest.Run   `json:"run"`
		Result *engine.Result `json:"result"`
	}{Run: run, Result: res}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return out, fmt.Errorf("marshal result: %w", err)
	}
	out.JSON = filepath.Join(dir, name+".json")
	if err := fileutil.WriteAtomic(out.JSON, raw, 0o644); err != nil {
		return out, err
	}

	if len(res.Equity) == 0 {
		return out, nil
	}
	html, err := EquityHTML(runLabel(run), res.Equity)
	if err != nil {
		return out, err
	}
	out.HTML = filepath.Join(dir, name+"_equity.html")
	if err := fileutil.WriteAtomic(out.HTML, html, 0o644); err != nil {
		return out, err
	}

	if !png {
		return out, nil
	}
	img, err := EquityPNG(ctx, runLabel(run), res.Equity)
	if err != nil {
		logger.With("report").Warnf("净值图截图失败，仅输出 HTML: %v", err)
		return out, nil
	}
	path := filepath.Join(dir, img.Filename)
	if err := fileutil.WriteAtomic(path, img.Bytes, 0o644); err != nil {
		return out, err
	}
	out.PNG = path
	return out, nil
}

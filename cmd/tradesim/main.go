package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"tradesim/internal/app"
	"tradesim/internal/config"
	"tradesim/internal/logger"
	"tradesim/internal/market"
)

// importList 收集可重复的 -import TICKER=path.csv。
type importList []string

func (l *importList) String() string { return strings.Join(*l, ",") }

func (l *importList) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("格式应为 TICKER=path.csv")
	}
	*l = append(*l, v)
	return nil
}

func main() {
	var (
		cfgFlag  = flag.String("config", "", "配置文件路径（默认读取 $"+config.EnvConfigPath+"）")
		modeFlag = flag.String("mode", "", "覆盖 app.mode：backtest | live | serve")
		dateFlag = flag.String("date", "", "live 模式的会话日期 YYYY-MM-DD，默认今天")
		imports  importList
	)
	flag.Var(&imports, "import", "导入 CSV 日线后退出，可重复：-import AAPL=data/aapl.csv")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	if m := strings.ToLower(strings.TrimSpace(*modeFlag)); m != "" {
		switch m {
		case config.ModeBacktest, config.ModeLive, config.ModeServe:
			cfg.App.Mode = m
		default:
			log.Fatalf("未知运行模式 %q", m)
		}
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，模式=%s，资金池=%d）", cfg.App.Env, cfg.App.Mode, len(cfg.Pools))

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if len(imports) > 0 {
		defer a.Close()
		for _, item := range imports {
			ticker, path, _ := strings.Cut(item, "=")
			n, err := a.ImportCSV(ctx, ticker, path)
			if err != nil {
				log.Fatalf("导入 %s 失败: %v", path, err)
			}
			logger.Infof("✓ %s 导入 %d 根日线", strings.ToUpper(ticker), n)
		}
		return
	}
	if *dateFlag != "" {
		date, err := market.ParseDate(*dateFlag)
		if err != nil {
			log.Fatalf("-date: %v", err)
		}
		a.LiveDate = date
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

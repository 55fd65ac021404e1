package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar   slog.LevelVar
	loggerMu   sync.RWMutex
	baseLogger *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	baseLogger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
	return slog.New(handler)
}

// SetOutput 替换日志输出目标（例如 stdout + 文件）。
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	baseLogger = newLogger(w)
	loggerMu.Unlock()
}

func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "info":
		levelVar.Set(slog.LevelInfo)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Level 返回当前日志级别文本。
func Level() string {
	return strings.ToLower(levelVar.Level().String())
}

func activeLogger() *slog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

// InfoBlock 按行输出多行文本（回测摘要等）。
func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	for _, line := range strings.Split(block, "\n") {
		Infof("%s", line)
	}
}

// Component 为某个模块绑定固定的 "[tag]" 前缀，避免每处手写。
type Component struct {
	tag   string
	attrs []any
}

// With 返回带组件标签的日志器，attrs 以 slog 键值对形式附加到每条日志。
func With(tag string, attrs ...any) Component {
	tag = strings.TrimSpace(tag)
	return Component{tag: tag, attrs: append([]any(nil), attrs...)}
}

func (c Component) prefix(format string) string {
	if c.tag == "" {
		return format
	}
	return "[" + c.tag + "] " + format
}

func (c Component) Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(c.prefix(format), v...), c.attrs...)
}

func (c Component) Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(c.prefix(format), v...), c.attrs...)
}

func (c Component) Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(c.prefix(format), v...), c.attrs...)
}

func (c Component) Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(c.prefix(format), v...), c.attrs...)
}

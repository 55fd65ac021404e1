// Package notifier pushes run summaries to operators.
package notifier

import (
	"strings"
	"time"

	"tradesim/internal/logger"
)

// TextNotifier 是最小的文本推送接口。
type TextNotifier interface {
	SendText(text string) error
}

const maxMessageLen = 3800

// Section 表示通知中的一个段落。
type Section struct {
	Title string
	Lines []string
}

// Message 是统一格式的推送消息。
type Message struct {
	Title     string
	Sections  []Section
	Footer    string
	Timestamp time.Time
}

// Render 生成 Markdown 文本，超长时裁剪。
func (m Message) Render() string {
	var b strings.Builder
	if title := strings.TrimSpace(m.Title); title != "" {
		b.WriteString(title + "\n\n")
	}
	b.WriteString(renderSections(m.Sections))
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer) + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxMessageLen {
		body = body[:maxMessageLen] + "..."
	}
	return body
}

func renderSections(secs []Section) string {
	var b strings.Builder
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + sanitize(line) + "\n")
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "```\n" + b.String() + "```\n\n"
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

// Log 把消息写入日志，未配置 Telegram 时使用。
type Log struct{}

func (Log) SendText(text string) error {
	logger.InfoBlock(text)
	return nil
}

// Multi 依次推送到多个通知器，返回第一个错误。
type Multi []TextNotifier

func (m Multi) SendText(text string) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.SendText(text); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"tradesim/internal/pkg/fileutil"
)

// FileLog 将 {trades:[...]} 文档保存在单个 JSON 文件中。
// 追加时持有 <path>.lock 锁文件，整篇重写后原子替换。
type FileLog struct {
	path        string
	lockTimeout time.Duration
	mu          sync.Mutex
}

func NewFileLog(path string) (*FileLog, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path 不能为空")
	}
	return &FileLog{path: path, lockTimeout: 5 * time.Second}, nil
}

func (l *FileLog) Path() string { return l.path }

func (l *FileLog) Append(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, err := fileutil.AcquireLock(ctx, l.path+".lock", l.lockTimeout)
	if err != nil {
		return fmt.Errorf("audit lock: %w", err)
	}
	defer lock.Release()

	doc, err := l.read()
	if err != nil {
		return err
	}
	for _, t := range trades {
		doc.Trades = append(doc.Trades, toDoc(t))
	}
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}
	if err := fileutil.WriteAtomic(l.path, buf, 0o644); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (l *FileLog) List(_ context.Context, f Filter) ([]Trade, error) {
	l.mu.Lock()
	doc, err := l.read()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []Trade
	for _, d := range doc.Trades {
		t, err := fromDoc(d)
		if err != nil {
			return nil, err
		}
		if !f.match(t) {
			continue
		}
		out = append(out, t)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (l *FileLog) read() (document, error) {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read audit log: %w", err)
	}
	var doc document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return document{}, fmt.Errorf("parse audit log %s: %w", l.path, err)
	}
	return doc, nil
}

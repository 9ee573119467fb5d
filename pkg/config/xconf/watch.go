package xconf

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce 默认防抖时间
const DefaultDebounce = 100 * time.Millisecond

// WatchCallback 每次重载后调用，err 非 nil 表示重载失败（原配置保持不变）。
type WatchCallback func(cfg *Config, err error)

// WatchOption 监视配置选项
type WatchOption func(*watchOptions)

type watchOptions struct {
	debounce time.Duration
}

// WithDebounce 设置防抖时间，窗口内的多次变更只重载一次。
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// Watch 监视配置文件并在变更时重载，阻塞直到 ctx 取消，正常退出返回 nil。
//
// 监视的是文件所在目录，编辑器"写临时文件再 rename"的保存方式也能被捕获。
// callback 在 Watch 的 goroutine 中串行调用。
func Watch(ctx context.Context, cfg *Config, callback WatchCallback, opts ...WatchOption) error {
	if cfg == nil || cfg.path == "" {
		return ErrNotReloadable
	}
	o := watchOptions{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("xconf: create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(cfg.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("xconf: watch directory %s: %w", dir, err)
	}
	name := filepath.Base(cfg.path)

	timer := time.NewTimer(o.debounce)
	timer.Stop()
	defer timer.Stop()

	notify := func(err error) {
		if callback != nil {
			callback(cfg, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(o.debounce)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if !errors.Is(werr, fsnotify.ErrEventOverflow) {
				notify(fmt.Errorf("xconf: watch error: %w", werr))
				continue
			}
			// 事件溢出可能丢了变更，直接重载一次。
			timer.Reset(o.debounce)
		case <-timer.C:
			notify(cfg.Reload())
		}
	}
}

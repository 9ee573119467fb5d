package xrotate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 默认配置
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 7
	DefaultMaxAgeDays = 30

	maxSizeMB = 10240
)

var _ io.WriteCloser = (Rotator)(nil)

// Rotator 日志轮转器，所有实现都必须并发安全。
// Close 之后 Write 和 Rotate 返回 ErrClosed。
type Rotator interface {
	Write(p []byte) (n int, err error)
	Close() error
	// Rotate 手动触发轮转。
	Rotate() error
}

type config struct {
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	compress   bool
}

// Option 轮转配置选项
type Option func(*config)

// WithMaxSize 设置单个文件最大大小（MB）。
func WithMaxSize(mb int) Option {
	return func(c *config) { c.maxSizeMB = mb }
}

// WithMaxBackups 设置保留的备份数量，0 表示只按天数清理。
func WithMaxBackups(n int) Option {
	return func(c *config) { c.maxBackups = n }
}

// WithMaxAge 设置备份保留天数，0 表示只按数量清理。
func WithMaxAge(days int) Option {
	return func(c *config) { c.maxAgeDays = days }
}

// WithCompress 设置是否 gzip 压缩备份。
func WithCompress(compress bool) Option {
	return func(c *config) { c.compress = compress }
}

type lumberjackRotator struct {
	logger *lumberjack.Logger
	closed atomic.Bool
}

// NewLumberjack 创建按大小轮转的 Rotator，父目录不存在时自动创建（0750）。
func NewLumberjack(filename string, opts ...Option) (Rotator, error) {
	if filename == "" {
		return nil, ErrEmptyFilename
	}
	cfg := config{
		maxSizeMB:  DefaultMaxSizeMB,
		maxBackups: DefaultMaxBackups,
		maxAgeDays: DefaultMaxAgeDays,
		compress:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.maxSizeMB <= 0 || cfg.maxSizeMB > maxSizeMB {
		return nil, fmt.Errorf("%w: got %d, want 1~%d", ErrInvalidMaxSize, cfg.maxSizeMB, maxSizeMB)
	}
	if cfg.maxBackups < 0 || cfg.maxAgeDays < 0 || (cfg.maxBackups == 0 && cfg.maxAgeDays == 0) {
		return nil, ErrNoCleanupPolicy
	}

	path, err := filepath.Abs(filepath.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("xrotate: resolve %q: %w", filename, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("xrotate: create log dir: %w", err)
	}

	return &lumberjackRotator{logger: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.maxSizeMB,
		MaxBackups: cfg.maxBackups,
		MaxAge:     cfg.maxAgeDays,
		Compress:   cfg.compress,
	}}, nil
}

func (r *lumberjackRotator) Write(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	return r.logger.Write(p)
}

// Close 关闭当前文件，重复调用返回 ErrClosed。
func (r *lumberjackRotator) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	return r.logger.Close()
}

func (r *lumberjackRotator) Rotate() error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.logger.Rotate()
}

package xmongo

import (
	"context"
	"time"

	"github.com/omeyang/wbcache/pkg/observability/xmetrics"
)

// 默认超时
const (
	DefaultQueryTimeout  = 30 * time.Second
	DefaultWriteTimeout  = 60 * time.Second
	DefaultHealthTimeout = 5 * time.Second
)

// SlowQueryInfo 慢操作详细信息。
type SlowQueryInfo struct {
	Database   string
	Collection string
	// Operation 为 put、delete 或 load。
	Operation string
	Key       string
	Duration  time.Duration
}

// SlowQueryHook 慢操作回调，在调用路径上同步执行，应保持轻量。
type SlowQueryHook func(ctx context.Context, info SlowQueryInfo)

// Options Store 配置
type Options struct {
	// QueryTimeout Load 的兜底超时，0 表示不设置。
	QueryTimeout time.Duration
	// WriteTimeout Put/Delete 的兜底超时，0 表示不设置。
	WriteTimeout time.Duration
	// HealthTimeout 健康检查超时。
	HealthTimeout time.Duration

	// SlowQueryThreshold 慢操作阈值，0 表示不检测。
	SlowQueryThreshold time.Duration
	SlowQueryHook      SlowQueryHook

	Observer xmetrics.Observer
}

// Option 配置函数
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		QueryTimeout:  DefaultQueryTimeout,
		WriteTimeout:  DefaultWriteTimeout,
		HealthTimeout: DefaultHealthTimeout,
		Observer:      xmetrics.NoopObserver{},
	}
}

// WithQueryTimeout 设置 Load 的兜底超时，d < 0 时忽略。
func WithQueryTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.QueryTimeout = d
		}
	}
}

// WithWriteTimeout 设置 Put/Delete 的兜底超时，d < 0 时忽略。
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.WriteTimeout = d
		}
	}
}

// WithHealthTimeout 设置健康检查超时。
func WithHealthTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HealthTimeout = d
		}
	}
}

// WithSlowQuery 设置慢操作阈值和回调。
func WithSlowQuery(threshold time.Duration, hook SlowQueryHook) Option {
	return func(o *Options) {
		o.SlowQueryThreshold = threshold
		o.SlowQueryHook = hook
	}
}

// WithObserver 设置观测器
func WithObserver(observer xmetrics.Observer) Option {
	return func(o *Options) {
		if observer != nil {
			o.Observer = observer
		}
	}
}

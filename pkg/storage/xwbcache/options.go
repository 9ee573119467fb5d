package xwbcache

import (
	"fmt"
	"strings"
	"time"

	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/observability/xmetrics"
	"github.com/omeyang/wbcache/pkg/resilience/xretry"
)

// =============================================================================
// 默认值
// =============================================================================

const (
	DefaultNamespace          = "wbcache"
	DefaultFlushInterval      = 5 * time.Second
	DefaultBatchSize          = 100
	DefaultMaxBatchesPerCycle = 10
	DefaultFlushWorkers       = 4
	DefaultCleanTTL           = 60 * time.Second
	DefaultTombstoneTTL       = 10 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultClaimLease         = 5 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
	DefaultSweepGrace         = 2 * time.Second
	DefaultDeleteAttempts     = 3
	DefaultBreakerFailures    = 5
	DefaultBreakerTimeout     = 30 * time.Second
	DefaultMaxTxRetries       = 16
)

// =============================================================================
// 配置选项
// =============================================================================

// Options 定义 Manager 的配置选项。
type Options struct {
	// Namespace 所有 Redis key 的命名空间，作为 hash tag 使用。
	// 默认为 "wbcache"，不能包含 '{' 或 '}'。
	Namespace string

	// FlushInterval 刷盘周期。默认 5s，可通过 Reconfigure 热更新。
	FlushInterval time.Duration

	// BatchSize 每次认领的脏 key 数量上限。默认 100，可热更新。
	BatchSize int

	// MaxBatchesPerCycle 单个刷盘周期最多处理的批次数。默认 10。
	MaxBatchesPerCycle int

	// FlushWorkers 单批次内并发调用 Store.Put 的数量。默认 4。
	FlushWorkers int

	// CleanTTL 干净条目的过期时间，0 表示不过期。默认 60s，可热更新。
	CleanTTL time.Duration

	// TombstoneTTL 墓碑标记的存活时间，到期后触发后端删除。默认 10s，可热更新。
	TombstoneTTL time.Duration

	// ShutdownTimeout Shutdown 的 ctx 没有截止时间时使用的超时。默认 30s。
	ShutdownTimeout time.Duration

	// ClaimLease 认领租约。持有者崩溃后，租约到期的 key 会被放回脏集合。默认 5m。
	ClaimLease time.Duration

	// DB 订阅过期事件的 Redis DB 编号，决定 keyevent 频道名。默认 0。
	DB int

	// ConfigureNotifications 启动时尝试执行 CONFIG SET notify-keyspace-events Ex。
	// 托管 Redis 常禁用 CONFIG 命令，失败只记录告警。默认 true。
	ConfigureNotifications bool

	// SweepInterval 墓碑对账扫描周期。默认 30s。
	SweepInterval time.Duration

	// SweepGrace 扫描只处理过期超过该宽限期的墓碑，给过期通知留出投递时间。默认 2s。
	SweepGrace time.Duration

	// DeleteAttempts 单次处理中 Store.Delete 的最大尝试次数。默认 3。
	DeleteAttempts int

	// DeleteBackoff Store.Delete 重试间隔策略。默认指数退避（100ms 起）。
	DeleteBackoff xretry.BackoffPolicy

	// ReconnectBackoff 订阅断开后的重连退避策略。默认指数退避 100ms..30s。
	ReconnectBackoff xretry.BackoffPolicy

	// FlushRateLimit 集群范围内每秒最多调用 Store.Put 的次数，0 表示不限流。
	FlushRateLimit int

	// BreakerFailures Store.Put 连续失败多少次后熔断，0 表示不启用熔断器。默认 5。
	BreakerFailures int

	// BreakerTimeout 熔断打开后转为半开的等待时间。默认 30s。
	BreakerTimeout time.Duration

	// MaxTxRetries PUT 乐观事务冲突时的最大重试次数。默认 16。
	MaxTxRetries int

	// CacheWriter 计算 PUT 写入缓存的表示。默认 ReplaceWriter。
	CacheWriter CacheWriter

	// Logger 日志记录器。默认 xlog.Default()。
	Logger xlog.Logger

	// Observer 观测接口。默认 xmetrics.NoopObserver。
	Observer xmetrics.Observer

	// now 时钟，测试中替换。
	now func() time.Time
}

// Option 定义配置 Manager 的函数类型。
type Option func(*Options)

// defaultOptions 返回默认配置。
func defaultOptions() *Options {
	return &Options{
		Namespace:              DefaultNamespace,
		FlushInterval:          DefaultFlushInterval,
		BatchSize:              DefaultBatchSize,
		MaxBatchesPerCycle:     DefaultMaxBatchesPerCycle,
		FlushWorkers:           DefaultFlushWorkers,
		CleanTTL:               DefaultCleanTTL,
		TombstoneTTL:           DefaultTombstoneTTL,
		ShutdownTimeout:        DefaultShutdownTimeout,
		ClaimLease:             DefaultClaimLease,
		ConfigureNotifications: true,
		SweepInterval:          DefaultSweepInterval,
		SweepGrace:             DefaultSweepGrace,
		DeleteAttempts:         DefaultDeleteAttempts,
		DeleteBackoff:          xretry.NewExponentialBackoff(),
		ReconnectBackoff:       xretry.NewExponentialBackoff(),
		BreakerFailures:        DefaultBreakerFailures,
		BreakerTimeout:         DefaultBreakerTimeout,
		MaxTxRetries:           DefaultMaxTxRetries,
		CacheWriter:            ReplaceWriter,
		Observer:               xmetrics.NoopObserver{},
		now:                    time.Now,
	}
}

// validate 校验配置，返回包装了 ErrInvalidConfig 的错误。
func (o *Options) validate() error {
	switch {
	case o.Namespace == "" || strings.ContainsAny(o.Namespace, "{}"):
		return fmt.Errorf("%w: namespace %q must be non-empty and must not contain braces", ErrInvalidConfig, o.Namespace)
	case o.FlushInterval <= 0:
		return fmt.Errorf("%w: flush interval must be positive", ErrInvalidConfig)
	case o.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case o.MaxBatchesPerCycle <= 0:
		return fmt.Errorf("%w: max batches per cycle must be positive", ErrInvalidConfig)
	case o.FlushWorkers <= 0:
		return fmt.Errorf("%w: flush workers must be positive", ErrInvalidConfig)
	case o.CleanTTL < 0:
		return fmt.Errorf("%w: clean TTL must not be negative", ErrInvalidConfig)
	case o.TombstoneTTL < time.Millisecond:
		return fmt.Errorf("%w: tombstone TTL must be at least 1ms", ErrInvalidConfig)
	case o.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalidConfig)
	case o.ClaimLease <= 0:
		return fmt.Errorf("%w: claim lease must be positive", ErrInvalidConfig)
	case o.DB < 0:
		return fmt.Errorf("%w: db must not be negative", ErrInvalidConfig)
	case o.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	case o.SweepGrace < 0:
		return fmt.Errorf("%w: sweep grace must not be negative", ErrInvalidConfig)
	case o.DeleteAttempts <= 0:
		return fmt.Errorf("%w: delete attempts must be positive", ErrInvalidConfig)
	case o.FlushRateLimit < 0:
		return fmt.Errorf("%w: flush rate limit must not be negative", ErrInvalidConfig)
	case o.BreakerFailures < 0:
		return fmt.Errorf("%w: breaker failures must not be negative", ErrInvalidConfig)
	case o.BreakerFailures > 0 && o.BreakerTimeout <= 0:
		return fmt.Errorf("%w: breaker timeout must be positive", ErrInvalidConfig)
	case o.MaxTxRetries <= 0:
		return fmt.Errorf("%w: max tx retries must be positive", ErrInvalidConfig)
	}
	return nil
}

// WithNamespace 设置命名空间。
func WithNamespace(ns string) Option {
	return func(o *Options) {
		o.Namespace = ns
	}
}

// WithFlushInterval 设置刷盘周期。
func WithFlushInterval(d time.Duration) Option {
	return func(o *Options) {
		o.FlushInterval = d
	}
}

// WithBatchSize 设置每批认领数量。
func WithBatchSize(n int) Option {
	return func(o *Options) {
		o.BatchSize = n
	}
}

// WithMaxBatchesPerCycle 设置单周期最大批次数。
func WithMaxBatchesPerCycle(n int) Option {
	return func(o *Options) {
		o.MaxBatchesPerCycle = n
	}
}

// WithFlushWorkers 设置单批次内的并发刷盘数。
func WithFlushWorkers(n int) Option {
	return func(o *Options) {
		o.FlushWorkers = n
	}
}

// WithCleanTTL 设置干净条目 TTL，0 表示不过期。
func WithCleanTTL(d time.Duration) Option {
	return func(o *Options) {
		o.CleanTTL = d
	}
}

// WithTombstoneTTL 设置墓碑 TTL。
func WithTombstoneTTL(d time.Duration) Option {
	return func(o *Options) {
		o.TombstoneTTL = d
	}
}

// WithShutdownTimeout 设置默认关闭超时。
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ShutdownTimeout = d
	}
}

// WithClaimLease 设置认领租约。
func WithClaimLease(d time.Duration) Option {
	return func(o *Options) {
		o.ClaimLease = d
	}
}

// WithDB 设置订阅过期事件的 DB 编号，应与客户端连接的 DB 一致。
func WithDB(db int) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithNotificationConfig 设置启动时是否执行 CONFIG SET notify-keyspace-events。
func WithNotificationConfig(enabled bool) Option {
	return func(o *Options) {
		o.ConfigureNotifications = enabled
	}
}

// WithSweep 设置墓碑对账扫描的周期与宽限期。
func WithSweep(interval, grace time.Duration) Option {
	return func(o *Options) {
		o.SweepInterval = interval
		o.SweepGrace = grace
	}
}

// WithDeleteRetry 设置 Store.Delete 的尝试次数与退避策略。
// backoff 为 nil 时保留默认策略。
func WithDeleteRetry(attempts int, backoff xretry.BackoffPolicy) Option {
	return func(o *Options) {
		o.DeleteAttempts = attempts
		if backoff != nil {
			o.DeleteBackoff = backoff
		}
	}
}

// WithReconnectBackoff 设置订阅重连退避策略，nil 时忽略。
func WithReconnectBackoff(backoff xretry.BackoffPolicy) Option {
	return func(o *Options) {
		if backoff != nil {
			o.ReconnectBackoff = backoff
		}
	}
}

// WithFlushRateLimit 设置集群范围的刷盘限流（次/秒），0 表示不限流。
func WithFlushRateLimit(perSecond int) Option {
	return func(o *Options) {
		o.FlushRateLimit = perSecond
	}
}

// WithBreaker 设置 Store.Put 熔断器参数，failures 为 0 时禁用。
func WithBreaker(failures int, timeout time.Duration) Option {
	return func(o *Options) {
		o.BreakerFailures = failures
		o.BreakerTimeout = timeout
	}
}

// WithMaxTxRetries 设置 PUT 乐观事务的最大重试次数。
func WithMaxTxRetries(n int) Option {
	return func(o *Options) {
		o.MaxTxRetries = n
	}
}

// WithCacheWriter 设置 PUT 的缓存写入函数，nil 时忽略。
func WithCacheWriter(w CacheWriter) Option {
	return func(o *Options) {
		if w != nil {
			o.CacheWriter = w
		}
	}
}

// WithLogger 设置日志记录器，nil 时忽略。
func WithLogger(l xlog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithObserver 设置观测接口，nil 时忽略。
func WithObserver(obs xmetrics.Observer) Option {
	return func(o *Options) {
		if obs != nil {
			o.Observer = obs
		}
	}
}

// WithConfig 将配置文件中的非零字段覆盖到选项上。
func WithConfig(cfg Config) Option {
	return func(o *Options) {
		cfg.apply(o)
	}
}

package xwbcache

import (
	"time"

	"github.com/omeyang/wbcache/pkg/resilience/xretry"
)

// Config 是可从配置文件加载的 Manager 配置（koanf 标签）。
//
// 零值字段表示使用默认值。配合 xconf 使用：
//
//	var cfg xwbcache.Config
//	if err := conf.Unmarshal("wbcache", &cfg); err != nil { ... }
//	m, err := xwbcache.New(client, store, xwbcache.WithConfig(cfg))
type Config struct {
	Namespace          string          `koanf:"namespace"`
	FlushInterval      time.Duration   `koanf:"flush_interval"`
	BatchSize          int             `koanf:"batch_size"`
	MaxBatchesPerCycle int             `koanf:"max_batches_per_cycle"`
	FlushWorkers       int             `koanf:"flush_workers"`
	CleanTTL           time.Duration   `koanf:"clean_ttl"`
	TombstoneTTL       time.Duration   `koanf:"tombstone_ttl"`
	ShutdownTimeout    time.Duration   `koanf:"shutdown_timeout"`
	ClaimLease         time.Duration   `koanf:"claim_lease"`
	DB                 int             `koanf:"db"`
	// SkipNotifyConfig 为 true 时不执行 CONFIG SET（托管 Redis）。
	SkipNotifyConfig   bool            `koanf:"skip_notify_config"`
	SweepInterval      time.Duration   `koanf:"sweep_interval"`
	SweepGrace         time.Duration   `koanf:"sweep_grace"`
	DeleteAttempts     int             `koanf:"delete_attempts"`
	FlushRateLimit     int             `koanf:"flush_rate_limit"`
	BreakerFailures    int             `koanf:"breaker_failures"`
	BreakerTimeout     time.Duration   `koanf:"breaker_timeout"`
	MaxTxRetries       int             `koanf:"max_tx_retries"`
	Reconnect          ReconnectConfig `koanf:"reconnect"`
}

// ReconnectConfig 订阅重连的指数退避参数。
type ReconnectConfig struct {
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Multiplier   float64       `koanf:"multiplier"`
}

// apply 把非零字段覆盖到 o。
func (c Config) apply(o *Options) {
	setString(&o.Namespace, c.Namespace)
	setDuration(&o.FlushInterval, c.FlushInterval)
	setInt(&o.BatchSize, c.BatchSize)
	setInt(&o.MaxBatchesPerCycle, c.MaxBatchesPerCycle)
	setInt(&o.FlushWorkers, c.FlushWorkers)
	setDuration(&o.CleanTTL, c.CleanTTL)
	setDuration(&o.TombstoneTTL, c.TombstoneTTL)
	setDuration(&o.ShutdownTimeout, c.ShutdownTimeout)
	setDuration(&o.ClaimLease, c.ClaimLease)
	setInt(&o.DB, c.DB)
	if c.SkipNotifyConfig {
		o.ConfigureNotifications = false
	}
	setDuration(&o.SweepInterval, c.SweepInterval)
	setDuration(&o.SweepGrace, c.SweepGrace)
	setInt(&o.DeleteAttempts, c.DeleteAttempts)
	setInt(&o.FlushRateLimit, c.FlushRateLimit)
	setInt(&o.BreakerFailures, c.BreakerFailures)
	setDuration(&o.BreakerTimeout, c.BreakerTimeout)
	setInt(&o.MaxTxRetries, c.MaxTxRetries)
	if r := c.Reconnect; r != (ReconnectConfig{}) {
		var opts []xretry.ExponentialBackoffOption
		if r.InitialDelay > 0 {
			opts = append(opts, xretry.WithInitialDelay(r.InitialDelay))
		}
		if r.MaxDelay > 0 {
			opts = append(opts, xretry.WithMaxDelay(r.MaxDelay))
		}
		if r.Multiplier > 0 {
			opts = append(opts, xretry.WithMultiplier(r.Multiplier))
		}
		o.ReconnectBackoff = xretry.NewExponentialBackoff(opts...)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// =============================================================================
// 运行期可热更新的设置
// =============================================================================

// settings 是 Reconfigure 可以原子替换的部分配置。
type settings struct {
	flushInterval time.Duration
	batchSize     int
	maxBatches    int
	cleanTTL      time.Duration
	tombstoneTTL  time.Duration
}

func settingsFrom(o *Options) *settings {
	return &settings{
		flushInterval: o.FlushInterval,
		batchSize:     o.BatchSize,
		maxBatches:    o.MaxBatchesPerCycle,
		cleanTTL:      o.CleanTTL,
		tombstoneTTL:  o.TombstoneTTL,
	}
}

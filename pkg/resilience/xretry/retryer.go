package xretry

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// Retryer 重试执行器，组合 RetryPolicy 和 BackoffPolicy。
// 底层使用 avast/retry-go/v5，可被多个 goroutine 并发使用。
type Retryer struct {
	retryPolicy   RetryPolicy
	backoffPolicy BackoffPolicy
	onRetry       func(attempt int, err error)
}

// RetryerOption 执行器配置选项
type RetryerOption func(*Retryer)

// WithRetryPolicy 设置重试策略
func WithRetryPolicy(p RetryPolicy) RetryerOption {
	return func(r *Retryer) {
		if p != nil {
			r.retryPolicy = p
		}
	}
}

// WithBackoffPolicy 设置退避策略
func WithBackoffPolicy(p BackoffPolicy) RetryerOption {
	return func(r *Retryer) {
		if p != nil {
			r.backoffPolicy = p
		}
	}
}

// WithOnRetry 设置重试回调，attempt 为已失败次数（从 1 开始）。
func WithOnRetry(f func(attempt int, err error)) RetryerOption {
	return func(r *Retryer) {
		if f != nil {
			r.onRetry = f
		}
	}
}

// NewRetryer 创建重试执行器，默认 FixedRetry(3) 加 ExponentialBackoff。
func NewRetryer(opts ...RetryerOption) *Retryer {
	r := &Retryer{
		retryPolicy:   NewFixedRetry(3),
		backoffPolicy: NewExponentialBackoff(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do 执行带重试的操作，返回最后一次的错误。
// ctx 取消后不再重试。
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil {
		return ErrNilRetryer
	}
	if ctx == nil {
		return ErrNilContext
	}
	if fn == nil {
		return ErrNilFunc
	}
	return retry.New(r.options(ctx)...).Do(func() error {
		return fn(ctx)
	})
}

func (r *Retryer) options(ctx context.Context) []retry.Option {
	policy, backoff := r.retryPolicy, r.backoffPolicy
	opts := make([]retry.Option, 0, 6)
	opts = append(opts, retry.Context(ctx), retry.LastErrorOnly(true))

	if n := policy.MaxAttempts(); n <= 0 {
		opts = append(opts, retry.UntilSucceeded())
	} else {
		opts = append(opts, retry.Attempts(uint(n)))
	}

	// Attempts 是硬上限，ShouldRetry 可以提前终止。
	var failures atomic.Int64
	opts = append(opts, retry.RetryIf(func(err error) bool {
		count := int(failures.Add(1))
		if !retry.IsRecoverable(err) {
			return false
		}
		return policy.ShouldRetry(ctx, count, err)
	}))

	// retry-go v5 的 DelayType 计数从 1 开始，与 NextDelay 一致。
	opts = append(opts, retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
		return backoff.NextDelay(uintToInt(n))
	}))

	if r.onRetry != nil {
		// OnRetry 计数从 0 开始。
		opts = append(opts, retry.OnRetry(func(n uint, err error) {
			r.onRetry(uintToInt(n)+1, err)
		}))
	}
	return opts
}

func uintToInt(n uint) int {
	if n > uint(math.MaxInt) {
		return math.MaxInt
	}
	return int(n)
}

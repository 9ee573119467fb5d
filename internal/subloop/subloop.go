// Package subloop 提供带退避的会话式重连循环，用于长连接订阅（如 Redis Pub/Sub）。
//
// 与逐条消费的循环不同，订阅以"会话"为单位：一次会话从建立订阅开始，
// 到连接断开为止。会话成功建立后退避计数归零，断开后按退避策略重建。
package subloop

import (
	"context"
	"errors"
	"time"

	"github.com/omeyang/wbcache/pkg/resilience/xretry"
)

// ErrSessionEnded 表示会话在 ctx 仍有效时返回了 nil，循环会将其视为断开并重建。
var ErrSessionEnded = errors.New("subloop: session ended")

// SessionFunc 运行一次会话。
//
// 会话建立（如订阅确认）后应调用 ready，使下一次断开从初始退避开始。
// 会话应在 ctx 取消时尽快返回；连接断开时返回错误。
type SessionFunc func(ctx context.Context, ready func()) error

// Options 循环配置。
type Options struct {
	// Backoff 重建会话前的退避策略，默认 xretry.NewExponentialBackoff()。
	Backoff xretry.BackoffPolicy

	// OnError 每次会话失败时调用，attempt 从 1 开始，delay 为即将等待的时间。
	OnError func(err error, attempt int, delay time.Duration)
}

// Option 配置函数类型。
type Option func(*Options)

// WithBackoff 设置退避策略，nil 时忽略。
func WithBackoff(backoff xretry.BackoffPolicy) Option {
	return func(o *Options) {
		if backoff != nil {
			o.Backoff = backoff
		}
	}
}

// WithOnError 设置失败回调。
func WithOnError(fn func(err error, attempt int, delay time.Duration)) Option {
	return func(o *Options) {
		o.OnError = fn
	}
}

// Run 反复运行 session 直到 ctx 取消，返回 ctx.Err()。
func Run(ctx context.Context, session SessionFunc, opts ...Option) error {
	options := &Options{Backoff: xretry.NewExponentialBackoff()}
	for _, opt := range opts {
		opt(options)
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		established := false
		err := session(ctx, func() { established = true })
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if established {
			attempt = 0
		}
		if err == nil {
			err = ErrSessionEnded
		}

		attempt++
		delay := options.Backoff.NextDelay(attempt)
		if options.OnError != nil {
			options.OnError(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

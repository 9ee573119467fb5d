package xretry

import (
	"context"
	"time"
)

// RetryPolicy 定义重试策略接口
type RetryPolicy interface {
	// MaxAttempts 返回最大尝试次数（包含首次尝试），0 表示无限重试。
	MaxAttempts() int

	// ShouldRetry 在第 attempt 次（从 1 开始）失败后判断是否继续重试。
	ShouldRetry(ctx context.Context, attempt int, err error) bool
}

// BackoffPolicy 定义退避策略接口
type BackoffPolicy interface {
	// NextDelay 返回第 attempt 次（从 1 开始）失败后的等待时间。
	NextDelay(attempt int) time.Duration
}

// Package xretry 提供重试策略、退避策略和基于 retry-go 的重试执行器。
//
//   - RetryPolicy：失败后是否继续重试（FixedRetryPolicy、NeverRetryPolicy）
//   - BackoffPolicy：下一次重试前等待多久（FixedBackoff、ExponentialBackoff、NoBackoff）
//   - Retryer：组合两者执行操作，底层使用 [avast/retry-go/v5]
//
//	retryer := xretry.NewRetryer(
//	    xretry.WithRetryPolicy(xretry.NewFixedRetry(5)),
//	    xretry.WithBackoffPolicy(xretry.NewExponentialBackoff()),
//	)
//	err := retryer.Do(ctx, func(ctx context.Context) error {
//	    return store.Delete(ctx, key)
//	})
//
// 用 NewPermanentError 包装的错误不会被重试。
//
// [avast/retry-go/v5]: https://github.com/avast/retry-go
package xretry

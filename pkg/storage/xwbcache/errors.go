package xwbcache

import (
	"errors"
	"fmt"
)

// =============================================================================
// 构造与配置错误
// =============================================================================

var (
	// ErrNilClient 表示传入的 Redis 客户端为 nil。
	ErrNilClient = errors.New("xwbcache: nil client")

	// ErrNilStore 表示传入的后端存储为 nil。
	ErrNilStore = errors.New("xwbcache: nil store")

	// ErrInvalidConfig 表示配置参数无效。
	// 这是一个配置错误，应该在开发阶段修复，构造函数会直接返回。
	ErrInvalidConfig = errors.New("xwbcache: invalid configuration")
)

// =============================================================================
// 请求路径错误
// =============================================================================

var (
	// ErrEmptyKey 表示传入的 key 为空字符串。
	ErrEmptyKey = errors.New("xwbcache: empty key")

	// ErrNotFound 表示 key 不存在或已被逻辑删除（墓碑期内）。
	ErrNotFound = errors.New("xwbcache: not found")

	// ErrClosed 表示 Manager 已经 Shutdown，不再接受请求。
	ErrClosed = errors.New("xwbcache: manager closed")

	// ErrConflict 表示 PUT 的乐观事务在重试上限内始终与并发写冲突。
	ErrConflict = errors.New("xwbcache: write conflict")

	// ErrNilLoader 表示 GetOrLoad 的回源函数为 nil。
	ErrNilLoader = errors.New("xwbcache: nil loader function")

	// ErrAlreadyStarted 表示 Start 被重复调用。
	ErrAlreadyStarted = errors.New("xwbcache: already started")
)

// =============================================================================
// 运行期错误
// =============================================================================

var (
	// ErrStoreUnavailable 表示缓存存储（Redis）暂时不可用。
	// 调用方应视为"未发生任何变更"，稍后重试即可。
	ErrStoreUnavailable = errors.New("xwbcache: cache store unavailable")

	// ErrCallbackFailed 表示用户回调（Store.Put/Store.Delete/CacheWriter）返回错误或 panic。
	ErrCallbackFailed = errors.New("xwbcache: callback failed")

	// ErrProtocolDesync 表示过期通知订阅曾中断，期间的通知可能丢失。
	// 只作为日志中的告警出现，丢失的删除由对账扫描补偿。
	ErrProtocolDesync = errors.New("xwbcache: expiration subscription re-established, events may be lost")

	// ErrShutdownTimeout 表示 Shutdown 在截止时间前未能完成最终刷盘。
	ErrShutdownTimeout = errors.New("xwbcache: shutdown timed out")
)

// ShutdownError 是 Shutdown 超时时返回的错误，携带仍为脏状态的 key 数量。
//
// errors.Is(err, ErrShutdownTimeout) 为 true。
type ShutdownError struct {
	// Remaining 超时时仍未持久化的 key 数量（含已认领未确认的 key）。
	// 统计失败时为 -1。
	Remaining int64
	// Err 导致超时的底层原因，通常是 context.DeadlineExceeded。
	Err error
}

func (e *ShutdownError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %d keys still dirty", ErrShutdownTimeout, e.Remaining)
	}
	return fmt.Sprintf("%s: %d keys still dirty: %v", ErrShutdownTimeout, e.Remaining, e.Err)
}

// Unwrap 返回底层原因。
func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrShutdownTimeout) 成立。
func (e *ShutdownError) Is(target error) bool {
	return target == ErrShutdownTimeout
}

// unavailable 将 Redis 错误包装为 ErrStoreUnavailable，保留原始错误链。
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// callbackFailed 将用户回调错误包装为 ErrCallbackFailed。
func callbackFailed(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ErrCallbackFailed, op, key, err)
}

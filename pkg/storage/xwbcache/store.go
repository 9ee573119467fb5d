package xwbcache

import (
	"context"
	"fmt"
)

//go:generate mockgen -source=store.go -destination=store_mock_test.go -package=xwbcache

// Store 是权威后端存储的写入接口，由刷盘 worker 和删除监听器调用。
//
// 投递语义为至少一次（at-least-once）：
//   - Put 必须幂等（upsert），同一值可能被写入多次
//   - Delete 必须容忍"记录已不存在"，返回 nil
//
// 请求路径（Get/Put/Delete）从不调用 Store。
type Store interface {
	// Put 将 key 的最新值写入后端存储。
	Put(ctx context.Context, key string, value []byte) error

	// Delete 从后端存储中删除 key。
	Delete(ctx context.Context, key string) error
}

// StoreFuncs 将两个函数适配为 Store。
// 任一函数为 nil 时对应操作为空操作。
type StoreFuncs struct {
	PutFunc    func(ctx context.Context, key string, value []byte) error
	DeleteFunc func(ctx context.Context, key string) error
}

// Put 实现 Store。
func (f StoreFuncs) Put(ctx context.Context, key string, value []byte) error {
	if f.PutFunc == nil {
		return nil
	}
	return f.PutFunc(ctx, key, value)
}

// Delete 实现 Store。
func (f StoreFuncs) Delete(ctx context.Context, key string) error {
	if f.DeleteFunc == nil {
		return nil
	}
	return f.DeleteFunc(ctx, key)
}

// CacheWriter 计算 PUT 时写入缓存的表示。
//
// current 为缓存中的当前值（不存在时为 nil），incoming 为请求体。
// 返回值会被写入缓存并作为 PUT 的结果返回。
// 可用于合并局部更新，默认实现直接使用 incoming。
type CacheWriter func(ctx context.Context, key string, current, incoming []byte) ([]byte, error)

// ReplaceWriter 是默认的 CacheWriter：用请求体整体替换旧值。
func ReplaceWriter(_ context.Context, _ string, _, incoming []byte) ([]byte, error) {
	return incoming, nil
}

// LoadFunc 从后端存储读取 key，用于 GetOrLoad 的回源。
// 记录不存在时应返回 ErrNotFound。
type LoadFunc func(ctx context.Context, key string) ([]byte, error)

// safeCall 执行用户回调并将 panic 转为 ErrCallbackFailed。
//
// 回调运行在后台 worker 中，panic 按普通失败处理（重新入队或保留墓碑）。
func safeCall(op, key string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = callbackFailed(op, key, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		return callbackFailed(op, key, err)
	}
	return nil
}

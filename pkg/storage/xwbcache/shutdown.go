package xwbcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/observability/xmetrics"
)

// Shutdown 有序关闭 Manager，在截止时间内完成最终刷盘。
//
// 截止时间取 ctx 的 deadline，没有时使用 ShutdownTimeout。流程：
//  1. 拒绝新的请求（返回 ErrClosed），通知后台 worker 停止
//  2. 等待刷盘 worker 退出，进行中的 Store.Put 允许完成
//  3. 最终刷盘：反复认领并刷盘直到脏集合为空或截止时间到达，
//     已认领未处理的 key 重新入队，保持脏状态
//  4. 处理已逾期的墓碑，等待删除监听器退出订阅
//
// 全部完成返回 nil；截止时间到达或仍有 key 未能持久化时返回 *ShutdownError
// （errors.Is(err, ErrShutdownTimeout) 为 true），未持久化的 key 保留在 Redis 中，
// 由下一个进程的刷盘 worker 继续处理。
//
// 未调用 Start 的 Manager 只拒绝新请求，不做最终刷盘。重复调用返回 ErrClosed。
// 截止时间到达后，传给用户回调的 ctx 会被取消。
func (m *Manager) Shutdown(ctx context.Context) (err error) {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	defer m.callCancel()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ShutdownTimeout)
		defer cancel()
	}
	stopCalls := context.AfterFunc(ctx, m.callCancel)
	defer stopCalls()

	ctx, span := xmetrics.Start(ctx, m.observer, xmetrics.SpanOptions{
		Component: componentName,
		Operation: "shutdown",
		Kind:      xmetrics.KindInternal,
	})
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	m.lifeMu.Lock()
	started := m.started
	if started {
		m.cancel()
	}
	m.lifeMu.Unlock()

	if !started {
		m.logger.Info(ctx, "write-behind cache closed without background workers", xlog.Operation("shutdown"))
		return nil
	}

	start := time.Now()
	m.logger.Info(ctx, "shutting down", xlog.Operation("shutdown"))

	select {
	case <-m.flushDone:
	case <-ctx.Done():
		return m.timeout(ctx, ctx.Err())
	}

	flushed, lastErr := m.finalDrain(ctx)

	swept := m.listener.sweep(ctx, "shutdown")

	select {
	case <-m.done:
	case <-ctx.Done():
		return m.timeout(ctx, ctx.Err())
	}

	if ctx.Err() != nil {
		return m.timeout(ctx, ctx.Err())
	}
	if lastErr != nil {
		return m.timeout(ctx, lastErr)
	}

	m.logger.Info(ctx, "shutdown complete",
		xlog.Operation("shutdown"),
		slog.Int("flushed", flushed),
		slog.Int("tombstones", swept),
		xlog.Duration(time.Since(start)),
	)
	return nil
}

// finalDrain 反复执行刷盘周期直到脏集合为空、截止时间到达或不再有进展。
// 本进程认领后未能确认的 key 会重新入队并在下一轮刷盘；其他实例持有的认领
// 不在此列，由其自身或租约回收处理。
// 返回成功刷盘数量；未能取空时返回最后一次失败的原因。
func (m *Manager) finalDrain(ctx context.Context) (int, error) {
	flushed := 0
	for ctx.Err() == nil {
		res := m.flusher.cycle(ctx, 0)
		flushed += res.flushed
		switch {
		case res.err != nil:
			return flushed, res.err
		case res.halted:
			// 熔断或限流：截止时间内无法继续推进。
			return flushed, ErrCallbackFailed
		case res.drained && res.failed == 0:
			// 脏集合已空，但本进程可能仍有未确认的认领。
			n, err := m.flusher.releaseStranded(ctx)
			if err != nil {
				return flushed, err
			}
			if n == 0 {
				return flushed, nil
			}
		case res.flushed == 0 && res.failed > 0:
			return flushed, ErrCallbackFailed
		}
	}
	return flushed, ctx.Err()
}

// timeout 统计剩余脏 key 并构造 ShutdownError。
func (m *Manager) timeout(ctx context.Context, cause error) error {
	bk, cancel := m.bookkeeping()
	defer cancel()

	remaining, err := m.tracker.DirtyCount(bk)
	if err != nil {
		remaining = -1
	}
	m.logger.Error(ctx, "shutdown did not complete, dirty keys remain in cache",
		xlog.Operation("shutdown"), xlog.Count(remaining), xlog.Err(cause))
	return &ShutdownError{Remaining: remaining, Err: cause}
}

package xwbcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/wbcache/internal/subloop"
	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/observability/xmetrics"
	"github.com/omeyang/wbcache/pkg/resilience/xretry"
)

// maxSweepRounds 单次对账扫描最多处理的批次数，防止积压时长时间占用。
const maxSweepRounds = 10

// listener 是删除事件监听器：订阅墓碑过期事件，认领后调用 Store.Delete。
//
// 过期通知是"发出即忘"的，订阅断开期间的事件会丢失；墓碑索引加周期性
// 对账扫描保证每个墓碑最终都会被处理，认领脚本保证集群内只删除一次。
type listener struct {
	m        *Manager
	channel  string
	retryer  *xretry.Retryer
	sessions atomic.Int64
}

func newListener(m *Manager) *listener {
	return &listener{
		m:       m,
		channel: expiredChannel(m.opts.DB),
		retryer: xretry.NewRetryer(
			xretry.WithRetryPolicy(xretry.NewFixedRetry(m.opts.DeleteAttempts)),
			xretry.WithBackoffPolicy(m.opts.DeleteBackoff),
		),
	}
}

// run 运行监听器直到 ctx 取消。
func (l *listener) run(ctx context.Context) error {
	l.configureNotifications(ctx)

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", l.m.opts.SweepInterval), func() {
		l.sweep(ctx, "periodic")
	}); err != nil {
		return fmt.Errorf("schedule tombstone sweep: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	err := subloop.Run(ctx, l.session,
		subloop.WithBackoff(l.m.opts.ReconnectBackoff),
		subloop.WithOnError(func(err error, attempt int, delay time.Duration) {
			l.m.logger.Warn(ctx, "expiration subscription lost, reconnecting",
				xlog.Err(err),
				slog.Int("attempt", attempt),
				xlog.Duration(delay),
			)
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// configureNotifications 尽力开启过期事件通知。
// 托管 Redis 通常禁用 CONFIG，此时需要由运维预先配置。
func (l *listener) configureNotifications(ctx context.Context) {
	if !l.m.opts.ConfigureNotifications {
		return
	}
	if err := l.m.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		l.m.logger.Warn(ctx, "enable keyspace notifications failed, make sure notify-keyspace-events contains Ex",
			xlog.Err(err))
	}
}

// session 运行一次订阅会话，连接断开时返回错误。
func (l *listener) session(ctx context.Context, ready func()) error {
	ps := l.m.client.Subscribe(ctx, l.channel)
	defer func() { _ = ps.Close() }()

	// 等待订阅确认，之后收到的事件不会丢失。
	if _, err := ps.Receive(ctx); err != nil {
		return unavailable("subscribe", err)
	}
	ready()

	if l.sessions.Add(1) > 1 {
		l.m.stats.resubscribes.Add(1)
		l.m.logger.Warn(ctx, "expiration subscription re-established", xlog.Err(ErrProtocolDesync))
		l.sweep(ctx, "resubscribe")
	}

	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return unavailable("receive", err)
		}
		if key, ok := l.m.ks.keyFromExpired(msg.Payload); ok {
			l.process(key)
		}
	}
}

// process 认领 key 的墓碑并调用 Store.Delete。
//
// 认领失败（标记仍存在、已被其他实例认领）直接返回；删除在重试耗尽后
// 把 key 放回墓碑索引，由后续扫描再次处理。
func (l *listener) process(key string) {
	m := l.m
	bk, cancel := m.bookkeeping()
	defer cancel()

	claim, err := m.tracker.claimTombstone(bk, key)
	if err != nil {
		m.logger.Warn(bk, "claim tombstone failed", xlog.Operation("delete"), xlog.Key(key), xlog.Err(err))
		return
	}
	switch claim {
	case claimTombstoneSkip:
		return
	case claimTombstoneSuperseded:
		m.logger.Debug(bk, "tombstone superseded by a newer write", xlog.Key(key))
		return
	}

	ctx, span := m.startSpan(m.callCtx, xmetrics.KindConsumer, "delete.key", key)
	err = l.retryer.Do(ctx, func(ctx context.Context) error {
		return safeCall("delete", key, func() error { return m.store.Delete(ctx, key) })
	})
	span.End(xmetrics.Result{Err: err})

	if err == nil {
		m.stats.storeDeletes.Add(1)
		return
	}

	m.stats.deleteFailures.Add(1)
	m.logger.Error(bk, "delete from store failed, will retry on sweep",
		xlog.Operation("delete"), xlog.Key(key), xlog.Err(err))
	if rerr := m.tracker.restoreTombstone(bk, key); rerr != nil {
		m.logger.Error(bk, "restore tombstone failed, delete is lost", xlog.Key(key), xlog.Err(rerr))
	}
}

// sweep 处理过期时间已超过 SweepGrace 的墓碑，补偿丢失的过期通知。
// 返回处理的墓碑数量。
func (l *listener) sweep(ctx context.Context, reason string) int {
	m := l.m
	m.stats.sweeps.Add(1)

	processed := 0
	limit := m.settings().batchSize
	for range maxSweepRounds {
		if ctx.Err() != nil {
			break
		}
		cutoff := m.opts.now().Add(-m.opts.SweepGrace)
		keys, err := m.tracker.overdueTombstones(ctx, cutoff, limit)
		if err != nil {
			m.logger.Warn(ctx, "tombstone sweep failed", xlog.Operation("sweep"), xlog.Err(err))
			break
		}
		for _, key := range keys {
			l.process(key)
		}
		processed += len(keys)
		if len(keys) < limit {
			break
		}
	}

	if processed > 0 {
		m.logger.Info(ctx, "tombstone sweep processed overdue tombstones",
			xlog.Operation("sweep"), slog.String("reason", reason), xlog.Count(int64(processed)))
	}
	return processed
}

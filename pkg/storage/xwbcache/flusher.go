package xwbcache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/observability/xmetrics"
)

// flushOutcome 单个 key 的刷盘结果。
type flushOutcome int

const (
	outcomeFlushed flushOutcome = iota // Store.Put 成功
	outcomeSkipped                     // 条目已消失，无需刷盘
	outcomeFailed                      // 失败，已重新入队
	outcomeHalted                      // 限流或熔断，已重新入队，本周期停止
)

// cycleResult 一次刷盘周期的汇总。
type cycleResult struct {
	flushed int
	failed  int
	// drained 为 true 表示本周期结束时脏集合已被取空。
	drained bool
	// halted 为 true 表示因限流或熔断提前结束。
	halted bool
	err     error
}

// flusher 是写回刷盘 worker：Idle → Draining → Flushing(key) → Idle。
type flusher struct {
	m       *Manager
	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit

	// stranded 记录本进程认领后未能确认或放回的 key，
	// 最终刷盘时重新入队，不必等待租约到期。
	strandedMu sync.Mutex
	stranded   map[string]struct{}
}

func newFlusher(m *Manager) *flusher {
	f := &flusher{m: m, stranded: make(map[string]struct{})}
	if n := m.opts.BreakerFailures; n > 0 {
		f.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    componentName + ".store",
			Timeout: m.opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(n)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.logger.Warn(context.Background(), "store breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		})
	}
	if n := m.opts.FlushRateLimit; n > 0 {
		f.limiter = redis_rate.NewLimiter(m.client)
		f.limit = redis_rate.PerSecond(n)
	}
	return f
}

// run 按 FlushInterval 周期刷盘，直到 ctx 取消。
// 每个周期结束后以当前配置重新计时，Reconfigure 的新间隔从下一周期生效。
func (f *flusher) run(ctx context.Context) error {
	timer := time.NewTimer(f.m.settings().flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		f.cycle(ctx, f.m.settings().maxBatches)
		timer.Reset(f.m.settings().flushInterval)
	}
}

// cycle 执行一次刷盘周期，最多处理 maxBatches 批；maxBatches <= 0 表示直到取空。
//
// ctx 只控制是否继续认领新的 key，已认领的 key 要么处理完，要么重新入队。
func (f *flusher) cycle(ctx context.Context, maxBatches int) (res cycleResult) {
	m := f.m
	ctx, span := xmetrics.Start(ctx, m.observer, xmetrics.SpanOptions{
		Component: componentName,
		Operation: "flush.cycle",
		Kind:      xmetrics.KindInternal,
	})
	defer func() {
		m.stats.cycles.Add(1)
		span.End(xmetrics.Result{Err: res.err, Attrs: []xmetrics.Attr{
			xmetrics.Int("wbcache.flushed", res.flushed),
			xmetrics.Int("wbcache.failed", res.failed),
		}})
	}()

	if n, err := m.tracker.RecoverExpiredClaims(ctx, m.opts.now(), m.settings().batchSize); err != nil {
		m.logger.Warn(ctx, "recover expired claims failed", xlog.Operation("flush"), xlog.Err(err))
	} else if n > 0 {
		m.stats.recovered.Add(uint64(n))
		m.logger.Warn(ctx, "recovered claims with expired lease", xlog.Operation("flush"), xlog.Count(int64(n)))
	}

	for batch := 0; maxBatches <= 0 || batch < maxBatches; batch++ {
		if ctx.Err() != nil {
			return res
		}
		size := m.settings().batchSize
		keys, err := m.tracker.DrainDirtyBatch(ctx, size)
		if err != nil {
			// 缓存存储不可用：本周期无可刷盘的 key。
			if ctx.Err() == nil {
				m.logger.Warn(ctx, "drain dirty batch failed", xlog.Operation("flush"), xlog.Err(err))
			}
			res.err = err
			return res
		}
		if len(keys) == 0 {
			res.drained = true
			return res
		}

		out := f.flushBatch(ctx, keys)
		res.flushed += out.flushed
		res.failed += out.failed
		if out.halted {
			res.halted = true
			return res
		}
		if len(keys) < size {
			res.drained = true
			return res
		}
	}
	return res
}

// flushBatch 以 FlushWorkers 的并发度处理一批已认领的 key。
// ctx 取消或遇到限流/熔断后不再启动新的 key，剩余 key 重新入队。
func (f *flusher) flushBatch(ctx context.Context, keys []string) cycleResult {
	var (
		flushed, failed atomic.Int64
		halted          atomic.Bool
		leftover        []string
	)

	g := new(errgroup.Group)
	g.SetLimit(f.m.opts.FlushWorkers)
	for i, key := range keys {
		if ctx.Err() != nil || halted.Load() {
			leftover = keys[i:]
			break
		}
		g.Go(func() error {
			switch f.flushKey(key) {
			case outcomeFlushed:
				flushed.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeHalted:
				halted.Store(true)
			case outcomeSkipped:
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(leftover) > 0 {
		bk, cancel := f.m.bookkeeping()
		f.requeue(bk, leftover...)
		cancel()
	}
	return cycleResult{flushed: int(flushed.Load()), failed: int(failed.Load()), halted: halted.Load()}
}

// flushKey 刷盘单个已认领的 key。
//
// 读取的是认领时刻的最新值；Store.Put 成功后仅当期间没有新的写入才转为干净态。
func (f *flusher) flushKey(key string) (out flushOutcome) {
	m := f.m
	ctx, span := m.startSpan(m.callCtx, xmetrics.KindClient, "flush.key", key)
	var err error
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	bk, cancel := m.bookkeeping()
	defer cancel()

	value, rerr := m.client.HGet(bk, m.ks.value(key), fieldValue).Bytes()
	if errors.Is(rerr, redis.Nil) {
		// 认领后被删除：DELETE 取代待刷盘的写入。
		if aerr := m.tracker.Ack(bk, key); aerr != nil {
			m.logger.Warn(bk, "ack claim failed", xlog.Key(key), xlog.Err(aerr))
			f.strand(key)
		}
		return outcomeSkipped
	}
	if rerr != nil {
		err = unavailable("read value", rerr)
		m.logger.Warn(bk, "read value for flush failed", xlog.Key(key), xlog.Err(err))
		f.requeue(bk, key)
		return outcomeFailed
	}

	if f.limiter != nil {
		res, lerr := f.limiter.Allow(bk, m.ks.rateLimit(), f.limit)
		if lerr != nil {
			m.logger.Debug(bk, "flush rate limiter unavailable, continuing", xlog.Err(lerr))
		} else if res.Allowed == 0 {
			f.requeue(bk, key)
			return outcomeHalted
		}
	}

	err = f.put(ctx, key, value)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		f.requeue(bk, key)
		return outcomeHalted
	}
	if err != nil {
		m.stats.flushFailures.Add(1)
		m.logger.Warn(bk, "flush to store failed", xlog.Operation("flush"), xlog.Key(key), xlog.Err(err))
		f.requeue(bk, key)
		return outcomeFailed
	}

	clean, cerr := m.tracker.MarkClean(bk, key, value)
	switch {
	case cerr != nil:
		// 已持久化但未能确认：认领保留到租约到期后重新刷盘，Store.Put 幂等。
		m.logger.Warn(bk, "mark clean failed", xlog.Key(key), xlog.Err(cerr))
		m.stats.flushed.Add(1)
		f.strand(key)
	case clean:
		m.stats.flushed.Add(1)
	default:
		m.stats.superseded.Add(1)
	}
	return outcomeFlushed
}

// put 调用 Store.Put，经过熔断器（若启用）。
func (f *flusher) put(ctx context.Context, key string, value []byte) error {
	call := func() error {
		return safeCall("put", key, func() error { return f.m.store.Put(ctx, key, value) })
	}
	if f.breaker == nil {
		return call()
	}
	_, err := f.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, call()
	})
	return err
}

func (f *flusher) requeue(ctx context.Context, keys ...string) {
	n, err := f.m.tracker.Requeue(ctx, keys...)
	f.m.stats.requeued.Add(uint64(n))
	if err != nil {
		// 未能放回的 key 仍在在途集合中，租约到期后会被回收。
		f.m.logger.Error(ctx, "requeue failed", xlog.Count(int64(len(keys)-n)), xlog.Err(err))
		f.strand(keys...)
	}
}

func (f *flusher) strand(keys ...string) {
	f.strandedMu.Lock()
	defer f.strandedMu.Unlock()
	for _, key := range keys {
		f.stranded[key] = struct{}{}
	}
}

// releaseStranded 把仍在在途集合中的滞留 key 放回脏集合，返回放回数量。
// 已被租约回收或已处理的 key 直接移出记录。
func (f *flusher) releaseStranded(ctx context.Context) (int, error) {
	f.strandedMu.Lock()
	keys := make([]string, 0, len(f.stranded))
	for key := range f.stranded {
		keys = append(keys, key)
	}
	f.strandedMu.Unlock()

	released := 0
	for _, key := range keys {
		err := f.m.client.ZScore(ctx, f.m.ks.inflight(), key).Err()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return released, unavailable("release stranded", err)
		default:
			n, rerr := f.m.tracker.Requeue(ctx, key)
			if rerr != nil {
				return released, rerr
			}
			released += n
		}
		f.strandedMu.Lock()
		delete(f.stranded, key)
		f.strandedMu.Unlock()
	}
	return released, nil
}

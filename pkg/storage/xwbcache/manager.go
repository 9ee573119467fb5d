package xwbcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/omeyang/wbcache/pkg/lifecycle/xrun"
	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/observability/xmetrics"
)

const (
	componentName = "xwbcache"

	// bookkeepingTimeout 限制后台簿记操作（认领、确认、重新入队）的耗时。
	// 簿记使用独立于关闭截止时间的 context，保证超时后仍能把 key 放回脏集合。
	bookkeepingTimeout = 5 * time.Second

	// loadTimeout GetOrLoad 回源的独立超时，与 singleflight 中首个调用方的取消解耦。
	loadTimeout = 30 * time.Second
)

// Manager 是写回缓存管理器。
//
// 请求路径（Get/Put/Delete 等）只访问 Redis，从不调用后端存储；
// Start 后由两个后台 worker 负责与后端存储的同步：
//   - 刷盘 worker 周期性地认领脏 key 并调用 Store.Put
//   - 删除监听器订阅墓碑过期事件并调用 Store.Delete
//
// Shutdown 有序停止后台 worker，并在截止时间内完成最终刷盘。
// 多个 Manager（可在不同进程）共享同一命名空间时，协调全部通过 Redis 原子操作完成。
type Manager struct {
	client   redis.UniversalClient
	store    Store
	opts     *Options
	ks       keyspace
	tracker  *Tracker
	current  atomic.Pointer[settings]
	logger   xlog.Logger
	observer xmetrics.Observer
	stats    stats
	loads    singleflight.Group
	id       string

	flusher  *flusher
	listener *listener

	// callCtx 传给用户回调，Shutdown 截止时间到达时取消。
	callCtx    context.Context
	callCancel context.CancelFunc

	lifeMu    sync.Mutex
	started   bool
	closed    atomic.Bool
	cancel    context.CancelFunc
	flushDone chan struct{}
	done      chan struct{}
}

// New 创建 Manager。
//
// client 为共享的 Redis 客户端（单机、哨兵或集群），store 为权威后端存储。
// 创建后请求路径即可使用，调用 Start 启动后台 worker。
func New(client redis.UniversalClient, store Store, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if store == nil {
		return nil, ErrNilStore
	}

	options := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = xlog.Default()
	}

	m := &Manager{
		client:   client,
		store:    store,
		opts:     options,
		ks:       newKeyspace(options.Namespace),
		observer: options.Observer,
		id:       uuid.NewString(),
		done:     make(chan struct{}),
	}
	m.logger = options.Logger.With(
		xlog.Component(componentName),
		slog.String("namespace", options.Namespace),
		slog.String("instance", m.id),
	)
	m.current.Store(settingsFrom(options))
	m.tracker = newTracker(client, m.ks, options, m.settings)
	m.callCtx, m.callCancel = context.WithCancel(context.Background())
	m.flusher = newFlusher(m)
	m.listener = newListener(m)
	return m, nil
}

// Start 启动刷盘 worker 和删除监听器。
//
// ctx 取消时 worker 停止但不执行最终刷盘，正常退出请调用 Shutdown。
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(ctx)
	g, gctx := xrun.NewGroup(workerCtx, xrun.WithName(componentName), xrun.WithLogger(m.logger))

	m.flushDone = make(chan struct{})
	g.GoWithName("flusher", func(ctx context.Context) error {
		defer close(m.flushDone)
		return m.flusher.run(ctx)
	})
	g.GoWithName("listener", m.listener.run)

	go func() {
		defer close(m.done)
		if err := g.Wait(); err != nil {
			m.logger.Warn(gctx, "background workers exited", xlog.Err(err))
		}
	}()

	m.cancel = cancel
	m.started = true
	m.logger.Info(ctx, "write-behind cache started",
		xlog.Duration(m.settings().flushInterval),
		slog.String("channel", m.listener.channel),
	)
	return nil
}

// Done 返回后台 worker 全部退出后关闭的 channel。
// 未调用 Start 时永不关闭。
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ID 返回本实例的唯一标识，出现在所有日志中。
func (m *Manager) ID() string {
	return m.id
}

// Tracker 返回 key 状态跟踪器。
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Stats 返回本进程的计数器快照。
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

func (m *Manager) settings() *settings {
	return m.current.Load()
}

// check 校验请求入口的公共前置条件。
func (m *Manager) check(key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}

func (m *Manager) startSpan(ctx context.Context, kind xmetrics.Kind, op, key string) (context.Context, xmetrics.Span) {
	return xmetrics.Start(ctx, m.observer, xmetrics.SpanOptions{
		Component: componentName,
		Operation: op,
		Kind:      kind,
		Attrs:     []xmetrics.Attr{xmetrics.String("wbcache.key", key)},
	})
}

// endResult 构造跨度结果，ErrNotFound 不视为失败。
func endResult(err error) xmetrics.Result {
	if errors.Is(err, ErrNotFound) {
		return xmetrics.Result{Status: xmetrics.StatusOK}
	}
	return xmetrics.Result{Err: err}
}

// bookkeeping 返回后台簿记使用的 context：不随 Shutdown 截止时间取消，但有独立超时。
func (m *Manager) bookkeeping() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(m.callCtx), bookkeepingTimeout)
}

// =============================================================================
// 请求路径
// =============================================================================

// Get 返回 key 的缓存值。
//
// 墓碑期内或不存在时返回 ErrNotFound；不会回源，回源请使用 GetOrLoad。
func (m *Manager) Get(ctx context.Context, key string) (value []byte, err error) {
	if err := m.check(key); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, xmetrics.KindInternal, "get", key)
	defer func() { span.End(endResult(err)) }()

	m.stats.gets.Add(1)
	s, err := m.tracker.scripts.get.Run(ctx, m.client,
		[]string{m.ks.value(key), m.ks.tombstone(key)},
	).Text()
	if errors.Is(err, redis.Nil) {
		m.stats.misses.Add(1)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	m.stats.hits.Add(1)
	return []byte(s), nil
}

// Put 写入 key 并标记为脏，返回实际写入缓存的表示。
//
// 写入立即对 Get 可见，由刷盘 worker 异步持久化；同一 key 在刷盘前的多次写入
// 只会持久化最新值。墓碑期内的 key 返回 ErrNotFound。
//
// CacheWriter 在乐观事务中调用，与并发写冲突时会以最新的 current 重新调用，
// 因此必须是无副作用的纯函数。
func (m *Manager) Put(ctx context.Context, key string, value []byte) (stored []byte, err error) {
	if err := m.check(key); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, xmetrics.KindInternal, "put", key)
	defer func() { span.End(endResult(err)) }()

	valKey, tombKey := m.ks.value(key), m.ks.tombstone(key)
	txn := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, tombKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrNotFound
		}

		current, err := tx.HGet(ctx, valKey, fieldValue).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		out, err := m.write(ctx, key, current, value)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, valKey, fieldValue, out, fieldModified, strconv.FormatInt(m.opts.now().UnixMilli(), 10))
			pipe.Persist(ctx, valKey)
			pipe.SAdd(ctx, m.ks.dirty(), key)
			// 标记已过期的旧墓碑由本次写入取代。
			pipe.ZRem(ctx, m.ks.tombstones(), key)
			return nil
		})
		if err == nil {
			stored = out
		}
		return err
	}

	for range m.opts.MaxTxRetries {
		err = m.client.Watch(ctx, txn, valKey, tombKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil:
		m.stats.puts.Add(1)
		return stored, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, fmt.Errorf("%w: key %q after %d attempts", ErrConflict, key, m.opts.MaxTxRetries)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCallbackFailed):
		return nil, err
	default:
		return nil, unavailable("put", err)
	}
}

// write 调用 CacheWriter，panic 转为 ErrCallbackFailed。
func (m *Manager) write(ctx context.Context, key string, current, incoming []byte) (out []byte, err error) {
	err = safeCall("cache write", key, func() error {
		var werr error
		out, werr = m.opts.CacheWriter(ctx, key, current, incoming)
		return werr
	})
	return out, err
}

// Delete 逻辑删除 key。
//
// 缓存值和尚未刷盘的写入立即丢弃，Get 随即返回 ErrNotFound；
// 墓碑在 TombstoneTTL 后过期，由删除监听器调用 Store.Delete。
// 重复删除会重新计时。
func (m *Manager) Delete(ctx context.Context, key string) (err error) {
	if err := m.check(key); err != nil {
		return err
	}
	ctx, span := m.startSpan(ctx, xmetrics.KindInternal, "delete", key)
	defer func() { span.End(endResult(err)) }()

	if err := m.tracker.MarkTombstoned(ctx, key, m.settings().tombstoneTTL); err != nil {
		return err
	}
	m.stats.deletes.Add(1)
	return nil
}

// Populate 把从后端读到的值作为干净条目写入缓存（带 CleanTTL）。
//
// 仅当 key 不存在时写入，返回是否写入。墓碑期内以及标记过期但后端删除
// 尚未完成时返回 ErrNotFound，避免把即将删除的记录重新载入缓存。
// 典型用法是 Get 未命中后回源填充，见 GetOrLoad。
func (m *Manager) Populate(ctx context.Context, key string, value []byte) (bool, error) {
	if err := m.check(key); err != nil {
		return false, err
	}
	n, err := m.tracker.scripts.populate.Run(ctx, m.client,
		[]string{m.ks.value(key), m.ks.tombstone(key), m.ks.tombstones()},
		value, m.opts.now().UnixMilli(), m.settings().cleanTTL.Milliseconds(), key,
	).Int()
	if err != nil {
		return false, unavailable("populate", err)
	}
	switch n {
	case populateTombstoned:
		return false, ErrNotFound
	case populateExists:
		return false, nil
	default:
		return true, nil
	}
}

// GetOrLoad 先读缓存，未命中时调用 load 回源并填充为干净条目。
//
// 同一 key 的并发回源通过 singleflight 合并。删除尚未完成的 key 不回源，
// 直接返回 ErrNotFound；load 返回的 ErrNotFound 原样传递。
func (m *Manager) GetOrLoad(ctx context.Context, key string, load LoadFunc) ([]byte, error) {
	if load == nil {
		return nil, ErrNilLoader
	}
	v, err := m.Get(ctx, key)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return v, err
	}
	pending, err := m.tracker.deletePending(ctx, key)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrNotFound
	}

	res, err, _ := m.loads.Do(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return m.load(loadCtx, key, load)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (m *Manager) load(ctx context.Context, key string, load LoadFunc) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = callbackFailed("load", key, fmt.Errorf("panic: %v", r))
		}
	}()

	value, err = load(ctx, key)
	if err != nil {
		return nil, err
	}
	stored, err := m.Populate(ctx, key, value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		m.logger.Warn(ctx, "populate after load failed", xlog.Key(key), xlog.Err(err))
		return value, nil
	}
	if !stored {
		// 回源期间已有新的写入，以缓存为准。
		if cached, gerr := m.Get(ctx, key); gerr == nil {
			return cached, nil
		}
	}
	return value, nil
}

// State 返回 key 的当前状态。
func (m *Manager) State(ctx context.Context, key string) (KeyState, error) {
	if err := m.check(key); err != nil {
		return StateAbsent, err
	}
	return m.tracker.State(ctx, key)
}

// Flush 同步执行一次刷盘周期，返回成功持久化的 key 数量。
//
// 与后台刷盘 worker 并发执行是安全的，每个 key 只会被其中一方认领。
func (m *Manager) Flush(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	res := m.flusher.cycle(ctx, m.settings().maxBatches)
	return res.flushed, res.err
}

// Reconfigure 热更新 FlushInterval、BatchSize、MaxBatchesPerCycle、CleanTTL、TombstoneTTL。
//
// 其余字段（命名空间、DB 等）只在 New 时生效，此处忽略。
// 新的刷盘周期从下一次计时开始生效。
func (m *Manager) Reconfigure(cfg Config) error {
	next := *m.opts
	cfg.apply(&next)
	if err := next.validate(); err != nil {
		return err
	}
	s := settingsFrom(&next)
	m.current.Store(s)
	m.logger.Info(context.Background(), "configuration reloaded",
		xlog.Duration(s.flushInterval),
		slog.Int("batch_size", s.batchSize),
		slog.Duration("clean_ttl", s.cleanTTL),
		slog.Duration("tombstone_ttl", s.tombstoneTTL),
	)
	return nil
}

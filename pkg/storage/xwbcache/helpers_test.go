package xwbcache

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/resilience/xretry"
)

// =============================================================================
// 测试辅助函数
// =============================================================================

// fakeClock 是可手动推进的时钟，驱动租约、墓碑过期时间和对账扫描的截止点。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func withClock(c *fakeClock) Option {
	return func(o *Options) {
		o.now = c.Now
	}
}

// memStore 是记录全部调用的内存后端存储。
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	puts    []string
	deletes []string

	// putErr/deleteErr 非 nil 时决定对应调用的返回值。
	putErr    func(key string, value []byte) error
	deleteErr func(key string) error
	// onPut 在写入生效前调用，可用于在刷盘途中插入并发操作。
	onPut func(key string, value []byte)
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	hook, fail := s.onPut, s.putErr
	s.mu.Unlock()

	if hook != nil {
		hook(key, value)
	}
	if fail != nil {
		if err := fail(key, value); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, key)
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	fail := s.deleteErr
	s.mu.Unlock()

	if fail != nil {
		if err := fail(key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, key)
	delete(s.data, key)
	return nil
}

func (s *memStore) setPutErr(fn func(key string, value []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = fn
}

func (s *memStore) setDeleteErr(fn func(key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr = fn
}

func (s *memStore) setOnPut(fn func(key string, value []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPut = fn
}

func (s *memStore) value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *memStore) putCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return count(s.puts, key)
}

func (s *memStore) deleteCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return count(s.deletes, key)
}

func (s *memStore) totalPuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func count(list []string, key string) int {
	n := 0
	for _, k := range list {
		if k == key {
			n++
		}
	}
	return n
}

// testEnv 组合 miniredis、客户端、假时钟与内存存储。
type testEnv struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	clock  *fakeClock
	store  *memStore
	m      *Manager
}

// discardLogger 返回丢弃全部输出的日志记录器。
func discardLogger(t *testing.T) xlog.Logger {
	t.Helper()
	logger, cleanup, err := xlog.New().SetOutput(io.Discard).SetLevel(xlog.LevelDebug).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	return logger
}

// newTestClient 连接到 mr。
func newTestClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 200 * time.Millisecond,
		PoolSize:    8,
		MaxRetries:  1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newTestEnv 创建未启动的 Manager。
//
// 默认刷盘周期和扫描周期都很长，测试通过 Flush 与手动发布过期事件驱动；
// 额外的 opts 在默认值之后应用。
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	env := &testEnv{
		mr:     mr,
		client: newTestClient(t, mr),
		clock:  newFakeClock(),
		store:  newMemStore(),
	}

	base := []Option{
		WithLogger(discardLogger(t)),
		withClock(env.clock),
		WithNotificationConfig(false),
		WithFlushInterval(time.Hour),
		WithSweep(time.Hour, 0),
		WithTombstoneTTL(time.Second),
		WithDeleteRetry(3, xretry.NewNoBackoff()),
		WithReconnectBackoff(xretry.NewFixedBackoff(10 * time.Millisecond)),
	}
	m, err := New(env.client, env.store, append(base, opts...)...)
	require.NoError(t, err)
	env.m = m
	return env
}

// start 启动后台 worker，并在测试结束时关闭。
// 返回前等待过期事件订阅就绪。
func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.m.Shutdown(ctx)
	})
	e.waitSubscribed(t)
}

// waitSubscribed 等待监听器完成订阅：发布一条不属于本命名空间的探测消息，
// 直到订阅者数量大于 0。
func (e *testEnv) waitSubscribed(t *testing.T) {
	t.Helper()
	channel := expiredChannel(e.m.opts.DB)
	require.Eventually(t, func() bool {
		return e.mr.Publish(channel, "probe") > 0
	}, 2*time.Second, 5*time.Millisecond)
}

// expire 模拟墓碑到期：让 miniredis 中的标记过期，并发布 keyevent 通知。
// miniredis 不产生 keyspace 通知，因此由测试代为发布。
func (e *testEnv) expire(key string) {
	e.mr.FastForward(e.m.settings().tombstoneTTL)
	e.publishExpired(key)
}

func (e *testEnv) publishExpired(key string) {
	e.mr.Publish(expiredChannel(e.m.opts.DB), e.m.ks.tombstone(key))
}

func (e *testEnv) state(t *testing.T, key string) KeyState {
	t.Helper()
	s, err := e.m.State(context.Background(), key)
	require.NoError(t, err)
	return s
}

func (e *testEnv) put(t *testing.T, key, value string) {
	t.Helper()
	_, err := e.m.Put(context.Background(), key, []byte(value))
	require.NoError(t, err)
}

package xwbcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_FlushesAllDirtyKeys(t *testing.T) {
	env := newTestEnv(t, WithBatchSize(16))
	env.start(t)
	ctx := context.Background()

	const total = 100
	for i := range total {
		env.put(t, fmt.Sprintf("k%03d", i), fmt.Sprintf("v%d", i))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, env.m.Shutdown(shutdownCtx))

	for i := range total {
		key := fmt.Sprintf("k%03d", i)
		v, ok := env.store.value(key)
		require.True(t, ok, key)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(v))

		s, err := env.m.Tracker().State(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, StateClean, s, key)
	}

	select {
	case <-env.m.Done():
	default:
		t.Fatal("background workers still running after shutdown")
	}
}

func TestShutdown_ProcessesOverdueTombstones(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	ctx := context.Background()
	require.NoError(t, env.m.Delete(ctx, "a"))
	env.mr.FastForward(time.Second)
	env.clock.Advance(time.Second)

	require.NoError(t, env.m.Shutdown(ctx))
	assert.Equal(t, 1, env.store.deleteCount("a"))
}

func TestShutdown_Twice(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	require.NoError(t, env.m.Shutdown(context.Background()))
	assert.ErrorIs(t, env.m.Shutdown(context.Background()), ErrClosed)
}

func TestShutdown_NeverStarted(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "a", "v")

	require.NoError(t, env.m.Shutdown(context.Background()))

	// 没有后台 worker 时不做最终刷盘，key 保留给其他实例。
	assert.Zero(t, env.store.totalPuts())
	s, err := env.m.Tracker().State(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StateDirty, s)
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	env := newTestEnv(t)
	blocking := StoreFuncs{
		PutFunc: func(ctx context.Context, _ string, _ []byte) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	m, err := New(env.client, blocking,
		WithLogger(discardLogger(t)),
		WithNotificationConfig(false),
		WithFlushInterval(time.Hour),
		WithSweep(time.Hour, 0),
	)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	_, err = m.Put(context.Background(), "a", []byte("v"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = m.Shutdown(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.ErrorIs(t, err, ErrShutdownTimeout)
	var se *ShutdownError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int64(1), se.Remaining)

	// 未持久化的 key 留在脏集合中，等待下一个进程。
	s, err := m.Tracker().State(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StateDirty, s)
	n, err := m.Tracker().DirtyCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, env.mr.Exists(m.ks.inflight()))

	<-m.Done()

	// 下一个实例接管同一命名空间，刷盘完成剩余的 key。
	successor, err := New(env.client, env.store,
		WithLogger(discardLogger(t)),
		WithNotificationConfig(false),
		WithFlushInterval(time.Hour),
		WithSweep(time.Hour, 0),
	)
	require.NoError(t, err)
	flushed, err := successor.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 1, env.store.putCount("a"))
	v, ok := env.store.value("a")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	s, err = successor.State(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StateClean, s)
	require.NoError(t, successor.Shutdown(context.Background()))
}

func TestShutdown_RequeuesStrandedClaims(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	ctx := context.Background()
	env.put(t, "a", "v")
	env.put(t, "b", "w")

	// 两个认领都未确认；只有 a 属于本进程未能确认的认领。
	claimed, err := env.m.Tracker().DrainDirtyBatch(ctx, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, claimed)
	env.m.flusher.strand("a")

	require.NoError(t, env.m.Shutdown(ctx))

	assert.Equal(t, 1, env.store.putCount("a"))
	s, err := env.m.Tracker().State(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateClean, s)
	// 其他持有者的认领保留到租约到期。
	assert.Zero(t, env.store.putCount("b"))
	n, err := env.m.Tracker().DirtyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFlusher_ReleaseStranded_SkipsResolvedKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.put(t, "a", "v")
	env.m.flusher.strand("a", "gone")

	// a 已不在在途集合中（例如已被租约回收并刷盘）。
	n, err := env.m.flusher.releaseStranded(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, env.m.flusher.stranded)
	assert.Equal(t, StateDirty, env.state(t, "a"))
}

func TestShutdown_DefaultTimeout(t *testing.T) {
	env := newTestEnv(t)
	blocking := StoreFuncs{
		PutFunc: func(ctx context.Context, _ string, _ []byte) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	m, err := New(env.client, blocking,
		WithLogger(discardLogger(t)),
		WithNotificationConfig(false),
		WithFlushInterval(time.Hour),
		WithShutdownTimeout(100*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	_, err = m.Put(context.Background(), "a", []byte("v"))
	require.NoError(t, err)

	err = m.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	<-m.Done()
}

func TestShutdown_StoreFailingReportsRemaining(t *testing.T) {
	env := newTestEnv(t, WithBreaker(0, 0))
	env.start(t)
	for i := range 3 {
		env.put(t, fmt.Sprintf("k%d", i), "v")
	}
	env.store.setPutErr(func(string, []byte) error { return errStoreDown })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := env.m.Shutdown(ctx)

	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.ErrorIs(t, err, ErrCallbackFailed)
	var se *ShutdownError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int64(3), se.Remaining)
}

func TestShutdownError(t *testing.T) {
	err := &ShutdownError{Remaining: 2, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "2 keys still dirty")

	bare := &ShutdownError{Remaining: -1}
	assert.True(t, errors.Is(bare, ErrShutdownTimeout))
	assert.Contains(t, bare.Error(), "-1 keys still dirty")
}

package xwbcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// settle 给监听器留出处理事件的时间，用于断言"没有发生"的场景。
const settle = 100 * time.Millisecond

func TestListener_ExpiredTombstoneDeletesFromStore(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	ctx := context.Background()
	env.put(t, "a", "v")
	require.NoError(t, env.m.Delete(ctx, "a"))

	env.expire("a")

	require.Eventually(t, func() bool { return env.store.deleteCount("a") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAbsent, env.state(t, "a"))
	assert.False(t, env.mr.Exists(env.m.ks.tombstones()))
	assert.Zero(t, env.store.putCount("a"), "put then delete must never reach Store.Put")

	// 重复事件不会再次删除。
	env.publishExpired("a")
	time.Sleep(settle)
	assert.Equal(t, 1, env.store.deleteCount("a"))
	assert.Equal(t, uint64(1), env.m.Stats().StoreDeletes)
}

func TestListener_MarkerStillAliveIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	require.NoError(t, env.m.Delete(context.Background(), "a"))

	// 例如重复删除刷新了标记，旧事件到达时标记仍存在。
	env.publishExpired("a")
	time.Sleep(settle)

	assert.Zero(t, env.store.deleteCount("a"))
	assert.Equal(t, StateTombstoned, env.state(t, "a"))
}

func TestListener_ForeignNamespaceIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	require.NoError(t, env.m.Delete(context.Background(), "a"))
	env.mr.FastForward(time.Second)

	env.mr.Publish(expiredChannel(0), "{other}:del:a")
	time.Sleep(settle)

	assert.Zero(t, env.store.deleteCount("a"))
}

func TestListener_PutAfterExpirySupersedesDelete(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	require.NoError(t, env.m.Delete(context.Background(), "a"))
	env.mr.FastForward(time.Second)
	env.put(t, "a", "reborn")

	env.publishExpired("a")

	require.Eventually(t, func() bool {
		return !env.mr.Exists(env.m.ks.tombstones())
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, env.store.deleteCount("a"))
	assert.Equal(t, StateDirty, env.state(t, "a"))
}

func TestListener_ReadThroughAfterMarkerExpiryStillDeletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.data["user:1"] = []byte("old")
	require.NoError(t, env.m.Delete(ctx, "user:1"))

	// 标记已过期，过期事件尚未处理。
	env.mr.FastForward(env.m.settings().tombstoneTTL)
	loader := func(_ context.Context, key string) ([]byte, error) {
		if v, ok := env.store.value(key); ok {
			return v, nil
		}
		return nil, ErrNotFound
	}
	_, err := env.m.GetOrLoad(ctx, "user:1", loader)
	require.ErrorIs(t, err, ErrNotFound, "a row awaiting deletion must not be reloaded")
	_, err = env.m.Populate(ctx, "user:1", []byte("old"))
	require.ErrorIs(t, err, ErrNotFound)

	env.m.listener.process("user:1")

	assert.Equal(t, 1, env.store.deleteCount("user:1"))
	_, ok := env.store.value("user:1")
	assert.False(t, ok)
	_, err = env.m.Get(ctx, "user:1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, env.mr.Exists(env.m.ks.tombstones()))
}

func TestListener_DeleteRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	var attempts atomic.Int32
	env.store.setDeleteErr(func(string) error {
		if attempts.Add(1) < 3 {
			return errStoreDown
		}
		return nil
	})
	require.NoError(t, env.m.Delete(context.Background(), "a"))

	env.expire("a")

	require.Eventually(t, func() bool { return env.store.deleteCount("a") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Zero(t, env.m.Stats().DeleteFailures)
}

func TestListener_DeleteFailureIsRetriedBySweep(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	ctx := context.Background()
	env.store.setDeleteErr(func(string) error { return errStoreDown })
	require.NoError(t, env.m.Delete(ctx, "a"))

	env.expire("a")

	require.Eventually(t, func() bool { return env.m.Stats().DeleteFailures == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := env.mr.ZScore(env.m.ks.tombstones(), "a")
		return err == nil
	}, time.Second, 5*time.Millisecond, "failed delete must return to the tombstone index")

	env.store.setDeleteErr(nil)
	assert.Equal(t, 1, env.m.listener.sweep(ctx, "test"))
	assert.Equal(t, 1, env.store.deleteCount("a"))
}

func TestListener_Sweep_RecoversLostNotifications(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.m.Delete(ctx, "a"))
	require.NoError(t, env.m.Delete(ctx, "b"))

	// 标记未过期时不处理。
	assert.Zero(t, env.m.listener.sweep(ctx, "test"))

	// 过期通知丢失：标记已过期，但没有事件。
	env.mr.FastForward(time.Second)
	env.clock.Advance(time.Second)

	assert.Equal(t, 2, env.m.listener.sweep(ctx, "test"))
	assert.Equal(t, 1, env.store.deleteCount("a"))
	assert.Equal(t, 1, env.store.deleteCount("b"))
	assert.Zero(t, env.m.listener.sweep(ctx, "test"))
	assert.Equal(t, uint64(3), env.m.Stats().Sweeps)
}

func TestListener_Sweep_RespectsGrace(t *testing.T) {
	env := newTestEnv(t, WithSweep(time.Hour, 5*time.Second))
	ctx := context.Background()
	require.NoError(t, env.m.Delete(ctx, "a"))
	env.mr.FastForward(time.Second)

	env.clock.Advance(2 * time.Second)
	assert.Zero(t, env.m.listener.sweep(ctx, "test"))

	env.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, env.m.listener.sweep(ctx, "test"))
	assert.Equal(t, 1, env.store.deleteCount("a"))
}

func TestListener_Sweep_ProcessesMultipleBatches(t *testing.T) {
	env := newTestEnv(t, WithBatchSize(2))
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, env.m.Delete(ctx, k))
	}
	env.mr.FastForward(time.Second)
	env.clock.Advance(time.Second)

	assert.Equal(t, 5, env.m.listener.sweep(ctx, "test"))
	assert.False(t, env.mr.Exists(env.m.ks.tombstones()))
}

func TestListener_PeriodicSweep(t *testing.T) {
	env := newTestEnv(t, WithSweep(time.Second, 0))
	env.start(t)
	require.NoError(t, env.m.Delete(context.Background(), "a"))
	env.mr.FastForward(time.Second)
	env.clock.Advance(time.Second)

	// 不发布事件，只依赖周期扫描。
	require.Eventually(t, func() bool { return env.store.deleteCount("a") == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestListener_ResubscribeSweepsMissedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	require.NoError(t, env.m.Delete(context.Background(), "lost"))
	env.mr.FastForward(time.Second)
	env.clock.Advance(time.Second)

	// 断线期间的过期事件丢失。
	env.mr.Close()
	require.NoError(t, env.mr.Restart())

	require.Eventually(t, func() bool { return env.m.Stats().Resubscribes >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return env.store.deleteCount("lost") == 1 }, 5*time.Second, 10*time.Millisecond)

	// 重连后继续处理新的事件。
	env.waitSubscribed(t)
	require.NoError(t, env.m.Delete(context.Background(), "after"))
	env.expire("after")
	require.Eventually(t, func() bool { return env.store.deleteCount("after") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestListener_ExactlyOnceAcrossInstances(t *testing.T) {
	env := newTestEnv(t)
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)

	var deleted atomic.Int32
	store.EXPECT().Delete(gomock.Any(), "a").DoAndReturn(func(context.Context, string) error {
		deleted.Add(1)
		return nil
	}).Times(1)

	var managers []*Manager
	for range 3 {
		m, err := New(env.client, store,
			WithLogger(discardLogger(t)),
			WithNotificationConfig(false),
			WithFlushInterval(time.Hour),
			WithSweep(time.Hour, 0),
			WithTombstoneTTL(time.Second),
		)
		require.NoError(t, err)
		require.NoError(t, m.Start(context.Background()))
		managers = append(managers, m)
	}
	t.Cleanup(func() {
		for _, m := range managers {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = m.Shutdown(ctx)
			cancel()
		}
	})
	channel := expiredChannel(0)
	require.Eventually(t, func() bool {
		return env.mr.Publish(channel, "probe") >= len(managers)
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, managers[0].Delete(context.Background(), "a"))
	env.mr.FastForward(time.Second)
	env.mr.Publish(channel, managers[0].ks.tombstone("a"))

	require.Eventually(t, func() bool { return deleted.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(settle)
	assert.Equal(t, int32(1), deleted.Load())
}

//go:build integration

package xwbcache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/omeyang/wbcache/pkg/resilience/xretry"
)

// =============================================================================
// 测试环境设置
// =============================================================================

func setupRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	if addr := os.Getenv("WBCACHE_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			t.Skipf("无法连接到 Redis %s: %v", addr, err)
		}
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7.2-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newIntegrationManager 在真实 Redis 上创建并启动 Manager，每个测试使用独立命名空间。
func newIntegrationManager(t *testing.T, client redis.UniversalClient, store Store, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithNamespace(fmt.Sprintf("it-%d", time.Now().UnixNano())),
		WithLogger(discardLogger(t)),
		WithFlushInterval(50 * time.Millisecond),
		WithTombstoneTTL(200 * time.Millisecond),
		WithSweep(time.Hour, 0),
		WithDeleteRetry(3, xretry.NewNoBackoff()),
	}
	m, err := New(client, store, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// =============================================================================
// 端到端
// =============================================================================

func TestIntegration_WriteBehindLifecycle(t *testing.T) {
	client := setupRedis(t)
	store := newMemStore()
	m := newIntegrationManager(t, client, store)
	ctx := context.Background()

	_, err := m.Put(ctx, "order:1", []byte("v1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok := store.value("order:1")
		return ok && string(v) == "v1"
	}, 5*time.Second, 20*time.Millisecond)

	_, err = m.Put(ctx, "order:1", []byte("v2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := store.value("order:1")
		return string(v) == "v2"
	}, 5*time.Second, 20*time.Millisecond)

	// 真实的 keyevent 过期通知驱动后端删除。
	require.NoError(t, m.Delete(ctx, "order:1"))
	require.Eventually(t, func() bool { return store.deleteCount("order:1") == 1 }, 5*time.Second, 20*time.Millisecond)

	s, err := m.State(ctx, "order:1")
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, s)
}

func TestIntegration_PutThenDeleteBeforeFlush(t *testing.T) {
	client := setupRedis(t)
	store := newMemStore()
	m := newIntegrationManager(t, client, store, WithFlushInterval(time.Hour))
	ctx := context.Background()

	_, err := m.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "k"))

	require.Eventually(t, func() bool { return store.deleteCount("k") == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, store.putCount("k"))
}

func TestIntegration_FlushRateLimit(t *testing.T) {
	client := setupRedis(t)
	store := newMemStore()
	m := newIntegrationManager(t, client, store,
		WithFlushInterval(time.Hour),
		WithFlushRateLimit(2),
		WithFlushWorkers(1),
	)
	ctx := context.Background()

	for i := range 6 {
		_, err := m.Put(ctx, fmt.Sprintf("k%d", i), []byte("v"))
		require.NoError(t, err)
	}

	n, err := m.Flush(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 2)

	dirty, err := m.Tracker().DirtyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6-n), dirty)

	require.Eventually(t, func() bool {
		_, _ = m.Flush(ctx)
		return store.totalPuts() == 6
	}, 10*time.Second, 200*time.Millisecond)
}

func TestIntegration_ShutdownDrains(t *testing.T) {
	client := setupRedis(t)
	store := newMemStore()
	m := newIntegrationManager(t, client, store, WithFlushInterval(time.Hour))
	ctx := context.Background()

	for i := range 100 {
		_, err := m.Put(ctx, fmt.Sprintf("k%03d", i), []byte("v"))
		require.NoError(t, err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Equal(t, 100, store.totalPuts())

	n, err := m.Tracker().DirtyCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIntegration_WarmupScripts(t *testing.T) {
	client := setupRedis(t)
	require.NoError(t, WarmupScripts(context.Background(), client))
}

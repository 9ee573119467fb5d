package xwbcache_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/storage/xwbcache"
)

// mapStore 是示例用的后端存储。
type mapStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *mapStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = string(value)
	return nil
}

func (s *mapStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func quietLogger() xlog.Logger {
	logger, _, err := xlog.New().SetOutput(io.Discard).Build()
	if err != nil {
		log.Fatal(err)
	}
	return logger
}

func ExampleManager() {
	// 使用 miniredis 进行测试
	mr, err := miniredis.Run()
	if err != nil {
		log.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := &mapStore{data: make(map[string]string)}
	m, err := xwbcache.New(client, store,
		xwbcache.WithFlushInterval(time.Second),
		xwbcache.WithNotificationConfig(false), // miniredis 不支持 CONFIG SET
		xwbcache.WithLogger(quietLogger()),
	)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		log.Fatal(err)
	}

	// 写入立即确认，只访问缓存
	if _, err := m.Put(ctx, "user:1", []byte(`{"name":"Alice"}`)); err != nil {
		log.Fatal(err)
	}
	value, _ := m.Get(ctx, "user:1")
	state, _ := m.State(ctx, "user:1")
	fmt.Println(string(value), state)

	// Shutdown 在截止时间内完成最终刷盘
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		log.Fatal(err)
	}
	fmt.Println(store.data["user:1"])

	// Output:
	// {"name":"Alice"} dirty
	// {"name":"Alice"}
}

func ExampleManager_GetOrLoad() {
	mr, err := miniredis.Run()
	if err != nil {
		log.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m, err := xwbcache.New(client, xwbcache.StoreFuncs{}, xwbcache.WithLogger(quietLogger()))
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	load := func(_ context.Context, key string) ([]byte, error) {
		if key == "missing" {
			return nil, xwbcache.ErrNotFound
		}
		return []byte("loaded " + key), nil
	}

	value, _ := m.GetOrLoad(ctx, "user:2", load)
	state, _ := m.State(ctx, "user:2")
	fmt.Println(string(value), state)

	_, err = m.GetOrLoad(ctx, "missing", load)
	fmt.Println(errors.Is(err, xwbcache.ErrNotFound))

	// Output:
	// loaded user:2 clean
	// true
}

func ExampleManager_Delete() {
	mr, err := miniredis.Run()
	if err != nil {
		log.Fatal(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m, err := xwbcache.New(client, xwbcache.StoreFuncs{},
		xwbcache.WithTombstoneTTL(10*time.Second),
		xwbcache.WithLogger(quietLogger()),
	)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	_, _ = m.Put(ctx, "user:3", []byte("v"))
	_ = m.Delete(ctx, "user:3")

	// 墓碑期内读写都视为不存在
	_, err = m.Get(ctx, "user:3")
	fmt.Println(errors.Is(err, xwbcache.ErrNotFound))
	_, err = m.Put(ctx, "user:3", []byte("v2"))
	fmt.Println(errors.Is(err, xwbcache.ErrNotFound))

	state, _ := m.State(ctx, "user:3")
	fmt.Println(state)

	// Output:
	// true
	// true
	// tombstoned
}

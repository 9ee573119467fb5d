package xwbcache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyState 表示 key 在缓存中的状态，任一时刻恰为其中之一。
type KeyState int

const (
	// StateAbsent key 不在缓存中。
	StateAbsent KeyState = iota
	// StateClean 缓存值与后端存储一致。
	StateClean
	// StateDirty 已写入缓存但尚未确认持久化（含已被刷盘认领的 key）。
	StateDirty
	// StateTombstoned 已逻辑删除，等待过期后物理删除。
	StateTombstoned
)

// String 返回状态的可读名称。
func (s KeyState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateTombstoned:
		return "tombstoned"
	default:
		return "KeyState(" + strconv.Itoa(int(s)) + ")"
	}
}

// Tracker 维护 key 的 脏/干净/墓碑 划分，状态全部存放在 Redis 中，
// 多个进程共享同一命名空间时同样成立。
//
// 所有多 key 变更都是单个 Lua 脚本，原子执行；Tracker 自身无进程内锁。
// Redis 错误统一包装为 ErrStoreUnavailable，调用方视为"未发生变更"。
type Tracker struct {
	client  redis.UniversalClient
	ks      keyspace
	scripts *scripts
	lease   time.Duration
	now     func() time.Time
	current func() *settings
}

func newTracker(client redis.UniversalClient, ks keyspace, opts *Options, current func() *settings) *Tracker {
	return &Tracker{
		client:  client,
		ks:      ks,
		scripts: getScripts(),
		lease:   opts.ClaimLease,
		now:     opts.now,
		current: current,
	}
}

// MarkDirty 将 key 加入脏集合。幂等。
func (t *Tracker) MarkDirty(ctx context.Context, key string) error {
	if err := t.client.SAdd(ctx, t.ks.dirty(), key).Err(); err != nil {
		return unavailable("mark dirty", err)
	}
	return nil
}

// MarkClean 在刷盘成功后确认 key，并释放其认领。
//
// 仅当 key 自认领以来未被重新写脏、且缓存中的值仍等于 flushed 时转为干净态
// 并设置 CleanTTL，返回 true。否则 key 保持原状态（并发 PUT 胜出），返回 false。
func (t *Tracker) MarkClean(ctx context.Context, key string, flushed []byte) (bool, error) {
	ttl := t.current().cleanTTL
	n, err := t.scripts.markClean.Run(ctx, t.client,
		[]string{t.ks.dirty(), t.ks.inflight(), t.ks.value(key)},
		key, flushed, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, unavailable("mark clean", err)
	}
	return n == 1, nil
}

// MarkTombstoned 逻辑删除 key：丢弃缓存值和待刷盘写入，设置存活 ttl 的墓碑标记。
// 重复调用会重新计时。
func (t *Tracker) MarkTombstoned(ctx context.Context, key string, ttl time.Duration) error {
	expireAt := t.now().Add(ttl).UnixMilli()
	err := t.scripts.tombstone.Run(ctx, t.client,
		[]string{t.ks.dirty(), t.ks.inflight(), t.ks.value(key), t.ks.tombstone(key), t.ks.tombstones()},
		key, ttl.Milliseconds(), expireAt,
	).Err()
	if err != nil {
		return unavailable("mark tombstoned", err)
	}
	return nil
}

// DrainDirtyBatch 原子地从脏集合认领最多 limit 个 key。
//
// 认领与移除是同一操作，同一个 key 不会返回给两个并发调用方。
// 被认领的 key 登记在在途集合中，租约为 ClaimLease；调用方必须对每个 key
// 调用 MarkClean、Ack 或 Requeue 之一。
func (t *Tracker) DrainDirtyBatch(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	deadline := t.now().Add(t.lease).UnixMilli()
	keys, err := t.scripts.claim.Run(ctx, t.client,
		[]string{t.ks.dirty(), t.ks.inflight()},
		limit, deadline,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("drain dirty batch", err)
	}
	return keys, nil
}

// Requeue 将刷盘失败的 key 放回脏集合，返回实际放回的数量。
// 已被删除或条目已消失的 key 只释放认领，不再放回。
func (t *Tracker) Requeue(ctx context.Context, keys ...string) (int, error) {
	requeued := 0
	for _, key := range keys {
		n, err := t.scripts.requeue.Run(ctx, t.client,
			[]string{t.ks.dirty(), t.ks.inflight(), t.ks.value(key), t.ks.tombstone(key)},
			key,
		).Int()
		if err != nil {
			return requeued, unavailable("requeue", err)
		}
		requeued += n
	}
	return requeued, nil
}

// Ack 释放 key 的认领而不改变其状态，用于条目已消失等无需刷盘的情况。
func (t *Tracker) Ack(ctx context.Context, key string) error {
	if err := t.client.ZRem(ctx, t.ks.inflight(), key).Err(); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// RecoverExpiredClaims 将租约在 now 之前到期的认领放回脏集合，返回回收数量。
// 单次最多回收 limit 个。
func (t *Tracker) RecoverExpiredClaims(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := t.scripts.recover.Run(ctx, t.client,
		[]string{t.ks.dirty(), t.ks.inflight()},
		now.UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, unavailable("recover claims", err)
	}
	return n, nil
}

// IsDirty 报告 key 是否尚未确认持久化（在脏集合或在途集合中）。
func (t *Tracker) IsDirty(ctx context.Context, key string) (bool, error) {
	s, err := t.State(ctx, key)
	if err != nil {
		return false, err
	}
	return s == StateDirty, nil
}

// IsTombstoned 报告 key 是否处于墓碑期。
func (t *Tracker) IsTombstoned(ctx context.Context, key string) (bool, error) {
	n, err := t.client.Exists(ctx, t.ks.tombstone(key)).Result()
	if err != nil {
		return false, unavailable("is tombstoned", err)
	}
	return n > 0, nil
}

// State 返回 key 的当前状态。
func (t *Tracker) State(ctx context.Context, key string) (KeyState, error) {
	n, err := t.scripts.state.Run(ctx, t.client,
		[]string{t.ks.dirty(), t.ks.inflight(), t.ks.value(key), t.ks.tombstone(key)},
		key,
	).Int()
	if err != nil {
		return StateAbsent, unavailable("state", err)
	}
	return KeyState(n), nil
}

// DirtyCount 返回尚未确认持久化的 key 数量（脏集合 + 在途集合）。
func (t *Tracker) DirtyCount(ctx context.Context) (int64, error) {
	pipe := t.client.Pipeline()
	dirty := pipe.SCard(ctx, t.ks.dirty())
	inflight := pipe.ZCard(ctx, t.ks.inflight())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("dirty count", err)
	}
	return dirty.Val() + inflight.Val(), nil
}

// =============================================================================
// 墓碑索引
// =============================================================================

// claimTombstone 认领到期墓碑，返回 claimTombstone* 状态码。
func (t *Tracker) claimTombstone(ctx context.Context, key string) (int, error) {
	n, err := t.scripts.claimTombstone.Run(ctx, t.client,
		[]string{t.ks.tombstone(key), t.ks.tombstones(), t.ks.value(key), t.ks.dirty(), t.ks.inflight()},
		key,
	).Int()
	if err != nil {
		return claimTombstoneSkip, unavailable("claim tombstone", err)
	}
	return n, nil
}

// deletePending 报告 key 的删除是否尚未完成：标记仍存在，或标记已过期但
// 墓碑尚未被认领。
func (t *Tracker) deletePending(ctx context.Context, key string) (bool, error) {
	pipe := t.client.Pipeline()
	marker := pipe.Exists(ctx, t.ks.tombstone(key))
	indexed := pipe.ZScore(ctx, t.ks.tombstones(), key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, unavailable("delete pending", err)
	}
	return marker.Val() > 0 || indexed.Err() == nil, nil
}

// restoreTombstone 在后端删除最终失败后把 key 放回墓碑索引，由后续扫描重试。
// 认领之后已被重新写入的 key 不再放回；已有更新的墓碑时不覆盖其过期时间。
func (t *Tracker) restoreTombstone(ctx context.Context, key string) error {
	err := t.scripts.restore.Run(ctx, t.client,
		[]string{t.ks.tombstones(), t.ks.value(key), t.ks.dirty(), t.ks.inflight()},
		key, t.now().UnixMilli(),
	).Err()
	if err != nil {
		return unavailable("restore tombstone", err)
	}
	return nil
}

// overdueTombstones 返回过期时间不晚于 cutoff 的墓碑 key，最多 limit 个。
func (t *Tracker) overdueTombstones(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	keys, err := t.client.ZRangeByScore(ctx, t.ks.tombstones(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("overdue tombstones", err)
	}
	return keys, nil
}

// TombstoneCount 返回尚未完成后端删除的墓碑数量（集群范围）。
func (t *Tracker) TombstoneCount(ctx context.Context) (int64, error) {
	n, err := t.client.ZCard(ctx, t.ks.tombstones()).Result()
	if err != nil {
		return 0, unavailable("pending tombstones", err)
	}
	return n, nil
}

package xwbcache

import (
	"fmt"
	"strings"
)

// Redis 中条目哈希的字段名。
const (
	fieldValue    = "v"
	fieldModified = "t"
)

// keyspace 生成同一命名空间下的全部 Redis key。
//
// 所有 key 共享 hash tag "{ns}"，保证多 key Lua 脚本在 Redis Cluster 上
// 落在同一个 slot。
type keyspace struct {
	prefix string // "{ns}:"
}

func newKeyspace(namespace string) keyspace {
	return keyspace{prefix: "{" + namespace + "}:"}
}

// value 返回条目哈希 key（字段 v=值，t=最后修改毫秒时间戳）。
func (k keyspace) value(key string) string { return k.prefix + "val:" + key }

// tombstone 返回墓碑标记 key，其过期事件驱动后端删除。
func (k keyspace) tombstone(key string) string { return k.tombstonePrefix() + key }

func (k keyspace) tombstonePrefix() string { return k.prefix + "del:" }

// dirty 返回脏集合 key。
func (k keyspace) dirty() string { return k.prefix + "dirty" }

// inflight 返回已认领未确认集合（zset，score=租约截止毫秒）。
func (k keyspace) inflight() string { return k.prefix + "inflight" }

// tombstones 返回墓碑索引（zset，score=expire_at 毫秒）。
func (k keyspace) tombstones() string { return k.prefix + "tombstones" }

// rateLimit 返回刷盘限流使用的 key。
func (k keyspace) rateLimit() string { return k.prefix + "flush" }

// keyFromExpired 从过期事件的 payload 中解析出被删除的业务 key。
// payload 不是本命名空间的墓碑标记时返回 false。
func (k keyspace) keyFromExpired(payload string) (string, bool) {
	key, ok := strings.CutPrefix(payload, k.tombstonePrefix())
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// expiredChannel 返回指定 DB 的 keyevent 过期频道。
func expiredChannel(db int) string {
	return fmt.Sprintf("__keyevent@%d__:expired", db)
}

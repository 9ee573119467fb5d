package xwbcache

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// 脚本返回码
// =============================================================================

const (
	// claimTombstoneSkip 标记仍存在或已被其他实例认领
	claimTombstoneSkip = 0
	// claimTombstoneDelete 认领成功，需要调用 Store.Delete
	claimTombstoneDelete = 1
	// claimTombstoneSuperseded 条目已被新的 PUT 重建，放弃本次删除
	claimTombstoneSuperseded = 2

	// populateTombstoned 墓碑期内拒绝填充
	populateTombstoned = -1
	// populateExists 条目已存在
	populateExists = 0
)

// =============================================================================
// Lua 脚本嵌入
// =============================================================================

var (
	//go:embed lua/claim.lua
	claimLuaSource string

	//go:embed lua/mark_clean.lua
	markCleanLuaSource string

	//go:embed lua/requeue.lua
	requeueLuaSource string

	//go:embed lua/recover.lua
	recoverLuaSource string

	//go:embed lua/tombstone.lua
	tombstoneLuaSource string

	//go:embed lua/claim_tombstone.lua
	claimTombstoneLuaSource string

	//go:embed lua/restore_tombstone.lua
	restoreTombstoneLuaSource string

	//go:embed lua/populate.lua
	populateLuaSource string

	//go:embed lua/get.lua
	getLuaSource string

	//go:embed lua/state.lua
	stateLuaSource string
)

// =============================================================================
// 脚本管理器 - 单例模式确保脚本只创建一次
// =============================================================================

// scripts 持有所有 Redis 脚本实例
type scripts struct {
	claim          *redis.Script
	markClean      *redis.Script
	requeue        *redis.Script
	recover        *redis.Script
	tombstone      *redis.Script
	claimTombstone *redis.Script
	restore        *redis.Script
	populate       *redis.Script
	get            *redis.Script
	state          *redis.Script
}

var (
	globalScripts     *scripts
	globalScriptsOnce sync.Once
)

// getScripts 获取脚本实例（线程安全的单例）
func getScripts() *scripts {
	globalScriptsOnce.Do(func() {
		globalScripts = &scripts{
			claim:          redis.NewScript(claimLuaSource),
			markClean:      redis.NewScript(markCleanLuaSource),
			requeue:        redis.NewScript(requeueLuaSource),
			recover:        redis.NewScript(recoverLuaSource),
			tombstone:      redis.NewScript(tombstoneLuaSource),
			claimTombstone: redis.NewScript(claimTombstoneLuaSource),
			restore:        redis.NewScript(restoreTombstoneLuaSource),
			populate:       redis.NewScript(populateLuaSource),
			get:            redis.NewScript(getLuaSource),
			state:          redis.NewScript(stateLuaSource),
		}
	})
	return globalScripts
}

func (s *scripts) all() []*redis.Script {
	return []*redis.Script{
		s.claim, s.markClean, s.requeue, s.recover, s.tombstone,
		s.claimTombstone, s.restore, s.populate, s.get, s.state,
	}
}

// WarmupScripts 将所有脚本预加载到 Redis 脚本缓存。
//
// 可选调用：redis.Script.Run 在 NOSCRIPT 时会自动回退到 EVAL，
// 预热只是避免首次调用多一次往返。
func WarmupScripts(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		return ErrNilClient
	}
	for _, s := range getScripts().all() {
		if err := s.Load(ctx, client).Err(); err != nil {
			return unavailable("script load", fmt.Errorf("load script: %w", err))
		}
	}
	return nil
}

package xwbcache

import "sync/atomic"

// Stats 是 Manager 进程内计数器的快照。
//
// 计数只反映当前进程，集群范围的脏 key 数量请使用 Tracker().DirtyCount。
type Stats struct {
	Gets    uint64 // Get 调用次数
	Hits    uint64 // Get 命中次数
	Misses  uint64 // Get 未命中次数（含墓碑期）
	Puts    uint64 // 成功的 Put 次数
	Deletes uint64 // 成功的 Delete 次数

	Flushed         uint64 // Store.Put 成功并转为干净态的 key 数
	Superseded      uint64 // Store.Put 成功但期间被并发写覆盖、仍为脏的 key 数
	FlushFailures   uint64 // Store.Put 失败次数
	Requeued        uint64 // 放回脏集合的 key 数
	RecoveredClaims uint64 // 租约到期被回收的认领数
	FlushCycles     uint64 // 完成的刷盘周期数

	StoreDeletes   uint64 // Store.Delete 成功次数
	DeleteFailures uint64 // Store.Delete 重试耗尽次数
	Sweeps         uint64 // 墓碑对账扫描次数
	Resubscribes   uint64 // 过期通知重新订阅次数
}

// stats 是 Stats 的并发计数实现。
type stats struct {
	gets, hits, misses, puts, deletes                               atomic.Uint64
	flushed, superseded, flushFailures, requeued, recovered, cycles atomic.Uint64
	storeDeletes, deleteFailures, sweeps, resubscribes              atomic.Uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Gets:            s.gets.Load(),
		Hits:            s.hits.Load(),
		Misses:          s.misses.Load(),
		Puts:            s.puts.Load(),
		Deletes:         s.deletes.Load(),
		Flushed:         s.flushed.Load(),
		Superseded:      s.superseded.Load(),
		FlushFailures:   s.flushFailures.Load(),
		Requeued:        s.requeued.Load(),
		RecoveredClaims: s.recovered.Load(),
		FlushCycles:     s.cycles.Load(),
		StoreDeletes:    s.storeDeletes.Load(),
		DeleteFailures:  s.deleteFailures.Load(),
		Sweeps:          s.sweeps.Load(),
		Resubscribes:    s.resubscribes.Load(),
	}
}

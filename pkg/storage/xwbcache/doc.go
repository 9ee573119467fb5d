// Package xwbcache 提供基于 Redis 的写回（write-behind）缓存管理器。
//
// # 设计理念
//
// 客户端的读写只访问缓存，写入立即确认，由后台 worker 异步同步到权威后端存储；
// 删除先在缓存中打墓碑，墓碑自然过期后再物理删除后端记录。
// 请求延迟因此与后端存储 I/O 解耦。
//
// # 核心组件
//
//   - Manager：请求路径（Get/Put/Delete/Populate/GetOrLoad/State）与生命周期
//   - Tracker：key 的 脏/干净/墓碑 划分，全部状态存放在 Redis 中
//   - 刷盘 worker：按 FlushInterval 认领脏 key，调用 Store.Put（至少一次）
//   - 删除监听器：订阅墓碑过期事件，认领后调用 Store.Delete（集群内恰好一次认领）
//   - Shutdown：有序停止并在截止时间内完成最终刷盘
//
// # Redis 数据布局
//
// 所有 key 共享 hash tag "{ns}"，可在 Redis Cluster 上使用多 key 脚本：
//
//	{ns}:val:<key>     hash，v=值，t=最后修改毫秒；脏时无 TTL，干净时 CleanTTL
//	{ns}:dirty         set，脏集合
//	{ns}:inflight      zset，已认领未确认的 key，score=租约截止
//	{ns}:del:<key>     string，墓碑标记，TTL=TombstoneTTL，过期事件驱动删除
//	{ns}:tombstones    zset，墓碑索引，score=过期时间，供对账扫描使用
//
// # 后端存储契约
//
// Store.Put 必须是幂等的 upsert，Store.Delete 必须容忍记录已不存在。
// 刷盘失败的 key 会重新入队；刷盘时读取的总是认领时刻的最新值，
// 同一 key 在刷盘前的多次写入只持久化最新值，旧值不会覆盖新值。
//
// # 过期通知
//
// 监听器订阅 __keyevent@<db>__:expired，需要 notify-keyspace-events 包含 "Ex"。
// 启动时会尝试 CONFIG SET（可通过 WithNotificationConfig(false) 关闭）。
// 过期通知不可靠（断线期间丢失），墓碑索引的周期性对账扫描保证最终处理。
// Redis Cluster 的过期事件只在所在节点发布，需要为每个主节点订阅，
// 当前实现面向单机/哨兵部署，集群部署依赖对账扫描兜底。
//
// 详细使用示例参考 example_test.go。
package xwbcache

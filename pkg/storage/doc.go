// Package storage 提供数据存储相关的子包。
//
// 子包列表：
//   - xwbcache: 基于 Redis 的写回缓存，异步持久化到后端存储
//   - xmongo: 以 MongoDB 集合为后端的 xwbcache.Store
//
// 存储操作都内置可观测性（指标、追踪）。
package storage

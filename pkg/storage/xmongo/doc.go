// Package xmongo 把 MongoDB 集合适配为写回缓存的后端存储。
//
// 每个缓存 key 对应一个文档：
//
//	{ _id: <key>, value: <BinData>, updated_at: <Date> }
//
// Store 满足 xwbcache.Store 的投递契约：
//   - Put 使用 ReplaceOne + upsert，重复写入同一值结果不变
//   - Delete 使用 DeleteOne，文档不存在时返回 nil
//
// Load 可直接作为 xwbcache.LoadFunc，文档不存在时返回 xwbcache.ErrNotFound。
//
// 调用方 ctx 没有 deadline 时，写操作使用 WriteTimeout、读操作使用 QueryTimeout 兜底，
// 传 0 关闭兜底。耗时超过 SlowQueryThreshold 的操作会同步调用 SlowQueryHook。
//
// Write Concern / Read Preference 在创建 Collection 时设置：
//
//	coll := client.Database("app",
//	    options.Database().SetWriteConcern(writeconcern.Majority()),
//	).Collection("cache")
//	store, _ := xmongo.NewStore(coll)
package xmongo

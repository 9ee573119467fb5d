package xmongo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/omeyang/wbcache/pkg/observability/xmetrics"
	"github.com/omeyang/wbcache/pkg/storage/xwbcache"
)

const mongoComponent = "xmongo"

// Document 缓存条目在 MongoDB 中的存储形式。
type Document struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Stats 累计统计
type Stats struct {
	Puts        uint64
	Deletes     uint64
	Loads       uint64
	Errors      uint64
	SlowQueries uint64
}

var _ xwbcache.Store = (*Store)(nil)

// Store 以 MongoDB 集合为后端的 xwbcache.Store，可并发使用。
type Store struct {
	coll collectionOperations
	opts *Options
	now  func() time.Time

	puts, deletes, loads, errs, slow atomic.Uint64
}

// NewStore 创建基于 coll 的 Store。
func NewStore(coll *mongo.Collection, opts ...Option) (*Store, error) {
	if coll == nil {
		return nil, ErrNilCollection
	}
	return newStore(&collectionAdapter{coll: coll}, opts...), nil
}

func newStore(coll collectionOperations, opts ...Option) *Store {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return &Store{coll: coll, opts: o, now: time.Now}
}

// Put 写入 key 的最新值，文档不存在时插入。
func (s *Store) Put(ctx context.Context, key string, value []byte) (err error) {
	if ctx == nil {
		return ErrNilContext
	}
	ctx, done := s.begin(ctx, "put", key, s.opts.WriteTimeout)
	defer func() { done(err) }()

	doc := Document{Key: key, Value: value, UpdatedAt: s.now().UTC()}
	if _, err = s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: key}}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("xmongo put %q: %w", key, err)
	}
	s.puts.Add(1)
	return nil
}

// Delete 删除 key 对应的文档，文档不存在时返回 nil。
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	if ctx == nil {
		return ErrNilContext
	}
	ctx, done := s.begin(ctx, "delete", key, s.opts.WriteTimeout)
	defer func() { done(err) }()

	if _, err = s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return fmt.Errorf("xmongo delete %q: %w", key, err)
	}
	s.deletes.Add(1)
	return nil
}

// Load 读取 key 的值，文档不存在时返回 xwbcache.ErrNotFound。
// 签名与 xwbcache.LoadFunc 一致。
func (s *Store) Load(ctx context.Context, key string) (value []byte, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	ctx, done := s.begin(ctx, "load", key, s.opts.QueryTimeout)
	defer func() {
		if errors.Is(err, xwbcache.ErrNotFound) {
			done(nil)
			return
		}
		done(err)
	}()

	var doc Document
	err = s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, fmt.Errorf("xmongo load %q: %w", key, xwbcache.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("xmongo load %q: %w", key, err)
	}
	s.loads.Add(1)
	return doc.Value, nil
}

// Health 对集合所在的部署执行 ping。
func (s *Store) Health(ctx context.Context) (err error) {
	if ctx == nil {
		return ErrNilContext
	}
	ctx, span := xmetrics.Start(ctx, s.opts.Observer, xmetrics.SpanOptions{
		Component: mongoComponent,
		Operation: "health",
		Kind:      xmetrics.KindClient,
	})
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	ctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
	defer cancel()
	if err = s.coll.Ping(ctx); err != nil {
		return fmt.Errorf("xmongo health: %w", err)
	}
	return nil
}

// Stats 返回统计快照。
func (s *Store) Stats() Stats {
	return Stats{
		Puts:        s.puts.Load(),
		Deletes:     s.deletes.Load(),
		Loads:       s.loads.Load(),
		Errors:      s.errs.Load(),
		SlowQueries: s.slow.Load(),
	}
}

// begin 开始一次操作：施加兜底超时、开启 span，返回结束回调。
func (s *Store) begin(ctx context.Context, op, key string, timeout time.Duration) (context.Context, func(error)) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	ctx, span := xmetrics.Start(ctx, s.opts.Observer, xmetrics.SpanOptions{
		Component: mongoComponent,
		Operation: op,
		Kind:      xmetrics.KindClient,
		Attrs: []xmetrics.Attr{
			xmetrics.String("db.system", "mongodb"),
			xmetrics.String("db.collection", s.coll.Name()),
		},
	})
	start := time.Now()

	return ctx, func(err error) {
		defer cancel()
		elapsed := time.Since(start)
		if err != nil {
			s.errs.Add(1)
		}
		if t := s.opts.SlowQueryThreshold; t > 0 && elapsed >= t {
			s.slow.Add(1)
			if s.opts.SlowQueryHook != nil {
				s.opts.SlowQueryHook(ctx, SlowQueryInfo{
					Database:   s.coll.Database(),
					Collection: s.coll.Name(),
					Operation:  op,
					Key:        key,
					Duration:   elapsed,
				})
			}
		}
		span.End(xmetrics.Result{Err: err})
	}
}

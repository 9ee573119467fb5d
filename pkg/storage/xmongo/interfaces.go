package xmongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// collectionOperations 是 Store 用到的集合操作，*mongo.Collection 经 collectionAdapter 实现。
type collectionOperations interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongo.DeleteResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult
	Ping(ctx context.Context) error
	Database() string
	Name() string
}

type collectionAdapter struct {
	coll *mongo.Collection
}

func (a *collectionAdapter) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongo.UpdateResult, error) {
	return a.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (a *collectionAdapter) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongo.DeleteResult, error) {
	return a.coll.DeleteOne(ctx, filter, opts...)
}

func (a *collectionAdapter) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult {
	return a.coll.FindOne(ctx, filter, opts...)
}

func (a *collectionAdapter) Ping(ctx context.Context) error {
	return a.coll.Database().Client().Ping(ctx, readpref.Primary())
}

func (a *collectionAdapter) Database() string {
	return a.coll.Database().Name()
}

func (a *collectionAdapter) Name() string {
	return a.coll.Name()
}

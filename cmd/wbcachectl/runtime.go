package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/omeyang/wbcache/pkg/config/xconf"
	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/observability/xrotate"
	"github.com/omeyang/wbcache/pkg/resilience/xretry"
	"github.com/omeyang/wbcache/pkg/storage/xmongo"
	"github.com/omeyang/wbcache/pkg/storage/xwbcache"
)

const (
	connectAttempts     = 6
	defaultMongoDB      = "wbcache"
	defaultMongoColl    = "entries"
	defaultSlowQuery    = 200 * time.Millisecond
	defaultLogMaxSizeMB = 100
)

// errNoStore 表示命令需要后端存储但未配置 MongoDB。
var errNoStore = errors.New("mongo uri not configured")

// appConfig 是配置文件的完整结构。
type appConfig struct {
	Redis redisConfig     `koanf:"redis"`
	Mongo mongoConfig     `koanf:"mongo"`
	Log   logConfig       `koanf:"log"`
	Cache xwbcache.Config `koanf:"wbcache"`
}

type redisConfig struct {
	Addrs    []string `koanf:"addrs"`
	DB       int      `koanf:"db"`
	Username string   `koanf:"username"`
	Password string   `koanf:"password"`
	// MasterName 非空时使用哨兵模式。
	MasterName string `koanf:"master_name"`
}

type mongoConfig struct {
	URI        string        `koanf:"uri"`
	Database   string        `koanf:"database"`
	Collection string        `koanf:"collection"`
	SlowQuery  time.Duration `koanf:"slow_query"`
}

type logConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	Compress   bool   `koanf:"compress"`
}

// loadConfig 读取配置文件（可选），再用命令行选项覆盖。
//
// 返回的 *xconf.Config 在未指定配置文件时为 nil。
func loadConfig(cmd *cli.Command) (*appConfig, *xconf.Config, error) {
	cfg := &appConfig{}
	var conf *xconf.Config

	if path := cmd.String("config"); path != "" {
		var err error
		conf, err = xconf.New(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		if err := unmarshalSections(conf, cfg); err != nil {
			return nil, nil, err
		}
	}

	if cmd.IsSet("redis") || len(cfg.Redis.Addrs) == 0 {
		cfg.Redis.Addrs = cmd.StringSlice("redis")
	}
	if cmd.IsSet("db") {
		cfg.Redis.DB = cmd.Int("db")
	}
	if cmd.IsSet("namespace") || cfg.Cache.Namespace == "" {
		cfg.Cache.Namespace = cmd.String("namespace")
	}
	if cmd.IsSet("mongo-uri") {
		cfg.Mongo.URI = cmd.String("mongo-uri")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-file") {
		cfg.Log.File = cmd.String("log-file")
	}

	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = defaultMongoDB
	}
	if cfg.Mongo.Collection == "" {
		cfg.Mongo.Collection = defaultMongoColl
	}
	if cfg.Mongo.SlowQuery <= 0 {
		cfg.Mongo.SlowQuery = defaultSlowQuery
	}
	// 监听过期通知需要知道 DB 编号，以 Redis 段为准。
	cfg.Cache.DB = cfg.Redis.DB
	return cfg, conf, nil
}

func unmarshalSections(conf *xconf.Config, cfg *appConfig) error {
	sections := []struct {
		path   string
		target any
	}{
		{"redis", &cfg.Redis},
		{"mongo", &cfg.Mongo},
		{"log", &cfg.Log},
		{"wbcache", &cfg.Cache},
	}
	for _, s := range sections {
		if !conf.Exists(s.path) {
			continue
		}
		if err := conf.Unmarshal(s.path, s.target); err != nil {
			return fmt.Errorf("config section %s: %w", s.path, err)
		}
	}
	return nil
}

// runtime 持有一次命令执行所需的全部连接。
type runtime struct {
	cfg    *appConfig
	conf   *xconf.Config
	logger xlog.LoggerWithLevel
	client redis.UniversalClient
	tel    *telemetry

	mongo *mongo.Client
	store *xmongo.Store

	closers []func(context.Context) error
}

// newRuntime 按命令行与配置文件建立日志、Redis 连接，needStore 时连接 MongoDB。
func newRuntime(ctx context.Context, cmd *cli.Command, needStore bool) (_ *runtime, err error) {
	cfg, conf, err := loadConfig(cmd)
	if err != nil {
		return nil, &usageError{err: err}
	}
	rt := &runtime{cfg: cfg, conf: conf}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	if err = rt.setupLogger(cmd); err != nil {
		return nil, &usageError{err: err}
	}
	if rt.tel, err = newTelemetry(); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.tel.Shutdown)

	if err = rt.connectRedis(ctx); err != nil {
		return nil, err
	}
	if needStore {
		if err = rt.connectMongo(ctx); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) setupLogger(cmd *cli.Command) error {
	lc := rt.cfg.Log
	b := xlog.New().SetOutput(cmd.Root().ErrWriter).SetFormat(lc.Format)
	if lc.Level != "" {
		b.SetLevelString(lc.Level)
	} else {
		b.SetLevel(xlog.LevelWarn)
	}
	if lc.File != "" {
		maxSize := lc.MaxSizeMB
		if maxSize <= 0 {
			maxSize = defaultLogMaxSizeMB
		}
		opts := []xrotate.Option{xrotate.WithMaxSize(maxSize), xrotate.WithCompress(lc.Compress)}
		if lc.MaxBackups > 0 {
			opts = append(opts, xrotate.WithMaxBackups(lc.MaxBackups))
		}
		b.SetRotation(lc.File, opts...)
	}
	logger, cleanup, err := b.Build()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	rt.logger = logger
	rt.closers = append(rt.closers, func(context.Context) error { return cleanup() })
	return nil
}

// connectRedis 创建客户端并以指数退避等待 Redis 可用。
func (rt *runtime) connectRedis(ctx context.Context) error {
	rc := rt.cfg.Redis
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      rc.Addrs,
		DB:         rc.DB,
		Username:   rc.Username,
		Password:   rc.Password,
		MasterName: rc.MasterName,
	})
	rt.client = client
	rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })

	retryer := xretry.NewRetryer(
		xretry.WithRetryPolicy(xretry.NewFixedRetry(connectAttempts)),
		xretry.WithBackoffPolicy(xretry.NewExponentialBackoff(
			xretry.WithInitialDelay(100*time.Millisecond),
			xretry.WithMaxDelay(2*time.Second),
		)),
		xretry.WithOnRetry(func(attempt int, err error) {
			rt.logger.Warn(ctx, "redis not ready, retrying",
				slog.Int("attempt", attempt), slog.Any("addrs", rc.Addrs), xlog.Err(err))
		}),
	)
	if err := retryer.Do(ctx, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}); err != nil {
		return fmt.Errorf("connect redis %v: %w", rc.Addrs, err)
	}
	return nil
}

// connectMongo 连接 MongoDB 并构造 xmongo.Store。
func (rt *runtime) connectMongo(ctx context.Context) error {
	mc := rt.cfg.Mongo
	if mc.URI == "" {
		return &usageError{err: errNoStore}
	}
	client, err := mongo.Connect(options.Client().ApplyURI(mc.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	rt.mongo = client
	rt.closers = append(rt.closers, client.Disconnect)

	store, err := xmongo.NewStore(client.Database(mc.Database).Collection(mc.Collection),
		xmongo.WithObserver(rt.tel.observer),
		xmongo.WithSlowQuery(mc.SlowQuery, func(ctx context.Context, info xmongo.SlowQueryInfo) {
			rt.logger.Warn(ctx, "slow mongo operation",
				xlog.Operation(info.Operation), xlog.Key(info.Key), xlog.Duration(info.Duration))
		}),
	)
	if err != nil {
		return err
	}
	if err := store.Health(ctx); err != nil {
		return err
	}
	rt.store = store
	return nil
}

// backend 返回 Manager 使用的后端存储。未连接 MongoDB 时刷盘与删除都会失败并保留状态。
func (rt *runtime) backend() xwbcache.Store {
	if rt.store != nil {
		return rt.store
	}
	return xwbcache.StoreFuncs{
		PutFunc:    func(context.Context, string, []byte) error { return errNoStore },
		DeleteFunc: func(context.Context, string) error { return errNoStore },
	}
}

// newManager 以配置文件中的 wbcache 段创建 Manager。
func (rt *runtime) newManager(opts ...xwbcache.Option) (*xwbcache.Manager, error) {
	base := []xwbcache.Option{
		xwbcache.WithConfig(rt.cfg.Cache),
		xwbcache.WithLogger(rt.logger),
		xwbcache.WithObserver(rt.tel.observer),
	}
	m, err := xwbcache.New(rt.client, rt.backend(), append(base, opts...)...)
	if err != nil {
		return nil, &usageError{err: err}
	}
	return m, nil
}

// Close 逆序释放连接。
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/wbcache/pkg/config/xconf"
	"github.com/omeyang/wbcache/pkg/lifecycle/xrun"
	"github.com/omeyang/wbcache/pkg/observability/xlog"
	"github.com/omeyang/wbcache/pkg/storage/xwbcache"
)

// exitError 表示需要非零退出码但已完成输出的场景。
// Error 返回空字符串，run() 不会再打印任何内容。
type exitError struct {
	code int
}

func (e *exitError) Error() string { return "" }

// usageError 表示参数或配置错误，退出码为 2。
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

// createCommands 创建全部子命令。
func createCommands(stdout io.Writer) []*cli.Command {
	return []*cli.Command{
		createServeCommand(stdout),
		createGetCommand(stdout),
		createPutCommand(stdout),
		createDeleteCommand(stdout),
		createStateCommand(stdout),
		createStatsCommand(stdout),
		createFlushCommand(stdout),
	}
}

// createServeCommand 创建 serve 子命令。
func createServeCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "运行刷盘 worker 与删除监听器，收到信号后有序关闭",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "配置文件变更时热更新刷盘参数",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdServe(ctx, cmd, stdout)
		},
	}
}

// createGetCommand 创建 get 子命令。
func createGetCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "读取缓存值",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "load",
				Usage: "未命中时从 MongoDB 回源并填充缓存",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key, err := requireArgs(cmd, 1)
			if err != nil {
				return err
			}
			return withManager(ctx, cmd, cmd.Bool("load"), func(ctx context.Context, rt *runtime, m *xwbcache.Manager) error {
				return cmdGet(ctx, rt, m, stdout, key[0], cmd.Bool("load"))
			})
		},
	}
}

// createPutCommand 创建 put 子命令。
func createPutCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "写入缓存并标记为脏，由刷盘 worker 异步持久化",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, 2)
			if err != nil {
				return err
			}
			return withManager(ctx, cmd, false, func(ctx context.Context, _ *runtime, m *xwbcache.Manager) error {
				if _, err := m.Put(ctx, args[0], []byte(args[1])); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "OK")
				return nil
			})
		},
	}
}

// createDeleteCommand 创建 delete 子命令。
func createDeleteCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Aliases:   []string{"del"},
		Usage:     "逻辑删除 key，墓碑过期后由删除监听器删除后端记录",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, 1)
			if err != nil {
				return err
			}
			return withManager(ctx, cmd, false, func(ctx context.Context, _ *runtime, m *xwbcache.Manager) error {
				if err := m.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "OK")
				return nil
			})
		},
	}
}

// createStateCommand 创建 state 子命令。
func createStateCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "state",
		Usage:     "查看 key 状态",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, 1)
			if err != nil {
				return err
			}
			return withManager(ctx, cmd, false, func(ctx context.Context, _ *runtime, m *xwbcache.Manager) error {
				s, err := m.State(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, s)
				return nil
			})
		},
	}
}

// createStatsCommand 创建 stats 子命令。
func createStatsCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "查看未持久化的脏 key 与未完成的墓碑数量",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withManager(ctx, cmd, false, func(ctx context.Context, rt *runtime, m *xwbcache.Manager) error {
				return cmdStats(ctx, rt, m, stdout)
			})
		},
	}
}

// createFlushCommand 创建 flush 子命令。
func createFlushCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "flush",
		Usage: "同步执行一次刷盘周期（需要 MongoDB）",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withManager(ctx, cmd, true, func(ctx context.Context, _ *runtime, m *xwbcache.Manager) error {
				n, err := m.Flush(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "flushed %d\n", n)
				return nil
			})
		},
	}
}

// requireArgs 校验位置参数数量。
func requireArgs(cmd *cli.Command, n int) ([]string, error) {
	if cmd.NArg() != n {
		return nil, &usageError{err: fmt.Errorf("%s 需要 %d 个参数: %s", cmd.Name, n, cmd.ArgsUsage)}
	}
	return cmd.Args().Slice(), nil
}

// withManager 为一次性命令建立连接与 Manager，fn 在 --timeout 内执行。
//
// 一次性命令不启动后台 worker，脏 key 与墓碑由 serve 实例处理。
func withManager(ctx context.Context, cmd *cli.Command, needStore bool,
	fn func(ctx context.Context, rt *runtime, m *xwbcache.Manager) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	rt, err := newRuntime(ctx, cmd, needStore)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	m, err := rt.newManager()
	if err != nil {
		return err
	}
	defer func() { _ = m.Shutdown(context.WithoutCancel(ctx)) }()

	return fn(ctx, rt, m)
}

func cmdGet(ctx context.Context, rt *runtime, m *xwbcache.Manager, stdout io.Writer, key string, load bool) error {
	var (
		value []byte
		err   error
	)
	if load {
		value, err = m.GetOrLoad(ctx, key, rt.store.Load)
	} else {
		value, err = m.Get(ctx, key)
	}
	if errors.Is(err, xwbcache.ErrNotFound) {
		fmt.Fprintln(stdout, "(nil)")
		return &exitError{code: 3}
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(value))
	return nil
}

func cmdStats(ctx context.Context, rt *runtime, m *xwbcache.Manager, stdout io.Writer) error {
	dirty, err := m.Tracker().DirtyCount(ctx)
	if err != nil {
		return err
	}
	tombstones, err := m.Tracker().TombstoneCount(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "namespace\t%s\n", rt.cfg.Cache.Namespace)
	fmt.Fprintf(w, "dirty\t%d\n", dirty)
	fmt.Fprintf(w, "tombstones\t%d\n", tombstones)
	return w.Flush()
}

// cmdServe 运行 Manager 直到收到信号或 ctx 取消，然后有序关闭。
func cmdServe(ctx context.Context, cmd *cli.Command, stdout io.Writer) (err error) {
	rt, err := newRuntime(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	m, err := rt.newManager()
	if err != nil {
		return err
	}
	// 后台 worker 只由 Shutdown 停止，保证退出前完成最终刷盘。
	if err := m.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	logger := rt.logger.With(slog.String("instance", m.ID()))
	logger.Info(ctx, "serving", slog.String("namespace", rt.cfg.Cache.Namespace))

	services := []func(context.Context) error{
		func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return nil
			case <-m.Done():
				return errors.New("background workers exited unexpectedly")
			}
		},
	}
	if cmd.Bool("watch") {
		if rt.conf == nil {
			_ = m.Shutdown(context.WithoutCancel(ctx))
			return &usageError{err: errors.New("--watch 需要 --config")}
		}
		services = append(services, func(ctx context.Context) error {
			return xconf.Watch(ctx, rt.conf, reloadFunc(ctx, logger, m))
		})
	}

	runErr := xrun.Run(ctx, []xrun.Option{xrun.WithName("wbcachectl"), xrun.WithLogger(logger)}, services...)
	if runErr != nil && !errors.Is(runErr, xrun.ErrSignal) {
		logger.Error(ctx, "serve stopped", xlog.Err(runErr))
	}

	shutdownErr := m.Shutdown(context.WithoutCancel(ctx))
	var se *xwbcache.ShutdownError
	if errors.As(shutdownErr, &se) {
		logger.Warn(ctx, "shutdown left dirty keys", xlog.Count(se.Remaining), xlog.Err(se.Err))
	}

	printSummary(context.WithoutCancel(ctx), rt, m, stdout)

	if runErr != nil && !errors.Is(runErr, xrun.ErrSignal) {
		return runErr
	}
	return shutdownErr
}

// reloadFunc 在配置文件变更时热更新 wbcache 段。
func reloadFunc(ctx context.Context, logger xlog.Logger, m *xwbcache.Manager) xconf.WatchCallback {
	return func(conf *xconf.Config, err error) {
		if err != nil {
			logger.Warn(ctx, "config reload failed", xlog.Err(err))
			return
		}
		var cfg xwbcache.Config
		if err := conf.Unmarshal("wbcache", &cfg); err != nil {
			logger.Warn(ctx, "config reload failed", xlog.Err(err))
			return
		}
		if err := m.Reconfigure(cfg); err != nil {
			logger.Warn(ctx, "config rejected", xlog.Err(err))
		}
	}
}

// printSummary 输出本进程的计数与操作指标。
func printSummary(ctx context.Context, rt *runtime, m *xwbcache.Manager, stdout io.Writer) {
	s := m.Stats()
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "flushed\t%d\n", s.Flushed)
	fmt.Fprintf(w, "flush_failures\t%d\n", s.FlushFailures)
	fmt.Fprintf(w, "store_deletes\t%d\n", s.StoreDeletes)
	fmt.Fprintf(w, "delete_failures\t%d\n", s.DeleteFailures)
	fmt.Fprintf(w, "sweeps\t%d\n", s.Sweeps)
	fmt.Fprintf(w, "resubscribes\t%d\n", s.Resubscribes)

	counts, err := rt.tel.Summary(ctx)
	if err != nil {
		rt.logger.Warn(ctx, "metrics summary unavailable", xlog.Err(err))
	}
	for _, c := range counts {
		fmt.Fprintf(w, "%s.%s\t%s\t%d\n", c.Component, c.Operation, c.Status, c.Count)
	}
	_ = w.Flush()
}

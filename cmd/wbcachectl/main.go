// wbcachectl 是写回缓存的运行与运维命令行工具。
//
// 用法:
//
//	wbcachectl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config      配置文件路径（yaml/json），包含 redis、mongo、log、wbcache 段
//	-r, --redis       Redis 地址，可重复指定（集群/哨兵）(默认: 127.0.0.1:6379)
//	    --db          Redis DB 编号
//	-n, --namespace   缓存命名空间 (默认: wbcache)
//	    --mongo-uri   MongoDB 连接串，serve、flush 与 get --load 需要
//	-t, --timeout     单条命令超时时间 (默认: 10s)
//	    --log-level   日志级别 (debug/info/warn/error)
//	    --log-file    日志文件路径，按大小轮转
//
// 命令:
//
//	serve              运行写回缓存实例（刷盘 worker 与删除监听器），直到收到信号
//	get <key>          读取缓存值（--load 时未命中回源 MongoDB 并填充）
//	put <key> <value>  写入缓存并标记为脏
//	delete <key>       逻辑删除，墓碑过期后删除后端记录
//	state <key>        查看 key 状态（absent/clean/dirty/tombstoned）
//	stats              查看未持久化 key 数量
//	flush              同步执行一次刷盘周期
//
// 命令行选项优先于配置文件。serve --watch 会在配置文件变更时热更新刷盘参数。
//
// 退出码:
//
//	0: 命令执行成功
//	1: 命令执行失败
//	2: 参数错误（缺少参数、未知命令等）
//	3: key 不存在或处于墓碑期（get、put）
//
// 示例:
//
//	wbcachectl -c /etc/wbcache.yaml serve --watch
//	wbcachectl put user:1 '{"name":"Alice"}'
//	wbcachectl get user:1
//	wbcachectl --mongo-uri mongodb://localhost:27017 get --load user:2
//	wbcachectl -n orders stats
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/wbcache/pkg/storage/xwbcache"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRedisAddr = "127.0.0.1:6379"
)

// 版本信息（可通过 -ldflags 注入，例如:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse --short HEAD)"
//
// ）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

// createApp 创建 CLI 应用，命令输出写到 stdout。
func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "wbcachectl",
		Usage:     "Redis 写回缓存命令行工具",
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（yaml/json）",
			},
			&cli.StringSliceFlag{
				Name:    "redis",
				Aliases: []string{"r"},
				Usage:   "Redis 地址，可重复指定",
				Value:   []string{defaultRedisAddr},
			},
			&cli.IntFlag{
				Name:  "db",
				Usage: "Redis DB 编号",
			},
			&cli.StringFlag{
				Name:    "namespace",
				Aliases: []string{"n"},
				Usage:   "缓存命名空间",
				Value:   xwbcache.DefaultNamespace,
			},
			&cli.StringFlag{
				Name:  "mongo-uri",
				Usage: "MongoDB 连接串",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "单条命令超时时间",
				Value:   defaultTimeout,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "日志级别 (debug/info/warn/error)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "日志文件路径，按大小轮转",
			},
		},
		Commands: createCommands(stdout),
		// 由 run() 统一映射退出码，禁止 urfave/cli 直接调用 os.Exit。
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(stderr, err)
			}
		},
	}
}

// run 执行命令并返回退出码。
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := createApp(stdout, stderr)

	err := app.Run(ctx, args)
	if err == nil {
		return 0
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(stderr, "参数错误: %v\n", usageErr)
		return 2
	}
	if isCLIUsageError(err) {
		return 2
	}
	if errors.Is(err, xwbcache.ErrNotFound) {
		fmt.Fprintln(stderr, "not found")
		return 3
	}
	fmt.Fprintf(stderr, "错误: %v\n", err)
	return 1
}

// isCLIUsageError 识别 urfave/cli 自身产生的参数错误（未知 flag、未知命令等）。
func isCLIUsageError(err error) bool {
	var coder cli.ExitCoder
	if errors.As(err, &coder) && coder.ExitCode() != 0 {
		return true
	}
	msg := err.Error()
	for _, prefix := range []string{"flag provided but not defined", "flag needs an argument", "No help topic for", "invalid value"} {
		if strings.Contains(msg, prefix) {
			return true
		}
	}
	return false
}

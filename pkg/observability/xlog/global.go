package xlog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// 全局 Logger 面向命令行工具等简单场景，服务端推荐显式注入 Logger。
var (
	globalLogger atomic.Pointer[LoggerWithLevel]
	globalMu     sync.Mutex
)

// Default 返回全局默认 Logger（stderr、Info 级别、text 格式），首次调用时创建。
func Default() LoggerWithLevel {
	if l := globalLogger.Load(); l != nil {
		return *l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if l := globalLogger.Load(); l != nil {
		return *l
	}

	logger, _, err := New().Build()
	if err != nil {
		// 默认参数不应失败；失败时降级为最小可用 logger，构造不 panic。
		fmt.Fprintf(os.Stderr, "xlog: failed to build default logger: %v, using fallback\n", err)
		levelVar := new(slog.LevelVar)
		logger = &xlogger{
			handler:    slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}),
			levelVar:   levelVar,
			errorCount: new(atomic.Uint64),
		}
	}
	globalLogger.Store(&logger)
	return logger
}

// SetDefault 替换全局默认 Logger，nil 会被忽略。
func SetDefault(l LoggerWithLevel) {
	if l == nil {
		return
	}
	globalLogger.Store(&l)
}

// ResetDefault 重置为未初始化状态，仅用于测试。
func ResetDefault() {
	globalLogger.Store(nil)
}

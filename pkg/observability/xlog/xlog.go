package xlog

import (
	"context"
	"log/slog"
)

// Logger 日志接口
//
// 所有方法都需要 context.Context，trace 信息从 ctx 中提取。
// 只接受 slog.Attr，避免隐式 key-value 转换。
type Logger interface {
	Debug(ctx context.Context, msg string, attrs ...slog.Attr)
	Info(ctx context.Context, msg string, attrs ...slog.Attr)
	Warn(ctx context.Context, msg string, attrs ...slog.Attr)
	Error(ctx context.Context, msg string, attrs ...slog.Attr)

	// With 返回带额外属性的派生 Logger。
	With(attrs ...slog.Attr) Logger

	// WithGroup 返回带分组的派生 Logger，后续属性归入该分组。
	WithGroup(name string) Logger
}

// Leveler 级别控制接口
//
// 与 Logger 分离，通过类型断言检查具体实现是否支持动态级别控制。
type Leveler interface {
	// SetLevel 动态设置日志级别，运行时生效。
	SetLevel(level Level)

	// GetLevel 获取当前日志级别。
	GetLevel() Level

	// Enabled 检查指定级别是否启用。
	Enabled(ctx context.Context, level Level) bool
}

// LoggerWithLevel 组合接口：Logger + Leveler，Build() 返回此接口。
type LoggerWithLevel interface {
	Logger
	Leveler
}

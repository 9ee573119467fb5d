// Package xlog 基于 log/slog 的结构化日志库。
//
// # 核心功能
//
//   - Builder 模式配置（输出目标、级别、格式、轮转）
//   - 自动从 context 注入 OpenTelemetry trace_id/span_id（TraceHandler，默认启用）
//   - 动态级别调整（运行时热更新）
//   - 全局默认 Logger
//
// # 创建 Logger
//
// Builder 采用 first-error-wins：遇到第一个配置错误后，Build 返回该错误。
//
//	logger, cleanup, err := xlog.New().
//	    SetLevelString("debug").
//	    SetFormat("json").
//	    SetRotation("/var/log/wbcache/app.log").
//	    Build()
//	if err != nil { ... }
//	defer cleanup()
//
// # 日志级别
//
// LevelDebug(-4)、LevelInfo(0)、LevelWarn(4)、LevelError(8)。
// Level 实现 encoding.TextMarshaler/TextUnmarshaler，可直接写在配置文件中。
//
// # 便捷属性
//
// [Err]、[Duration]、[Component]、[Operation]、[Count]、[Key]。
//
// # 派生 Logger
//
// [Logger.With] 和 [Logger.WithGroup] 返回的派生 logger 共享父级的 LevelVar，
// 动态级别变更同步生效。对启用 trace 注入的 logger 调用 WithGroup 时，
// trace_id 会被归入 group 下（slog handler 架构的固有限制）。
package xlog

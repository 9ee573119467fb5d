// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog 扩展
//   - xmetrics: 统一观测接口（指标、追踪），OpenTelemetry 实现
//   - xrotate: 日志文件轮转
//
// 日志自动从 context 中提取 trace_id/span_id，指标遵循 OpenTelemetry 语义规范。
package observability

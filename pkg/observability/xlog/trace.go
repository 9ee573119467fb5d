package xlog

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// trace 字段的标准 key
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"
)

// TraceHandler 从 context 中的 OpenTelemetry span 提取 trace_id/span_id 并注入日志。
//
// ctx 中没有有效 span 时原样委托给底层 handler。
type TraceHandler struct {
	base slog.Handler
}

// NewTraceHandler 包装 base，base 为 nil 时返回 nil。
func NewTraceHandler(base slog.Handler) slog.Handler {
	if base == nil {
		return nil
	}
	return &TraceHandler{base: base}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle 按 slog 契约在 Clone 后追加 trace 属性。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r = r.Clone()
		r.AddAttrs(
			slog.String(KeyTraceID, sc.TraceID().String()),
			slog.String(KeySpanID, sc.SpanID().String()),
		)
	}
	return h.base.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{base: h.base.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{base: h.base.WithGroup(name)}
}

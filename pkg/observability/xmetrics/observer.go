package xmetrics

import (
	"context"
	"strconv"
)

// Kind 区分跨度的触发来源，映射到 OTel 的 SpanKind。
type Kind int

const (
	// KindInternal 请求路径和后台周期，例如 get、put、flush.cycle。
	KindInternal Kind = iota
	// KindClient 对后端存储的一次调用，例如 flush.key。
	KindClient
	// KindConsumer 由过期通知驱动的处理，例如 delete.key。
	KindConsumer
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "Internal"
	case KindClient:
		return "Client"
	case KindConsumer:
		return "Consumer"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Status 是写入 status 指标维度的值。
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Attr 是附加到跨度上的键值，不进入指标维度。
type Attr struct {
	Key   string
	Value any
}

// SpanOptions 描述一次被观测的操作。
// Component 与 Operation 组成指标维度，为空时记为 "unknown"。
type SpanOptions struct {
	Component string
	Operation string
	Kind      Kind
	Attrs     []Attr
}

// Result 是操作结束时上报的结果。
//
// Status 为空时由 Err 推导；显式 StatusOK 搭配非 nil Err 用于
// 不算失败的错误，例如缓存未命中。
type Result struct {
	Status Status
	Err    error
	Attrs  []Attr
}

// Span 是一次进行中的观测，End 只生效一次。
type Span interface {
	End(result Result)
}

// Observer 为每次操作创建 Span。实现需要支持并发调用。
type Observer interface {
	Start(ctx context.Context, opts SpanOptions) (context.Context, Span)
}

// NoopObserver 不记录任何数据，未配置观测时使用。
type NoopObserver struct{}

func (NoopObserver) Start(ctx context.Context, _ SpanOptions) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, NoopSpan{}
}

// NoopSpan 是 NoopObserver 返回的 Span。
type NoopSpan struct{}

func (NoopSpan) End(_ Result) {}

// Start 通过 observer 开始一次观测。observer 为 nil，或其实现返回 nil 值时，
// 退化为 NoopSpan 与调用方的 ctx，调用方无需判空。
func Start(ctx context.Context, observer Observer, opts SpanOptions) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if observer == nil {
		return ctx, NoopSpan{}
	}
	retCtx, span := observer.Start(ctx, opts)
	if retCtx == nil {
		retCtx = ctx
	}
	if span == nil {
		span = NoopSpan{}
	}
	return retCtx, span
}

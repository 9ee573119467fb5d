// Package xmetrics 提供统一的可观测性接口（metrics + tracing）。
//
// 组件只依赖 Observer/Span/Attr 接口，默认实现基于 OpenTelemetry。
//
//	obs, _ := xmetrics.NewOTelObserver()
//	ctx, span := xmetrics.Start(ctx, obs, xmetrics.SpanOptions{
//		Component: "xwbcache",
//		Operation: "flush.key",
//		Kind:      xmetrics.KindClient,
//	})
//	defer span.End(xmetrics.Result{Err: err})
//
// # 指标
//
//   - wbcache.operation.total：操作次数
//   - wbcache.operation.duration：操作耗时（秒）
//
// 指标属性只有 component / operation / status，SpanOptions.Attrs 只写入 span。
package xmetrics

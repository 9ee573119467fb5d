package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/omeyang/wbcache/pkg/observability/xmetrics"
)

// telemetry 为进程内观测提供 OTel provider。
//
// 指标由 ManualReader 在退出时读取并汇总到日志，不依赖外部 collector。
type telemetry struct {
	reader   *sdkmetric.ManualReader
	meters   *sdkmetric.MeterProvider
	tracers  *sdktrace.TracerProvider
	observer xmetrics.Observer
}

func newTelemetry() (*telemetry, error) {
	reader := sdkmetric.NewManualReader()
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tracers := sdktrace.NewTracerProvider()

	observer, err := xmetrics.NewOTelObserver(
		xmetrics.WithMeterProvider(meters),
		xmetrics.WithTracerProvider(tracers),
		xmetrics.WithInstrumentationName("wbcachectl"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return &telemetry{reader: reader, meters: meters, tracers: tracers, observer: observer}, nil
}

// opCount 是一组 component/operation/status 的累计次数。
type opCount struct {
	Component string
	Operation string
	Status    string
	Count     int64
}

// Summary 读取操作计数，按 component、operation、status 排序。
func (t *telemetry) Summary(ctx context.Context) ([]opCount, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	var out []opCount
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != xmetrics.MetricOperationTotal {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				c := opCount{Count: dp.Value}
				if v, ok := dp.Attributes.Value("component"); ok {
					c.Component = v.AsString()
				}
				if v, ok := dp.Attributes.Value("operation"); ok {
					c.Operation = v.AsString()
				}
				if v, ok := dp.Attributes.Value("status"); ok {
					c.Status = v.AsString()
				}
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Component != b.Component {
			return a.Component < b.Component
		}
		if a.Operation != b.Operation {
			return a.Operation < b.Operation
		}
		return a.Status < b.Status
	})
	return out, nil
}

// Shutdown 关闭 provider。
func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracers.Shutdown(ctx), t.meters.Shutdown(ctx))
}

package aitalk

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-aitalk/internal/aitalk"

type metrics struct {
	tracer   trace.Tracer
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
	bytes    metric.Int64Counter
	gauges   metric.Registration
}

func newMetrics(provider metric.MeterProvider, alloc *Allocator, open func() int64) (*metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	m := &metrics{tracer: otel.Tracer(instrumentationName)}
	var err error
	if m.jobs, err = meter.Int64Counter("loqa.aitalk.jobs", metric.WithDescription("Engine jobs by kind and outcome")); err != nil {
		return m, err
	}
	if m.duration, err = meter.Float64Histogram("loqa.aitalk.job.duration", metric.WithDescription("Submission to close"), metric.WithUnit("ms")); err != nil {
		return m, err
	}
	if m.bytes, err = meter.Int64Counter("loqa.aitalk.bytes", metric.WithDescription("Bytes drained from the engine"), metric.WithUnit("By")); err != nil {
		return m, err
	}
	paramBytes, err := meter.Int64ObservableGauge("loqa.aitalk.params.bytes", metric.WithDescription("Parameter record bytes outstanding"))
	if err != nil {
		return m, err
	}
	openJobs, err := meter.Int64ObservableGauge("loqa.aitalk.jobs.open", metric.WithDescription("Engine job ids not yet closed"))
	if err != nil {
		return m, err
	}
	m.gauges, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(paramBytes, alloc.InUse())
		obs.ObserveInt64(openJobs, open())
		return nil
	}, paramBytes, openJobs)
	return m, err
}

// close stops observing the client's gauges.
func (m *metrics) close() error {
	if m == nil || m.gauges == nil {
		return nil
	}
	err := m.gauges.Unregister()
	m.gauges = nil
	return err
}

func (m *metrics) startSpan(ctx context.Context, kind JobKind, inputLen int) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "aitalk."+kind.String(), trace.WithAttributes(
		attribute.String("aitalk.kind", kind.String()),
		attribute.Int("aitalk.input_bytes", inputLen),
	))
}

func (m *metrics) addBytes(kind JobKind, n int) {
	if m == nil || m.bytes == nil || n <= 0 {
		return
	}
	m.bytes.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *metrics) finish(ctx context.Context, kind JobKind, started time.Time, outcome string) {
	if m == nil || m.jobs == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind.String()), attribute.String("outcome", outcome))
	m.jobs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
}

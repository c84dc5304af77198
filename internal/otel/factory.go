package otel

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MetricFactory creates a package's instruments from init(). The global
// meter delegates to whatever provider Init installs later.
type MetricFactory struct {
	meter  metric.Meter
	tracer trace.Tracer
	prefix string
}

func NewFactory(scope, prefix string) *MetricFactory {
	return &MetricFactory{
		meter:  otel.Meter(scope),
		tracer: otel.Tracer(scope),
		prefix: prefix,
	}
}

// Tracer shares the factory's instrumentation scope.
func (f *MetricFactory) Tracer() trace.Tracer {
	return f.tracer
}

func (f *MetricFactory) name(suffix string) string {
	if f.prefix == "" {
		return suffix
	}
	return f.prefix + "." + suffix
}

func must[T any](name string, inst T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("create instrument %s: %v", name, err))
	}
	return inst
}

func (f *MetricFactory) Int64Counter(target *metric.Int64Counter, name string, opts ...metric.Int64CounterOption) {
	n := f.name(name)
	c, err := f.meter.Int64Counter(n, opts...)
	*target = must(n, c, err)
}

func (f *MetricFactory) Int64UpDownCounter(target *metric.Int64UpDownCounter, name string, opts ...metric.Int64UpDownCounterOption) {
	n := f.name(name)
	c, err := f.meter.Int64UpDownCounter(n, opts...)
	*target = must(n, c, err)
}

func (f *MetricFactory) Float64Histogram(target *metric.Float64Histogram, name string, opts ...metric.Float64HistogramOption) {
	n := f.name(name)
	h, err := f.meter.Float64Histogram(n, opts...)
	*target = must(n, h, err)
}

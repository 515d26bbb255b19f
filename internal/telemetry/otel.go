package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName is the OpenTelemetry scope of every atomic64 span and instrument.
const InstrumentationName = "github.com/srediag/atomic64"

// Tracer returns t, or a no-op tracer when t is nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return tracenoop.NewTracerProvider().Tracer(InstrumentationName)
}

// Meter returns m, or a no-op meter when m is nil.
func Meter(m metric.Meter) metric.Meter {
	if m != nil {
		return m
	}
	return metricnoop.NewMeterProvider().Meter(InstrumentationName)
}

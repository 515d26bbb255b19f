package adapter

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/atomic64/internal/telemetry"
	"github.com/srediag/atomic64/pkg/generator"
	"github.com/srediag/atomic64/pkg/recovery"
)

// OTelAdapter hands the globally registered OpenTelemetry providers to the
// generator and the recoverer.
type OTelAdapter struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

// NewOTelAdapter reads the global tracer and meter providers. Providers
// registered later through otel.SetTracerProvider are picked up, since the
// global ones delegate.
func NewOTelAdapter() *OTelAdapter {
	return &OTelAdapter{
		Tracer: otel.GetTracerProvider().Tracer(telemetry.InstrumentationName),
		Meter:  otel.GetMeterProvider().Meter(telemetry.InstrumentationName),
	}
}

// GeneratorConfig sets the tracer and meter on cfg and returns it.
func (a *OTelAdapter) GeneratorConfig(cfg *generator.Config) *generator.Config {
	cfg.Tracer = a.Tracer
	cfg.Meter = a.Meter
	return cfg
}

// RecoveryConfig sets the tracer and meter on cfg and returns it.
func (a *OTelAdapter) RecoveryConfig(cfg *recovery.Config) *recovery.Config {
	cfg.Tracer = a.Tracer
	cfg.Meter = a.Meter
	return cfg
}

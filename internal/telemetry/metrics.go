// Package telemetry holds the Prometheus collectors and OpenTelemetry defaults
// shared by the lock table, engine, generator, dispatch and recovery packages.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "atomic64"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Operations     *prometheus.CounterVec
	Contended      prometheus.Counter
	Spins          prometheus.Counter
	Generations    prometheus.Counter
	Recoveries     prometheus.Counter
	LeakedSlots    prometheus.Counter
	CommandBuffers *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Emulated 64-bit atomic operations completed.",
		}, []string{"op", "type"}),
		Contended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contended_acquisitions_total",
			Help:      "Lock acquisitions that failed at least one exchange.",
		}),
		Spins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_spins_total",
			Help:      "Failed lock exchanges across all acquisitions.",
		}),
		Generations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_libraries_total",
			Help:      "Library and lock table pairs generated.",
		}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_table_resets_total",
			Help:      "Lock table resets performed.",
		}),
		LeakedSlots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaked_slots_total",
			Help:      "Held lock slots found and cleared by a reset.",
		}),
		CommandBuffers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_buffers_total",
			Help:      "Command buffers finished, by final status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Operations,
			m.Contended,
			m.Spins,
			m.Generations,
			m.Recoveries,
			m.LeakedSlots,
			m.CommandBuffers,
		)
	}
	return m
}

func (m *Metrics) ObserveOperation(op, typ string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, typ).Inc()
}

func (m *Metrics) ObserveAcquire(spins int) {
	if m == nil || spins == 0 {
		return
	}
	m.Contended.Inc()
	m.Spins.Add(float64(spins))
}

func (m *Metrics) ObserveGeneration() {
	if m == nil {
		return
	}
	m.Generations.Inc()
}

func (m *Metrics) ObserveReset(leaked int) {
	if m == nil {
		return
	}
	m.Recoveries.Inc()
	m.LeakedSlots.Add(float64(leaked))
}

func (m *Metrics) ObserveCommandBuffer(status string) {
	if m == nil {
		return
	}
	m.CommandBuffers.WithLabelValues(status).Inc()
}

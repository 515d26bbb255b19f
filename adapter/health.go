// Package adapter integrates atomic64 with external monitoring systems.
package adapter

import (
	"net/http"
	"sync"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/atomic64/pkg/locktable"
	"github.com/srediag/atomic64/pkg/recovery"
)

// DefaultGoroutineThreshold fails liveness when this many goroutines run,
// which is what threads spinning forever on leaked slots eventually cause.
const DefaultGoroutineThreshold = 10000

// HealthAdapter serves liveness and readiness checks for lock tables.
// Readiness fails while a watched table holds slots with no work in flight.
type HealthAdapter struct {
	handler healthcheck.Handler

	mu      sync.Mutex
	watched map[string]*locktable.Table
}

// NewHealthAdapter returns an adapter with a goroutine-count liveness check.
func NewHealthAdapter(goroutineThreshold int) *HealthAdapter {
	if goroutineThreshold <= 0 {
		goroutineThreshold = DefaultGoroutineThreshold
	}
	h := &HealthAdapter{
		handler: healthcheck.NewHandler(),
		watched: make(map[string]*locktable.Table),
	}
	h.handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineThreshold))
	return h
}

// WatchLockTable adds a readiness check for table under name. busy, usually
// a dispatch queue's InFlight, suppresses the check while work runs.
func (h *HealthAdapter) WatchLockTable(name string, table *locktable.Table, busy recovery.BusyFunc) {
	h.mu.Lock()
	h.watched[name] = table
	h.mu.Unlock()
	h.handler.AddReadinessCheck("lock-table-"+name, recovery.HealthCheck(table, busy))
}

// Watched returns the names of the watched tables.
func (h *HealthAdapter) Watched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.watched))
	for name := range h.watched {
		names = append(names, name)
	}
	return names
}

// Handler serves /live and /ready.
func (h *HealthAdapter) Handler() http.Handler { return h.handler }

// Register mounts the checks on mux.
func (h *HealthAdapter) Register(mux *http.ServeMux) {
	mux.HandleFunc("/live", h.handler.LiveEndpoint)
	mux.HandleFunc("/ready", h.handler.ReadyEndpoint)
}

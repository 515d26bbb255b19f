package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/atomic64/internal/logging"
	"github.com/srediag/atomic64/pkg/dispatch"
	"github.com/srediag/atomic64/pkg/locktable"
)

// Event reports the recovery of one table after a fault.
type Event struct {
	Table   *locktable.Table
	Fault   dispatch.Fault
	Cleared int
	Err     error
}

// Monitor recovers the lock tables used by every command buffer the queue
// aborts. Recovery runs on the queue's executor, so it completes before the
// aborted buffer is reported finished and before the next buffer starts.
type Monitor struct {
	queue       *dispatch.Queue
	recoverer   *Recoverer
	unsubscribe func()

	mu     sync.Mutex
	events []Event
	notify func(Event)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithNotify calls fn after each table recovery.
func WithNotify(fn func(Event)) MonitorOption {
	return func(m *Monitor) { m.notify = fn }
}

// NewMonitor subscribes to q's fault signal.
func NewMonitor(q *dispatch.Queue, r *Recoverer, opts ...MonitorOption) *Monitor {
	m := &Monitor{queue: q, recoverer: r}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = q.Subscribe(m.handle)
	return m
}

func (m *Monitor) handle(f dispatch.Fault) {
	for _, res := range f.Resources {
		table, ok := res.(*locktable.Table)
		if !ok {
			continue
		}
		cleared, err := m.recoverer.Recover(context.Background(), table, m.queue.InFlight)
		if err != nil {
			logging.Internal.Errorf("lock table 0x%x: recovery after fault in %q failed: %v",
				table.Address(), f.Buffer.Label(), err)
		}
		ev := Event{Table: table, Fault: f, Cleared: cleared, Err: err}
		m.mu.Lock()
		m.events = append(m.events, ev)
		m.mu.Unlock()
		if m.notify != nil {
			m.notify(ev)
		}
	}
}

// Events returns every recovery performed so far.
func (m *Monitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Close stops monitoring.
func (m *Monitor) Close() {
	m.unsubscribe()
}

// HealthCheck reports table as unhealthy when slots are held while no work
// uses it, which only happens after a leak. While busy reports the table in
// use the check passes.
func HealthCheck(table *locktable.Table, busy BusyFunc) healthcheck.Check {
	return func() error {
		if err := table.Check(); err != nil {
			return err
		}
		if busy != nil && busy(table) {
			return nil
		}
		if held := table.Held(); len(held) > 0 {
			return fmt.Errorf("%w: 0x%x has %d", ErrCorrupt, table.Address(), len(held))
		}
		return nil
	}
}

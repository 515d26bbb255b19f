// Package recovery returns lock tables to the all-unlocked state after work
// was aborted while holding slots.
//
// A reset is only safe when nothing in flight uses the table: a thread still
// inside a critical section would lose mutual exclusion. Recoverer waits for
// that before resetting. Results of the aborted operations are not repaired.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/atomic64/internal/logging"
	"github.com/srediag/atomic64/internal/telemetry"
	"github.com/srediag/atomic64/pkg/device"
	"github.com/srediag/atomic64/pkg/locktable"
)

var (
	ErrInFlight = errors.New("recovery: lock table is used by in-flight work")
	ErrCorrupt  = errors.New("recovery: lock table has held slots while idle")
)

// BusyFunc reports whether in-flight work uses resource.
type BusyFunc func(resource any) bool

// Reset stores unlocked into every slot of table and returns how many slots
// were held. Host-visible tables are written directly; private ones through
// a device fill.
func Reset(ctx context.Context, table *locktable.Table) (cleared int, err error) {
	buf := table.Buffer()
	if buf != nil && buf.Released() {
		return 0, fmt.Errorf("recovery: lock table 0x%x: %w", table.Address(), device.ErrBufferReleased)
	}
	if err := table.Check(); err != nil {
		return 0, fmt.Errorf("recovery: %w", err)
	}
	if buf == nil || buf.StorageMode() == device.StorageShared {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return table.Reset(), nil
	}
	cleared = len(table.Held())
	if err := table.Device().Fill(ctx, buf, 0); err != nil {
		return 0, fmt.Errorf("recovery: fill lock table 0x%x: %w", table.Address(), err)
	}
	if cleared > 0 {
		logging.Internal.Warnf("lock table 0x%x: device fill cleared %d held slots", table.Address(), cleared)
	}
	return cleared, nil
}

// Config tunes a Recoverer.
type Config struct {
	// WaitIdle returns the policy for polling until the table is idle.
	WaitIdle func() backoff.BackOff
	Tracer   trace.Tracer
	Meter    metric.Meter
	Metrics  *telemetry.Metrics
}

// DefaultConfig waits up to five seconds for in-flight work to drain.
func DefaultConfig() *Config {
	return &Config{
		WaitIdle: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Millisecond
			b.MaxInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
}

// VerifyConfig rejects an unusable configuration.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("recovery: nil config")
	}
	if config.WaitIdle == nil {
		return errors.New("recovery: nil WaitIdle policy")
	}
	return nil
}

// Recoverer resets lock tables once they are idle.
type Recoverer struct {
	config  *Config
	tracer  trace.Tracer
	resets  metric.Int64Counter
	leaked  metric.Int64Counter
	metrics *telemetry.Metrics
}

// NewRecoverer builds a Recoverer. A nil config uses DefaultConfig.
func NewRecoverer(config *Config) (*Recoverer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	meter := telemetry.Meter(config.Meter)
	resets, err := meter.Int64Counter("atomic64.recovery.resets",
		metric.WithDescription("Lock table resets performed."))
	if err != nil {
		return nil, err
	}
	leaked, err := meter.Int64Counter("atomic64.recovery.leaked_slots",
		metric.WithDescription("Held slots cleared by resets."))
	if err != nil {
		return nil, err
	}
	return &Recoverer{
		config:  config,
		tracer:  telemetry.Tracer(config.Tracer),
		resets:  resets,
		leaked:  leaked,
		metrics: config.Metrics,
	}, nil
}

// Recover waits until busy no longer reports table in use, then resets it.
// It fails with ErrInFlight if the table never becomes idle within the
// configured policy. A nil busy treats the table as idle.
func (r *Recoverer) Recover(ctx context.Context, table *locktable.Table, busy BusyFunc) (cleared int, err error) {
	ctx, span := r.tracer.Start(ctx, "atomic64.recover",
		trace.WithAttributes(attribute.Int64("lock_table.address", int64(table.Address()))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if busy != nil {
		waits := 0
		err = backoff.Retry(func() error {
			if busy(table) {
				waits++
				return ErrInFlight
			}
			return nil
		}, backoff.WithContext(r.config.WaitIdle(), ctx))
		if err != nil {
			logging.Internal.Warnf("lock table 0x%x: not idle after %d polls: %v", table.Address(), waits, err)
			return 0, err
		}
	}

	cleared, err = Reset(ctx, table)
	if err != nil {
		return 0, err
	}
	attrs := metric.WithAttributes(attribute.Bool("leaked", cleared > 0))
	r.resets.Add(ctx, 1, attrs)
	r.leaked.Add(ctx, int64(cleared), attrs)
	r.metrics.ObserveReset(cleared)
	span.SetAttributes(attribute.Int("lock_table.cleared", cleared))
	logging.Internal.Infof("lock table 0x%x: recovered, %d slots cleared", table.Address(), cleared)
	return cleared, nil
}

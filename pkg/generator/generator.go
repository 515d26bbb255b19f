// Package generator compiles a 64-bit atomics library bound to a freshly
// allocated lock table.
//
// Each call to Generate yields an independent pair. The library reaches its
// table only through the address compiled into it, so the caller must keep
// the table alive for as long as work dispatched with the library runs, and
// must release both together.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/atomic64/internal/logging"
	"github.com/srediag/atomic64/internal/telemetry"
	"github.com/srediag/atomic64/pkg/atomic64"
	"github.com/srediag/atomic64/pkg/device"
	"github.com/srediag/atomic64/pkg/locktable"
)

var (
	ErrDeviceMismatch    = errors.New("generator: float library belongs to another device")
	ErrAllocation        = errors.New("generator: lock table allocation failed")
	ErrDanglingLockTable = errors.New("generator: library outlived its lock table")
	ErrReleased          = errors.New("generator: library released")
)

// FloatLibrary is the float64 emulation library a generated library links against.
type FloatLibrary interface {
	device.DynamicLibrary
	atomic64.FloatLibrary
}

// Generate allocates a lock table on dev and compiles a library bound to it.
// A nil config uses DefaultConfig.
func Generate(ctx context.Context, dev *device.Device, fp FloatLibrary, config *Config) (lib *Library, table *locktable.Table, err error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, nil, err
	}
	ctx, span := telemetry.Tracer(config.Tracer).Start(ctx, "atomic64.generate",
		trace.WithAttributes(
			attribute.String("device", dev.Name()),
			attribute.Int("lock_table.slots", int(config.LockTable.Slots)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if fp == nil || fp.Device() != dev {
		return nil, nil, ErrDeviceMismatch
	}

	mode := device.PreferredStorage(dev)
	buf, err := dev.NewBuffer(ctx, config.LockTable.AllocationSize(), mode)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	table, err = locktable.New(buf, config.LockTable)
	if err != nil {
		_ = buf.Release()
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("lock_table.storage", mode.String()),
		attribute.Int64("lock_table.address", int64(table.Address())),
	)

	img, err := dev.Compile(ctx, renderSource(), device.CompileOptions{
		Libraries: []device.DynamicLibrary{fp},
		Macros: map[string]uint64{
			MacroLockTableAddress: table.Address(),
			MacroLockTableMask:    uint64(config.LockTable.Slots - 1),
			MacroLockTableXor:     uint64(config.LockTable.XorMask & (config.LockTable.Slots - 1)),
		},
		Optimization: config.Optimization,
		InstallName:  config.InstallName,
	})
	if err != nil {
		_ = table.Release()
		return nil, nil, err
	}

	lib = &Library{
		image:      img,
		fp:         fp,
		yieldEvery: config.LockTable.YieldEvery,
		metrics:    config.Metrics,
	}
	config.Metrics.ObserveGeneration()
	if counter, cerr := telemetry.Meter(config.Meter).Int64Counter("atomic64.generator.libraries",
		metric.WithDescription("Library and lock table pairs generated.")); cerr == nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("storage", mode.String())))
	}
	logging.Internal.Debugf("generated %s bound to lock table 0x%x (%s, %d slots)",
		config.InstallName, table.Address(), mode, table.Slots())
	return lib, table, nil
}

// ReleasePair releases a library together with the table it was generated with.
func ReleasePair(lib *Library, table *locktable.Table) error {
	var errs []error
	if lib != nil {
		errs = append(errs, lib.Release())
	}
	if table != nil {
		errs = append(errs, table.Release())
	}
	return errors.Join(errs...)
}

// Serialize writes the library's manifest to w.
func (l *Library) Serialize(w io.Writer) error {
	return device.WriteManifest(w, device.ManifestOf(l.image))
}

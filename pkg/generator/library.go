package generator

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/srediag/atomic64/internal/telemetry"
	"github.com/srediag/atomic64/pkg/atomic64"
	"github.com/srediag/atomic64/pkg/device"
	"github.com/srediag/atomic64/pkg/locktable"
)

// Library is a generated atomics library. It implements device.DynamicLibrary.
type Library struct {
	image      *device.Image
	fp         FloatLibrary
	yieldEvery int
	metrics    *telemetry.Metrics
	released   atomic.Bool
}

func (l *Library) Device() *device.Device { return l.image.Device() }

func (l *Library) InstallName() string { return l.image.InstallName() }

// Symbols returns the exported entry points.
func (l *Library) Symbols() []string { return l.image.Symbols() }

// Functions is an alias of Symbols.
func (l *Library) Functions() []string { return l.image.Symbols() }

// Dependencies returns the install names the library links against.
func (l *Library) Dependencies() []string { return l.image.Dependencies() }

// Image returns the compiled image.
func (l *Library) Image() *device.Image { return l.image }

// LockTableAddress returns the table address compiled into the library.
func (l *Library) LockTableAddress() uint64 {
	addr, _ := l.image.Macro(MacroLockTableAddress)
	return addr
}

// lockTableConfig rebuilds the table layout from the compiled constants.
func (l *Library) lockTableConfig() locktable.Config {
	mask, _ := l.image.Macro(MacroLockTableMask)
	xor, _ := l.image.Macro(MacroLockTableXor)
	return locktable.Config{
		Slots:      uint32(mask) + 1,
		XorMask:    uint32(xor),
		YieldEvery: l.yieldEvery,
	}
}

// Engine returns an engine that serialises through the lock table at the
// compiled address. It fails with ErrDanglingLockTable once that table has
// been released.
func (l *Library) Engine(opts ...atomic64.Option) (*atomic64.Engine, error) {
	if l.released.Load() {
		return nil, ErrReleased
	}
	table, err := locktable.Bind(l.Device(), l.LockTableAddress(), l.lockTableConfig())
	if err != nil {
		if errors.Is(err, device.ErrUnmappedAddress) || errors.Is(err, device.ErrBufferReleased) {
			return nil, fmt.Errorf("%w: 0x%x", ErrDanglingLockTable, l.LockTableAddress())
		}
		return nil, err
	}
	if l.metrics != nil {
		opts = append([]atomic64.Option{atomic64.WithMetrics(l.metrics)}, opts...)
	}
	return atomic64.New(table, l.fp, opts...), nil
}

// Install writes the library's manifest into dir, where pipelines that
// require it by install name find it.
func (l *Library) Install(dir string) (string, error) {
	if l.released.Load() {
		return "", ErrReleased
	}
	return device.InstallManifest(dir, l.image)
}

// Released reports whether Release has been called.
func (l *Library) Released() bool { return l.released.Load() }

// Release drops the library. The lock table is not affected.
func (l *Library) Release() error {
	l.released.Store(true)
	return nil
}

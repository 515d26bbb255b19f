// Package atomic64 emulates 64-bit atomic operations on a device that only
// has 32-bit atomics. Every operation takes the target's slot in a lock
// table with an exchange spin, performs the read-modify-write on the two
// 32-bit halves of the cell, and releases the slot.
//
// The engine receives its lock table explicitly. Generated libraries build
// one from the table address compiled into them.
package atomic64

import (
	"context"
	"fmt"

	"github.com/srediag/atomic64/internal/telemetry"
	"github.com/srediag/atomic64/pkg/fpemu"
	"github.com/srediag/atomic64/pkg/locktable"
)

// FloatLibrary is the floating-point arithmetic the engine calls for float tags.
type FloatLibrary interface {
	Add(f fpemu.Format, a, b uint64) uint64
	Sub(f fpemu.Format, a, b uint64) uint64
	Max(f fpemu.Format, a, b uint64) uint64
	Min(f fpemu.Format, a, b uint64) uint64
	Equal(f fpemu.Format, a, b uint64) bool
}

// Engine performs emulated atomics against one lock table.
//
// The engine does not check that the table is still mapped: releasing a
// shared-storage table unmaps it, and an engine used afterwards faults.
type Engine struct {
	table       *locktable.Table
	fp          FloatLibrary
	metrics     *telemetry.Metrics
	leakOnPanic bool
	hook        func(Cell)
	ctx         context.Context
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records operations and contention in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLeakOnPanic leaves the slot held when the critical section panics,
// the way an aborted device thread does. The table then needs a reset.
func WithLeakOnPanic() Option {
	return func(e *Engine) { e.leakOnPanic = true }
}

// WithCriticalSectionHook runs fn while the slot is held, before the cell is read.
func WithCriticalSectionHook(fn func(Cell)) Option {
	return func(e *Engine) { e.hook = fn }
}

// New returns an engine serialising through table. fp may be nil when no
// float tags are used.
func New(table *locktable.Table, fp FloatLibrary, opts ...Option) *Engine {
	e := &Engine{table: table, fp: fp}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithContext returns a copy of e whose operations give up waiting for a
// slot once ctx is done, panicking with ErrAborted. Kernels pass their
// thread's context so an aborted command buffer can drain.
func (e *Engine) WithContext(ctx context.Context) *Engine {
	c := *e
	c.ctx = ctx
	return &c
}

// Table returns the lock table the engine serialises through.
func (e *Engine) Table() *locktable.Table { return e.table }

// Slot returns the lock slot guarding c.
func (e *Engine) Slot(c Cell) uint32 {
	if c.space == Workgroup {
		return e.table.IndexScratch(c.workgroup, c.addr)
	}
	return e.table.Index(c.addr)
}

// critical runs update on c's value under its slot and returns the value
// read before the update. update returns the value to write back and
// whether to write it.
func (e *Engine) critical(c Cell, order MemoryOrder, update func(old uint64) (uint64, bool)) uint64 {
	slot := e.Slot(c)
	if e.ctx != nil {
		spins, err := e.table.AcquireContext(e.ctx, slot)
		e.metrics.ObserveAcquire(spins)
		if err != nil {
			panic(fmt.Errorf("%w: slot %d: %w", ErrAborted, slot, err))
		}
	} else {
		e.metrics.ObserveAcquire(e.table.Acquire(slot))
	}
	done := false
	defer func() {
		if !done && !e.leakOnPanic {
			e.table.Release(slot)
		}
	}()

	if order.acquires() {
		e.table.Fence(slot)
	}
	if e.hook != nil {
		e.hook(c)
	}
	old := c.load()
	if v, write := update(old); write {
		c.store(v)
	}
	if order.releases() {
		e.table.Fence(slot)
	}

	e.table.Release(slot)
	done = true
	return old
}

func (e *Engine) float() FloatLibrary {
	if e.fp == nil {
		panic(fmt.Errorf("%w: no float library linked", ErrUnsupportedType))
	}
	return e.fp
}

func checkRMW(op string, tag TypeTag, order MemoryOrder) {
	tag.check()
	if !order.validRMW() {
		panic(fmt.Errorf("%w: %s %s", ErrInvalidOrder, op, order))
	}
}

func (e *Engine) canonical(tag TypeTag, v uint64) uint64 {
	if tag.IsFloat() {
		return fpemu.Round(tag.format(), v)
	}
	return v
}

// Store writes value into c. Float values are rounded to the tag's encoding.
// order must be Relaxed, Release or SeqCst.
func (e *Engine) Store(c Cell, value uint64, tag TypeTag, order MemoryOrder) {
	tag.check()
	if !order.validStore() {
		panic(fmt.Errorf("%w: store %s", ErrInvalidOrder, order))
	}
	value = e.canonical(tag, value)
	e.critical(c, order, func(uint64) (uint64, bool) { return value, true })
	e.metrics.ObserveOperation("store", tag.String())
}

// Load reads c. order must be Relaxed, Acquire or SeqCst.
func (e *Engine) Load(c Cell, tag TypeTag, order MemoryOrder) uint64 {
	tag.check()
	if !order.validLoad() {
		panic(fmt.Errorf("%w: load %s", ErrInvalidOrder, order))
	}
	v := e.critical(c, order, func(uint64) (uint64, bool) { return 0, false })
	e.metrics.ObserveOperation("load", tag.String())
	return v
}

// Exchange writes value into c and returns the previous value.
func (e *Engine) Exchange(c Cell, value uint64, tag TypeTag, order MemoryOrder) uint64 {
	checkRMW("exchange", tag, order)
	value = e.canonical(tag, value)
	old := e.critical(c, order, func(uint64) (uint64, bool) { return value, true })
	e.metrics.ObserveOperation("exchange", tag.String())
	return old
}

// FetchAdd adds operand to c using the tag's arithmetic and returns the
// value before the addition.
func (e *Engine) FetchAdd(c Cell, operand uint64, tag TypeTag, order MemoryOrder) uint64 {
	checkRMW("fetch_add", tag, order)
	var update func(uint64) (uint64, bool)
	if tag.IsFloat() {
		fp, f := e.float(), tag.format()
		update = func(old uint64) (uint64, bool) { return fp.Add(f, old, operand), true }
	} else {
		update = func(old uint64) (uint64, bool) { return old + operand, true }
	}
	old := e.critical(c, order, update)
	e.metrics.ObserveOperation("fetch_add", tag.String())
	return old
}

// FetchSub subtracts operand from c and returns the previous value.
func (e *Engine) FetchSub(c Cell, operand uint64, tag TypeTag, order MemoryOrder) uint64 {
	checkRMW("fetch_sub", tag, order)
	var update func(uint64) (uint64, bool)
	if tag.IsFloat() {
		fp, f := e.float(), tag.format()
		update = func(old uint64) (uint64, bool) { return fp.Sub(f, old, operand), true }
	} else {
		update = func(old uint64) (uint64, bool) { return old - operand, true }
	}
	old := e.critical(c, order, update)
	e.metrics.ObserveOperation("fetch_sub", tag.String())
	return old
}

// FetchMax stores the larger of c and operand and returns the previous value.
func (e *Engine) FetchMax(c Cell, operand uint64, tag TypeTag, order MemoryOrder) uint64 {
	checkRMW("fetch_max", tag, order)
	old := e.critical(c, order, e.extremum(tag, operand, true))
	e.metrics.ObserveOperation("fetch_max", tag.String())
	return old
}

// FetchMin stores the smaller of c and operand and returns the previous value.
func (e *Engine) FetchMin(c Cell, operand uint64, tag TypeTag, order MemoryOrder) uint64 {
	checkRMW("fetch_min", tag, order)
	old := e.critical(c, order, e.extremum(tag, operand, false))
	e.metrics.ObserveOperation("fetch_min", tag.String())
	return old
}

func (e *Engine) extremum(tag TypeTag, operand uint64, greater bool) func(uint64) (uint64, bool) {
	switch tag {
	case Int64:
		return func(old uint64) (uint64, bool) {
			if (int64(operand) > int64(old)) == greater && operand != old {
				return operand, true
			}
			return old, false
		}
	case Uint64:
		return func(old uint64) (uint64, bool) {
			if (operand > old) == greater && operand != old {
				return operand, true
			}
			return old, false
		}
	default:
		fp, f := e.float(), tag.format()
		if greater {
			return func(old uint64) (uint64, bool) { return fp.Max(f, old, operand), true }
		}
		return func(old uint64) (uint64, bool) { return fp.Min(f, old, operand), true }
	}
}

func (e *Engine) bitwise(op string, c Cell, operand uint64, tag TypeTag, order MemoryOrder, fn func(a, b uint64) uint64) uint64 {
	checkRMW(op, tag, order)
	if tag.IsFloat() {
		panic(fmt.Errorf("%w: %s on %s", ErrUnsupportedType, op, tag))
	}
	old := e.critical(c, order, func(old uint64) (uint64, bool) { return fn(old, operand), true })
	e.metrics.ObserveOperation(op, tag.String())
	return old
}

// FetchAnd ands operand into c and returns the previous value. Integer tags only.
func (e *Engine) FetchAnd(c Cell, operand uint64, tag TypeTag, order MemoryOrder) uint64 {
	return e.bitwise("fetch_and", c, operand, tag, order, func(a, b uint64) uint64 { return a & b })
}

// FetchOr ors operand into c and returns the previous value. Integer tags only.
func (e *Engine) FetchOr(c Cell, operand uint64, tag TypeTag, order MemoryOrder) uint64 {
	return e.bitwise("fetch_or", c, operand, tag, order, func(a, b uint64) uint64 { return a | b })
}

// FetchXor xors operand into c and returns the previous value. Integer tags only.
func (e *Engine) FetchXor(c Cell, operand uint64, tag TypeTag, order MemoryOrder) uint64 {
	return e.bitwise("fetch_xor", c, operand, tag, order, func(a, b uint64) uint64 { return a ^ b })
}

// CompareExchange writes desired into c if c equals expected and returns the
// previous value and whether the write happened. Float tags compare
// numerically, so NaN never matches and -0 matches +0.
func (e *Engine) CompareExchange(c Cell, expected, desired uint64, tag TypeTag, order MemoryOrder) (uint64, bool) {
	checkRMW("compare_exchange", tag, order)
	desired = e.canonical(tag, desired)
	equal := func(a, b uint64) bool { return a == b }
	if tag.IsFloat() {
		fp, f := e.float(), tag.format()
		equal = func(a, b uint64) bool { return fp.Equal(f, a, b) }
	}
	swapped := false
	old := e.critical(c, order, func(old uint64) (uint64, bool) {
		swapped = equal(old, expected)
		return desired, swapped
	})
	e.metrics.ObserveOperation("compare_exchange", tag.String())
	return old, swapped
}

// FetchAddFloat adds v to a float cell and returns the previous value.
func (e *Engine) FetchAddFloat(c Cell, v float64, tag TypeTag, order MemoryOrder) float64 {
	if !tag.IsFloat() {
		panic(fmt.Errorf("%w: FetchAddFloat on %s", ErrUnsupportedType, tag))
	}
	f := tag.format()
	return fpemu.ToFloat64(f, e.FetchAdd(c, fpemu.FromFloat64(f, v), tag, order))
}

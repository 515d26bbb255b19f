// Package locktable implements the striped spin-lock table that serialises
// emulated 64-bit atomics, and the mapping from target addresses to slots.
//
// A slot is a 32-bit word: 0 means unlocked, anything else means held. Many
// addresses share one slot; since every access to one address lands on the
// same slot, sharing costs throughput only.
package locktable

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/srediag/atomic64/internal/logging"
	internalshm "github.com/srediag/atomic64/internal/shm"
	"github.com/srediag/atomic64/pkg/device"
)

const (
	unlocked uint32 = 0
	held     uint32 = 1

	// contextCheckEvery is how many failed exchanges AcquireContext makes
	// between looks at its context.
	contextCheckEvery = 64
)

var (
	ErrBufferTooSmall = errors.New("locktable: buffer too small for table")
	ErrMisalignedBase = errors.New("locktable: base address not aligned to table size")
	ErrUnmapped       = errors.New("locktable: table memory is no longer mapped")
)

// Table is a lock table resident in device memory.
type Table struct {
	config Config
	base   uint64
	mask   uint32
	xor    uint32
	words  []uint32
	buf    *device.Buffer
	dev    *device.Device
}

// New places a table inside buf at the first table-size aligned address.
// The table owns buf.
func New(buf *device.Buffer, config Config) (*Table, error) {
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if buf.Length() < config.AllocationSize() {
		return nil, fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, buf.Length(), config.AllocationSize())
	}
	t, err := Bind(buf.Device(), config.AlignBase(buf.GPUAddress()), config)
	if err != nil {
		return nil, err
	}
	t.buf = buf
	return t, nil
}

// Bind views the table whose base virtual address is base without owning
// its memory. Generated libraries reach their table this way.
func Bind(dev *device.Device, base uint64, config Config) (*Table, error) {
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if config.AlignBase(base) != base {
		return nil, fmt.Errorf("%w: 0x%x", ErrMisalignedBase, base)
	}
	mem, err := dev.Resolve(base, config.ByteSize())
	if err != nil {
		return nil, err
	}
	mask := config.Slots - 1
	return &Table{
		config: config,
		base:   base,
		mask:   mask,
		xor:    config.XorMask & mask,
		words:  internalshm.Words32(mem),
		dev:    dev,
	}, nil
}

func (t *Table) Config() Config { return t.config }

// Address returns the base virtual address of slot 0.
func (t *Table) Address() uint64 { return t.base }

func (t *Table) Slots() uint32 { return t.config.Slots }

// Buffer returns the owning buffer, or nil for a bound view.
func (t *Table) Buffer() *device.Buffer { return t.buf }

func (t *Table) Device() *device.Device { return t.dev }

// SlotAddress returns the virtual address of a slot's lock word.
func (t *Table) SlotAddress(slot uint32) uint64 {
	return t.base | uint64(slot&t.mask)*SlotSize
}

// Index maps a device address to its slot. Targets are 8-byte aligned, so
// the three low address bits carry no information and are dropped.
func (t *Table) Index(addr uint64) uint32 {
	return uint32(addr>>3)&t.mask ^ t.xor
}

// IndexScratch maps a workgroup scratch address to its slot. Scratch
// addresses repeat in every workgroup, so the workgroup id is mixed in.
func (t *Table) IndexScratch(workgroup uint32, addr uint64) uint32 {
	return (uint32(addr>>3)^workgroup*0x9E3779B1)&t.mask ^ t.xor
}

func (t *Table) word(slot uint32) *uint32 { return &t.words[slot&t.mask] }

// TryAcquire makes one exchange attempt on slot.
func (t *Table) TryAcquire(slot uint32) bool {
	return internalshm.AtomicSwapUint32(t.word(slot), held) == unlocked
}

// Acquire spins until slot is taken and returns the number of failed
// attempts. There is no timeout and no fairness between contenders.
func (t *Table) Acquire(slot uint32) (spins int) {
	w := t.word(slot)
	yield := t.config.YieldEvery
	for internalshm.AtomicSwapUint32(w, held) != unlocked {
		spins++
		if yield > 0 && spins%yield == 0 {
			runtime.Gosched()
		}
	}
	return spins
}

// AcquireContext spins like Acquire but gives up once ctx is done, which
// is how threads of an aborted command buffer leave a slot that will never
// be released. ctx is checked before the first attempt.
func (t *Table) AcquireContext(ctx context.Context, slot uint32) (spins int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w := t.word(slot)
	yield := t.config.YieldEvery
	for internalshm.AtomicSwapUint32(w, held) != unlocked {
		spins++
		if spins%contextCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return spins, err
			}
		}
		if yield > 0 && spins%yield == 0 {
			runtime.Gosched()
		}
	}
	return spins, nil
}

// Release unlocks slot.
func (t *Table) Release(slot uint32) {
	internalshm.AtomicStoreUint32(t.word(slot), unlocked)
}

// Fence issues a full memory barrier through the slot's lock word.
// It must only be called while holding slot.
func (t *Table) Fence(slot uint32) {
	internalshm.AtomicStoreUint32(t.word(slot), held)
}

// IsHeld reports whether slot is currently held.
func (t *Table) IsHeld(slot uint32) bool {
	return internalshm.AtomicLoadUint32(t.word(slot)) != unlocked
}

// Check reports whether the table's memory is still mapped. Held, Clean
// and Reset check it first; the lock operations do not, so an engine must
// not outlive its table.
func (t *Table) Check() error {
	if t.buf != nil {
		if t.buf.Released() {
			return fmt.Errorf("%w: 0x%x", ErrUnmapped, t.base)
		}
		return nil
	}
	if _, err := t.dev.Resolve(t.base, t.config.ByteSize()); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmapped, err)
	}
	return nil
}

// Held returns every held slot, or nil once the table is unmapped. Only
// meaningful while no work is in flight.
func (t *Table) Held() []uint32 {
	if t.Check() != nil {
		return nil
	}
	var out []uint32
	for i := range t.words {
		if internalshm.AtomicLoadUint32(&t.words[i]) != unlocked {
			out = append(out, uint32(i))
		}
	}
	return out
}

// Clean reports whether every slot is unlocked. An unmapped table is not clean.
func (t *Table) Clean() bool {
	if t.Check() != nil {
		return false
	}
	for i := range t.words {
		if internalshm.AtomicLoadUint32(&t.words[i]) != unlocked {
			return false
		}
	}
	return true
}

// Reset stores unlocked into every slot and returns how many were held.
// No work may use the table concurrently. An unmapped table is left alone.
func (t *Table) Reset() (cleared int) {
	if err := t.Check(); err != nil {
		logging.Internal.Warnf("lock table 0x%x: reset skipped: %v", t.base, err)
		return 0
	}
	for i := range t.words {
		if internalshm.AtomicSwapUint32(&t.words[i], unlocked) != unlocked {
			cleared++
		}
	}
	if cleared > 0 {
		logging.Internal.Warnf("lock table 0x%x: reset cleared %d held slots", t.base, cleared)
	}
	return cleared
}

// Release frees the owning buffer. A bound view releases nothing.
func (t *Table) Release() error {
	if t.buf == nil {
		return nil
	}
	return t.buf.Release()
}

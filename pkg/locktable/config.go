package locktable

import (
	"errors"
	"fmt"
)

const (
	// SlotSize is the width of one lock word in bytes.
	SlotSize = 4

	defaultSlots      = 1 << 16
	defaultXorMask    = 0x5A39
	defaultYieldEvery = 128
	minSlots          = 16
)

// Config sizes a lock table and tunes its spin loop.
type Config struct {
	// Slots is the number of lock words, a power of two.
	Slots uint32
	// XorMask scrambles slot indices so neighbouring tables and buffers
	// do not start on the same slots.
	XorMask uint32
	// YieldEvery yields the processor after that many failed exchanges.
	// Zero spins without ever yielding.
	YieldEvery int
}

// DefaultConfig returns the 65536-slot table layout.
func DefaultConfig() Config {
	return Config{
		Slots:      defaultSlots,
		XorMask:    defaultXorMask,
		YieldEvery: defaultYieldEvery,
	}
}

// VerifyConfig rejects an unusable configuration.
func VerifyConfig(c Config) error {
	if c.Slots < minSlots {
		return fmt.Errorf("locktable: slots %d below minimum %d", c.Slots, minSlots)
	}
	if c.Slots&(c.Slots-1) != 0 {
		return fmt.Errorf("locktable: slots %d is not a power of two", c.Slots)
	}
	if c.YieldEvery < 0 {
		return errors.New("locktable: negative YieldEvery")
	}
	return nil
}

// ByteSize is the size of the lock words.
func (c Config) ByteSize() int {
	return int(c.Slots) * SlotSize
}

// AllocationSize is the buffer size a table needs: twice the table, so an
// aligned base always fits inside it.
func (c Config) AllocationSize() int {
	return 2 * c.ByteSize()
}

// AlignBase rounds addr up to a multiple of the table size. Slot addresses
// are then the base with the slot offset or-ed into its low bits.
func (c Config) AlignBase(addr uint64) uint64 {
	sizeMinus1 := uint64(c.ByteSize() - 1)
	return ^sizeMinus1 & (addr + sizeMinus1)
}

package atomic64

import (
	"errors"
	"fmt"

	"github.com/srediag/atomic64/pkg/fpemu"
)

var (
	ErrInvalidOrder    = errors.New("atomic64: invalid memory order for operation")
	ErrUnsupportedType = errors.New("atomic64: operation not defined for type")
	ErrUnknownType     = errors.New("atomic64: unknown type tag")
	ErrMisaligned      = errors.New("atomic64: target not 8-byte aligned")
	ErrOutOfBounds     = errors.New("atomic64: target outside its memory")
	ErrAborted         = errors.New("atomic64: operation aborted while waiting for its slot")
)

// TypeTag selects how the 64 bits of a cell are interpreted. The numeric
// values are part of the entry-point ABI.
type TypeTag uint16

const (
	Int64 TypeTag = iota
	Uint64
	Float64
	Float59
	Float43
)

func (t TypeTag) String() string {
	switch t {
	case Int64:
		return "i64"
	case Uint64:
		return "u64"
	case Float64:
		return "f64"
	case Float59:
		return "f59"
	case Float43:
		return "f43"
	default:
		return fmt.Sprintf("TypeTag(%d)", uint16(t))
	}
}

// IsFloat reports whether t is one of the emulated floating-point encodings.
func (t TypeTag) IsFloat() bool {
	return t == Float64 || t == Float59 || t == Float43
}

func (t TypeTag) format() fpemu.Format {
	switch t {
	case Float59:
		return fpemu.Float59
	case Float43:
		return fpemu.Float43
	default:
		return fpemu.Float64
	}
}

func (t TypeTag) check() {
	if t > Float43 {
		panic(fmt.Errorf("%w: %d", ErrUnknownType, uint16(t)))
	}
}

// MemoryOrder orders surrounding memory operations relative to an atomic call.
// Mutual exclusion comes from the lock table whatever the order.
type MemoryOrder uint8

const (
	Relaxed MemoryOrder = iota
	Acquire
	Release
	AcqRel
	SeqCst
)

func (o MemoryOrder) String() string {
	switch o {
	case Relaxed:
		return "relaxed"
	case Acquire:
		return "acquire"
	case Release:
		return "release"
	case AcqRel:
		return "acq_rel"
	case SeqCst:
		return "seq_cst"
	default:
		return fmt.Sprintf("MemoryOrder(%d)", uint8(o))
	}
}

func (o MemoryOrder) acquires() bool {
	return o == Acquire || o == AcqRel || o == SeqCst
}

func (o MemoryOrder) releases() bool {
	return o == Release || o == AcqRel || o == SeqCst
}

func (o MemoryOrder) validStore() bool {
	return o == Relaxed || o == Release || o == SeqCst
}

func (o MemoryOrder) validLoad() bool {
	return o == Relaxed || o == Acquire || o == SeqCst
}

func (o MemoryOrder) validRMW() bool {
	return o <= SeqCst
}

// AddressSpace is where a target cell lives.
type AddressSpace uint8

const (
	// Device memory is visible to every workgroup.
	Device AddressSpace = iota
	// Workgroup scratch memory is private to one workgroup.
	Workgroup
)

func (s AddressSpace) String() string {
	if s == Workgroup {
		return "workgroup"
	}
	return "device"
}

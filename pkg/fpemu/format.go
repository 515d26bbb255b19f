// Package fpemu is the software floating-point library that emulated 64-bit
// atomics link against. It defines three encodings stored in 64-bit cells:
//
//   - Float64: IEEE 754 binary64.
//   - Float59: binary64 layout with the 5 low significand bits always zero
//     (47 stored fraction bits).
//   - Float43: binary64 layout with the 21 low significand bits always zero
//     (31 stored fraction bits).
//
// Reduced encodings share the binary64 sign and exponent, so widening is
// free and narrowing is a round-to-nearest-even on the dropped bits.
package fpemu

import (
	"fmt"
	"math"
)

// Format is a 64-bit floating-point encoding.
type Format uint8

const (
	Float64 Format = iota
	Float59
	Float43
)

func (f Format) String() string {
	switch f {
	case Float64:
		return "f64"
	case Float59:
		return "f59"
	case Float43:
		return "f43"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// droppedBits is the count of low significand bits the encoding leaves zero.
func (f Format) droppedBits() uint {
	switch f {
	case Float59:
		return 5
	case Float43:
		return 21
	default:
		return 0
	}
}

// Valid reports whether f is a known encoding.
func (f Format) Valid() bool {
	return f <= Float43
}

const (
	fracMask = 1<<52 - 1
	expMask  = 0x7FF << 52
)

// Round narrows binary64 bits to the encoding f.
func Round(f Format, bits uint64) uint64 {
	drop := f.droppedBits()
	if drop == 0 {
		return bits
	}
	if bits&expMask == expMask {
		if bits&fracMask != 0 {
			// keep the quiet bit so NaN survives truncation
			return bits&^(1<<drop-1) | 1<<51
		}
		return bits
	}
	mask := uint64(1)<<drop - 1
	half := uint64(1) << (drop - 1)
	rem := bits & mask
	bits &^= mask
	if rem > half || (rem == half && bits&(1<<drop) != 0) {
		// a carry out of the fraction bumps the exponent, up to infinity
		bits += 1 << drop
	}
	return bits
}

// FromFloat64 encodes v in f.
func FromFloat64(f Format, v float64) uint64 {
	return Round(f, math.Float64bits(v))
}

// ToFloat64 decodes bits stored in f.
func ToFloat64(f Format, bits uint64) float64 {
	return math.Float64frombits(bits)
}

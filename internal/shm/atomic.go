package shm

import (
	"sync/atomic"
	"unsafe"
)

// Only 32-bit word atomics are used on mapped memory: the emulated device
// has no native 64-bit atomic instructions.

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}

// AtomicSwapUint32 atomically exchanges a uint32 in shared memory and returns the old value.
func AtomicSwapUint32(addr *uint32, val uint32) uint32 {
	return atomic.SwapUint32(addr, val)
}

// Words32 reinterprets b as 32-bit words. b must be 4-byte aligned.
func Words32(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Bytes64 reinterprets 64-bit words as bytes; used to obtain 8-byte aligned memory.
func Bytes64(w []uint64) []byte {
	if len(w) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&w[0])), len(w)*8)
}

// Aligned reports whether the first byte of b sits on an n-byte boundary.
func Aligned(b []byte, n uintptr) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%n == 0
}

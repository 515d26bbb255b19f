package device

import (
	"sync"

	"github.com/srediag/atomic64/internal/logging"
	"github.com/srediag/atomic64/pkg/shm"
)

// StorageMode selects where a buffer lives.
type StorageMode int

const (
	// StorageShared memory is visible to host and device.
	StorageShared StorageMode = iota
	// StoragePrivate memory is only reachable by device commands and kernels.
	StoragePrivate
)

func (m StorageMode) String() string {
	switch m {
	case StorageShared:
		return "shared"
	case StoragePrivate:
		return "private"
	default:
		return "unknown"
	}
}

// PreferredStorage is the storage mode for device-resident data on d:
// shared on unified-memory devices, private on discrete ones.
func PreferredStorage(d *Device) StorageMode {
	if d.HasUnifiedMemory() {
		return StorageShared
	}
	return StoragePrivate
}

// Buffer is device memory at a fixed GPU virtual address.
type Buffer struct {
	device  *Device
	address uint64
	length  int
	mode    StorageMode

	mu       sync.RWMutex
	mem      []byte
	private  []uint64
	region   *shm.Region
	released bool
}

func (b *Buffer) Device() *Device { return b.device }

// GPUAddress returns the buffer's base virtual address.
func (b *Buffer) GPUAddress() uint64 { return b.address }

func (b *Buffer) Length() int { return b.length }

func (b *Buffer) StorageMode() StorageMode { return b.mode }

// Contents returns the host view of the buffer.
func (b *Buffer) Contents() ([]byte, error) {
	if b.mode != StorageShared {
		return nil, ErrNotHostVisible
	}
	return b.Memory()
}

// Memory returns the device-side view of the buffer. It is 8-byte aligned.
func (b *Buffer) Memory() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return nil, ErrBufferReleased
	}
	return b.mem, nil
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.released
}

// Release unmaps the buffer's address and frees its memory.
func (b *Buffer) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	b.mem = nil
	b.private = nil
	region := b.region
	b.region = nil
	b.mu.Unlock()

	b.device.buffers.Remove(b.address)
	b.device.allocated.Add(-int64(b.length))
	logging.Internal.Debugf("device %s: released buffer 0x%x", b.device.config.Name, b.address)
	if region != nil {
		return region.Close()
	}
	return nil
}

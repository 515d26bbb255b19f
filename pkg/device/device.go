package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/atomic64/internal/logging"
	internalshm "github.com/srediag/atomic64/internal/shm"
	"github.com/srediag/atomic64/pkg/shm"
)

const (
	// addressBase is the first virtual address handed out; zero is never mapped.
	addressBase uint64 = 1 << 32
	// pageSize is the virtual address granule of buffer allocations.
	pageSize uint64 = 1 << 16
)

// Config describes the device topology.
type Config struct {
	Name string
	// UnifiedMemory makes the host and device share physical memory.
	UnifiedMemory bool
	// MemoryLimit caps the bytes of live buffers. Zero means unlimited.
	MemoryLimit int64
}

// DefaultConfig returns a discrete device without a memory limit.
func DefaultConfig() Config {
	return Config{Name: "cpu0"}
}

// Device is a compute device handle.
type Device struct {
	config    Config
	nextAddr  atomic.Uint64
	allocated atomic.Int64
	buffers   cmap.ConcurrentMap[uint64, *Buffer]
	closeOnce sync.Once
}

func shardAddress(addr uint64) uint32 {
	return uint32((addr / pageSize) * 0x9E3779B1)
}

// New opens a device.
func New(config Config) *Device {
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	d := &Device{
		config:  config,
		buffers: cmap.NewWithCustomShardingFunction[uint64, *Buffer](shardAddress),
	}
	d.nextAddr.Store(addressBase)
	return d
}

func (d *Device) Name() string { return d.config.Name }

// HasUnifiedMemory reports whether host and device share memory.
func (d *Device) HasUnifiedMemory() bool { return d.config.UnifiedMemory }

// AllocatedBytes returns the bytes held by live buffers.
func (d *Device) AllocatedBytes() int64 { return d.allocated.Load() }

// NewBuffer allocates a zero-initialised buffer of length bytes.
func (d *Device) NewBuffer(ctx context.Context, length int, mode StorageMode) (*Buffer, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit := d.config.MemoryLimit; limit > 0 {
		if d.allocated.Add(int64(length)) > limit {
			d.allocated.Add(-int64(length))
			return nil, fmt.Errorf("%w: requested %d bytes, limit %d", ErrOutOfMemory, length, limit)
		}
	} else {
		d.allocated.Add(int64(length))
	}

	b := &Buffer{device: d, length: length, mode: mode}
	switch mode {
	case StorageShared:
		region, err := shm.Open(ctx, shm.OpenOptions{Size: length})
		if err != nil {
			d.allocated.Add(-int64(length))
			return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}
		b.region = region
		b.mem = region.Bytes()
	case StoragePrivate:
		b.private = make([]uint64, (length+7)/8)
		b.mem = internalshm.Bytes64(b.private)[:length]
	default:
		d.allocated.Add(-int64(length))
		return nil, fmt.Errorf("device: unknown storage mode %d", mode)
	}

	pages := (uint64(length) + pageSize - 1) / pageSize
	b.address = d.nextAddr.Add(pages*pageSize) - pages*pageSize
	d.buffers.Set(b.address, b)
	logging.Internal.Debugf("device %s: buffer 0x%x length=%d mode=%s", d.config.Name, b.address, length, mode)
	return b, nil
}

// Resolve returns the device-side view of length bytes starting at addr.
// Kernels use it to dereference virtual addresses baked into their code.
func (d *Device) Resolve(addr uint64, length int) ([]byte, error) {
	var found *Buffer
	d.buffers.IterCb(func(base uint64, b *Buffer) {
		if addr >= base && addr-base < uint64(b.length) {
			found = b
		}
	})
	if found == nil {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnmappedAddress, addr)
	}
	off := addr - found.address
	if off+uint64(length) > uint64(found.length) {
		return nil, fmt.Errorf("%w: 0x%x+%d crosses buffer end", ErrUnmappedAddress, addr, length)
	}
	mem, err := found.Memory()
	if err != nil {
		return nil, err
	}
	return mem[off : off+uint64(length)], nil
}

// Fill writes value into every byte of buf through the device, which works
// for private storage the host cannot touch.
func (d *Device) Fill(ctx context.Context, buf *Buffer, value byte) error {
	if buf.device != d {
		return ErrForeignResource
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mem, err := buf.Memory()
	if err != nil {
		return err
	}
	words := internalshm.Words32(mem)
	v := uint32(value) * 0x01010101
	for i := range words {
		internalshm.AtomicStoreUint32(&words[i], v)
	}
	for i := len(words) * 4; i < len(mem); i++ {
		mem[i] = value
	}
	return nil
}

// Close releases every live buffer.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		for _, b := range d.buffers.Items() {
			if rerr := b.Release(); rerr != nil && err == nil {
				err = rerr
			}
		}
	})
	return err
}

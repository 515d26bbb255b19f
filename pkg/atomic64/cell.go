package atomic64

import (
	"fmt"
	"unsafe"

	internalshm "github.com/srediag/atomic64/internal/shm"
	"github.com/srediag/atomic64/pkg/device"
)

// lowHalf is the index of the word holding the low 32 bits of a cell.
var lowHalf = func() int {
	x := uint64(1)
	if *(*uint32)(unsafe.Pointer(&x)) == 1 {
		return 0
	}
	return 1
}()

// Cell is a 64-bit target cell. Its value is only read and written as two
// 32-bit halves while the cell's lock slot is held.
type Cell struct {
	space     AddressSpace
	workgroup uint32
	addr      uint64
	lo, hi    *uint32
}

func newCell(space AddressSpace, workgroup uint32, addr uint64, mem []byte, offset int) (Cell, error) {
	if offset%8 != 0 || addr%8 != 0 {
		return Cell{}, fmt.Errorf("%w: 0x%x", ErrMisaligned, addr)
	}
	if offset < 0 || offset+8 > len(mem) {
		return Cell{}, fmt.Errorf("%w: offset %d of %d bytes", ErrOutOfBounds, offset, len(mem))
	}
	words := internalshm.Words32(mem[offset : offset+8])
	return Cell{
		space:     space,
		workgroup: workgroup,
		addr:      addr,
		lo:        &words[lowHalf],
		hi:        &words[1-lowHalf],
	}, nil
}

// DeviceCell addresses the cell at offset bytes into buf.
func DeviceCell(buf *device.Buffer, offset int) (Cell, error) {
	mem, err := buf.Memory()
	if err != nil {
		return Cell{}, err
	}
	return newCell(Device, 0, buf.GPUAddress()+uint64(offset), mem, offset)
}

// Space returns the cell's address space.
func (c Cell) Space() AddressSpace { return c.space }

// Address returns the cell's address within its address space.
func (c Cell) Address() uint64 { return c.addr }

// Workgroup returns the owning workgroup of a scratch cell.
func (c Cell) Workgroup() uint32 { return c.workgroup }

func (c Cell) load() uint64 {
	lo := internalshm.AtomicLoadUint32(c.lo)
	hi := internalshm.AtomicLoadUint32(c.hi)
	return uint64(hi)<<32 | uint64(lo)
}

func (c Cell) store(v uint64) {
	internalshm.AtomicStoreUint32(c.lo, uint32(v))
	internalshm.AtomicStoreUint32(c.hi, uint32(v>>32))
}

// Scratch is a workgroup's scratch memory. Its addresses start at zero in
// every workgroup.
type Scratch struct {
	workgroup uint32
	words     []uint64
}

// NewScratch allocates size bytes of zeroed scratch memory for workgroup.
func NewScratch(workgroup uint32, size int) *Scratch {
	return &Scratch{
		workgroup: workgroup,
		words:     make([]uint64, (size+7)/8),
	}
}

func (s *Scratch) Workgroup() uint32 { return s.workgroup }

func (s *Scratch) Size() int { return len(s.words) * 8 }

// Cell addresses the scratch cell at offset bytes.
func (s *Scratch) Cell(offset int) (Cell, error) {
	return newCell(Workgroup, s.workgroup, uint64(offset), internalshm.Bytes64(s.words), offset)
}

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/atomic64/internal/logging"
	internalshm "github.com/srediag/atomic64/internal/shm"
)

var (
	// ErrInvalidSize is returned for a non-positive region size.
	ErrInvalidSize = errors.New("shm: invalid region size")
	// ErrNoSpace is returned when the backing filesystem cannot hold the region.
	ErrNoSpace = errors.New("shm: share memory has not left space")

	regionSeq atomic.Uint64
)

// OpenOptions defines options for creating a shared region.
type OpenOptions struct {
	// Name is the identifier of the region. A unique name is generated when empty.
	Name string
	// Size is the region size in bytes.
	Size int
}

// Region is a zero-initialised shared memory region.
type Region struct {
	mu     sync.Mutex
	region *internalshm.MappedRegion
	size   int
}

// Open creates a new shared region. The backing name is unlinked right after
// mapping, so the memory is reclaimed when the region is closed.
func Open(ctx context.Context, opts OpenOptions) (*Region, error) {
	if opts.Size <= 0 {
		return nil, ErrInvalidSize
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("atomic64_%d_%d", os.Getpid(), regionSeq.Add(1))
	}
	if internalshm.DevShmDir != "" {
		if !CanCreate(uint64(opts.Size), filepath.Join(internalshm.DevShmDir, name)) {
			return nil, fmt.Errorf("%w: name=%s size=%d", ErrNoSpace, name, opts.Size)
		}
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   name,
		Size:   opts.Size,
		Create: true,
		Unlink: true,
	})
	if err != nil {
		return nil, err
	}
	logging.Internal.Debugf("shm region %s mapped, size=%d", name, opts.Size)
	return &Region{region: region, size: opts.Size}, nil
}

// Bytes returns the mapped memory, or nil once closed.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.region == nil {
		return nil
	}
	return r.region.Addr
}

// Size returns the region size in bytes.
func (r *Region) Size() int {
	return r.size
}

// Close unmaps the region. Closing twice is a no-op.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.region == nil {
		return nil
	}
	err := internalshm.UnmapRegion(context.Background(), r.region)
	r.region = nil
	return err
}

// CanCreate reports whether a region of size bytes fits at path. Only paths
// on Linux /dev/shm are checked, everything else is always admitted.
func CanCreate(size uint64, path string) bool {
	if runtime.GOOS != "linux" || !strings.HasPrefix(path, "/dev/shm") {
		return true
	}
	stat, err := disk.Usage("/dev/shm")
	if err != nil {
		logging.Internal.Warnf("could not read shm disk usage: %v", err)
		return true
	}
	return stat.Free >= size
}

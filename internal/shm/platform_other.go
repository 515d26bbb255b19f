//go:build !linux

package shm

import (
	"context"
	"errors"
)

// DevShmDir is empty where no tmpfs-backed shared memory directory exists.
const DevShmDir = ""

// MapRegion backs the region with process memory on platforms without /dev/shm.
// The region is only shared between goroutines of this process.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, errors.New("invalid region size")
	}
	words := make([]uint64, (opts.Size+7)/8)
	return &MappedRegion{
		Addr: Bytes64(words)[:opts.Size],
		Name: opts.Name,
	}, nil
}

// UnmapRegion drops the process-local backing memory.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil {
		return nil
	}
	region.Addr = nil
	return nil
}

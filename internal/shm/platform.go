// Package shm contains platform-specific helpers for mapping device-visible shared storage.
package shm

import "errors"

// ErrRegionClosed is returned when operating on an unmapped region.
var ErrRegionClosed = errors.New("shm: region closed")

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Name string
	Path string
	fd   int
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name   string
	Size   int
	Create bool
	// Unlink removes the backing file once mapped, so the region dies with its last mapping.
	Unlink bool
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).

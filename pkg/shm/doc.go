// Package shm provides named shared-storage regions for buffers that both the
// host and the compute device can address.
//
// Regions are backed by tmpfs on Linux (/dev/shm) and by process memory on
// other platforms. Creation is admitted only when the backing filesystem has
// room for the whole region, so an oversized allocation fails up front
// instead of faulting on first touch.
//
// Example usage:
//
//	r, err := shm.Open(ctx, shm.OpenOptions{Size: 1 << 18})
//	if err != nil {
//	  return err
//	}
//	defer r.Close()
//	words := r.Bytes()
package shm

// Package device models the compute-device handle used by the atomic64
// library: device memory with a GPU virtual address space, storage modes
// that follow the device's memory topology, a runtime source compiler that
// links dynamic libraries, and device-side fill commands.
//
// The device runs kernels on host CPU threads; its address space is virtual
// and addresses never alias host pointers.
package device

// Package accel describes the opaque accelerator provider the compute stage
// dispatches work to. The accelerator runtime itself — kernel launch,
// host/device allocators, async streams — is an external collaborator,
// out of scope for this module; this package is only its interface.
package accel

import "context"

// HostMem is pinned host memory paired with a DevMem region of identical
// size. Its bytes are addressable by the CPU; its mirrored DevMem bytes are
// not, and may only be touched through a Provider call.
type HostMem interface {
	// Bytes exposes the pinned region for CPU-side reads and writes.
	Bytes() []byte
}

// DevMem is an opaque device-resident memory region. Callers never read or
// write it directly; they transfer into and out of it via H2DAsync/D2HAsync
// and operate on it via LaunchLPMKernel.
type DevMem interface {
	// Size returns the region's size in bytes, for validating transfer
	// and kernel-launch arguments against the paired HostMem.
	Size() int
}

// Stream is an opaque handle to an asynchronous accelerator execution
// stream. Operations enqueued against the same Stream execute in order;
// operations on different Streams carry no ordering guarantee absent an
// explicit StreamSync.
type Stream interface{}

// LPMKernelParams names the arguments a longest-prefix-match kernel launch
// needs: a device-resident LPM tree, the device slice array it reads
// addresses from, and the device annotation array it writes results into.
type LPMKernelParams struct {
	TreeDev      DevMem
	SlicesDev    DevMem
	SliceOffset  int
	SliceStride  int
	AnnosDev     DevMem
	AnnoOffset   int
	AnnoStride   int
	NBits        int
	NPkts        int
	Stream       Stream
}

// Provider is the accelerator runtime's external interface: pinned-host and
// device allocation, async host/device copies, kernel launch, and stream
// synchronization. A real implementation wraps a GPU runtime's host API; the
// simaccel sub-package provides a reference implementation for tests and the
// reference binary when no real accelerator is present.
type Provider interface {
	AllocPageLockedMem(size int) (HostMem, error)
	AllocDevMem(size int) (DevMem, error)
	FreePageLockedMem(HostMem)
	FreeDevMem(DevMem)

	AllocStream() (Stream, error)
	FreeStream(Stream)
	StreamSync(ctx context.Context, s Stream) error

	H2DAsync(host HostMem, dev DevMem, size int, s Stream) error
	D2HAsync(dev DevMem, host HostMem, size int, s Stream) error

	// BuildLPMTree builds a prefix tree with the given node-bit stride
	// from a set of routes, copies it to device memory once (synchronous
	// h2d + stream sync), and returns the device-resident tree handle
	// together with its pinned-host mirror (kept for diagnostics).
	BuildLPMTree(routes []RouteEntry, nbits int) (dev DevMem, host HostMem, err error)

	LaunchLPMKernel(ctx context.Context, p LPMKernelParams) error
}

// RouteEntry is one IPv4 longest-prefix-match routing entry, host byte
// order.
type RouteEntry struct {
	Addr uint32
	Mask uint32
	Port uint8
}

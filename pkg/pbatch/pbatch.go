// Package pbatch defines the packet batch: a fixed-capacity collection of
// packet handles paired with host-pinned memory (mirrored on an
// accelerator device) that carries per-packet length, annotation, and
// payload-slice data through the pipeline.
//
// A PBatch never touches device memory directly — it only holds the
// accel.DevMem handle and the byte-range cursor (HostPtr/DevPtr/WorkSize) a
// compute stage advances across successive dispatches. Layout (region sizes
// and offsets) is computed once, at configure time, by whichever Producer
// created the batch; PBatch itself does no layout arithmetic beyond
// indexing into regions it's told the shape of.
package pbatch

import (
	"routerd/pkg/accel"
	"routerd/pkg/packet"
)

// AnnoHandle identifies one registered annotation window within a batch's
// annotation region, returned by the Batcher's ReqAnno at configure time and
// used thereafter to read/write that window without recomputing its offset.
type AnnoHandle struct {
	Offset int
	Len    int
}

// SliceRange identifies one registered payload byte-range within a batch's
// slice region. Two requests for the same (Start, Len) share one window;
// the Batcher's ReqSliceRange returns the same SliceRange value in that case, and
// Producer.GetSliceOffset(sr) looks its packed offset back up by value
// equality, mirroring the original API's struct-keyed lookup.
type SliceRange struct {
	Start       int
	StartOffset int
	Len         int
	End         int
}

// Producer is the capability a Batcher exposes to PBatch and to compute
// stages: layout queries resolved at configure time, plus the pool
// operations a batch needs across its own lifecycle (recycle on release,
// borrow a fresh batch when none is free). pkg/batcher.Batcher implements
// this; pbatch depends only on the interface to avoid an import cycle.
type Producer interface {
	AnnoStride() int
	SliceStride() int
	GetSliceOffset(sr SliceRange) int

	// AllocBatch returns a batch ready for packet insertion, either
	// recycled from a pool or newly constructed.
	AllocBatch() (*PBatch, error)
	// KillBatch decrements a batch's reference count and recycles or
	// destroys it once the count goes negative.
	KillBatch(pb *PBatch)
}

// PBatch is a fixed-capacity packet batch. Fields are exported for the
// packages that cooperate tightly with a batch's lifecycle (pool, batcher,
// compute stages, transmit); callers outside this group should treat a
// PBatch as owned by whichever stage currently holds it.
type PBatch struct {
	Capacity int
	NPkts    int
	PPtrs    []*packet.Packet

	HostMem accel.HostMem
	DevMem  accel.DevMem
	MemSize int

	// Region byte offsets within HostMem/DevMem, set once at creation from
	// the owning Producer's registered strides.
	LengthOffset int
	AnnoOffset   int
	SliceOffset  int

	// Work cursor: the byte range within HostMem/DevMem a compute stage
	// should operate over next. Expressed as offsets/length rather than
	// pointers since Go code never takes the address of slice backing
	// arrays across an accelerator call boundary.
	HostPtr  int
	DevPtr   int
	WorkSize int

	DevStream accel.Stream

	// Shared is a signed reference count. It starts at 0 when a batch is
	// handed to its first holder; each additional retainer increments it,
	// and each release decrements it. Recycle happens when it would go
	// negative — see Producer.KillBatch.
	Shared int

	Producer Producer

	// Tid is the index of the pool ring this batch was allocated from
	// (and will be recycled back to), set by the Producer at creation.
	Tid int
}

// LengthStride is the per-packet size, in bytes, of the length region: one
// signed 16-bit integer recording that packet's current length.
const LengthStride = 2

// New constructs a batch of the given capacity with host/device memory
// sized from the owning Producer's registered annotation and slice
// strides. It does not register the batch with any pool; callers normally
// reach this only via Producer.AllocBatch.
func New(capacity int, prod Producer, provider accel.Provider) (*PBatch, error) {
	annoStride := prod.AnnoStride()
	sliceStride := prod.SliceStride()

	lengthRegion := capacity * LengthStride
	annoRegion := capacity * annoStride
	sliceRegion := capacity * sliceStride
	total := lengthRegion + annoRegion + sliceRegion

	host, err := provider.AllocPageLockedMem(total)
	if err != nil {
		return nil, err
	}
	dev, err := provider.AllocDevMem(total)
	if err != nil {
		provider.FreePageLockedMem(host)
		return nil, err
	}
	stream, err := provider.AllocStream()
	if err != nil {
		provider.FreeDevMem(dev)
		provider.FreePageLockedMem(host)
		return nil, err
	}

	return &PBatch{
		Capacity:     capacity,
		PPtrs:        make([]*packet.Packet, 0, capacity),
		HostMem:      host,
		DevMem:       dev,
		MemSize:      total,
		LengthOffset: 0,
		AnnoOffset:   lengthRegion,
		SliceOffset:  lengthRegion + annoRegion,
		HostPtr:      lengthRegion, // work cursor starts at the annotation region
		DevPtr:       lengthRegion,
		WorkSize:     0,
		DevStream:    stream,
		Producer:     prod,
	}, nil
}

// Reset clears a batch for reuse: drops its packet references (callers must
// have already killed each packet before calling Reset), zeroes the packet
// count, and rewinds the work cursor to the annotation region's start.
func (pb *PBatch) Reset() {
	pb.PPtrs = pb.PPtrs[:0]
	pb.NPkts = 0
	pb.Shared = 0
	pb.HostPtr = pb.AnnoOffset
	pb.DevPtr = pb.AnnoOffset
	pb.WorkSize = 0
}

// Full reports whether the batch has reached capacity.
func (pb *PBatch) Full() bool { return pb.NPkts >= pb.Capacity }

// LengthBytes returns the host-side length region as a byte slice sized to
// the packets currently in the batch.
func (pb *PBatch) LengthBytes() []byte {
	return pb.HostMem.Bytes()[pb.LengthOffset : pb.LengthOffset+pb.NPkts*LengthStride]
}

// LengthBytesAt returns the 2-byte length slot for packet i.
func (pb *PBatch) LengthBytesAt(i int) []byte {
	base := pb.LengthOffset + i*LengthStride
	return pb.HostMem.Bytes()[base : base+LengthStride]
}

// AnnoWindow returns the per-packet annotation bytes for packet i within the
// given handle's window.
func (pb *PBatch) AnnoWindow(h AnnoHandle, i int) []byte {
	base := pb.AnnoOffset + h.Offset + i*pb.Producer.AnnoStride()
	return pb.HostMem.Bytes()[base : base+h.Len]
}

// SliceWindow returns the payload-slice bytes for packet i at the given
// packed offset (as returned by Producer.GetSliceOffset) and length.
func (pb *PBatch) SliceWindow(packedOffset, length, i int) []byte {
	base := pb.SliceOffset + packedOffset + i*pb.Producer.SliceStride()
	return pb.HostMem.Bytes()[base : base+length]
}

// Kill decrements the batch's reference count and asks the owning Producer
// to recycle or destroy it once the count goes negative, mirroring
// kill_batch's `shared--; if shared < 0 { finit; recycle }` contract.
func (pb *PBatch) Kill() {
	pb.Producer.KillBatch(pb)
}

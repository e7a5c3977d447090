// Package lpm implements the longest-prefix-match compute stage: the
// worked example of a compute stage dispatching batch work to an
// accelerator. It registers a read of the IPv4 destination address slice
// and a write annotation window at configure time, then for each batch
// launches the LPM kernel and advances the batch's work cursor to the
// annotation region it just wrote, ready for a downstream copy-back stage.
//
// Grounded on biplookup.cc: configure's req_anno(0,1,write) +
// req_slice_range registration, build_lpmt's tree build and one-time
// device copy, and bpush's per-batch kernel launch plus work-cursor
// advance without a stream sync (the sync is left to whatever stage reads
// the result — pkg/d2h here).
package lpm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"routerd/internal/metrics"
	"routerd/pkg/accel"
	"routerd/pkg/pbatch"
)

// ipv4DstOffset is the byte offset of the IPv4 destination address within
// an Ethernet+IPv4 frame (14-byte Ethernet header + 16 bytes into the IPv4
// header), matching biplookup.cc's configure-time slice registration.
const ipv4DstOffset = 14 + 16
const ipv4AddrLen = 4

// NBits is the address width the LPM tree is built over.
const NBits = 32

// Route is one longest-prefix-match routing table entry.
type Route struct {
	Prefix net.IPNet
	Port   uint8
}

// Stage is the LPM compute stage. It holds a built device-resident prefix
// tree and the registered slice/annotation windows needed to dispatch a
// kernel launch against each batch it receives.
type Stage struct {
	log      *zap.Logger
	provider accel.Provider
	sink     func(*pbatch.PBatch)

	slice pbatch.SliceRange
	anno  pbatch.AnnoHandle
	prod  pbatch.Producer

	mu    sync.RWMutex
	tree  accel.DevMem
	host  accel.HostMem
	nbits int
}

// New constructs an LPM stage bound to prod for region layout. This stage's
// windows must be registered with prod (ReqSliceRange/ReqAnno) before
// prod.Initialize is called; New does that registration itself, so call it
// before initializing the Batcher.
func New(prod interface {
	ReqSliceRange(start, length int) pbatch.SliceRange
	ReqAnno(length int) (pbatch.AnnoHandle, error)
}, provider accel.Provider, log *zap.Logger) (*Stage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	anno, err := prod.ReqAnno(1)
	if err != nil {
		return nil, fmt.Errorf("lpm: ReqAnno: %w", err)
	}
	slice := prod.ReqSliceRange(ipv4DstOffset, ipv4AddrLen)
	return &Stage{
		log:      log,
		provider: provider,
		slice:    slice,
		anno:     anno,
		nbits:    NBits,
	}, nil
}

// SetProducer binds the pbatch.Producer used to resolve this stage's
// registered slice window back to a packed offset. Must be called before
// the first Push; it may be called before the owning Batcher is initialized.
func (s *Stage) SetProducer(prod pbatch.Producer) { s.prod = prod }

// SetSink assigns the stage this one forwards batches to after dispatch.
func (s *Stage) SetSink(sink func(*pbatch.PBatch)) { s.sink = sink }

// AnnoHandle returns the annotation window this stage writes its resolved
// port into, for a downstream stage (transmit) to read.
func (s *Stage) AnnoHandle() pbatch.AnnoHandle { return s.anno }

// Build replaces the stage's routing table, building a new device-resident
// tree and swapping it in atomically with respect to concurrent Push calls.
// Grounded on build_lpmt: one host build, one h2d copy, one sync.
func (s *Stage) Build(ctx context.Context, routes []Route) error {
	entries := make([]accel.RouteEntry, 0, len(routes))
	for _, r := range routes {
		ones, _ := r.Prefix.Mask.Size()
		addr := ipToUint32(r.Prefix.IP)
		mask := maskFromOnes(ones)
		entries = append(entries, accel.RouteEntry{Addr: addr, Mask: mask, Port: r.Port})
	}

	dev, host, err := s.provider.BuildLPMTree(entries, s.nbits)
	if err != nil {
		return fmt.Errorf("lpm: build tree: %w", err)
	}

	s.mu.Lock()
	old := s.tree
	s.tree, s.host = dev, host
	s.mu.Unlock()

	if old != nil {
		s.provider.FreeDevMem(old)
	}
	metrics.LPMRoutes.Set(float64(len(routes)))
	s.log.Info("lpm table rebuilt", zap.Int("routes", len(routes)))
	return nil
}

// Push dispatches the LPM kernel against pb's registered slice window,
// writing each packet's resolved outbound port into this stage's
// annotation window, then advances the work cursor to that window and
// forwards the batch — matching bpush's "h2d the batch's input region, set
// hwork_prt/dwork_ptr/work_size, forward without sync" contract. Any stream
// sync needed before the result is readable on the host is a downstream
// concern (pkg/d2h); the kernel itself needs its input region mirrored to
// device memory first, since the Batcher only ever writes packet
// lengths/slices/annotations into host memory.
func (s *Stage) Push(ctx context.Context, pb *pbatch.PBatch) error {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()
	if tree == nil {
		return fmt.Errorf("lpm: Push before Build")
	}

	if err := s.provider.H2DAsync(pb.HostMem, pb.DevMem, pb.MemSize, pb.DevStream); err != nil {
		return fmt.Errorf("lpm: h2d copy: %w", err)
	}

	sliceOffset := s.prod.GetSliceOffset(s.slice)
	start := time.Now()
	err := s.provider.LaunchLPMKernel(ctx, accel.LPMKernelParams{
		TreeDev:     tree,
		SlicesDev:   pb.DevMem,
		SliceOffset: pb.SliceOffset + sliceOffset,
		SliceStride: s.prod.SliceStride(),
		AnnosDev:    pb.DevMem,
		AnnoOffset:  pb.AnnoOffset + s.anno.Offset,
		AnnoStride:  s.prod.AnnoStride(),
		NBits:       s.nbits,
		NPkts:       pb.NPkts,
		Stream:      pb.DevStream,
	})
	metrics.LPMKernelSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("lpm: kernel launch: %w", err)
	}

	pb.DevPtr = pb.AnnoOffset + s.anno.Offset
	pb.HostPtr = pb.AnnoOffset + s.anno.Offset
	pb.WorkSize = pb.NPkts * s.prod.AnnoStride()

	if s.sink != nil {
		s.sink(pb)
	}
	return nil
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func maskFromOnes(ones int) uint32 {
	if ones <= 0 {
		return 0
	}
	if ones >= 32 {
		return 0xFFFFFFFF
	}
	return ^uint32(0) << uint(32-ones)
}

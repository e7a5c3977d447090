// Package simaccel is a reference accelerator.Provider that runs entirely
// in host memory. It exists so the pipeline can be built and tested without
// a real accelerator runtime: its "device" memory is just another byte
// slice, its "stream" is a no-op token, and its LPM kernel runs synchronously
// on the CPU. Behaviorally it honors the same H2D/D2H/launch/sync contract a
// real provider would, so code written against accel.Provider cannot tell
// the difference from call shape alone.
package simaccel

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"routerd/pkg/accel"
)

type hostMem struct{ b []byte }

func (h *hostMem) Bytes() []byte { return h.b }

type devMem struct {
	mu sync.Mutex
	b  []byte
}

func (d *devMem) Size() int { return len(d.b) }

type stream struct{}

// Provider is the simulated accelerator. It is safe for concurrent use.
type Provider struct{}

// New returns a ready-to-use simulated accelerator.
func New() *Provider { return &Provider{} }

func (p *Provider) AllocPageLockedMem(size int) (accel.HostMem, error) {
	return &hostMem{b: make([]byte, size)}, nil
}

func (p *Provider) AllocDevMem(size int) (accel.DevMem, error) {
	return &devMem{b: make([]byte, size)}, nil
}

func (p *Provider) FreePageLockedMem(accel.HostMem) {}

func (p *Provider) FreeDevMem(accel.DevMem) {}

func (p *Provider) AllocStream() (accel.Stream, error) { return &stream{}, nil }

func (p *Provider) FreeStream(accel.Stream) {}

// StreamSync is a no-op: every operation below already executes
// synchronously under the stream's target device lock.
func (p *Provider) StreamSync(ctx context.Context, s accel.Stream) error {
	return ctx.Err()
}

func (p *Provider) H2DAsync(host accel.HostMem, dev accel.DevMem, size int, s accel.Stream) error {
	h, ok := host.(*hostMem)
	if !ok {
		return fmt.Errorf("simaccel: foreign HostMem")
	}
	d, ok := dev.(*devMem)
	if !ok {
		return fmt.Errorf("simaccel: foreign DevMem")
	}
	if size > len(h.b) || size > len(d.b) {
		return fmt.Errorf("simaccel: h2d size %d exceeds region", size)
	}
	d.mu.Lock()
	copy(d.b[:size], h.b[:size])
	d.mu.Unlock()
	return nil
}

func (p *Provider) D2HAsync(dev accel.DevMem, host accel.HostMem, size int, s accel.Stream) error {
	d, ok := dev.(*devMem)
	if !ok {
		return fmt.Errorf("simaccel: foreign DevMem")
	}
	h, ok := host.(*hostMem)
	if !ok {
		return fmt.Errorf("simaccel: foreign HostMem")
	}
	if size > len(h.b) || size > len(d.b) {
		return fmt.Errorf("simaccel: d2h size %d exceeds region", size)
	}
	d.mu.Lock()
	copy(h.b[:size], d.b[:size])
	d.mu.Unlock()
	return nil
}

// lpmNode is one node of the flattened binary-trie LPM tree: a leaf carries
// a valid outbound port, an internal node names the bit to test next via its
// two children's array indices (0 means "absent").
type lpmNode struct {
	zeroChild, oneChild uint32
	port                uint8
	hasPort             bool
}

const lpmNodeSize = 4 + 4 + 1 + 1 // packed below via binary encoding

func encodeNode(n lpmNode) [10]byte {
	var b [10]byte
	binary.LittleEndian.PutUint32(b[0:4], n.zeroChild)
	binary.LittleEndian.PutUint32(b[4:8], n.oneChild)
	b[8] = n.port
	if n.hasPort {
		b[9] = 1
	}
	return b
}

func decodeNode(b []byte) lpmNode {
	return lpmNode{
		zeroChild: binary.LittleEndian.Uint32(b[0:4]),
		oneChild:  binary.LittleEndian.Uint32(b[4:8]),
		port:      b[8],
		hasPort:   b[9] == 1,
	}
}

// BuildLPMTree flattens routes into a binary trie (1-bit stride regardless
// of the requested nbits; nbits selects the tree's address width, 32 for
// IPv4), synchronously transfers it to simulated device memory, and returns
// both handles. The host mirror is retained only for diagnostics — nothing
// in this package reads it back.
func (p *Provider) BuildLPMTree(routes []accel.RouteEntry, nbits int) (accel.DevMem, accel.HostMem, error) {
	nodes := []lpmNode{{}} // index 0 is the root
	for _, r := range routes {
		cur := uint32(0)
		ones := popcount(r.Mask)
		for bit := 0; bit < ones; bit++ {
			shift := uint(nbits - 1 - bit)
			b := (r.Addr >> shift) & 1
			if b == 0 {
				if nodes[cur].zeroChild == 0 {
					nodes = append(nodes, lpmNode{})
					nodes[cur].zeroChild = uint32(len(nodes) - 1)
				}
				cur = nodes[cur].zeroChild
			} else {
				if nodes[cur].oneChild == 0 {
					nodes = append(nodes, lpmNode{})
					nodes[cur].oneChild = uint32(len(nodes) - 1)
				}
				cur = nodes[cur].oneChild
			}
		}
		nodes[cur].port = r.Port
		nodes[cur].hasPort = true
	}

	host := make([]byte, len(nodes)*10)
	for i, n := range nodes {
		enc := encodeNode(n)
		copy(host[i*10:], enc[:])
	}
	h := &hostMem{b: host}
	d := &devMem{b: make([]byte, len(host))}
	copy(d.b, host)
	return d, h, nil
}

func popcount(x uint32) int {
	n := 0
	for x != 0 {
		n += int(x & 1)
		x >>= 1
	}
	return n
}

// LaunchLPMKernel walks the device-resident trie once per packet, reading
// each packet's address from the device slice region and writing the
// resolved outbound port (or 0xFF if unresolved) as the first byte of that
// packet's device annotation window. It runs synchronously: a real
// accelerator would enqueue this against p.Stream and return immediately,
// but simaccel has no concurrent device to race against, so completing
// inline is observably equivalent modulo the missing StreamSync wait.
func (p *Provider) LaunchLPMKernel(ctx context.Context, params accel.LPMKernelParams) error {
	tree, ok := params.TreeDev.(*devMem)
	if !ok {
		return fmt.Errorf("simaccel: foreign tree DevMem")
	}
	slices, ok := params.SlicesDev.(*devMem)
	if !ok {
		return fmt.Errorf("simaccel: foreign slices DevMem")
	}
	annos, ok := params.AnnosDev.(*devMem)
	if !ok {
		return fmt.Errorf("simaccel: foreign annos DevMem")
	}

	tree.mu.Lock()
	nodes := make([]lpmNode, len(tree.b)/10)
	for i := range nodes {
		nodes[i] = decodeNode(tree.b[i*10 : i*10+10])
	}
	tree.mu.Unlock()

	slices.mu.Lock()
	annos.mu.Lock()
	defer slices.mu.Unlock()
	defer annos.mu.Unlock()

	for i := 0; i < params.NPkts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		so := params.SliceOffset + i*params.SliceStride
		if so+4 > len(slices.b) {
			return fmt.Errorf("simaccel: slice read out of range for packet %d", i)
		}
		addr := binary.BigEndian.Uint32(slices.b[so : so+4])

		cur := uint32(0)
		best := uint8(0xFF)
		for bit := 0; bit < params.NBits; bit++ {
			if nodes[cur].hasPort {
				best = nodes[cur].port
			}
			shift := uint(params.NBits - 1 - bit)
			b := (addr >> shift) & 1
			var next uint32
			if b == 0 {
				next = nodes[cur].zeroChild
			} else {
				next = nodes[cur].oneChild
			}
			if next == 0 {
				break
			}
			cur = next
		}
		if nodes[cur].hasPort {
			best = nodes[cur].port
		}

		ao := params.AnnoOffset + i*params.AnnoStride
		if ao+1 > len(annos.b) {
			return fmt.Errorf("simaccel: anno write out of range for packet %d", i)
		}
		annos.b[ao] = best
	}
	return nil
}

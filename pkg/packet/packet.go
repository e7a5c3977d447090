// Package packet defines the packet handle carried through the batching
// pipeline. The ingress (receive) stage that produces these is out of scope
// for this module; packet is the narrow interface the rest of the pipeline
// needs from whatever produces it.
package packet

import "sync/atomic"

// AnnoSize is the size, in bytes, of the per-packet annotation area a
// producer may copy from when filling a batch's annotation region.
const AnnoSize = 48

// Packet is one in-flight network packet. The batching pipeline treats it as
// an opaque handle: it reads the payload bytes, and it may
// zero-copy its backing buffer into a TX ring slot if that buffer is
// uniquely owned.
type Packet struct {
	data []byte
	anno [AnnoSize]byte
	buf  *Buffer
}

// New wraps raw packet bytes (starting at the Ethernet header) with no
// backing NIC buffer; such a packet always takes the copy path on transmit.
func New(data []byte) *Packet {
	return &Packet{data: data}
}

// NewFromBuffer wraps a NIC-pool buffer so the packet is eligible for
// zero-copy transmit as long as the buffer stays uniquely referenced.
func NewFromBuffer(buf *Buffer, length int) *Packet {
	return &Packet{data: buf.data[:length], buf: buf}
}

// Data returns the packet bytes starting at the Ethernet header.
func (p *Packet) Data() []byte { return p.data }

// Length returns the packet's current length in bytes.
func (p *Packet) Length() int { return len(p.data) }

// Anno returns the packet's per-packet annotation bytes. Batcher.Push does
// not read them: nothing in this module copies a packet's annotation bytes
// into a batch's annotation region.
func (p *Packet) Anno() []byte { return p.anno[:] }

// UniqueBuffer reports whether this packet is backed by an exclusively-owned
// NIC buffer, returning its pool index and bytes if so. Only a unique buffer
// is eligible for the zero-copy swap path on transmit.
func (p *Packet) UniqueBuffer() (idx int, buf []byte, ok bool) {
	if p.buf == nil {
		return 0, nil, false
	}
	if atomic.LoadInt32(&p.buf.shared) != 1 {
		return 0, nil, false
	}
	return p.buf.idx, p.buf.data, true
}

// ResetBuffer detaches this packet's backing buffer after its ownership has
// been transferred elsewhere (e.g. swapped into a TX ring slot).
func (p *Packet) ResetBuffer() {
	p.buf = nil
	p.data = nil
}

// Kill releases this packet's handle. It must be called exactly once per
// packet, by whichever stage is its final consumer.
func (p *Packet) Kill() {
	if p.buf != nil {
		p.buf.release()
		p.buf = nil
	}
	p.data = nil
}

// Buffer is a NIC-pool-owned byte buffer. Its shared count starts at 1
// (uniquely owned by the packet that names it); Share bumps it when another
// owner retains a reference, and release drops it.
type Buffer struct {
	idx    int
	data   []byte
	shared int32
}

// NewBuffer wraps a byte slice as a uniquely-owned NIC buffer with the given
// pool index.
func NewBuffer(idx int, data []byte) *Buffer {
	return &Buffer{idx: idx, data: data, shared: 1}
}

// Index returns this buffer's slot index in its owning NIC buffer pool.
func (b *Buffer) Index() int { return b.idx }

func (b *Buffer) release() {
	atomic.AddInt32(&b.shared, -1)
}

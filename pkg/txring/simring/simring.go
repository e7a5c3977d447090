// Package simring is a reference txring.Device backed entirely by
// in-process memory: each ring is a fixed array of fixed-size buffers, a
// head cursor tracking the next slot to reserve, and a sent-packet log
// tests can inspect. It exists so pkg/transmit can be exercised without a
// real netmap-backed NIC, mirroring real ring semantics closely enough
// that the zero-copy-vs-memcpy and backoff logic built against
// pkg/txring.Ring behaves the same as it would against the real thing.
package simring

import (
	"fmt"
	"sync"

	"routerd/pkg/txring"
)

// Sent is one packet recorded as transmitted by a ring.
type Sent struct {
	Slot int
	Data []byte
}

// Ring is an in-memory transmit ring of fixed-size buffers.
type Ring struct {
	mu       sync.Mutex
	bufs     [][]byte
	bufIdx   []int // bufIdx[slot] names which buffer currently backs that slot
	lens     []int
	reserved int // slots reserved since the last Flush
	head     int

	sent []Sent
}

// NewRing constructs a ring of n slots, each bufSize bytes, with buffer
// index i initially backing slot i (a 1:1 slot-to-buffer mapping, as a
// freshly mapped netmap ring would start).
func NewRing(n, bufSize int) *Ring {
	r := &Ring{
		bufs:   make([][]byte, n),
		bufIdx: make([]int, n),
		lens:   make([]int, n),
	}
	for i := range r.bufs {
		r.bufs[i] = make([]byte, bufSize)
		r.bufIdx[i] = i
	}
	return r
}

func (r *Ring) Avail() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bufs) - r.reserved
}

func (r *Ring) Reserve() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved >= len(r.bufs) {
		return 0, false
	}
	slot := (r.head + r.reserved) % len(r.bufs)
	r.reserved++
	return slot, true
}

func (r *Ring) SlotBuf(slot int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufs[slot]
}

func (r *Ring) SwapBuf(slot int, bufIdx int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.bufIdx[slot]
	r.bufIdx[slot] = bufIdx
	return prev
}

func (r *Ring) SetLen(slot int, length int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lens[slot] = length
}

// Flush commits reserved slots, recording each as Sent and advancing head.
func (r *Ring) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.reserved; i++ {
		slot := (r.head + i) % len(r.bufs)
		l := r.lens[slot]
		if l > len(r.bufs[slot]) {
			return fmt.Errorf("simring: slot %d length %d exceeds buffer", slot, l)
		}
		data := make([]byte, l)
		copy(data, r.bufs[slot][:l])
		r.sent = append(r.sent, Sent{Slot: slot, Data: data})
	}
	r.head = (r.head + r.reserved) % len(r.bufs)
	r.reserved = 0
	return nil
}

// SentPackets returns every packet committed by Flush so far, for test assertions.
func (r *Ring) SentPackets() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Device is a simulated multi-ring network device.
type Device struct {
	rings []*Ring
}

// NewDevice constructs a device with nrings rings, each of the given slot
// count and buffer size.
func NewDevice(nrings, slotsPerRing, bufSize int) *Device {
	d := &Device{rings: make([]*Ring, nrings)}
	for i := range d.rings {
		d.rings[i] = NewRing(slotsPerRing, bufSize)
	}
	return d
}

func (d *Device) Ring(i int) txring.Ring { return d.rings[i] }
func (d *Device) NRings() int            { return len(d.rings) }

// SimRing exposes the concrete *Ring for a device's ring index, for test
// assertions that need SentPackets.
func (d *Device) SimRing(i int) *Ring { return d.rings[i] }

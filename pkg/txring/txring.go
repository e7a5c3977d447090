// Package txring describes the outbound ring-buffered network device
// interface the transmit stage sends packets through. The ring's own
// driver (kernel-bypass NIC ring mechanics) is out of scope for this
// module; this package is only the narrow interface a zero-copy-capable
// ring must expose, modeled on netmap's slot/avail/cur API.
package txring

// Ring is one transmit ring of a network device.
type Ring interface {
	// Avail returns the number of free slots currently available for
	// transmission.
	Avail() int
	// Reserve claims the next available slot for writing and returns its
	// index, or ok=false if Avail() == 0.
	Reserve() (slot int, ok bool)
	// SlotBuf returns the byte buffer backing slot for a memcpy-path send.
	SlotBuf(slot int) []byte
	// SwapBuf exchanges slot's buffer index with bufIdx (the zero-copy
	// path), returning the buffer index the slot held before the swap so
	// the caller can give it back to its own buffer pool. This mirrors
	// netmap's NS_BUF_CHANGED buffer-index swap.
	SwapBuf(slot int, bufIdx int) (previous int)
	// SetLen records the length written into slot, to be picked up on the
	// next Flush.
	SetLen(slot int, length int)
	// Flush commits all slots reserved since the last Flush to the wire.
	Flush() error
}

// Device is a network device exposing one or more transmit rings, matching
// the original's NRPORTS/RING configuration allowing the transmit stage to
// iterate every configured ring in order for each packet.
type Device interface {
	Ring(i int) Ring
	NRings() int
}

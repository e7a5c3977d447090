package simring

import "testing"

func TestReserveExhaustsAvailability(t *testing.T) {
	r := NewRing(2, 16)
	if r.Avail() != 2 {
		t.Fatalf("expected 2 slots available, got %d", r.Avail())
	}
	if _, ok := r.Reserve(); !ok {
		t.Fatalf("expected first reserve to succeed")
	}
	if _, ok := r.Reserve(); !ok {
		t.Fatalf("expected second reserve to succeed")
	}
	if _, ok := r.Reserve(); ok {
		t.Fatalf("expected third reserve to fail, ring is full")
	}
}

func TestFlushRecordsSentPacketsAndAdvancesHead(t *testing.T) {
	r := NewRing(2, 16)
	slot, _ := r.Reserve()
	copy(r.SlotBuf(slot), []byte("hello"))
	r.SetLen(slot, 5)
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	sent := r.SentPackets()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent packet, got %d", len(sent))
	}
	if string(sent[0].Data) != "hello" {
		t.Errorf("expected sent data %q, got %q", "hello", sent[0].Data)
	}
	if r.Avail() != 2 {
		t.Fatalf("expected ring fully available again after flush, got %d", r.Avail())
	}
}

func TestSwapBufReturnsPreviousIndex(t *testing.T) {
	r := NewRing(2, 16)
	slot, _ := r.Reserve()
	prev := r.SwapBuf(slot, 7)
	if prev != slot {
		t.Fatalf("expected 1:1 initial slot/buffer mapping, got previous=%d for slot=%d", prev, slot)
	}
}

func TestFlushErrorsWhenLengthExceedsBuffer(t *testing.T) {
	r := NewRing(1, 4)
	slot, _ := r.Reserve()
	r.SetLen(slot, 100)
	if err := r.Flush(); err == nil {
		t.Fatalf("expected Flush to reject an over-long slot length")
	}
}

func TestDeviceExposesConfiguredRings(t *testing.T) {
	d := NewDevice(3, 4, 16)
	if d.NRings() != 3 {
		t.Fatalf("expected 3 rings, got %d", d.NRings())
	}
	if d.Ring(0).Avail() != 4 {
		t.Fatalf("expected 4 slots per ring, got %d", d.Ring(0).Avail())
	}
}

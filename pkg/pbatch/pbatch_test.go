package pbatch

import (
	"testing"

	"routerd/pkg/accel/simaccel"
)

type fakeProducer struct {
	annoStride  int
	sliceStride int
	killed      []*PBatch
}

func (f *fakeProducer) AnnoStride() int  { return f.annoStride }
func (f *fakeProducer) SliceStride() int { return f.sliceStride }
func (f *fakeProducer) GetSliceOffset(sr SliceRange) int { return sr.StartOffset }
func (f *fakeProducer) AllocBatch() (*PBatch, error)     { return nil, nil }
func (f *fakeProducer) KillBatch(pb *PBatch)             { f.killed = append(f.killed, pb) }

func TestNewLaysOutRegionsFromProducerStrides(t *testing.T) {
	prod := &fakeProducer{annoStride: 8, sliceStride: 16}
	provider := simaccel.New()

	pb, err := New(4, prod, provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wantLengthRegion := 4 * LengthStride
	if pb.AnnoOffset != wantLengthRegion {
		t.Errorf("AnnoOffset = %d, want %d", pb.AnnoOffset, wantLengthRegion)
	}
	wantSliceOffset := wantLengthRegion + 4*8
	if pb.SliceOffset != wantSliceOffset {
		t.Errorf("SliceOffset = %d, want %d", pb.SliceOffset, wantSliceOffset)
	}
	wantTotal := wantLengthRegion + 4*8 + 4*16
	if pb.MemSize != wantTotal {
		t.Errorf("MemSize = %d, want %d", pb.MemSize, wantTotal)
	}
	if pb.HostPtr != pb.AnnoOffset || pb.DevPtr != pb.AnnoOffset {
		t.Errorf("work cursor should start at the annotation region")
	}
}

func TestResetRewindsCursorAndClearsPackets(t *testing.T) {
	prod := &fakeProducer{annoStride: 4, sliceStride: 4}
	pb, err := New(2, prod, simaccel.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pb.NPkts = 2
	pb.Shared = 3
	pb.HostPtr = 999
	pb.DevPtr = 999
	pb.WorkSize = 42

	pb.Reset()

	if pb.NPkts != 0 || pb.Shared != 0 {
		t.Errorf("Reset did not clear NPkts/Shared: %+v", pb)
	}
	if pb.HostPtr != pb.AnnoOffset || pb.DevPtr != pb.AnnoOffset {
		t.Errorf("Reset did not rewind cursor to AnnoOffset")
	}
	if pb.WorkSize != 0 {
		t.Errorf("Reset did not clear WorkSize")
	}
	if len(pb.PPtrs) != 0 {
		t.Errorf("Reset did not clear PPtrs")
	}
}

func TestFullReportsCapacity(t *testing.T) {
	prod := &fakeProducer{annoStride: 4, sliceStride: 4}
	pb, _ := New(2, prod, simaccel.New())
	if pb.Full() {
		t.Fatalf("fresh batch should not be full")
	}
	pb.NPkts = 2
	if !pb.Full() {
		t.Fatalf("batch at capacity should report full")
	}
}

func TestKillDelegatesToProducer(t *testing.T) {
	prod := &fakeProducer{annoStride: 4, sliceStride: 4}
	pb, _ := New(2, prod, simaccel.New())
	pb.Kill()
	if len(prod.killed) != 1 || prod.killed[0] != pb {
		t.Fatalf("Kill did not delegate to Producer.KillBatch")
	}
}

func TestAnnoWindowAddressesPerPacketSlot(t *testing.T) {
	prod := &fakeProducer{annoStride: 8, sliceStride: 4}
	pb, _ := New(2, prod, simaccel.New())
	h := AnnoHandle{Offset: 2, Len: 3}

	w0 := pb.AnnoWindow(h, 0)
	w1 := pb.AnnoWindow(h, 1)
	w0[0] = 0xAA
	if len(w0) != 3 || len(w1) != 3 {
		t.Fatalf("expected anno windows of length 3")
	}
	if w1[0] == 0xAA {
		t.Fatalf("per-packet anno windows must not alias")
	}
}

package d2h

import (
	"context"
	"testing"

	"routerd/pkg/accel/simaccel"
	"routerd/pkg/batcher"
	"routerd/pkg/pbatch"
)

func TestPushCopiesWorkCursorRangeToHost(t *testing.T) {
	provider := simaccel.New()
	b := batcher.New(batcher.Config{Capacity: 2}, provider, nil)
	b.ReqAnno(4)
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pb, err := b.AllocBatch()
	if err != nil {
		t.Fatalf("AllocBatch: %v", err)
	}

	// Simulate a compute stage having written into device annotation memory
	// and advanced the work cursor over it, without a stream sync.
	if err := provider.H2DAsync(pb.HostMem, pb.DevMem, pb.MemSize, pb.DevStream); err != nil {
		t.Fatalf("seed H2D: %v", err)
	}
	pb.HostMem.Bytes()[pb.AnnoOffset] = 0xAB // will be overwritten by the copy-back
	pb.DevPtr = pb.AnnoOffset
	pb.HostPtr = pb.AnnoOffset
	pb.WorkSize = 4

	s := New(provider)
	var sunk *pbatch.PBatch
	s.SetSink(func(p *pbatch.PBatch) { sunk = p })

	if err := s.Push(context.Background(), pb); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if sunk != pb {
		t.Fatalf("expected sink invocation with the same batch")
	}
	if got := pb.HostMem.Bytes()[pb.AnnoOffset]; got != 0 {
		t.Fatalf("expected host anno byte overwritten by the device copy (0), got %#x", got)
	}
}

func TestPushZeroWorkSizeIsNoopCopy(t *testing.T) {
	provider := simaccel.New()
	b := batcher.New(batcher.Config{Capacity: 2}, provider, nil)
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pb, err := b.AllocBatch()
	if err != nil {
		t.Fatalf("AllocBatch: %v", err)
	}
	pb.WorkSize = 0

	s := New(provider)
	sinkCalled := false
	s.SetSink(func(p *pbatch.PBatch) { sinkCalled = true })
	if err := s.Push(context.Background(), pb); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !sinkCalled {
		t.Fatalf("expected sink to still be called for a zero-size work cursor")
	}
}

package batcher

import (
	"sync"
	"testing"
	"time"

	"routerd/pkg/accel/simaccel"
	"routerd/pkg/packet"
	"routerd/pkg/pbatch"
)

func newTestBatcher(t *testing.T, cfg Config) *Batcher {
	t.Helper()
	if cfg.Capacity == 0 {
		cfg.Capacity = 4
	}
	b := New(cfg, simaccel.New(), nil)
	return b
}

func TestPushEmitsOnCapacity(t *testing.T) {
	b := newTestBatcher(t, Config{Capacity: 2, Timeout: time.Hour})
	b.ReqSliceRange(0, 8)
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	emitted := make(chan *pbatch.PBatch, 1)
	b.SetSink(func(pb *pbatch.PBatch) { emitted <- pb })

	if err := b.Push(0, packet.New(make([]byte, 8))); err != nil {
		t.Fatalf("Push 1: %v", err)
	}
	select {
	case <-emitted:
		t.Fatalf("should not emit before reaching capacity")
	default:
	}
	if err := b.Push(0, packet.New(make([]byte, 8))); err != nil {
		t.Fatalf("Push 2: %v", err)
	}

	select {
	case pb := <-emitted:
		if pb.NPkts != 2 {
			t.Errorf("expected 2 packets in emitted batch, got %d", pb.NPkts)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected capacity-triggered emit")
	}
}

func TestPushEmitsOnTimeout(t *testing.T) {
	b := newTestBatcher(t, Config{Capacity: 100, Timeout: 20 * time.Millisecond})
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	emitted := make(chan *pbatch.PBatch, 1)
	b.SetSink(func(pb *pbatch.PBatch) { emitted <- pb })

	if err := b.Push(0, packet.New([]byte{1, 2, 3})); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case pb := <-emitted:
		if pb.NPkts != 1 {
			t.Errorf("expected 1 packet in timed-out batch, got %d", pb.NPkts)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected timeout-triggered emit")
	}
}

// TestCapacityEmitCancelsPendingTimer exercises the P5 race: a batch that
// reaches capacity before its timer fires must be emitted exactly once, and
// the timer firing afterward (if it wasn't fully stopped in time) must be a
// no-op rather than a second emit of the same batch.
func TestCapacityEmitCancelsPendingTimer(t *testing.T) {
	b := newTestBatcher(t, Config{Capacity: 1, Timeout: 5 * time.Millisecond})
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var mu sync.Mutex
	var emittedCount int
	b.SetSink(func(pb *pbatch.PBatch) {
		mu.Lock()
		emittedCount++
		mu.Unlock()
	})

	if err := b.Push(0, packet.New([]byte{1})); err != nil {
		t.Fatalf("Push: %v", err)
	}

	time.Sleep(50 * time.Millisecond) // let the timer goroutine run to completion if it was going to

	mu.Lock()
	defer mu.Unlock()
	if emittedCount != 1 {
		t.Fatalf("expected exactly 1 emit for a capacity-triggered batch, got %d", emittedCount)
	}
}

func TestForcePktLensClampsRecordedLength(t *testing.T) {
	b := newTestBatcher(t, Config{Capacity: 4, Timeout: time.Hour, ForcePktLens: true})
	b.ReqSliceRange(0, 4) // slice stride = 4
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	b.SetSink(func(pb *pbatch.PBatch) {})

	if err := b.Push(0, packet.New(make([]byte, 100))); err != nil {
		t.Fatalf("Push: %v", err)
	}

	b.mu.Lock()
	pb := b.current
	b.mu.Unlock()
	lb := pb.LengthBytesAt(0)
	got := uint16(lb[0])<<8 | uint16(lb[1])
	if got != 4 {
		t.Errorf("expected clamped length 4, got %d", got)
	}
}

func TestReqSliceRangeDedupsIdenticalWindows(t *testing.T) {
	b := newTestBatcher(t, Config{})
	sr1 := b.ReqSliceRange(10, 20)
	sr2 := b.ReqSliceRange(10, 20)
	if sr1.StartOffset != sr2.StartOffset {
		t.Fatalf("expected identical (start,len) requests to share one packed window")
	}
	sr3 := b.ReqSliceRange(30, 20)
	if sr3.StartOffset == sr1.StartOffset {
		t.Fatalf("expected a distinct window for a different start")
	}
	if b.SliceStride() != 40 {
		t.Fatalf("expected slice stride 40 (two distinct 20-byte windows), got %d", b.SliceStride())
	}
}

func TestKillBatchRecyclesOnNegativeShared(t *testing.T) {
	b := newTestBatcher(t, Config{Capacity: 2})
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pb, err := b.AllocBatch()
	if err != nil {
		t.Fatalf("AllocBatch: %v", err)
	}
	pb.Shared = 0
	b.KillBatch(pb)

	// A recycled batch should be reusable via the pool rather than freshly
	// allocated; we confirm indirectly by checking it was Reset.
	if pb.NPkts != 0 || pb.Shared != 0 {
		t.Fatalf("expected recycled batch to be reset")
	}
}

func TestInitializeRegistersDefaultSliceAndAnnoWindowsFromConfig(t *testing.T) {
	b := newTestBatcher(t, Config{SliceBegin: 0, SliceEnd: 12, AnnBegin: 0, AnnEnd: 3})
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if b.SliceStride() != 12 {
		t.Fatalf("expected SLICE_BEGIN/SLICE_END to register a 12-byte default slice window, got stride %d", b.SliceStride())
	}
	if b.AnnoStride() != 3 {
		t.Fatalf("expected ANN_BEGIN/ANN_END to register a 3-byte default annotation window, got stride %d", b.AnnoStride())
	}
}

func TestInitializeWithoutDefaultWindowsLeavesOnlyFallbackAnnoByte(t *testing.T) {
	b := newTestBatcher(t, Config{})
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if b.SliceStride() != 0 {
		t.Fatalf("expected no default slice window when SLICE_BEGIN/SLICE_END are unset, got stride %d", b.SliceStride())
	}
	if b.AnnoStride() != 1 {
		t.Fatalf("expected the fallback 1-byte annotation stride when ANN_BEGIN/ANN_END are unset, got stride %d", b.AnnoStride())
	}
}

func TestPushNoLongerCopiesPacketAnnoIntoDownstreamWindow(t *testing.T) {
	b := newTestBatcher(t, Config{Capacity: 4})
	anno, err := b.ReqAnno(1)
	if err != nil {
		t.Fatalf("ReqAnno: %v", err)
	}
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	emitted := make(chan *pbatch.PBatch, 1)
	b.SetSink(func(pb *pbatch.PBatch) { emitted <- pb })
	pkt := packet.New(make([]byte, 8))
	if err := b.Push(0, pkt); err != nil {
		t.Fatalf("Push: %v", err)
	}

	b.mu.Lock()
	pb := b.current
	b.mu.Unlock()
	w := pb.AnnoWindow(anno, 0)
	for i, v := range w {
		if v != 0 {
			t.Fatalf("expected Push to leave a registered annotation window untouched (byte %d = %d), it no longer copies from the packet", i, v)
		}
	}
}

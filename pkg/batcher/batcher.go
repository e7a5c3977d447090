// Package batcher implements the Batcher: the element that accumulates
// packets into PBatch values and forwards a batch downstream once it either
// fills to capacity or a per-batch timer expires, whichever happens first.
//
// The state machine is Empty -> Open(batch) -> emit -> Empty. Emission is
// triggered from two different goroutines — the Push caller on a
// capacity-triggered emit, and the timer's own goroutine on a timeout
// trigger — and only one of them may win for any given batch. We resolve
// that race (grounded in batcher.cc's run_timer) by capturing the batch
// pointer under observation at the moment the timer is armed and comparing
// it by identity, under the same lock, against whatever batch is current
// when the timer fires; if a capacity emit already swapped it out, the
// timer callback finds a mismatch and does nothing.
package batcher

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"routerd/internal/metrics"
	"routerd/pkg/accel"
	"routerd/pkg/packet"
	"routerd/pkg/pbatch"
	"routerd/pkg/pool"
)

// Sink receives a batch once the Batcher emits it. Implemented by whatever
// compute stage or transmit stage sits downstream.
type Sink func(*pbatch.PBatch)

// Config carries the Batcher's configure-time options, named after the
// original element's configuration keywords.
type Config struct {
	Capacity      int           // CAPACITY: packets per batch
	Timeout       time.Duration // TIMEOUT: max time a batch stays open
	NThreads      int           // number of pusher threads (ring count - 1)
	MTPushers     bool          // MT_PUSHERS: more than one goroutine may Push with the same tid
	BatchPrealloc int           // BATCH_PREALLOC: batches to pre-warm each ring with
	ForcePktLens  bool          // FORCE_PKTLENS: clamp recorded length to slice-region capacity
	Test          bool          // TEST: carried from config; the Batcher does not read it and emits no extra trace output
	SliceBegin    int           // SLICE_BEGIN: default slice range start, raw-packet bytes
	SliceEnd      int           // SLICE_END: default slice range end, exclusive
	AnnBegin      int           // ANN_BEGIN: default annotation window start
	AnnEnd        int           // ANN_END: default annotation window end, exclusive
}

// annoWindow and sliceWindow record one registered downstream window within
// the shared annotation/slice regions, bump-allocated in registration order.
type annoWindow struct{ offset, length int }
type sliceWindow struct {
	start, offset, length int
}

// Batcher accumulates packets into PBatch values and emits them to a Sink.
// It implements pbatch.Producer so PBatch, and any compute stage holding a
// pbatch.Producer reference, can query region layout and recycle batches
// without depending on this package directly.
type Batcher struct {
	log      *zap.Logger
	cfg      Config
	provider accel.Provider
	pool     *pool.Pool
	sink     Sink

	// registration state, finalized by Initialize; read-only afterward.
	annoWindows  []annoWindow
	sliceWindows []sliceWindow
	annoStride   int
	sliceStride  int
	initialized  bool

	mu         sync.Mutex
	current    *pbatch.PBatch
	timer      *time.Timer
	timedBatch *pbatch.PBatch
}

// New constructs a Batcher. Call ReqAnno/ReqSliceRange to register
// downstream windows, then Initialize, before any Push.
func New(cfg Config, provider accel.Provider, log *zap.Logger) *Batcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher{
		log:      log,
		cfg:      cfg,
		provider: provider,
		pool:     pool.New(cfg.NThreads, cfg.BatchPrealloc, cfg.MTPushers),
	}
}

// SetSink assigns the downstream batch consumer. Must be called before the
// first Push.
func (b *Batcher) SetSink(s Sink) { b.sink = s }

// ReqAnno registers a downstream annotation window of length bytes,
// bump-allocated after any windows already registered, and returns a handle
// for reading/writing it later via PBatch.AnnoWindow. Must be called before
// Initialize.
//
// The original element sized the shared annotation stride as the largest
// single requested window, which only holds when exactly one downstream
// consumer ever calls req_anno. This module supports more than one
// annotation consumer (the LPM and GeoIP compute stages both write their
// own annotation window), so windows are packed back to back instead, and
// the stride is their sum — the same scheme already used for slice-region
// windows below.
func (b *Batcher) ReqAnno(length int) (pbatch.AnnoHandle, error) {
	if b.initialized {
		return pbatch.AnnoHandle{}, fmt.Errorf("batcher: ReqAnno after Initialize")
	}
	h := pbatch.AnnoHandle{Offset: b.annoStride, Len: length}
	b.annoWindows = append(b.annoWindows, annoWindow{offset: h.Offset, length: length})
	b.annoStride += length
	return h, nil
}

// ReqSliceRange registers a downstream payload byte-range [start, start+len)
// and returns a SliceRange describing it. Two requests for the same
// (start, len) share one packed window, matching the original's
// struct-equality dedup. Must be called before Initialize.
func (b *Batcher) ReqSliceRange(start, length int) pbatch.SliceRange {
	for _, w := range b.sliceWindows {
		if w.start == start && w.length == length {
			return pbatch.SliceRange{Start: start, StartOffset: w.offset, Len: length, End: start + length}
		}
	}
	offset := b.sliceStride
	b.sliceWindows = append(b.sliceWindows, sliceWindow{start: start, offset: offset, length: length})
	b.sliceStride += length
	return pbatch.SliceRange{Start: start, StartOffset: offset, Len: length, End: start + length}
}

// Initialize freezes region registration and pre-warms each ring with
// BatchPrealloc batches, matching the original's eager pool fill at
// initialize time rather than paying allocation cost on the packet path.
func (b *Batcher) Initialize() error {
	if b.cfg.AnnEnd > b.cfg.AnnBegin {
		if _, err := b.ReqAnno(b.cfg.AnnEnd - b.cfg.AnnBegin); err != nil {
			return fmt.Errorf("batcher: default ANN_BEGIN/ANN_END: %w", err)
		}
	}
	if b.cfg.SliceEnd > b.cfg.SliceBegin {
		b.ReqSliceRange(b.cfg.SliceBegin, b.cfg.SliceEnd-b.cfg.SliceBegin)
	}
	if b.annoStride == 0 {
		// Guarantee at least one byte of annotation region so a batch with
		// no registered consumer still has a well-formed (if empty) window
		// to advance a work cursor across.
		b.annoStride = 1
	}
	b.initialized = true
	for tid := 0; tid <= b.cfg.NThreads; tid++ {
		for i := 0; i < b.cfg.BatchPrealloc; i++ {
			pb, err := pbatch.New(b.cfg.Capacity, b, b.provider)
			if err != nil {
				return fmt.Errorf("batcher: prealloc: %w", err)
			}
			pb.Tid = tid
			b.pool.Recycle(tid, pb)
		}
	}
	return nil
}

// AnnoStride implements pbatch.Producer.
func (b *Batcher) AnnoStride() int { return b.annoStride }

// SliceStride implements pbatch.Producer.
func (b *Batcher) SliceStride() int { return b.sliceStride }

// GetSliceOffset implements pbatch.Producer.
func (b *Batcher) GetSliceOffset(sr pbatch.SliceRange) int {
	for _, w := range b.sliceWindows {
		if w.start == sr.Start && w.length == sr.Len {
			return w.offset
		}
	}
	return sr.StartOffset
}

// AllocBatch implements pbatch.Producer using thread id 0; internal callers
// on the packet path use allocForThread directly with their own tid.
func (b *Batcher) AllocBatch() (*pbatch.PBatch, error) { return b.allocForThread(0) }

// KillBatch implements pbatch.Producer: decrements pb's reference count and
// recycles it to the ring of whichever thread originally allocated it once
// the count goes negative, mirroring kill_batch's
// `shared--; if (shared < 0) { finit_batch_for_recycle(pb); recycle_batch(pb); }`.
func (b *Batcher) KillBatch(pb *pbatch.PBatch) {
	pb.Shared--
	if pb.Shared < 0 {
		for _, p := range pb.PPtrs {
			if p != nil { // a transmit stage nils the slots of packets it already sent and killed
				p.Kill()
			}
		}
		b.pool.Recycle(pb.Tid, pb)
	}
}

func (b *Batcher) allocForThread(tid int) (*pbatch.PBatch, error) {
	if pb, ok := b.pool.Alloc(tid); ok {
		return pb, nil
	}
	pb, err := pbatch.New(b.cfg.Capacity, b, b.provider)
	if err != nil {
		return nil, err
	}
	pb.Tid = tid
	metrics.PoolAlloc.WithLabelValues(fmt.Sprint(tid), "new").Inc()
	return pb, nil
}

// Push appends one packet to the Batcher's single open batch, creating a
// new batch if none is open, arming the timeout timer on the batch's first
// packet, and emitting (capacity trigger) once the batch reaches Capacity.
// tid only selects which pool ring a newly created batch is allocated
// through; every pusher thread appends to the same open batch.
func (b *Batcher) Push(tid int, pkt *packet.Packet) error {
	b.mu.Lock()

	if b.current == nil {
		pb, err := b.allocForThread(tid)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("batcher: alloc: %w", err)
		}
		b.current = pb
	}
	pb := b.current

	idx := pb.NPkts
	length := pkt.Length()
	if b.cfg.ForcePktLens {
		max := pb.Producer.SliceStride()
		if length > max {
			length = max
		}
	}
	lb := pb.LengthBytesAt(idx)
	putUint16(lb, uint16(length))

	for _, w := range b.sliceWindows {
		end := w.start + w.length
		data := pkt.Data()
		dst := pb.SliceWindow(w.offset, w.length, idx)
		if end <= len(data) {
			copy(dst, data[w.start:end])
		} else if w.start < len(data) {
			copy(dst, data[w.start:])
		}
	}
	pb.PPtrs = append(pb.PPtrs, pkt)
	pb.NPkts++

	if pb.NPkts == 1 {
		b.armTimer(pb)
	}

	var toEmit *pbatch.PBatch
	if pb.Full() {
		b.cancelTimer()
		toEmit = pb
		b.current = nil
	}
	b.mu.Unlock()

	if toEmit != nil {
		metrics.BatcherEmitted.WithLabelValues("capacity").Inc()
		metrics.BatcherOpenNPkts.Observe(float64(toEmit.NPkts))
		b.emit(toEmit)
	}
	return nil
}

// armTimer starts (or restarts) the timeout timer for the batch that just
// received its first packet, capturing it as the batch under observation
// for the race check in onTimeout.
func (b *Batcher) armTimer(pb *pbatch.PBatch) {
	b.timedBatch = pb
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.Timeout, func() { b.onTimeout(pb) })
}

// cancelTimer stops the timeout timer, called on a capacity-triggered
// emission so an already-emitted batch is never also emitted by its timer.
func (b *Batcher) cancelTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timedBatch = nil
}

// onTimeout runs on the timer's own goroutine. It only emits armedBatch if
// it is still the batch under observation by identity — if a
// capacity-triggered emit already swapped b.current out from under it, this
// is a no-op, resolving the timer-vs-capacity race without a seqlock.
func (b *Batcher) onTimeout(armedBatch *pbatch.PBatch) {
	b.mu.Lock()
	if b.current != armedBatch || b.timedBatch != armedBatch {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.timer = nil
	b.timedBatch = nil
	b.mu.Unlock()

	metrics.BatcherEmitted.WithLabelValues("timeout").Inc()
	metrics.BatcherOpenNPkts.Observe(float64(armedBatch.NPkts))
	b.emit(armedBatch)
}

func (b *Batcher) emit(pb *pbatch.PBatch) {
	if b.sink == nil {
		b.log.Warn("batch emitted with no sink configured, dropping", zap.Int("npkts", pb.NPkts))
		b.KillBatch(pb)
		return
	}
	b.sink(pb)
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

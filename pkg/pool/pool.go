// Package pool implements the batch pool: a fixed number of per-thread
// lock-free FIFO rings plus one CAS-guarded overflow ring, from which a
// Batcher borrows and recycles *pbatch.PBatch values. It generalizes
// pkg/buffer's LockFreeRing (our teacher's single-producer/single-consumer
// byte ring) into a multi-ring pool sized one-per-pusher-thread plus one
// shared overflow ring, matching the original init_pb_pool/alloc_batch/
// recycle_batch design: each pusher thread recycles into its own ring
// first, only falling back to the shared overflow ring; allocation scans
// every ring in a fixed order starting at ring 0. Per-thread rings are only
// locked when MT_PUSHERS is set and more than one pusher thread is
// configured; the overflow ring is always taken under its spin lock.
package pool

import (
	"strconv"
	"sync"
	"sync/atomic"

	"routerd/internal/metrics"
	"routerd/pkg/pbatch"
)

// ring is a bounded single-producer/single-consumer FIFO of *pbatch.PBatch,
// sized to a power of two so index wraparound is a mask instead of a
// modulo. Unlike pkg/buffer.LockFreeRing (bytes, one writer index only)
// this ring tracks both read and write cursors because alloc_batch removes
// from the same ring recycle_batch inserts into, from multiple goroutines
// when MT_PUSHERS is set — so per-thread rings additionally take a mutex
// when shared across more than one pusher (see Pool.locking below).
type ring struct {
	buf  []*pbatch.PBatch
	mask uint64
	head uint64 // next slot to read
	tail uint64 // next slot to write
}

func newRing(capacity int) *ring {
	sz := uint64(1)
	for sz < uint64(capacity) {
		sz <<= 1
	}
	return &ring{buf: make([]*pbatch.PBatch, sz), mask: sz - 1}
}

func (r *ring) tryPush(pb *pbatch.PBatch) bool {
	if r.tail-r.head >= uint64(len(r.buf)) {
		return false
	}
	r.buf[r.tail&r.mask] = pb
	r.tail++
	return true
}

func (r *ring) tryPop() (*pbatch.PBatch, bool) {
	if r.head == r.tail {
		return nil, false
	}
	pb := r.buf[r.head&r.mask]
	r.buf[r.head&r.mask] = nil
	r.head++
	return pb, true
}

// Pool is a batch pool with nthreads+1 rings: one per pusher thread (index
// 0..nthreads-1) plus one shared overflow ring (index nthreads), matching
// init_pb_pool's `_nr_pools = nthreads+1`. Locking around each per-thread
// ring is only engaged when mtPushers is true and more than one pusher
// thread is configured (more than two rings) — otherwise no per-thread
// lock is taken, same as the original's `_need_alloc_locking` elision for
// `_nr_pools <= 2 || !_mt_pushers`.
type Pool struct {
	rings     []*ring
	locks     []sync.Mutex
	locking   bool
	spin      int32 // CAS-guarded overflow-ring lock (the "exp_pb_lock")
	overflow  int
	capPerTid int
}

// New creates a pool with one ring per pusher thread plus a shared overflow
// ring, each sized capPerRing. mtPushers mirrors the MT_PUSHERS config
// option: when true and nthreads > 1, per-thread ring access is
// mutex-guarded because more than one goroutine may share a thread's ring;
// otherwise no per-thread ring lock is taken.
func New(nthreads, capPerRing int, mtPushers bool) *Pool {
	nr := nthreads + 1
	p := &Pool{
		rings:     make([]*ring, nr),
		locks:     make([]sync.Mutex, nr),
		locking:   mtPushers && nr > 2,
		overflow:  nr - 1,
		capPerTid: capPerRing,
	}
	for i := range p.rings {
		p.rings[i] = newRing(capPerRing)
	}
	return p
}

// Recycle inserts pb into the calling thread's ring (tid), falling back to
// the shared overflow ring under its spin lock if the thread's own ring is
// full — mirroring recycle_batch's per-thread-then-overflow placement.
func (p *Pool) Recycle(tid int, pb *pbatch.PBatch) {
	pb.Reset()
	tidStr := strconv.Itoa(tid)
	if p.tryRing(tid, pb) {
		metrics.PoolRecycle.WithLabelValues(tidStr, "own").Inc()
		return
	}
	p.spinLock()
	ok := p.rings[p.overflow].tryPush(pb)
	p.spinUnlock()
	if !ok {
		// Every ring is full; the batch is simply dropped for the garbage
		// collector to reclaim along with its accelerator memory once the
		// caller frees it. This mirrors the original silently discarding a
		// batch it has nowhere to recycle it to.
		return
	}
	metrics.PoolRecycle.WithLabelValues(tidStr, "overflow").Inc()
}

// Alloc removes the oldest available batch, scanning every ring in a fixed
// order starting at index 0 (the original's `for (int j=0; j<_nr_pools &&
// !pb; ++j)`, which really does start the scan at ring 0 regardless of the
// calling thread's own tid — the `(tid+j)%_nr_pools` rotation alloc_batch's
// comment alludes to is dead code, commented out in the original) and
// stopping at the first non-empty ring, including the shared overflow ring
// at the end of that same scan. It returns ok=false if every ring is empty,
// in which case the caller (normally the Batcher) constructs a new batch via
// pbatch.New.
func (p *Pool) Alloc(tid int) (pb *pbatch.PBatch, ok bool) {
	tidStr := strconv.Itoa(tid)
	for i := range p.rings {
		if pb, ok = p.tryPopRingAt(i); ok {
			label := "other"
			switch {
			case i == tid:
				label = "own"
			case i == p.overflow:
				label = "overflow"
			}
			metrics.PoolAlloc.WithLabelValues(tidStr, label).Inc()
			return pb, true
		}
	}
	return nil, false
}

func (p *Pool) tryRing(tid int, pb *pbatch.PBatch) bool {
	if !p.locking {
		return p.rings[tid].tryPush(pb)
	}
	p.locks[tid].Lock()
	defer p.locks[tid].Unlock()
	return p.rings[tid].tryPush(pb)
}

// tryPopRingAt pops from ring i under that ring's own lock, matching the
// original's per-pool `_pb_alloc_locks[i]` guard taken during the alloc_batch
// scan (distinct from the `_exp_pb_lock` spin recycle_batch uses just for the
// overflow ring).
func (p *Pool) tryPopRingAt(i int) (*pbatch.PBatch, bool) {
	if !p.locking {
		return p.rings[i].tryPop()
	}
	p.locks[i].Lock()
	defer p.locks[i].Unlock()
	return p.rings[i].tryPop()
}

// spinLock/spinUnlock guard the shared overflow ring with a CAS spin,
// matching the original's `_exp_pb_lock` busy-wait rather than a blocking
// mutex — overflow-ring contention is expected to be rare and brief.
func (p *Pool) spinLock() {
	for !atomic.CompareAndSwapInt32(&p.spin, 0, 1) {
	}
}

func (p *Pool) spinUnlock() {
	atomic.StoreInt32(&p.spin, 0)
}

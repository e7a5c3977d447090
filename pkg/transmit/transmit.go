// Package transmit implements the batched transmit stage: it walks a
// batch's packets, picks out the ones whose resolved outbound port (read
// from the LPM stage's annotation window) matches this stage's configured
// port, and sends each through one of the device's transmit rings, trying
// every configured ring in order and taking the zero-copy buffer-swap path
// when a packet's backing buffer is uniquely owned.
//
// Grounded on btonmdevice.cc: __pbatch_next_pkt's per-packet eligibility
// filter, netmap_send_batch's multi-ring loop and zero-copy/memcpy dual
// path, and run_task's poll-mode-vs-backoff duality (nmtodevice.cc's
// exponential backoff doubling capped at 256, carried here as a
// time.Duration capped at 256 microseconds).
package transmit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"routerd/internal/metrics"
	"routerd/pkg/packet"
	"routerd/pkg/pbatch"
	"routerd/pkg/txring"
)

const maxBackoff = 256 * time.Microsecond
const firstBackoff = 2 * time.Microsecond

// Config carries the transmit stage's configure-time options.
type Config struct {
	Port     uint8 // PORT: this stage's outbound port number
	Burst    int   // BURST: stored (default 32); Push does not read it and sends every eligible packet
	PollMode bool  // FULL_NM: retry immediately instead of backing off
}

// Stage is the batched transmit sink for one outbound port.
type Stage struct {
	log    *zap.Logger
	dev    txring.Device
	cfg    Config
	anno   pbatch.AnnoHandle
	sink   func(*pbatch.PBatch) // next port's transmit stage, if chained

	backoff time.Duration
}

// New constructs a transmit stage for dev, filtering packets whose
// annotation byte (at anno's offset) equals cfg.Port.
func New(dev txring.Device, cfg Config, anno pbatch.AnnoHandle, log *zap.Logger) *Stage {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 32
	}
	return &Stage{log: log, dev: dev, cfg: cfg, anno: anno}
}

// SetSink chains this stage to the next transmit stage in a multi-port
// pipeline; packets this stage doesn't own are left untouched for it.
func (s *Stage) SetSink(sink func(*pbatch.PBatch)) { s.sink = sink }

// Push sends every packet in pb eligible for this stage's port, then either
// forwards the batch to the next chained stage or, if this is the terminal
// stage, kills it. It blocks (respecting ctx) while backing off against a
// temporarily full ring set. There is no per-call packet limit: cfg.Burst
// is not consulted.
func (s *Stage) Push(ctx context.Context, pb *pbatch.PBatch) error {
	sent := 0
	for i := 0; i < pb.NPkts; i++ {
		if !s.eligible(pb, i) {
			continue
		}
		pkt := pb.PPtrs[i]
		if pkt == nil {
			continue
		}
		if err := s.sendOne(ctx, pkt); err != nil {
			return err
		}
		pkt.Kill()
		pb.PPtrs[i] = nil
		sent++
	}

	if s.sink != nil {
		s.sink(pb)
		return nil
	}
	pb.Kill()
	return nil
}

func (s *Stage) eligible(pb *pbatch.PBatch, i int) bool {
	w := pb.AnnoWindow(s.anno, i)
	return len(w) > 0 && w[0] == s.cfg.Port
}

// sendOne tries every configured ring in order (the BURST/ring-selection
// loop), taking the zero-copy buffer-swap path if pkt's backing buffer is
// uniquely owned, else falling back to a memcpy into the ring's own
// buffer. Between full sweeps that found no free slot it backs off: after k
// consecutive stalls the wait is min(2^k, 256) microseconds, computed before
// each wait rather than after, and a successful send resets the backoff to
// 0 — unless PollMode is set, in which case it retries immediately, matching
// run_task's `_full_nm` branch.
func (s *Stage) sendOne(ctx context.Context, pkt *packet.Packet) error {
	for {
		for r := 0; r < s.dev.NRings(); r++ {
			ring := s.dev.Ring(r)
			if ring.Avail() == 0 {
				continue
			}
			slot, ok := ring.Reserve()
			if !ok {
				continue
			}
			port := strconv.Itoa(int(s.cfg.Port))
			if idx, buf, ok := pkt.UniqueBuffer(); ok {
				ring.SwapBuf(slot, idx)
				ring.SetLen(slot, len(buf))
				pkt.ResetBuffer()
				metrics.TransmitSent.WithLabelValues(port, "zerocopy").Inc()
			} else {
				dst := ring.SlotBuf(slot)
				n := copy(dst, pkt.Data())
				ring.SetLen(slot, n)
				metrics.TransmitSent.WithLabelValues(port, "memcpy").Inc()
			}
			if err := ring.Flush(); err != nil {
				return err
			}
			s.backoff = 0
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.cfg.PollMode {
			continue
		}
		s.backoff = nextBackoff(s.backoff)
		metrics.TransmitBackoff.Observe(s.backoff.Seconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
	}
}

// nextBackoff computes the wait for the next consecutive stall given cur,
// the wait used for the previous one (0 meaning no stall yet): min(2^k, 256)
// microseconds on the k-th consecutive stall, per nmtodevice.cc's doubling.
func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return firstBackoff
	}
	if cur >= maxBackoff {
		return maxBackoff
	}
	cur *= 2
	if cur > maxBackoff {
		cur = maxBackoff
	}
	return cur
}

// Package d2h implements the device-to-host copy-back stage: after a
// compute stage writes results into a batch's device annotation region and
// advances the work cursor over it, this stage waits for that write to
// finish (StreamSync) and copies the work-cursor range back to host memory,
// so a host-side stage (transmit's eligibility check) can read it.
//
// Grounded on d2h.hh: the original element's entire job is the one-line
// contract "sync the stream, then d2h the cursor range, then sync again" —
// spec.md's §4.4 mentions the work cursor is advanced "for downstream
// copy-back stages" without naming one; this restores that stage.
package d2h

import (
	"context"
	"fmt"

	"routerd/pkg/accel"
	"routerd/pkg/pbatch"
)

// Stage copies a batch's device work-cursor range back to its paired host
// memory.
type Stage struct {
	provider accel.Provider
	sink     func(*pbatch.PBatch)
}

// New constructs a copy-back stage using provider for the stream sync and
// device-to-host transfer.
func New(provider accel.Provider) *Stage {
	return &Stage{provider: provider}
}

// SetSink assigns the stage this one forwards batches to after copy-back.
func (s *Stage) SetSink(sink func(*pbatch.PBatch)) { s.sink = sink }

// Push waits for the batch's device stream to finish the compute stage's
// writes, then copies the first DevPtr+WorkSize bytes of device memory
// (region start through the end of the work-cursor range) back to host
// memory so they are host-readable, and forwards the batch. A zero-size work cursor (no
// compute stage touched this batch) is a no-op copy, not an error.
func (s *Stage) Push(ctx context.Context, pb *pbatch.PBatch) error {
	if err := s.provider.StreamSync(ctx, pb.DevStream); err != nil {
		return fmt.Errorf("d2h: stream sync: %w", err)
	}
	if pb.WorkSize > 0 {
		if err := s.provider.D2HAsync(pb.DevMem, pb.HostMem, pb.DevPtr+pb.WorkSize, pb.DevStream); err != nil {
			return fmt.Errorf("d2h: copy back: %w", err)
		}
		if err := s.provider.StreamSync(ctx, pb.DevStream); err != nil {
			return fmt.Errorf("d2h: stream sync after copy: %w", err)
		}
	}
	if s.sink != nil {
		s.sink(pb)
	}
	return nil
}

// Package geoip implements a supplemented, CPU-side compute stage: it
// annotates each packet in a batch with the two-letter ISO country code of
// its IPv4 source address, read from a MaxMind GeoIP2 database. It exists
// to demonstrate that the annotation region is a general per-packet
// metadata channel open to more than one concurrent writer, not something
// the LPM stage owns exclusively — the two stages register independent,
// non-overlapping annotation windows with the same Batcher.
//
// This stage is new relative to the original Click router (there is no
// GeoIP element in original_source/); it is grounded on the same
// req_anno/work-cursor contract biplookup.cc uses, generalized to a stage
// that runs on the host rather than dispatching to the accelerator.
package geoip

import (
	"context"
	"net"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"routerd/pkg/pbatch"
)

// ipv4SrcOffset is the byte offset of the IPv4 source address within an
// Ethernet+IPv4 frame.
const ipv4SrcOffset = 14 + 12
const ipv4AddrLen = 4

// annoLen is 2 bytes: the ISO 3166-1 alpha-2 country code, or "??" if the
// address has no resolvable entry.
const annoLen = 2

// Stage annotates packets with a GeoIP country code.
type Stage struct {
	log  *zap.Logger
	db   *geoip2.Reader
	sink func(*pbatch.PBatch)

	slice pbatch.SliceRange
	anno  pbatch.AnnoHandle
	prod  pbatch.Producer
}

// New opens the GeoIP database at dbPath and registers this stage's
// annotation and slice windows with prod. Must be called before
// prod.Initialize.
func New(dbPath string, prod interface {
	ReqSliceRange(start, length int) pbatch.SliceRange
	ReqAnno(length int) (pbatch.AnnoHandle, error)
}, log *zap.Logger) (*Stage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, err
	}
	anno, err := prod.ReqAnno(annoLen)
	if err != nil {
		db.Close()
		return nil, err
	}
	slice := prod.ReqSliceRange(ipv4SrcOffset, ipv4AddrLen)
	return &Stage{log: log, db: db, anno: anno, slice: slice}, nil
}

// SetProducer binds the pbatch.Producer used to resolve this stage's slice
// window to a packed offset. Must be called before the first Push; it may
// be called before the owning Batcher is initialized.
func (s *Stage) SetProducer(prod pbatch.Producer) { s.prod = prod }

// SetSink assigns the stage this one forwards batches to.
func (s *Stage) SetSink(sink func(*pbatch.PBatch)) { s.sink = sink }

// AnnoHandle returns the annotation window this stage writes country codes
// into.
func (s *Stage) AnnoHandle() pbatch.AnnoHandle { return s.anno }

// Close releases the underlying GeoIP database.
func (s *Stage) Close() error { return s.db.Close() }

// Push resolves and writes a country code for every packet in pb, then
// forwards the batch. Unlike the LPM stage this runs synchronously on the
// host and never touches device memory or the work cursor — there is
// nothing for a copy-back stage to do for this window.
func (s *Stage) Push(ctx context.Context, pb *pbatch.PBatch) error {
	sliceOffset := s.prod.GetSliceOffset(s.slice)
	for i := 0; i < pb.NPkts; i++ {
		addrBytes := pb.SliceWindow(sliceOffset, ipv4AddrLen, i)
		code := s.lookup(net.IP(addrBytes))
		dst := pb.AnnoWindow(s.anno, i)
		copy(dst, code)
	}
	if s.sink != nil {
		s.sink(pb)
	}
	return nil
}

func (s *Stage) lookup(ip net.IP) []byte {
	rec, err := s.db.Country(ip)
	if err != nil || rec.Country.IsoCode == "" {
		return []byte("??")
	}
	code := rec.Country.IsoCode
	if len(code) != annoLen {
		return []byte("??")
	}
	return []byte(code)
}

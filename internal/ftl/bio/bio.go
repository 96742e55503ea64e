// Package bio models the host block-device contract (SPEC_FULL.md §6): the
// shape of requests the core accepts from callers above it.
package bio

import "github.com/ocssd/ftlhost/internal/ftl/ppa"

// LBA is a host-visible logical block address.
type LBA uint64

// AddrEmpty is the sentinel used for padding sectors and skipped entries in
// a scattered GC LBA list (spec.md §4.4, §8).
const AddrEmpty = LBA(^uint64(0))

// Flags are the bio-shaped request flags the core accepts.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagDiscard
	FlagPreflush
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// MaxSecsPerRequest is the hard cap on sectors per host request
// (spec.md §6).
const MaxSecsPerRequest = 64

// Request is a single host-facing bio.
type Request struct {
	LBA   LBA
	Flags Flags

	// Data holds one slice per sector for WRITE requests, and is filled in
	// per sector for READ requests. len(Data) is the sector count.
	Data [][]byte

	// ReadBitmap marks, after a READ completes, which result sectors were
	// zero-filled because the LBA was unmapped (spec.md §4.2 step 2, §8).
	ReadBitmap []bool

	// Done receives one value (an error, possibly nil) when the request
	// completes; it is not closed. nil for synchronous DONE/REQUEUE returns.
	Done chan error
}

// SecCount returns the sector count for the request.
func (r *Request) SecCount() int { return len(r.Data) }

// GCRef is the shared, ref-counted buffer backing a garbage-collection
// write batch (SPEC_FULL.md §9 "Ref-counted GC buffers"). Each ring entry
// sourced from a GC write holds one count; the completion path releases it
// on drain. The buffer itself is released (e.g. returned to a page pool)
// once the count reaches zero.
type GCRef struct {
	release func()
	count   int32
}

// NewGCRef wraps release, called exactly once when the last holder drops
// its reference.
func NewGCRef(release func()) *GCRef {
	return &GCRef{release: release}
}

// Acquire increments the holder count. Must be called once per derived
// entry before the entry is handed to the ring buffer.
func (r *GCRef) Acquire() { r.count++ }

// Release decrements the holder count, invoking release when it reaches
// zero.
func (r *GCRef) Release() {
	r.count--
	if r.count == 0 && r.release != nil {
		r.release()
	}
}

// GCEntry is one source sector in a write_list_to_cache batch.
type GCEntry struct {
	LBA  LBA
	Data []byte
	Ref  *GCRef
}

// ReadHole describes one unmapped-in-cache sector of a read request that
// must be serviced from the device.
type ReadHole struct {
	Index  int // position within the original request
	Global ppa.Global
}

// Package ppa models the physical-page-address sum type described in
// SPEC_FULL.md §9 ("Tagged PPA"): a logical address's latest location is
// either nowhere (Empty), in the ring buffer (Cached), or on the device
// (Persisted). The source packs these into one 64-bit word with a tag bit;
// here they are three variants of one Go struct, built and inspected only
// through the constructors and accessors below: the fields are unexported,
// and accessors called on the wrong variant panic at run time.
package ppa

import "fmt"

type kind uint8

const (
	kindEmpty kind = iota
	kindCached
	kindPersisted
)

// Global is the device-facing packed physical address:
// {channel, LUN, plane, block, page, sector}.
type Global struct {
	Chan   uint32
	Lun    uint32
	Plane  uint32
	Block  uint32
	Page   uint32
	Sector uint32
}

// PPA is the tagged physical-page-address value stored in an L2P entry.
//
// Zero value is Empty.
type PPA struct {
	k kind

	// valid when k == kindCached
	slot         uint32
	readInFlight uint32

	// valid when k == kindPersisted
	global Global
}

// Empty returns the "unmapped" PPA variant.
func Empty() PPA {
	return PPA{k: kindEmpty}
}

// Cached returns a PPA pointing at ring-buffer slot.
func Cached(slot uint32) PPA {
	return PPA{k: kindCached, slot: slot}
}

// Persisted returns a PPA pointing at a device-resident global address.
func Persisted(g Global) PPA {
	return PPA{k: kindPersisted, global: g}
}

// IsEmpty reports whether the LBA is unmapped.
func (p PPA) IsEmpty() bool { return p.k == kindEmpty }

// IsCached reports whether the LBA's latest value lives in the ring buffer.
func (p PPA) IsCached() bool { return p.k == kindCached }

// IsPersisted reports whether the LBA's latest value lives on the device.
func (p PPA) IsPersisted() bool { return p.k == kindPersisted }

// Slot returns the ring-buffer slot for a cached PPA.
//
// Panics if p is not Cached; callers must check IsCached first, the same
// discipline the L2P read/write paths already apply before branching on
// variant (SPEC_FULL.md §4.2).
func (p PPA) Slot() uint32 {
	if p.k != kindCached {
		panic("ppa: Slot called on non-cached PPA")
	}
	return p.slot
}

// GlobalAddr returns the device-facing address for a persisted PPA.
//
// Panics if p is not Persisted.
func (p PPA) GlobalAddr() Global {
	if p.k != kindPersisted {
		panic("ppa: GlobalAddr called on non-persisted PPA")
	}
	return p.global
}

// ReadInFlight reports the number of readers currently holding this cached
// PPA (SPEC_FULL.md §9, widened from the source's single bit to a small
// counter to support concurrent readers of the same cached LBA).
//
// Zero for non-cached PPAs.
func (p PPA) ReadInFlight() uint32 {
	if p.k != kindCached {
		return 0
	}
	return p.readInFlight
}

// WithReadAcquired returns a copy of a cached PPA with the reader count
// incremented by one.
func (p PPA) WithReadAcquired() PPA {
	if p.k != kindCached {
		panic("ppa: WithReadAcquired called on non-cached PPA")
	}
	p.readInFlight++
	return p
}

// WithReadReleased returns a copy of a cached PPA with the reader count
// decremented by one. Panics on underflow: callers must pair every acquire
// with exactly one release.
func (p PPA) WithReadReleased() PPA {
	if p.k != kindCached {
		panic("ppa: WithReadReleased called on non-cached PPA")
	}
	if p.readInFlight == 0 {
		panic("ppa: WithReadReleased underflow")
	}
	p.readInFlight--
	return p
}

func (p PPA) String() string {
	switch p.k {
	case kindEmpty:
		return "empty"
	case kindCached:
		return fmt.Sprintf("cached(slot=%d, inflight=%d)", p.slot, p.readInFlight)
	case kindPersisted:
		g := p.global
		return fmt.Sprintf("persisted(ch=%d,lun=%d,pl=%d,blk=%d,pg=%d,sec=%d)",
			g.Chan, g.Lun, g.Plane, g.Block, g.Page, g.Sector)
	default:
		return "invalid"
	}
}

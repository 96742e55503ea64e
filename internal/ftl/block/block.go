// Package block implements the per-erase-block state described in
// spec.md §3 ("Block (rblk)"): sector cursor, the three progress bitmaps,
// the lifecycle state machine, and the on-close recovery page (rlpg).
package block

import (
	"fmt"
	"sync"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/bitset"
	"github.com/ocssd/ftlhost/internal/ftl/device"
)

// State is a block's lifecycle state (spec.md §3).
type State uint8

const (
	StateFree State = iota
	StateOpen
	StateFull
	StateClosing
	StateClosed
	StateRetired
	StateBad
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateOpen:
		return "OPEN"
	case StateFull:
		return "FULL"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateRetired:
		return "RETIRED"
	case StateBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// Block is the host-side state for one erase block (rblk).
type Block struct {
	mu sync.Mutex

	LUN    uint32
	Handle *device.BlockHandle

	nrDataSecs uint32
	curSec     uint32

	sectorBitmap  *bitset.Dynamic
	syncBitmap    *bitset.Dynamic
	invalidBitmap *bitset.Dynamic

	lbaArray []bio.LBA

	state State

	arenaRef    uint32
	hasArenaRef bool
}

// New constructs a FREE block over a freshly erased handle.
func New(handle *device.BlockHandle, lun uint32, nrDataSecs uint32) *Block {
	lbas := make([]bio.LBA, nrDataSecs)
	for i := range lbas {
		lbas[i] = bio.AddrEmpty
	}

	return &Block{
		LUN:           lun,
		Handle:        handle,
		nrDataSecs:    nrDataSecs,
		sectorBitmap:  bitset.NewDynamic(nrDataSecs),
		syncBitmap:    bitset.NewDynamic(nrDataSecs),
		invalidBitmap: bitset.NewDynamic(nrDataSecs),
		lbaArray:      lbas,
		state:         StateFree,
	}
}

// State returns the block's current lifecycle state.
func (b *Block) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NrDataSecs returns the number of addressable data sectors.
func (b *Block) NrDataSecs() uint32 { return b.nrDataSecs }

// CurSec returns the current allocation cursor.
func (b *Block) CurSec() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.curSec
}

// IsFull reports whether every data sector has been allocated.
func (b *Block) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.curSec == b.nrDataSecs
}

// FreeSecs returns the number of not-yet-allocated data sectors.
func (b *Block) FreeSecs() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nrDataSecs - b.curSec
}

// AllocateSectors bumps the cursor by n sectors, marking them allocated.
// Returns the starting sector and false if fewer than n sectors remain.
func (b *Block) AllocateSectors(n uint32) (start uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateBad {
		return 0, false
	}
	if b.curSec+n > b.nrDataSecs {
		return 0, false
	}

	start = b.curSec
	for i := start; i < start+n; i++ {
		b.sectorBitmap.Set(i)
	}
	b.curSec += n

	if b.state == StateFree {
		b.state = StateOpen
	}
	if b.curSec == b.nrDataSecs {
		b.state = StateFull
	}

	return start, true
}

// RecordLBA stamps the owning LBA (or bio.AddrEmpty for a padding sector)
// for an allocated sector, building up the reverse map persisted in the
// rlpg recovery page on close.
func (b *Block) RecordLBA(sector uint32, lba bio.LBA) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lbaArray[sector] = lba
}

// MarkInvalid marks sector invalid (overwritten or padded). invalid_bitmap
// is a subset of sector_bitmap by construction: a sector can only be
// invalidated after it has been allocated.
func (b *Block) MarkInvalid(sector uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidBitmap.Set(sector)
}

// MarkSync marks sector persisted. Returns true exactly once, the call
// that makes sync_bitmap full, at which point the block transitions to
// CLOSED and rp is the recovery page to stamp into the block's last
// physical page.
func (b *Block) MarkSync(sector uint32) (rp *RecoveryPage, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.syncBitmap.Set(sector)

	if b.state == StateFull {
		b.state = StateClosing
	}

	if b.state == StateClosing && b.syncBitmap.All() {
		b.state = StateClosed
		return b.buildRecoveryPageLocked(), true
	}
	return nil, false
}

// SetArenaRef stamps this block's index in the shared block.Arena, so ring
// entries can carry a non-owning back-reference instead of a live pointer
// (SPEC_FULL.md §9).
func (b *Block) SetArenaRef(ref uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arenaRef = ref
	b.hasArenaRef = true
}

// ArenaRef returns the block's arena index, if SetArenaRef has been called.
func (b *Block) ArenaRef() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arenaRef, b.hasArenaRef
}

// MarkBad transitions the block to BAD from any state (spec.md §3).
func (b *Block) MarkBad() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateBad
}

// MarkRetired transitions a CLOSED block to RETIRED once GC has reclaimed
// it. Out of core scope beyond the state label itself (the GC is an
// external collaborator per spec.md §1).
func (b *Block) MarkRetired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateRetired
}

// CheckInvariants validates the three invariants spec.md §3 names for a
// block. Exported (not test-only) so callers embedding this package in a
// larger host driver can assert it too; called from tests and from the
// core's teardown padding path.
func (b *Block) CheckInvariants() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sectorBitmap.Count() < b.syncBitmap.Count() {
		return fmt.Errorf("block: popcount(sector_bitmap)=%d < popcount(sync_bitmap)=%d",
			b.sectorBitmap.Count(), b.syncBitmap.Count())
	}
	if !b.invalidBitmap.Subset(b.sectorBitmap) {
		return fmt.Errorf("block: invalid_bitmap is not a subset of sector_bitmap")
	}
	if b.curSec != b.sectorBitmap.Count() {
		return fmt.Errorf("block: cur_sec=%d != popcount(sector_bitmap)=%d", b.curSec, b.sectorBitmap.Count())
	}
	return nil
}

// Teardown pads the block up to nr_blk_dsecs so its recovery page can be
// written and it can be closed (spec.md §4.7). Returns the sector range to
// pad ([start, end)) and false if the block has zero written sectors (it
// is returned un-padded, per spec.md §4.7).
func (b *Block) Teardown() (start, end uint32, shouldPad bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.curSec == 0 {
		return 0, 0, false
	}
	if b.curSec == b.nrDataSecs {
		return 0, 0, false
	}
	start = b.curSec
	end = b.nrDataSecs
	for i := start; i < end; i++ {
		b.sectorBitmap.Set(i)
	}
	b.curSec = b.nrDataSecs
	if b.state != StateBad {
		b.state = StateFull
	}
	return start, end, true
}

func (b *Block) buildRecoveryPageLocked() *RecoveryPage {
	lbas := make([]bio.LBA, len(b.lbaArray))
	copy(lbas, b.lbaArray)

	nrLBAs := uint32(0)
	nrPadded := uint32(0)
	for _, l := range lbas {
		if l == bio.AddrEmpty {
			nrPadded++
		} else {
			nrLBAs++
		}
	}

	rp := &RecoveryPage{
		Status:        uint8(b.state),
		ReqLen:        b.nrDataSecs,
		NrLBAs:        nrLBAs,
		NrPadded:      nrPadded,
		LBAArray:      lbas,
		SectorBitmap:  b.sectorBitmap.Clone(),
		SyncBitmap:    b.syncBitmap.Clone(),
		InvalidBitmap: b.invalidBitmap.Clone(),
	}
	rp.finalize()
	return rp
}

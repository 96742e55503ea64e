// Package ring implements the write-cache ring buffer (SPEC_FULL.md §4.1):
// a single-producer(-pair) / multi-consumer bounded ring over
// cacheline-aligned entries, with three disjoint cursors -- mem (producer
// head), subm (submit cursor, the drainer's read side) and sync (persisted
// tail, advanced by the completion path) -- so the hot buffered-write path
// never contends with the drainer, and the drainer never contends with
// completion ordering.
//
// Modeled on modules/pdump's ring.go: atomically-updated cursor words plus
// explicit wraparound arithmetic via a power-of-two mask, the house pattern
// for lock-light ring buffers on this platform.
package ring

import (
	"sync"
	"sync/atomic"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
)

// WContext is the write context carried alongside each ring entry's sector
// data (spec.md §3).
type WContext struct {
	LBA   bio.LBA
	Flags bio.Flags

	// Global is the device-facing address assigned at drain time.
	Global    ppa.Global
	hasGlobal bool

	// BlockRef is an index into the core's shared block.Arena
	// (SPEC_FULL.md §9 "Back-references"), assigned at drain time.
	BlockRef    uint32
	hasBlockRef bool

	// GCRef is non-nil when this entry originated from the GC write path
	// (SPEC_FULL.md §4.3); released when the entry drains.
	GCRef *bio.GCRef

	// Done, if non-nil, is the originating host bio's completion channel.
	Done chan error

	// BioSlot is this entry's sector index within the originating bio. The
	// write paths leave it zero and the completion path does not read it.
	BioSlot int

	// Padding marks a drain-time padding sector with no real LBA.
	Padding bool
}

// SetGlobal stamps the device address assigned at drain.
func (w *WContext) SetGlobal(g ppa.Global) {
	w.Global = g
	w.hasGlobal = true
}

// HasGlobal reports whether SetGlobal has been called.
func (w *WContext) HasGlobal() bool { return w.hasGlobal }

// SetBlockRef stamps the owning block's arena index.
func (w *WContext) SetBlockRef(ref uint32) {
	w.BlockRef = ref
	w.hasBlockRef = true
}

// HasBlockRef reports whether SetBlockRef has been called.
func (w *WContext) HasBlockRef() bool { return w.hasBlockRef }

// Entry is one ring-buffer slot.
type Entry struct {
	Data []byte
	WCtx WContext
}

type syncPointState struct {
	mu        sync.Mutex
	active    bool
	pos       uint64
	onReached func()
}

// RingBuffer is the bounded ring cache described in spec.md §3/§4.1.
//
// Invariant: sync <= subm <= mem (mod capacity); mem - sync <= capacity.
type RingBuffer struct {
	capacity uint64
	mask     uint64
	secSize  uint32
	entries  []Entry

	mem  atomic.Uint64
	subm atomic.Uint64
	sync atomic.Uint64

	readMu sync.Mutex
	syncMu sync.Mutex

	sp syncPointState
}

// New constructs a RingBuffer with the given capacity (rounded up to the
// next power of two) and fixed sector size.
func New(capacity uint32, secSize uint32) *RingBuffer {
	n := uint64(1)
	for n < uint64(capacity) {
		n <<= 1
	}

	entries := make([]Entry, n)
	for i := range entries {
		entries[i].Data = make([]byte, secSize)
	}

	return &RingBuffer{
		capacity: n,
		mask:     n - 1,
		secSize:  secSize,
		entries:  entries,
	}
}

// Capacity returns the ring's capacity in sectors.
func (rb *RingBuffer) Capacity() uint32 { return uint32(rb.capacity) }

// SecSize returns the fixed sector size entries were allocated with.
func (rb *RingBuffer) SecSize() uint32 { return rb.secSize }

// Mem, Subm, Sync expose the three cursors, mainly for stats snapshots and
// tests asserting the monotonic-sync invariant (spec.md §8).
func (rb *RingBuffer) Mem() uint64  { return rb.mem.Load() }
func (rb *RingBuffer) Subm() uint64 { return rb.subm.Load() }
func (rb *RingBuffer) Sync() uint64 { return rb.sync.Load() }

// MayWrite reserves nrCommit slots starting at the current mem position,
// failing if fewer than nrReq slots are free. The asymmetry lets a caller
// probe for space before it has finished preparing a full write batch.
func (rb *RingBuffer) MayWrite(nrReq, nrCommit uint32) (pos uint64, ok bool) {
	for {
		mem := rb.mem.Load()
		syncPos := rb.sync.Load()
		free := rb.capacity - (mem - syncPos)
		if free < uint64(nrReq) {
			return 0, false
		}
		if rb.mem.CompareAndSwap(mem, mem+uint64(nrCommit)) {
			return mem, true
		}
	}
}

// WriteEntry copies data and wctx into slot pos. Must only be called by the
// producer that reserved pos via MayWrite.
func (rb *RingBuffer) WriteEntry(pos uint64, data []byte, wctx WContext) {
	e := &rb.entries[pos&rb.mask]
	copy(e.Data, data)
	e.WCtx = wctx
}

// WCtx returns a pointer to slot pos's write context, for the mapper to
// stamp device addresses into at drain time and for completion/recovery to
// inspect.
func (rb *RingBuffer) WCtx(pos uint64) *WContext {
	return &rb.entries[pos&rb.mask].WCtx
}

// EntryData returns slot pos's sector data buffer.
func (rb *RingBuffer) EntryData(pos uint64) []byte {
	return rb.entries[pos&rb.mask].Data
}

// CopyToBio copies the cached sector at pos into dst.
func (rb *RingBuffer) CopyToBio(pos uint64, dst []byte) {
	copy(dst, rb.entries[pos&rb.mask].Data)
}

// ReadLock takes the single-drainer read lock and returns the number of
// sectors available to drain (mem - subm). Must be paired with ReadUnlock.
func (rb *RingBuffer) ReadLock() uint32 {
	rb.readMu.Lock()
	return uint32(rb.mem.Load() - rb.subm.Load())
}

// ReadCommit advances subm by n and returns the position it advanced from.
// Must be called while holding the read lock.
func (rb *RingBuffer) ReadCommit(n uint32) uint64 {
	pos := rb.subm.Load()
	rb.subm.Add(uint64(n))
	return pos
}

// ReadUnlock releases the read lock taken by ReadLock.
func (rb *RingBuffer) ReadUnlock() {
	rb.readMu.Unlock()
}

// SyncInit acquires the sync lock and returns the current sync cursor.
// Must be paired with SyncEnd.
func (rb *RingBuffer) SyncInit() uint64 {
	rb.syncMu.Lock()
	return rb.sync.Load()
}

// SyncAdvance advances the sync cursor by n sectors, returning the new
// value. Must be called while holding the sync lock.
func (rb *RingBuffer) SyncAdvance(n uint32) uint64 {
	return rb.sync.Add(uint64(n))
}

// SyncEnd releases the sync lock taken by SyncInit.
func (rb *RingBuffer) SyncEnd() {
	rb.syncMu.Unlock()
}

// SyncScanEntry looks up the ring slot currently holding g, searching the
// submitted-but-not-yet-synced window. Used by write-failure recovery to
// find a failed sector's original LBA (spec.md §4.5).
func (rb *RingBuffer) SyncScanEntry(g ppa.Global) (pos uint64, found bool) {
	syncPos := rb.sync.Load()
	submPos := rb.subm.Load()
	for p := syncPos; p < submPos; p++ {
		e := &rb.entries[p&rb.mask]
		if e.WCtx.hasGlobal && e.WCtx.Global == g {
			return p, true
		}
	}
	return 0, false
}

// SyncPointSet installs a sync point at the current mem position. onReached
// is invoked (not necessarily synchronously, and not while any ring lock is
// held) once the sync cursor reaches that position. Returns false if a sync
// point is already pending.
func (rb *RingBuffer) SyncPointSet(onReached func()) bool {
	rb.sp.mu.Lock()
	defer rb.sp.mu.Unlock()
	if rb.sp.active {
		return false
	}
	rb.sp.active = true
	rb.sp.pos = rb.mem.Load()
	rb.sp.onReached = onReached
	return true
}

// SyncPointCount returns the number of sectors between subm and the pending
// sync point's position, or 0 if there is no pending sync point or it has
// already been passed.
func (rb *RingBuffer) SyncPointCount(subm uint64) uint32 {
	rb.sp.mu.Lock()
	defer rb.sp.mu.Unlock()
	if !rb.sp.active || rb.sp.pos <= subm {
		return 0
	}
	return uint32(rb.sp.pos - subm)
}

// SyncPointReset checks whether the sync cursor has reached the pending
// sync point; if so it fires onReached and clears the sync point. Called
// from the completion path after advancing sync (spec.md §4.4 step 5).
func (rb *RingBuffer) SyncPointReset(syncPos uint64) {
	rb.sp.mu.Lock()
	if !rb.sp.active || syncPos < rb.sp.pos {
		rb.sp.mu.Unlock()
		return
	}
	onReached := rb.sp.onReached
	rb.sp.active = false
	rb.sp.onReached = nil
	rb.sp.mu.Unlock()

	if onReached != nil {
		onReached()
	}
}

// HasPendingSyncPoint reports whether a flush is outstanding.
func (rb *RingBuffer) HasPendingSyncPoint() bool {
	rb.sp.mu.Lock()
	defer rb.sp.mu.Unlock()
	return rb.sp.active
}

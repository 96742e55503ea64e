// Package l2p implements the logical-to-physical map and the cache-blended
// read path (spec.md §4.2): a flat array of nr_secs entries under one
// mutex, covering reads, write-updates, invalidations, and the cached-PPA
// read-in-flight counter.
package l2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/ferr"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
	"github.com/ocssd/ftlhost/internal/ftl/ring"
)

// Entry is the L2P's per-LBA state (spec.md §3): the current PPA plus a
// non-owning back-reference to the owning block, when persisted.
type Entry struct {
	PPA       ppa.PPA
	BlkRef    uint32
	HasBlkRef bool
}

// Map is the L2P: one mutex guarding nr_secs entries.
type Map struct {
	mu      sync.Mutex
	entries []Entry
}

// New allocates an all-empty L2P map for nrSecs LBAs.
func New(nrSecs uint64) *Map {
	return &Map{entries: make([]Entry, nrSecs)}
}

// Len returns nr_secs.
func (m *Map) Len() int { return len(m.entries) }

// Lookup returns lba's current entry without side effects (no read-in-flight
// bookkeeping). Used by the completion path's stale-mapping check and by
// tests, never on the read hot path.
func (m *Map) Lookup(lba bio.LBA) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[lba]
}

// AcquireForRead snapshots lba's PPA and, if cached, increments its
// read-in-flight counter so a concurrent UpdateMap on the same LBA yields
// until the reader releases (spec.md §4.2 step 1).
func (m *Map) AcquireForRead(lba bio.LBA) ppa.PPA {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.entries[lba].PPA
	if cur.IsCached() {
		cur = cur.WithReadAcquired()
		m.entries[lba].PPA = cur
	}
	return cur
}

// ReleaseRead clears the read-in-flight bit acquired by AcquireForRead, a
// no-op if the entry is no longer cached (spec.md §4.2 step 5).
func (m *Map) ReleaseRead(lba bio.LBA) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.entries[lba].PPA
	if cur.IsCached() {
		m.entries[lba].PPA = cur.WithReadReleased()
	}
}

// UpdateMap publishes newPPA for lba, returning the entry it replaced.
//
// Returns ferr.ErrBusy without modifying anything if the existing entry is
// cached with a read in flight; callers must back off and retry
// (spec.md §4.2 "Mapping update").
func (m *Map) UpdateMap(lba bio.LBA, newPPA ppa.PPA, blkRef uint32, hasBlkRef bool) (old Entry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.entries[lba]
	if cur.PPA.IsCached() && cur.PPA.ReadInFlight() > 0 {
		return Entry{}, ferr.ErrBusy
	}

	old = cur
	m.entries[lba] = Entry{PPA: newPPA, BlkRef: blkRef, HasBlkRef: hasBlkRef}
	return old, nil
}

// Invalidated describes one LBA cleared by InvalidateRange.
type Invalidated struct {
	LBA bio.LBA
	Old Entry
}

// InvalidateRange clears [slba, slba+n) to "empty", returning the prior
// entry for every LBA that was mapped (spec.md §4.2 "Discard"). Callers
// are responsible for marking the owning block's invalid_bitmap for any
// persisted entries returned here.
func (m *Map) InvalidateRange(slba bio.LBA, n uint32) []Invalidated {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Invalidated
	for i := uint32(0); i < n; i++ {
		lba := slba + bio.LBA(i)
		cur := m.entries[lba]
		if !cur.PPA.IsEmpty() {
			out = append(out, Invalidated{LBA: lba, Old: cur})
		}
		m.entries[lba] = Entry{}
	}
	return out
}

// SubmitRead services a read bio by blending ring-buffer cache hits with a
// device read for the remaining holes (spec.md §4.2 "Read request").
func SubmitRead(ctx context.Context, m *Map, rb *ring.RingBuffer, dev device.Manager, req *bio.Request) error {
	k := req.SecCount()
	req.ReadBitmap = make([]bool, k)

	type hit struct {
		idx int
		lba bio.LBA
		p   ppa.PPA
	}
	var hits []hit
	var holes []bio.ReadHole

	for i := 0; i < k; i++ {
		lba := req.LBA + bio.LBA(i)
		p := m.AcquireForRead(lba)
		switch {
		case p.IsEmpty():
			req.ReadBitmap[i] = true
			zero(req.Data[i])
		case p.IsCached():
			hits = append(hits, hit{idx: i, lba: lba, p: p})
		default:
			holes = append(holes, bio.ReadHole{Index: i, Global: p.GlobalAddr()})
		}
	}

	for _, h := range hits {
		rb.CopyToBio(uint64(h.p.Slot()), req.Data[h.idx])
	}

	if len(holes) > 0 {
		if err := serviceHoles(ctx, dev, req, holes); err != nil {
			for _, h := range hits {
				m.ReleaseRead(h.lba)
			}
			return fmt.Errorf("l2p: device read for %d holes: %w", len(holes), err)
		}
	}

	for _, h := range hits {
		m.ReleaseRead(h.lba)
	}
	return nil
}

func serviceHoles(ctx context.Context, dev device.Manager, req *bio.Request, holes []bio.ReadHole) error {
	globals := make([]ppa.Global, len(holes))
	data := make([][]byte, len(holes))
	for i, h := range holes {
		globals[i] = h.Global
		data[i] = req.Data[h.Index]
	}

	done := make(chan []device.SectorStatus, 1)
	rq := &device.Request{
		Kind:    device.RequestRead,
		PPAs:    globals,
		Data:    data,
		NrValid: uint32(len(holes)),
		OnDone: func(statuses []device.SectorStatus) {
			done <- statuses
		},
	}

	if err := dev.SubmitIO(ctx, rq); err != nil {
		return err
	}

	select {
	case statuses := <-done:
		for i, st := range statuses {
			if st != device.SectorOK {
				return fmt.Errorf("device read failed for lba slot %d", holes[i].Index)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package mapper implements the allocator/drainer (spec.md §4.4): the
// round-robin page map that assigns drained ring sectors to LUNs and
// blocks, and the dedicated drain goroutine that batches, pads, and
// submits device write requests.
package mapper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/block"
	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/lun"
	"github.com/ocssd/ftlhost/internal/ftl/lunmask"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
	"github.com/ocssd/ftlhost/internal/ftl/ring"
)

// Config bounds a single device write request and describes the geometry
// needed to turn a block-relative sector index into a device address.
type Config struct {
	MinWritePgs uint32
	MaxWritePgs uint32
	SecPerPl    uint32
	NrBlkDsecs  uint32

	// IdleBackoff is how long Drain sleeps when there is nothing to do.
	IdleBackoff time.Duration
	// ReplaceBackoff is the poll interval while waiting for the
	// provisioner to supply a pre-erased block.
	ReplaceBackoff time.Duration
}

// CompletionFunc is invoked once per submitted device write request, from
// whatever goroutine the device manager chooses to call back on.
type CompletionFunc func(ctx context.Context, rq *device.Request, statuses []device.SectorStatus)

// Mapper owns LUN round-robin selection and block lifecycle transitions
// driven by drained ring sectors.
type Mapper struct {
	luns  []*lun.LUN
	arena *block.Arena
	dev   device.Manager
	cfg   Config
	log   *zap.SugaredLogger

	rrCursor atomic.Uint32
}

// New constructs a Mapper over luns, sharing arena with the rest of the
// core for block back-reference resolution.
func New(luns []*lun.LUN, arena *block.Arena, dev device.Manager, cfg Config, log *zap.SugaredLogger) *Mapper {
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = time.Millisecond
	}
	if cfg.ReplaceBackoff == 0 {
		cfg.ReplaceBackoff = time.Millisecond
	}
	return &Mapper{luns: luns, arena: arena, dev: dev, cfg: cfg, log: log}
}

// Arena exposes the shared block table so collaborators holding only a
// WContext's arena ref (the completion pipeline's FAILWRITE path) can
// resolve it back to the owning *block.Block.
func (m *Mapper) Arena() *block.Arena {
	return m.arena
}

// SecPerPl exposes the plane geometry needed to turn a device page/sector
// pair back into a block-relative sector index, for collaborators that only
// hold a ppa.Global (the completion pipeline's persist path).
func (m *Mapper) SecPerPl() uint32 {
	return m.cfg.SecPerPl
}

// NextLUN picks the next LUN for a write group: round-robin normally, or
// the LUN with the most free pre-erased blocks when preferMostFree is set
// (spec.md §4.4, the emergency-GC selection policy).
func (m *Mapper) NextLUN(preferMostFree bool) *lun.LUN {
	if preferMostFree {
		best := m.luns[0]
		for _, l := range m.luns[1:] {
			if l.FreeBlockCount() > best.FreeBlockCount() {
				best = l
			}
		}
		return best
	}

	idx := m.rrCursor.Add(1) - 1
	return m.luns[idx%uint32(len(m.luns))]
}

func blockNeedsReplacement(b *block.Block) bool {
	if b == nil {
		return true
	}
	switch b.State() {
	case block.StateFull, block.StateClosing, block.StateClosed, block.StateBad, block.StateRetired:
		return true
	default:
		return false
	}
}

// replaceBlk blocks (yielding on cfg.ReplaceBackoff) until l's pool queue
// yields a pre-erased block, or ctx is cancelled. In steady state the
// provisioner keeps the pool non-empty so this returns immediately
// (spec.md §4.4 "take a pre-allocated block from that LUN's pool queue").
func (m *Mapper) replaceBlk(ctx context.Context, l *lun.LUN) (*block.Block, error) {
	for {
		if b, ok := l.Pool().Pop(); ok {
			ref := m.arena.Insert(b)
			b.SetArenaRef(ref)
			return b, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.ReplaceBackoff):
		}
	}
}

// DrainUnit is one sector's worth of drain work: either a real ring entry
// or a synthetic zero-padded sector manufactured to satisfy write
// granularity (spec.md §4.4 step 3).
type DrainUnit struct {
	wctx *ring.WContext
	data []byte
}

// NewDrainUnit wraps an existing ring write-context and its sector data as a
// single remap unit, for callers outside this package driving a one-off
// remap (the completion pipeline's FAILWRITE recovery, SPEC_FULL.md §4.5).
func NewDrainUnit(wctx *ring.WContext, data []byte) DrainUnit {
	return DrainUnit{wctx: wctx, data: data}
}

// MapGroup allocates len(group) consecutive sectors from one LUN's current
// block (replacing it from the pool if necessary) and stamps each unit's
// device address, block back-reference, and LBA reverse-map entry
// (spec.md §4.4 step 4, "map_rr_page").
func (m *Mapper) MapGroup(ctx context.Context, group []DrainUnit, preferMostFree bool) error {
	l := m.NextLUN(preferMostFree)
	n := uint32(len(group))

	var blk *block.Block
	var start uint32
	var mapErr error

	l.WithCurrent(func(cur *block.Block) *block.Block {
		for {
			if mapErr != nil {
				return cur
			}
			if !blockNeedsReplacement(cur) {
				if s, ok := cur.AllocateSectors(n); ok {
					start, blk = s, cur
					return cur
				}
				// Became full racing with a concurrent check; fall
				// through to replacement.
			}
			nb, err := m.replaceBlk(ctx, l)
			if err != nil {
				mapErr = err
				return cur
			}
			cur = nb
		}
	})
	if mapErr != nil {
		return fmt.Errorf("mapper: map group on lun %d: %w", l.ID, mapErr)
	}

	for i, u := range group {
		sector := start + uint32(i)
		g := ppa.Global{
			Chan:   blk.Handle.Chan,
			Lun:    blk.Handle.Lun,
			Plane:  blk.Handle.Plane,
			Block:  blk.Handle.BlockID,
			Page:   sector / m.cfg.SecPerPl,
			Sector: sector % m.cfg.SecPerPl,
		}
		u.wctx.SetGlobal(g)
		if ref, ok := blk.ArenaRef(); ok {
			u.wctx.SetBlockRef(ref)
		}

		if u.wctx.Padding {
			blk.RecordLBA(sector, bio.AddrEmpty)
			blk.MarkInvalid(sector)
			if rp, closed := blk.MarkSync(sector); closed {
				m.OnBlockClosed(ctx, blk, rp)
			}
		} else {
			blk.RecordLBA(sector, u.wctx.LBA)
		}
	}

	return nil
}

// OnBlockClosed stamps the recovery page into the block's last physical
// page (spec.md §6). Fire-and-forget: a lost metadata write does not lose
// user data (it is reconstructible from the L2P at the time of loss) and a
// full recovery-scan path is out of scope (spec.md §1). Exported so Close's
// teardown path can stamp a padded block's final recovery page too.
func (m *Mapper) OnBlockClosed(ctx context.Context, blk *block.Block, rp *block.RecoveryPage) {
	metaPage := m.cfg.NrBlkDsecs / m.cfg.SecPerPl
	g := ppa.Global{
		Chan:   blk.Handle.Chan,
		Lun:    blk.Handle.Lun,
		Plane:  blk.Handle.Plane,
		Block:  blk.Handle.BlockID,
		Page:   metaPage,
		Sector: 0,
	}
	rq := &device.Request{
		Kind:    device.RequestWrite,
		PPAs:    []ppa.Global{g},
		Data:    [][]byte{rp.Bytes()},
		NrValid: 1,
	}
	if err := m.dev.SubmitIO(ctx, rq); err != nil && m.log != nil {
		m.log.Warnw("failed to stamp recovery page on block close",
			"lun", blk.Handle.Lun, "block", blk.Handle.BlockID, "error", err)
	}
}

// CalcSecsToSync implements spec.md §4.4 step 2 exactly: every submitted
// device write must be a multiple of min, and a pending flush must be
// satisfied even if it means padding below a full min-sized batch.
func CalcSecsToSync(avail, toFlush, min, max uint32) uint32 {
	if avail >= max || toFlush >= max {
		return max
	}
	if avail >= min {
		if toFlush > 0 {
			rounded := (toFlush / min) * min
			for rounded+min <= avail && rounded+min <= max {
				rounded += min
			}
			if rounded == 0 {
				rounded = min
			}
			return rounded
		}
		return (avail / min) * min
	}
	if toFlush > 0 {
		return min
	}
	return 0
}

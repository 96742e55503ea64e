// Package completion implements the ordered write-completion pipeline
// (spec.md §4.5): device writes complete out of order, but the ring's sync
// cursor must advance strictly in submission order, so completed requests
// queue until every earlier request has also completed. Sectors reported
// FAILWRITE are transparently re-mapped to a fresh block and resubmitted
// before their request is allowed to commit.
package completion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/ferr"
	"github.com/ocssd/ftlhost/internal/ftl/l2p"
	"github.com/ocssd/ftlhost/internal/ftl/mapper"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
	"github.com/ocssd/ftlhost/internal/ftl/ring"
)

// Config bounds the recovery path's retry pacing.
type Config struct {
	// RecoveryBackoff is the pause between remap attempts for a sector
	// stuck behind a misbehaving or exhausted LUN.
	RecoveryBackoff time.Duration
}

// Pipeline owns the completion-side half of the drain/completion split:
// committing successful writes to the L2P, releasing the inflight-write
// admission budget, and recovering failed sectors in place.
type Pipeline struct {
	rb     *ring.RingBuffer
	l2pMap *l2p.Map
	mapper *mapper.Mapper
	dev    device.Manager
	admit  *semaphore.Weighted
	cfg    Config
	log    *zap.SugaredLogger

	mu      sync.Mutex
	pending map[uint64]pendingResult
	next    uint64
}

type pendingResult struct {
	rq       *device.Request
	statuses []device.SectorStatus
}

// New constructs a Pipeline. admit is the shared inflight-write admission
// semaphore the buffered-write path acquires against (spec.md §4.3 step 2);
// pass nil to disable admission accounting (e.g. in tests).
func New(rb *ring.RingBuffer, l2pMap *l2p.Map, mp *mapper.Mapper, dev device.Manager, admit *semaphore.Weighted, cfg Config, log *zap.SugaredLogger) *Pipeline {
	if cfg.RecoveryBackoff == 0 {
		cfg.RecoveryBackoff = time.Millisecond
	}
	return &Pipeline{
		rb:      rb,
		l2pMap:  l2pMap,
		mapper:  mp,
		dev:     dev,
		admit:   admit,
		cfg:     cfg,
		log:     log,
		pending: make(map[uint64]pendingResult),
		next:    rb.Sync(),
	}
}

// OnComplete is the mapper.CompletionFunc the drainer invokes for every
// submitted write request. It is safe to call concurrently and out of
// request-submission order; requests are held until every earlier one has
// also completed, so the ring's sync cursor only ever advances in order.
func (p *Pipeline) OnComplete(ctx context.Context, rq *device.Request, statuses []device.SectorStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[rq.Sentry] = pendingResult{rq: rq, statuses: statuses}
	for {
		entry, ok := p.pending[p.next]
		if !ok {
			return
		}
		delete(p.pending, p.next)
		p.commit(ctx, entry.rq, entry.statuses)
		p.next += uint64(entry.rq.NrValid)
	}
}

// commit advances the sync cursor past rq's real sectors. Failed sectors
// are remapped and resubmitted before the cursor is allowed to move; this
// blocks rq's commit and, since sync only advances in order, the commit of
// every later-positioned request, which waits in p.pending (or on p.mu).
func (p *Pipeline) commit(ctx context.Context, rq *device.Request, statuses []device.SectorStatus) {
	for i := uint32(0); i < rq.NrValid; i++ {
		pos := rq.Sentry + uint64(i)
		if statuses[i] == device.SectorOK {
			p.persist(ctx, pos)
			continue
		}
		p.recover(ctx, pos)
		p.persist(ctx, pos)
	}

	p.rb.SyncInit()
	newSync := p.rb.SyncAdvance(rq.NrValid)
	p.rb.SyncEnd()
	p.rb.SyncPointReset(newSync)

	if p.admit != nil {
		p.admit.Release(int64(rq.NrValid))
	}
}

// persist publishes the ring slot at pos as the LBA's durable location and
// wakes the originating bio, if any. Regardless of whether the L2P mapping
// was stale (superseded by a newer write), the owning block's sync_bitmap
// is still advanced: the sector was physically written to that block, and
// the block's CLOSED transition and recovery page depend only on that
// (spec.md §4.5 success path, §3 "closed when sync_bitmap is full").
func (p *Pipeline) persist(ctx context.Context, pos uint64) {
	wctx := p.rb.WCtx(pos)
	if wctx.Padding {
		return
	}

	slot := uint32(pos % uint64(p.rb.Capacity()))
	g := wctx.Global

	for {
		entry := p.l2pMap.Lookup(wctx.LBA)
		if !entry.PPA.IsCached() || entry.PPA.Slot() != slot {
			// A newer write has already overwritten this LBA's cache
			// slot; this completion is stale and must not clobber it.
			break
		}
		_, err := p.l2pMap.UpdateMap(wctx.LBA, ppa.Persisted(g), wctx.BlockRef, wctx.HasBlockRef())
		if err == nil {
			break
		}
		if !wait(ctx, p.cfg.RecoveryBackoff) {
			break
		}
	}

	if ref, ok := wctx.BlockRef, wctx.HasBlockRef(); ok {
		if blk := p.mapper.Arena().Get(ref); blk != nil {
			sector := g.Page*p.mapper.SecPerPl() + g.Sector
			if rp, closed := blk.MarkSync(sector); closed {
				p.mapper.OnBlockClosed(ctx, blk, rp)
			}
		}
	}

	if wctx.GCRef != nil {
		wctx.GCRef.Release()
	}
	if wctx.Done != nil {
		wctx.Done <- nil
	}
}

// recover re-maps the sector at pos to a fresh block on the LUN with the
// most free pre-erased blocks (which may be the same LUN) and resubmits it
// synchronously, retrying until it succeeds or ctx is
// cancelled (spec.md §4.5 FAILWRITE handling). The ring slot's WContext is
// updated in place, so the subsequent persist call sees the new address.
func (p *Pipeline) recover(ctx context.Context, pos uint64) {
	wctx := p.rb.WCtx(pos)
	data := p.rb.EntryData(pos)

	if wctx.HasGlobal() {
		if scanned, found := p.rb.SyncScanEntry(wctx.Global); found && scanned == pos {
			if err := p.dev.MarkBlock(ctx, wctx.Global, device.BlockStatusBad); err != nil && p.log != nil {
				p.log.Warnw("failed to mark block bad after FAILWRITE", "error", err)
			}
		}
	}
	if ref, ok := wctx.BlockRef, wctx.HasBlockRef(); ok {
		if blk := p.mapper.Arena().Get(ref); blk != nil {
			blk.MarkBad()
		}
	}

	for {
		if ctx.Err() != nil {
			if p.log != nil {
				p.log.Errorw("giving up on FAILWRITE recovery, context cancelled",
					"error", errFailWrite(wctx.LBA))
			}
			return
		}

		group := []mapper.DrainUnit{mapper.NewDrainUnit(wctx, data)}

		if err := p.mapper.MapGroup(ctx, group, true); err != nil {
			if !wait(ctx, p.cfg.RecoveryBackoff) {
				return
			}
			continue
		}

		status, err := p.submitOne(ctx, wctx, data)
		if err != nil {
			if !wait(ctx, p.cfg.RecoveryBackoff) {
				return
			}
			continue
		}
		if status == device.SectorOK {
			return
		}
		if !wait(ctx, p.cfg.RecoveryBackoff) {
			return
		}
	}
}

func (p *Pipeline) submitOne(ctx context.Context, wctx *ring.WContext, data []byte) (device.SectorStatus, error) {
	done := make(chan []device.SectorStatus, 1)
	rq := &device.Request{
		Kind:    device.RequestWrite,
		PPAs:    []ppa.Global{wctx.Global},
		Data:    [][]byte{data},
		NrValid: 1,
		OnDone: func(statuses []device.SectorStatus) {
			done <- statuses
		},
	}
	if err := p.dev.SubmitIO(ctx, rq); err != nil {
		return device.SectorFailed, err
	}
	select {
	case statuses := <-done:
		return statuses[0], nil
	case <-ctx.Done():
		return device.SectorFailed, ctx.Err()
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// PendingDepth reports how many completed-but-not-yet-committed requests are
// queued behind a slower in-flight request, for stats/introspection.
func (p *Pipeline) PendingDepth() int { return len(p.pending) }

// errFailWrite wraps ferr.ErrFailWrite with sector context, for logging call sites
// that want a formatted error rather than the bare sentinel.
func errFailWrite(lba bio.LBA) error {
	return fmt.Errorf("completion: sector lba=%d: %w", lba, ferr.ErrFailWrite)
}

// Package core wires the L2P map, ring buffer, LUN/block allocator,
// completion pipeline, and provisioner into the host FTL's public surface
// (spec.md §4): buffered writes, GC writes, reads, discard, and teardown.
package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/block"
	"github.com/ocssd/ftlhost/internal/ftl/completion"
	"github.com/ocssd/ftlhost/internal/ftl/config"
	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/ferr"
	"github.com/ocssd/ftlhost/internal/ftl/l2p"
	"github.com/ocssd/ftlhost/internal/ftl/lun"
	"github.com/ocssd/ftlhost/internal/ftl/lunmask"
	"github.com/ocssd/ftlhost/internal/ftl/mapper"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
	"github.com/ocssd/ftlhost/internal/ftl/provisioner"
	"github.com/ocssd/ftlhost/internal/ftl/ring"
)

// Core is the assembled host FTL: the L2P map, write-cache ring, per-LUN
// block allocator, drainer, completion pipeline and provisioner, wired
// together the way SPEC_FULL.md §4/§5 describes.
type Core struct {
	cfg  *config.Config
	geom device.Geometry
	log  *zap.SugaredLogger

	l2pMap *l2p.Map
	rb     *ring.RingBuffer
	luns   []*lun.LUN
	arena  *block.Arena
	dev    device.Manager

	mp   *mapper.Mapper
	comp *completion.Pipeline
	prov *provisioner.Provisioner

	admit     *semaphore.Weighted
	emergency lunmask.Atomic
}

// New assembles a Core against dev. dev's reported Geometry is authoritative;
// cfg's Geometry section only matters to callers constructing dev itself
// (e.g. cmd/ftlhostd's fake-device demo mode).
func New(cfg *config.Config, dev device.Manager, log *zap.SugaredLogger) (*Core, error) {
	geom := dev.Geometry()
	if geom.NrLUNs == 0 {
		return nil, fmt.Errorf("core: device reports zero LUNs")
	}

	c := &Core{
		cfg:    cfg,
		geom:   geom,
		log:    log,
		l2pMap: l2p.New(geom.NrSecs),
		rb:     ring.New(cfg.RingCapacitySectors(), geom.SecSize),
		arena:  block.NewArena(),
		dev:    dev,
		admit:  semaphore.NewWeighted(cfg.InflightCapSectors),
	}

	c.luns = make([]*lun.LUN, geom.NrLUNs)
	for i := range c.luns {
		c.luns[i] = lun.New(uint32(i), cfg.PoolDepth)
	}

	mapperCfg := mapper.Config{
		MinWritePgs: cfg.MinWritePgs,
		MaxWritePgs: cfg.MaxWritePgs,
		SecPerPl:    geom.SecPerPl,
		NrBlkDsecs:  geom.NrBlkDsecs,
	}
	c.mp = mapper.New(c.luns, c.arena, dev, mapperCfg, log)

	c.comp = completion.New(c.rb, c.l2pMap, c.mp, dev, c.admit, completion.Config{}, log)

	c.prov = provisioner.New(c.luns, dev, &c.emergency, geom.NrBlkDsecs, provisioner.Config{
		TickInterval:       time.Duration(cfg.ProvisionerTickMillis) * time.Millisecond,
		EmergencyThreshold: cfg.EmergencyThreshold,
	}, log)

	return c, nil
}

// Run drives the drainer and provisioner background loops until ctx is
// cancelled or either returns a non-context error.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.mp.Drain(ctx, c.rb, &c.emergency, c.comp.OnComplete)
	})
	g.Go(func() error {
		return c.prov.Run(ctx)
	})
	return g.Wait()
}

// BufferWrite admits req into the write-cache ring (spec.md §4.3). It
// returns once every sector is buffered and mapped in the L2P; req.Done, if
// set, fires once the request's last sector is durably persisted. A
// PREFLUSH-flagged request additionally forces the drainer to flush
// everything currently buffered, padding below write granularity if needed.
func (c *Core) BufferWrite(ctx context.Context, req *bio.Request) error {
	n := uint32(req.SecCount())
	if n == 0 {
		if req.Flags.Has(bio.FlagPreflush) {
			c.rb.SyncPointSet(func() {})
		}
		return nil
	}
	limit := uint32(bio.MaxSecsPerRequest)
	if c.cfg.SecsPerRequest > 0 && c.cfg.SecsPerRequest < limit {
		limit = c.cfg.SecsPerRequest
	}
	if n > limit {
		return fmt.Errorf("core: request of %d sectors exceeds max %d", n, limit)
	}

	// Host writes back off while any LUN is under emergency GC pressure
	// (spec.md §4.3 step 2); GC writes (WriteListToCache) are exempt since
	// they're what relieves the pressure. Checked before admission/ring
	// reservation so a backed-off caller never consumes either.
	if c.emergency.Any() {
		return ferr.ErrRequeue
	}

	if err := c.admit.Acquire(ctx, int64(n)); err != nil {
		return fmt.Errorf("core: admission: %w", err)
	}

	pos, ok := c.rb.MayWrite(n, n)
	if !ok {
		c.admit.Release(int64(n))
		return ferr.ErrRequeue
	}

	for i := uint32(0); i < n; i++ {
		lba := req.LBA + bio.LBA(i)
		sectorPos := pos + uint64(i)
		slot := uint32(sectorPos % uint64(c.rb.Capacity()))

		wctx := ring.WContext{LBA: lba, Flags: req.Flags}
		if i == n-1 {
			wctx.Done = req.Done
		}
		c.rb.WriteEntry(sectorPos, req.Data[i], wctx)

		if err := c.publishCached(ctx, lba, slot); err != nil {
			// Sectors [pos, sectorPos] are already written into the ring
			// and will drain and release their admission weight normally.
			// The remainder of this reservation was never written; fill it
			// with inert padding so the ring stays well-formed and those
			// slots drain (and release their weight) too, instead of
			// leaking both ring capacity and admission budget.
			c.abandonReserved(sectorPos+1, pos+uint64(n))
			return err
		}
	}

	if req.Flags.Has(bio.FlagPreflush) {
		c.rb.SyncPointSet(func() {})
	}
	return nil
}

// WriteListToCache buffers a scattered GC-sourced write batch (spec.md §4.3
// "write_list_to_cache"): like BufferWrite, but sourced from a caller-owned
// ref-counted buffer instead of the original host bio, and permitting
// bio.AddrEmpty gap entries that reserve ring capacity without mapping an
// LBA.
func (c *Core) WriteListToCache(ctx context.Context, entries []bio.GCEntry) error {
	n := uint32(len(entries))
	if n == 0 {
		return nil
	}

	if err := c.admit.Acquire(ctx, int64(n)); err != nil {
		return fmt.Errorf("core: admission: %w", err)
	}

	pos, ok := c.rb.MayWrite(n, n)
	if !ok {
		c.admit.Release(int64(n))
		return ferr.ErrRequeue
	}

	for i, e := range entries {
		sectorPos := pos + uint64(i)
		wctx := ring.WContext{LBA: e.LBA, GCRef: e.Ref}
		if e.LBA == bio.AddrEmpty {
			wctx.Padding = true
		}
		c.rb.WriteEntry(sectorPos, e.Data, wctx)

		if e.LBA == bio.AddrEmpty {
			continue
		}
		slot := uint32(sectorPos % uint64(c.rb.Capacity()))
		if err := c.publishCached(ctx, e.LBA, slot); err != nil {
			return err
		}
	}
	return nil
}

// publishCached installs a Cached(slot) mapping for lba, invalidating the
// prior location's owning block if it was persisted (spec.md §4.2 "Mapping
// update" / §4.3 step 4). Retries on ferr.ErrBusy, the signal that a reader
// currently holds the LBA's previous cached slot.
func (c *Core) publishCached(ctx context.Context, lba bio.LBA, slot uint32) error {
	for {
		old, err := c.l2pMap.UpdateMap(lba, ppa.Cached(slot), 0, false)
		if err == nil {
			c.invalidateOld(old)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// abandonReserved fills already-reserved but never-written ring positions
// [from, to) with inert padding entries. Used when a request is abandoned
// mid-submission (ctx cancelled inside publishCached): MayWrite already
// bumped the ring's mem cursor for the whole request, so the remainder must
// still be given valid entries or the drainer would treat uninitialized
// slots as real writes to LBA 0.
func (c *Core) abandonReserved(from, to uint64) {
	zero := make([]byte, c.geom.SecSize)
	for pos := from; pos < to; pos++ {
		c.rb.WriteEntry(pos, zero, ring.WContext{Padding: true})
	}
}

func (c *Core) invalidateOld(old l2p.Entry) {
	if !old.PPA.IsPersisted() || !old.HasBlkRef {
		return
	}
	blk := c.arena.Get(old.BlkRef)
	if blk == nil {
		return
	}
	g := old.PPA.GlobalAddr()
	sector := g.Page*c.geom.SecPerPl + g.Sector
	blk.MarkInvalid(sector)
}

// SubmitRead services req by blending ring-buffer cache hits with a device
// read for the remaining holes (spec.md §4.2 "Read request").
func (c *Core) SubmitRead(ctx context.Context, req *bio.Request) error {
	return l2p.SubmitRead(ctx, c.l2pMap, c.rb, c.dev, req)
}

// Discard invalidates [lba, lba+n) (spec.md §4.8): any persisted sector in
// the range has its owning block's invalid_bitmap updated so GC can later
// reclaim it; cached entries are simply dropped from the L2P and reclaimed
// naturally once the ring's sync cursor passes their slot.
func (c *Core) Discard(ctx context.Context, lba bio.LBA, n uint32) error {
	nrSecs := uint64(c.l2pMap.Len())
	if uint64(lba) > nrSecs || uint64(n) > nrSecs-uint64(lba) {
		return fmt.Errorf("core: discard of %d sectors at lba %d exceeds %d sectors", n, lba, nrSecs)
	}
	for _, inv := range c.l2pMap.InvalidateRange(lba, n) {
		c.invalidateOld(inv.Old)
	}
	return nil
}

// Close tears down every LUN's current open block (spec.md §4.7): pads it
// to nr_blk_dsecs with a real zero-filled device write, marks the padded
// range invalid and synced, and stamps its recovery page once the pad
// closes the block. A LUN whose current block has zero written sectors is
// left untouched.
func (c *Core) Close(ctx context.Context) error {
	for _, l := range c.luns {
		var teardownErr error
		l.WithCurrent(func(cur *block.Block) *block.Block {
			if cur == nil {
				return cur
			}
			start, end, shouldPad := cur.Teardown()
			if !shouldPad {
				return cur
			}
			if err := c.padAndClose(ctx, cur, start, end); err != nil {
				teardownErr = err
			}
			return cur
		})
		if teardownErr != nil {
			return fmt.Errorf("core: close lun %d: %w", l.ID, teardownErr)
		}
	}
	return nil
}

// padAndClose writes zero-filled data to the block's unused tail
// [start, end), then marks the range invalid and synced so the block
// reaches CLOSED and its recovery page gets stamped, matching the normal
// drain-time padding path (mapper.MapGroup) for every block reaching
// nr_blk_dsecs, here driven by shutdown instead of write granularity.
func (c *Core) padAndClose(ctx context.Context, blk *block.Block, start, end uint32) error {
	n := end - start
	globals := make([]ppa.Global, n)
	data := make([][]byte, n)
	for i := uint32(0); i < n; i++ {
		sector := start + i
		globals[i] = ppa.Global{
			Chan:   blk.Handle.Chan,
			Lun:    blk.Handle.Lun,
			Plane:  blk.Handle.Plane,
			Block:  blk.Handle.BlockID,
			Page:   sector / c.geom.SecPerPl,
			Sector: sector % c.geom.SecPerPl,
		}
		data[i] = make([]byte, c.geom.SecSize)
		blk.RecordLBA(sector, bio.AddrEmpty)
	}

	done := make(chan []device.SectorStatus, 1)
	rq := &device.Request{
		Kind:    device.RequestWrite,
		PPAs:    globals,
		Data:    data,
		NrValid: n,
		OnDone:  func(statuses []device.SectorStatus) { done <- statuses },
	}
	if err := c.dev.SubmitIO(ctx, rq); err != nil {
		return fmt.Errorf("pad block: %w", err)
	}

	var statuses []device.SectorStatus
	select {
	case statuses = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for i := uint32(0); i < n; i++ {
		sector := start + i
		blk.MarkInvalid(sector)
		if statuses[i] != device.SectorOK {
			blk.MarkBad()
		}
		if rp, closed := blk.MarkSync(sector); closed {
			c.mp.OnBlockClosed(ctx, blk, rp)
		}
	}
	return blk.CheckInvariants()
}

// Stats is a point-in-time introspection snapshot (spec.md §4.9).
type Stats struct {
	Mem  uint64
	Subm uint64
	Sync uint64

	PendingCompletions int
	EmergencyLUNs      lunmask.Mask

	LUNPoolDepth []int
}

// Stats reports the core's current cursors, completion backlog, emergency
// flags and per-LUN pool depths.
func (c *Core) Stats() Stats {
	depths := make([]int, len(c.luns))
	for i, l := range c.luns {
		depths[i] = l.Pool().Len()
	}
	return Stats{
		Mem:                c.rb.Mem(),
		Subm:               c.rb.Subm(),
		Sync:               c.rb.Sync(),
		PendingCompletions: c.comp.PendingDepth(),
		EmergencyLUNs:      c.emergency.Load(),
		LUNPoolDepth:       depths,
	}
}

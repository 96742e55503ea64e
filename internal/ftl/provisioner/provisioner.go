// Package provisioner implements the background pre-erase worker described
// in spec.md §4.6: a ticker-driven loop that keeps every LUN's pool queue
// topped up with freshly erased blocks, retrying and retiring bad blocks as
// it goes, and raises the emergency-GC bitset for any LUN running low.
package provisioner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ocssd/ftlhost/internal/ftl/block"
	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/lun"
	"github.com/ocssd/ftlhost/internal/ftl/lunmask"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
)

// Config tunes the provisioner's tick cadence and erase retry policy.
type Config struct {
	// TickInterval is how often each LUN's pool is topped up.
	TickInterval time.Duration
	// EmergencyThreshold is the pool depth below which a LUN's
	// emergency-GC bit is raised (spec.md §4.6).
	EmergencyThreshold int
	// MaxEraseRetries bounds how many blocks one provisioning attempt tries
	// to erase before giving up for that tick. Each block whose erase fails
	// is marked bad and dropped rather than queued.
	MaxEraseRetries int
}

// Provisioner maintains every LUN's pre-erased block pool.
type Provisioner struct {
	luns       []*lun.LUN
	dev        device.Manager
	emergency  *lunmask.Atomic
	cfg        Config
	log        *zap.SugaredLogger
	nrDataSecs uint32
}

// New constructs a Provisioner. emergency is shared with the mapper (via
// core.Core) so a LUN flagged low on blocks steers drain-time LUN selection
// toward whichever LUN still has free blocks (spec.md §4.4, §4.6).
func New(luns []*lun.LUN, dev device.Manager, emergency *lunmask.Atomic, nrDataSecs uint32, cfg Config, log *zap.SugaredLogger) *Provisioner {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.MaxEraseRetries == 0 {
		cfg.MaxEraseRetries = 3
	}
	return &Provisioner{
		luns:       luns,
		dev:        dev,
		emergency:  emergency,
		cfg:        cfg,
		log:        log,
		nrDataSecs: nrDataSecs,
	}
}

// Run drives the tick loop until ctx is cancelled.
func (p *Provisioner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick tops up every LUN's pool by one block and refreshes emergency flags.
// One block per LUN per tick keeps any single LUN's provisioning from
// starving the others under the shared device manager.
func (p *Provisioner) tick(ctx context.Context) {
	for _, l := range p.luns {
		if l.Pool().Len() < l.Pool().Depth() {
			p.provisionOne(ctx, l)
		}
		p.refreshEmergency(l)
	}
}

func (p *Provisioner) provisionOne(ctx context.Context, l *lun.LUN) {
	for attempt := 0; attempt < p.cfg.MaxEraseRetries; attempt++ {
		h, err := p.dev.GetBlock(ctx, l.ID, device.GetBlockNormal)
		if err != nil {
			if p.log != nil {
				p.log.Debugw("provisioner: no free block available", "lun", l.ID, "error", err)
			}
			return
		}

		if err := p.dev.EraseBlock(ctx, h, device.EraseNormal); err != nil {
			if p.log != nil {
				p.log.Warnw("provisioner: erase failed, retrying", "lun", l.ID, "block", h.BlockID, "attempt", attempt, "error", err)
			}
			g := ppa.Global{Chan: h.Chan, Lun: h.Lun, Plane: h.Plane, Block: h.BlockID}
			if err := p.dev.MarkBlock(ctx, g, device.BlockStatusBad); err != nil && p.log != nil {
				p.log.Warnw("provisioner: failed to mark block bad", "lun", l.ID, "block", h.BlockID, "error", err)
			}
			continue
		}

		b := block.New(h, l.ID, p.nrDataSecs)
		if !l.Pool().Push(b) {
			// Pool filled (e.g. a concurrent tick already topped it up);
			// hand the block straight back rather than leak it.
			if err := p.dev.PutBlock(ctx, h); err != nil && p.log != nil {
				p.log.Warnw("provisioner: failed to return surplus block", "lun", l.ID, "error", err)
			}
		}
		return
	}

	if p.log != nil {
		p.log.Errorw("provisioner: exhausted erase retries, abandoning block", "lun", l.ID)
	}
}

func (p *Provisioner) refreshEmergency(l *lun.LUN) {
	if l.Pool().Len() < p.cfg.EmergencyThreshold {
		p.emergency.SetLUN(l.ID)
	} else {
		p.emergency.ClearLUN(l.ID)
	}
}

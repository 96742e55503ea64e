package mapper

import (
	"context"
	"time"

	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/lunmask"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
	"github.com/ocssd/ftlhost/internal/ftl/ring"
)

// Drain runs the single dedicated drainer loop described in spec.md §4.4
// until ctx is cancelled. Every submitted device write is a multiple of
// MinWritePgs sectors, with the shortfall padded; complete is invoked for
// every submitted request's eventual device completion.
func (m *Mapper) Drain(ctx context.Context, rb *ring.RingBuffer, emergency *lunmask.Atomic, complete CompletionFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		avail := rb.ReadLock()
		subm := rb.Subm()
		toFlush := rb.SyncPointCount(subm)

		if avail == 0 && toFlush == 0 {
			rb.ReadUnlock()
			if !sleep(ctx, m.cfg.IdleBackoff) {
				return ctx.Err()
			}
			continue
		}

		secsToSync := CalcSecsToSync(avail, toFlush, m.cfg.MinWritePgs, m.cfg.MaxWritePgs)
		if secsToSync == 0 {
			rb.ReadUnlock()
			if !sleep(ctx, m.cfg.IdleBackoff) {
				return ctx.Err()
			}
			continue
		}

		secsToCom := secsToSync
		if avail < secsToCom {
			secsToCom = avail
		}

		pos := rb.ReadCommit(secsToCom)
		rb.ReadUnlock()

		units := m.buildUnits(rb, pos, secsToCom, secsToSync-secsToCom)

		preferMostFree := emergency.Any()
		for g := uint32(0); g < secsToSync; g += m.cfg.MinWritePgs {
			group := units[g : g+m.cfg.MinWritePgs]
			if err := m.MapGroup(ctx, group, preferMostFree); err != nil {
				return err
			}
		}

		rq := m.buildRequest(units, pos, secsToCom, complete)
		if err := m.dev.SubmitIO(ctx, rq); err != nil && m.log != nil {
			m.log.Errorw("drain: submit write failed", "error", err)
		}
	}
}

func (m *Mapper) buildUnits(rb *ring.RingBuffer, pos uint64, real, pad uint32) []DrainUnit {
	units := make([]DrainUnit, 0, real+pad)
	for i := uint32(0); i < real; i++ {
		p := pos + uint64(i)
		units = append(units, DrainUnit{wctx: rb.WCtx(p), data: rb.EntryData(p)})
	}
	for i := uint32(0); i < pad; i++ {
		units = append(units, DrainUnit{
			wctx: &ring.WContext{Padding: true},
			data: make([]byte, rb.SecSize()),
		})
	}
	return units
}

func (m *Mapper) buildRequest(units []DrainUnit, pos uint64, nrValid uint32, complete CompletionFunc) *device.Request {
	ppas := make([]ppa.Global, len(units))
	data := make([][]byte, len(units))
	for i, u := range units {
		ppas[i] = u.wctx.Global
		data[i] = u.data
	}

	rq := &device.Request{
		Kind:    device.RequestWrite,
		PPAs:    ppas,
		Data:    data,
		Sentry:  pos,
		NrValid: nrValid,
	}
	rq.OnDone = func(statuses []device.SectorStatus) {
		complete(context.Background(), rq, statuses)
	}
	return rq
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

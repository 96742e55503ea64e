// Package fake provides an in-memory media manager implementing
// device.Manager, for unit tests and cmd/ftlhostd's demo mode. It is a
// development/test stand-in, not a production media manager -- the real
// one is out of scope (spec.md §1).
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
)

type blockKey struct {
	lun, chanID, plane, block uint32
}

// Manager is an in-memory device.Manager backed by per-LUN free lists and a
// flat page store.
type Manager struct {
	mu sync.Mutex

	geom device.Geometry

	freeBlocks map[uint32][]uint32 // lun -> available block ids
	nextBlock  map[uint32]uint32   // lun -> next never-used block id
	bad        map[blockKey]bool

	pages map[blockKey]map[uint32][]byte // block -> page -> data

	// FailPlan, if set, is consulted for every write request before it is
	// applied; it returns per-sector statuses overriding the default
	// all-OK outcome. Tests use it to inject FAILWRITE scenarios
	// (spec.md §8 scenario 5).
	FailPlan func(rq *device.Request) []device.SectorStatus

	// Synchronous, set by tests that want SubmitIO to invoke OnDone before
	// returning instead of from a background goroutine. Default is async
	// (a goroutine), matching a real device's async completion.
	Synchronous bool
}

// New constructs a fake manager with geom free blocks preloaded for every
// LUN ([0, blocksPerLUN)).
func New(geom device.Geometry, blocksPerLUN uint32) *Manager {
	m := &Manager{
		geom:       geom,
		freeBlocks: make(map[uint32][]uint32),
		nextBlock:  make(map[uint32]uint32),
		bad:        make(map[blockKey]bool),
		pages:      make(map[blockKey]map[uint32][]byte),
	}
	for lun := uint32(0); lun < geom.NrLUNs; lun++ {
		ids := make([]uint32, 0, blocksPerLUN)
		for i := uint32(0); i < blocksPerLUN; i++ {
			ids = append(ids, i)
		}
		m.freeBlocks[lun] = ids
		m.nextBlock[lun] = blocksPerLUN
	}
	return m
}

func (m *Manager) Geometry() device.Geometry { return m.geom }

func (m *Manager) GetBlock(_ context.Context, lun uint32, _ device.GetBlockFlags) (*device.BlockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.freeBlocks[lun]
	if len(ids) == 0 {
		return nil, fmt.Errorf("fake device: lun %d has no free blocks", lun)
	}
	id := ids[0]
	m.freeBlocks[lun] = ids[1:]

	return &device.BlockHandle{Lun: lun, Chan: lun % m.geom.NrChannels, Plane: 0, BlockID: id}, nil
}

func (m *Manager) PutBlock(_ context.Context, h *device.BlockHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeBlocks[h.Lun] = append(m.freeBlocks[h.Lun], h.BlockID)
	return nil
}

func (m *Manager) EraseBlock(_ context.Context, h *device.BlockHandle, _ device.EraseMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := blockKey{lun: h.Lun, chanID: h.Chan, plane: h.Plane, block: h.BlockID}
	delete(m.pages, key)
	return nil
}

func (m *Manager) MarkBlock(_ context.Context, g ppa.Global, _ device.BlockStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bad[blockKey{lun: g.Lun, chanID: g.Chan, plane: g.Plane, block: g.Block}] = true
	return nil
}

func (m *Manager) SubmitIO(ctx context.Context, rq *device.Request) error {
	run := func() {
		statuses := make([]device.SectorStatus, len(rq.PPAs))
		for i := range statuses {
			statuses[i] = device.SectorOK
		}
		if m.FailPlan != nil {
			statuses = m.FailPlan(rq)
		}

		m.mu.Lock()
		for i, g := range rq.PPAs {
			if statuses[i] != device.SectorOK {
				continue
			}
			key := blockKey{lun: g.Lun, chanID: g.Chan, plane: g.Plane, block: g.Block}
			if m.bad[key] {
				statuses[i] = device.SectorFailed
				continue
			}
			switch rq.Kind {
			case device.RequestWrite:
				pages, ok := m.pages[key]
				if !ok {
					pages = make(map[uint32][]byte)
					m.pages[key] = pages
				}
				buf := make([]byte, len(rq.Data[i]))
				copy(buf, rq.Data[i])
				pages[g.Page] = buf
			case device.RequestRead:
				pages := m.pages[key]
				data, ok := pages[g.Page]
				if !ok {
					statuses[i] = device.SectorFailed
					continue
				}
				copy(rq.Data[i], data)
			}
		}
		m.mu.Unlock()

		if rq.OnDone != nil {
			rq.OnDone(statuses)
		}
	}

	if m.Synchronous {
		run()
		return nil
	}
	go run()
	return nil
}

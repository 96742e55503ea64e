package mapper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/block"
	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/device/fake"
	"github.com/ocssd/ftlhost/internal/ftl/lun"
	"github.com/ocssd/ftlhost/internal/ftl/lunmask"
	"github.com/ocssd/ftlhost/internal/ftl/ring"
)

func Test_CalcSecsToSyncRoundsDownToMultipleOfMin(t *testing.T) {
	assert.Equal(t, uint32(8), CalcSecsToSync(10, 0, 4, 32))
	assert.Equal(t, uint32(0), CalcSecsToSync(3, 0, 4, 32))
}

func Test_CalcSecsToSyncCapsAtMax(t *testing.T) {
	assert.Equal(t, uint32(16), CalcSecsToSync(100, 0, 4, 16))
}

func Test_CalcSecsToSyncSatisfiesPendingFlushBelowMin(t *testing.T) {
	assert.Equal(t, uint32(4), CalcSecsToSync(2, 2, 4, 32))
}

func Test_CalcSecsToSyncExtendsForFlushPastRounding(t *testing.T) {
	// toFlush=5 with min=4 rounds down to 4, then extends by min while both
	// avail=20 and max=32 allow it: 8, 12, 16, 20.
	assert.Equal(t, uint32(20), CalcSecsToSync(20, 5, 4, 32))
}

func testGeometry() device.Geometry {
	return device.Geometry{
		NrChannels: 2,
		NrLUNs:     2,
		SecPerPl:   4,
		SecSize:    512,
		PgsPerBlk:  4,
		NrBlkDsecs: 16,
		NrSecs:     1 << 20,
	}
}

func newTestMapper(t *testing.T, dev device.Manager, geom device.Geometry) (*Mapper, []*lun.LUN) {
	t.Helper()
	arena := block.NewArena()
	luns := make([]*lun.LUN, geom.NrLUNs)
	for i := range luns {
		luns[i] = lun.New(uint32(i), 4)
	}

	for _, l := range luns {
		for j := 0; j < 2; j++ {
			h, err := dev.GetBlock(context.Background(), l.ID, device.GetBlockNormal)
			require.NoError(t, err)
			require.True(t, l.Pool().Push(block.New(h, l.ID, geom.NrBlkDsecs)))
		}
	}

	cfg := Config{
		MinWritePgs:    geom.SecPerPl,
		MaxWritePgs:    geom.SecPerPl * 4,
		SecPerPl:       geom.SecPerPl,
		NrBlkDsecs:     geom.NrBlkDsecs,
		IdleBackoff:    time.Millisecond,
		ReplaceBackoff: time.Millisecond,
	}
	m := New(luns, arena, dev, cfg, nil)
	return m, luns
}

func Test_MapGroupAllocatesFromCurrentBlock(t *testing.T) {
	geom := testGeometry()
	dev := fake.New(geom, 4)
	dev.Synchronous = true
	m, luns := newTestMapper(t, dev, geom)

	units := make([]DrainUnit, geom.SecPerPl)
	for i := range units {
		units[i] = DrainUnit{wctx: &ring.WContext{}, data: make([]byte, geom.SecSize)}
	}

	require.NoError(t, m.MapGroup(context.Background(), units, false))

	for _, u := range units {
		assert.True(t, u.wctx.HasGlobal())
		assert.True(t, u.wctx.HasBlockRef())
	}

	cur := luns[0].Current()
	require.NotNil(t, cur)
	assert.Equal(t, geom.SecPerPl, cur.CurSec())
}

func Test_MapGroupReplacesFullBlockFromPool(t *testing.T) {
	geom := testGeometry()
	dev := fake.New(geom, 4)
	dev.Synchronous = true
	m, luns := newTestMapper(t, dev, geom)

	// Fill the current block exactly: nr_blk_dsecs / sec_per_pl groups per
	// LUN, and groups alternate round-robin across all LUNs.
	rounds := geom.NrBlkDsecs / geom.SecPerPl * geom.NrLUNs
	for r := uint32(0); r < rounds; r++ {
		units := make([]DrainUnit, geom.SecPerPl)
		for i := range units {
			units[i] = DrainUnit{wctx: &ring.WContext{}, data: make([]byte, geom.SecSize)}
		}
		require.NoError(t, m.MapGroup(context.Background(), units, false))
	}

	first := luns[0].Current()
	require.NotNil(t, first)
	assert.Equal(t, block.StateFull, first.State())

	// Next group on this LUN must pull a fresh block from the pool.
	units := make([]DrainUnit, geom.SecPerPl)
	for i := range units {
		units[i] = DrainUnit{wctx: &ring.WContext{}, data: make([]byte, geom.SecSize)}
	}
	require.NoError(t, m.MapGroup(context.Background(), units, false))
	second := luns[0].Current()
	assert.NotSame(t, first, second)
}

func Test_MapGroupPaddingSyncsImmediatelyAndKeepsInvariants(t *testing.T) {
	geom := testGeometry()
	dev := fake.New(geom, 4)
	dev.Synchronous = true
	m, luns := newTestMapper(t, dev, geom)

	units := make([]DrainUnit, geom.SecPerPl)
	for i := range units {
		units[i] = DrainUnit{wctx: &ring.WContext{Padding: true}, data: make([]byte, geom.SecSize)}
	}
	require.NoError(t, m.MapGroup(context.Background(), units, false))

	cur := luns[0].Current()
	require.NotNil(t, cur)
	require.NoError(t, cur.CheckInvariants())

	// Pad the rest of lun0's block (groups alternate across LUNs). Padding
	// is marked synced at map time, so the block closes with no device
	// completion at all.
	for r := uint32(1); r < geom.NrBlkDsecs/geom.SecPerPl*geom.NrLUNs; r++ {
		units := make([]DrainUnit, geom.SecPerPl)
		for i := range units {
			units[i] = DrainUnit{wctx: &ring.WContext{Padding: true}, data: make([]byte, geom.SecSize)}
		}
		require.NoError(t, m.MapGroup(context.Background(), units, false))
	}
	assert.Equal(t, block.StateClosed, cur.State())
	require.NoError(t, cur.CheckInvariants())
}

func Test_DrainProducesOneRequestPerMinAlignedBatch(t *testing.T) {
	geom := testGeometry()
	dev := fake.New(geom, 4)
	dev.Synchronous = true
	m, _ := newTestMapper(t, dev, geom)

	rb := ring.New(64, geom.SecSize)
	for i := 0; i < int(geom.SecPerPl); i++ {
		pos, ok := rb.MayWrite(1, 1)
		require.True(t, ok)
		rb.WriteEntry(pos, make([]byte, geom.SecSize), ring.WContext{LBA: 100})
	}
	rb.SyncPointSet(func() {})

	var emergency lunmask.Atomic

	completed := make(chan []device.SectorStatus, 1)
	complete := func(ctx context.Context, rq *device.Request, statuses []device.SectorStatus) {
		completed <- statuses
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Drain(ctx, rb, &emergency, complete) }()

	select {
	case statuses := <-completed:
		assert.Len(t, statuses, int(geom.SecPerPl))
		for _, s := range statuses {
			assert.Equal(t, device.SectorOK, s)
		}
	case <-time.After(time.Second):
		t.Fatal("drain did not submit a request in time")
	}

	cancel()
	<-done
}

func Test_DrainPadsShortfallToMinGranularity(t *testing.T) {
	geom := testGeometry()
	dev := fake.New(geom, 4)
	dev.Synchronous = true
	m, _ := newTestMapper(t, dev, geom)

	rb := ring.New(64, geom.SecSize)
	// Only two sectors available but a PREFLUSH demands they drain now;
	// min_write_pgs (SecPerPl=4) forces two padding sectors.
	for i := 0; i < 2; i++ {
		pos, ok := rb.MayWrite(1, 1)
		require.True(t, ok)
		rb.WriteEntry(pos, make([]byte, geom.SecSize), ring.WContext{LBA: bio.LBA(i)})
	}
	rb.SyncPointSet(func() {})

	var emergency lunmask.Atomic
	var gotRequest *device.Request
	complete := func(ctx context.Context, rq *device.Request, statuses []device.SectorStatus) {
		gotRequest = rq
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Drain(ctx, rb, &emergency, complete) }()

	require.Eventually(t, func() bool { return gotRequest != nil }, time.Second, time.Millisecond)
	assert.Equal(t, uint32(2), gotRequest.NrValid)
	assert.Len(t, gotRequest.PPAs, int(geom.SecPerPl))

	cancel()
	<-errCh
}

package provisioner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/device/fake"
	"github.com/ocssd/ftlhost/internal/ftl/lun"
	"github.com/ocssd/ftlhost/internal/ftl/lunmask"
)

func testGeometry() device.Geometry {
	return device.Geometry{NrChannels: 1, NrLUNs: 2, SecPerPl: 4, SecSize: 8, PgsPerBlk: 4, NrBlkDsecs: 16}
}

func Test_TickFillsPoolUpToDepth(t *testing.T) {
	geom := testGeometry()
	dev := fake.New(geom, 16)
	luns := []*lun.LUN{lun.New(0, 3), lun.New(1, 3)}
	var emergency lunmask.Atomic

	p := New(luns, dev, &emergency, geom.NrBlkDsecs, Config{TickInterval: time.Millisecond, EmergencyThreshold: 1}, nil)

	for i := 0; i < 3; i++ {
		p.tick(context.Background())
	}

	assert.Equal(t, 3, luns[0].Pool().Len())
	assert.Equal(t, 3, luns[1].Pool().Len())
}

func Test_RefreshEmergencySetsAndClearsBit(t *testing.T) {
	geom := testGeometry()
	dev := fake.New(geom, 16)
	luns := []*lun.LUN{lun.New(0, 3)}
	var emergency lunmask.Atomic

	p := New(luns, dev, &emergency, geom.NrBlkDsecs, Config{EmergencyThreshold: 1}, nil)

	assert.False(t, emergency.TestLUN(0))
	p.refreshEmergency(luns[0])
	assert.True(t, emergency.TestLUN(0))

	// Top the pool up past the threshold; the bit must clear.
	for i := 0; i < 3; i++ {
		p.tick(context.Background())
	}
	require.Greater(t, luns[0].Pool().Len(), 1)
	assert.False(t, emergency.TestLUN(0))
}

func Test_RunStopsOnContextCancel(t *testing.T) {
	geom := testGeometry()
	dev := fake.New(geom, 16)
	luns := []*lun.LUN{lun.New(0, 3)}
	var emergency lunmask.Atomic

	p := New(luns, dev, &emergency, geom.NrBlkDsecs, Config{TickInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return luns[0].Pool().Len() > 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

package l2p

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/device/fake"
	"github.com/ocssd/ftlhost/internal/ftl/ferr"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
	"github.com/ocssd/ftlhost/internal/ftl/ring"
)

func Test_UpdateMapBusyWhileReadInFlight(t *testing.T) {
	m := New(16)
	_, err := m.UpdateMap(3, ppa.Cached(0), 0, false)
	require.NoError(t, err)

	acquired := m.AcquireForRead(3)
	require.True(t, acquired.IsCached())
	assert.Equal(t, uint32(1), acquired.ReadInFlight())

	_, err = m.UpdateMap(3, ppa.Cached(1), 0, false)
	assert.ErrorIs(t, err, ferr.ErrBusy)

	m.ReleaseRead(3)
	_, err = m.UpdateMap(3, ppa.Cached(1), 0, false)
	assert.NoError(t, err)
}

func Test_InvalidateRangeReturnsOldEntries(t *testing.T) {
	m := New(16)
	m.UpdateMap(4, ppa.Cached(2), 0, false)
	m.UpdateMap(5, ppa.Persisted(ppa.Global{Lun: 1}), 7, true)

	out := m.InvalidateRange(4, 3)
	require.Len(t, out, 2)
	assert.True(t, m.Lookup(4).PPA.IsEmpty())
	assert.True(t, m.Lookup(5).PPA.IsEmpty())
	assert.True(t, m.Lookup(6).PPA.IsEmpty())
}

func Test_SubmitReadZeroFillsUnmapped(t *testing.T) {
	m := New(16)
	rb := ring.New(8, 4)

	req := &bio.Request{
		LBA:  0,
		Data: [][]byte{{0xFF, 0xFF, 0xFF, 0xFF}},
	}

	err := SubmitRead(context.Background(), m, rb, nil, req)
	require.NoError(t, err)
	assert.True(t, req.ReadBitmap[0])
	assert.Equal(t, []byte{0, 0, 0, 0}, req.Data[0])
}

func Test_SubmitReadCacheHit(t *testing.T) {
	m := New(16)
	rb := ring.New(8, 4)
	pos, _ := rb.MayWrite(1, 1)
	rb.WriteEntry(pos, []byte("ABCD"), ring.WContext{LBA: 2})
	m.UpdateMap(2, ppa.Cached(uint32(pos)), 0, false)

	req := &bio.Request{LBA: 2, Data: [][]byte{make([]byte, 4)}}
	err := SubmitRead(context.Background(), m, rb, nil, req)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCD"), req.Data[0])
	assert.False(t, req.ReadBitmap[0])

	assert.Equal(t, uint32(0), m.Lookup(2).PPA.ReadInFlight())
}

func Test_SubmitReadDeviceHole(t *testing.T) {
	geom := device.Geometry{NrLUNs: 1, NrChannels: 1}
	dev := fake.New(geom, 4)
	dev.Synchronous = true

	h, err := dev.GetBlock(context.Background(), 0, device.GetBlockNormal)
	require.NoError(t, err)
	g := ppa.Global{Lun: h.Lun, Chan: h.Chan, Plane: h.Plane, Block: h.BlockID, Page: 1}

	writeDone := make(chan []device.SectorStatus, 1)
	err = dev.SubmitIO(context.Background(), &device.Request{
		Kind:    device.RequestWrite,
		PPAs:    []ppa.Global{g},
		Data:    [][]byte{[]byte("ZYXW")},
		NrValid: 1,
		OnDone:  func(s []device.SectorStatus) { writeDone <- s },
	})
	require.NoError(t, err)
	<-writeDone

	m := New(16)
	rb := ring.New(8, 4)
	m.UpdateMap(9, ppa.Persisted(g), 0, false)

	req := &bio.Request{LBA: 9, Data: [][]byte{make([]byte, 4)}}
	err = SubmitRead(context.Background(), m, rb, dev, req)
	require.NoError(t, err)
	assert.Equal(t, []byte("ZYXW"), req.Data[0])
}

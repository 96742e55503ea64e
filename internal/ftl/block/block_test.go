package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/device"
)

func newTestBlock(nrDataSecs uint32) *Block {
	return New(&device.BlockHandle{Lun: 0, BlockID: 1}, 0, nrDataSecs)
}

func Test_AllocateSectorsAdvancesCursor(t *testing.T) {
	b := newTestBlock(8)

	start, ok := b.AllocateSectors(4)
	require.True(t, ok)
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(4), b.CurSec())
	assert.Equal(t, StateOpen, b.State())
	require.NoError(t, b.CheckInvariants())

	start, ok = b.AllocateSectors(4)
	require.True(t, ok)
	assert.Equal(t, uint32(4), start)
	assert.True(t, b.IsFull())
	assert.Equal(t, StateFull, b.State())
}

func Test_AllocateSectorsFailsPastCapacity(t *testing.T) {
	b := newTestBlock(4)
	_, ok := b.AllocateSectors(5)
	assert.False(t, ok)
}

func Test_MarkSyncClosesBlockOnce(t *testing.T) {
	b := newTestBlock(2)
	b.AllocateSectors(2)
	b.RecordLBA(0, bio.LBA(10))
	b.RecordLBA(1, bio.LBA(11))

	rp, closed := b.MarkSync(0)
	assert.False(t, closed)
	assert.Nil(t, rp)
	assert.Equal(t, StateClosing, b.State())

	rp, closed = b.MarkSync(1)
	assert.True(t, closed)
	require.NotNil(t, rp)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, rp.Verify())
	assert.Equal(t, uint32(2), rp.NrLBAs)
	require.NoError(t, b.CheckInvariants())
}

func Test_MarkInvalidIsSubsetOfSector(t *testing.T) {
	b := newTestBlock(4)
	b.AllocateSectors(2)
	b.MarkInvalid(0)
	require.NoError(t, b.CheckInvariants())
}

func Test_TeardownPadsOpenBlock(t *testing.T) {
	b := newTestBlock(8)
	b.AllocateSectors(3)

	start, end, shouldPad := b.Teardown()
	assert.True(t, shouldPad)
	assert.Equal(t, uint32(3), start)
	assert.Equal(t, uint32(8), end)
	assert.True(t, b.IsFull())
}

func Test_TeardownSkipsEmptyBlock(t *testing.T) {
	b := newTestBlock(8)
	_, _, shouldPad := b.Teardown()
	assert.False(t, shouldPad)
}

func Test_MarkBadFromAnyState(t *testing.T) {
	b := newTestBlock(4)
	b.AllocateSectors(2)
	b.MarkBad()
	assert.Equal(t, StateBad, b.State())

	_, ok := b.AllocateSectors(1)
	assert.False(t, ok, "a bad block must not accept further allocations")
}

func Test_RecoveryPageCRCDetectsCorruption(t *testing.T) {
	b := newTestBlock(1)
	b.AllocateSectors(1)
	b.RecordLBA(0, bio.LBA(5))
	rp, closed := b.MarkSync(0)
	require.True(t, closed)
	require.True(t, rp.Verify())

	rp.NrLBAs = 99
	assert.False(t, rp.Verify())
}

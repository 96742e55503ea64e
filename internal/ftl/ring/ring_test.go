package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/ppa"
)

func Test_CapacityRoundsToPowerOfTwo(t *testing.T) {
	rb := New(5, 512)
	assert.Equal(t, uint32(8), rb.Capacity())
}

func Test_MayWriteRespectsFreeSpace(t *testing.T) {
	rb := New(4, 512)

	pos, ok := rb.MayWrite(4, 4)
	require.True(t, ok)
	assert.Equal(t, uint64(0), pos)

	_, ok = rb.MayWrite(1, 1)
	assert.False(t, ok, "ring is full until sync advances")
}

func Test_WriteEntryAndCopyToBio(t *testing.T) {
	rb := New(4, 4)
	pos, ok := rb.MayWrite(1, 1)
	require.True(t, ok)

	rb.WriteEntry(pos, []byte("abcd"), WContext{LBA: 7})

	dst := make([]byte, 4)
	rb.CopyToBio(pos, dst)
	assert.Equal(t, []byte("abcd"), dst)
	assert.Equal(t, bio.LBA(7), rb.WCtx(pos).LBA)
}

func Test_ReadDrainCycle(t *testing.T) {
	rb := New(8, 4)
	_, ok := rb.MayWrite(4, 4)
	require.True(t, ok)

	avail := rb.ReadLock()
	assert.Equal(t, uint32(4), avail)
	pos := rb.ReadCommit(4)
	rb.ReadUnlock()

	assert.Equal(t, uint64(0), pos)
	assert.Equal(t, uint64(4), rb.Subm())
}

func Test_SyncMonotonic(t *testing.T) {
	rb := New(8, 4)
	rb.MayWrite(4, 4)
	rb.ReadLock()
	rb.ReadCommit(4)
	rb.ReadUnlock()

	start := rb.SyncInit()
	assert.Equal(t, uint64(0), start)
	newPos := rb.SyncAdvance(4)
	rb.SyncEnd()

	assert.Equal(t, uint64(4), newPos)
	assert.Equal(t, uint64(4), rb.Sync())
	assert.LessOrEqual(t, rb.Sync(), rb.Subm())
}

func Test_SyncScanEntryFindsFailedSector(t *testing.T) {
	rb := New(8, 4)
	pos, _ := rb.MayWrite(1, 1)
	rb.WriteEntry(pos, []byte("data"), WContext{LBA: 3})
	g := ppa.Global{Lun: 1, Block: 2, Page: 3, Sector: 4}
	rb.WCtx(pos).SetGlobal(g)

	rb.ReadLock()
	rb.ReadCommit(1)
	rb.ReadUnlock()

	found, ok := rb.SyncScanEntry(g)
	require.True(t, ok)
	assert.Equal(t, pos, found)

	_, ok = rb.SyncScanEntry(ppa.Global{Lun: 9})
	assert.False(t, ok)
}

func Test_SyncPointFiresOnceSyncReachesPosition(t *testing.T) {
	rb := New(8, 4)
	rb.MayWrite(4, 4)

	fired := false
	ok := rb.SyncPointSet(func() { fired = true })
	require.True(t, ok)

	// a second sync point cannot be installed while one is pending.
	ok = rb.SyncPointSet(func() {})
	assert.False(t, ok)

	assert.Equal(t, uint32(4), rb.SyncPointCount(0))

	rb.ReadLock()
	rb.ReadCommit(4)
	rb.ReadUnlock()

	rb.SyncInit()
	newPos := rb.SyncAdvance(4)
	rb.SyncEnd()

	rb.SyncPointReset(newPos)
	assert.True(t, fired)
	assert.False(t, rb.HasPendingSyncPoint())
}

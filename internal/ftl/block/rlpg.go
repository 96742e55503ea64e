package block

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ocssd/ftlhost/internal/ftl/bio"
	"github.com/ocssd/ftlhost/internal/ftl/bitset"
)

// RecoveryPage is the rlpg stamped in a block's last physical page on close
// (spec.md §6): the reverse LBA map plus the three progress bitmaps and a
// CRC covering everything after itself.
type RecoveryPage struct {
	Status   uint8
	ReqLen   uint32
	NrLBAs   uint32
	NrPadded uint32

	LBAArray      []bio.LBA
	SectorBitmap  *bitset.Dynamic
	SyncBitmap    *bitset.Dynamic
	InvalidBitmap *bitset.Dynamic

	CRC uint32
}

// finalize serializes the body (everything after CRC in Bytes) and stamps
// CRC.
func (rp *RecoveryPage) finalize() {
	rp.CRC = crc32.ChecksumIEEE(rp.body())
}

// Verify reports whether the stored CRC matches the current body. Used by
// recovery paths reading a persisted rlpg back from the device (out of
// scope for this in-memory core, but exercised directly by tests as the
// contract a real recovery scan would rely on).
func (rp *RecoveryPage) Verify() bool {
	return rp.CRC == crc32.ChecksumIEEE(rp.body())
}

func (rp *RecoveryPage) body() []byte {
	buf := make([]byte, 0, 16+len(rp.LBAArray)*8)

	var hdr [13]byte
	hdr[0] = rp.Status
	binary.LittleEndian.PutUint32(hdr[1:5], rp.ReqLen)
	binary.LittleEndian.PutUint32(hdr[5:9], rp.NrLBAs)
	binary.LittleEndian.PutUint32(hdr[9:13], rp.NrPadded)
	buf = append(buf, hdr[:]...)

	for _, lba := range rp.LBAArray {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(lba))
		buf = append(buf, b[:]...)
	}

	buf = append(buf, rp.SectorBitmap.Bytes()...)
	buf = append(buf, rp.SyncBitmap.Bytes()...)
	buf = append(buf, rp.InvalidBitmap.Bytes()...)

	return buf
}

// Len returns the total serialized length, including the CRC.
func (rp *RecoveryPage) Len() int {
	return len(rp.body()) + 4
}

// Bytes serializes the full recovery page (the CRC followed by the body it
// covers) for stamping into a block's last physical page.
func (rp *RecoveryPage) Bytes() []byte {
	body := rp.body()
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], rp.CRC)
	copy(out[4:], body)
	return out
}

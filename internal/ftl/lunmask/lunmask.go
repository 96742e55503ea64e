// Package lunmask provides a bit-per-LUN mask, used for the emergency-GC
// bitset (SPEC_FULL.md §3). There is no block-pool fullness bitmap: the
// provisioner compares each pool's length with its depth directly. It mirrors
// common/go/numa.NUMAMap's bit-per-unit style: a device's LUN count, like a
// machine's NUMA node count, comfortably fits under 64, so a single word is
// enough and avoids allocating a bitset.Dynamic for something this small.
package lunmask

import (
	"math/bits"
	"sync/atomic"
)

// Mask is a bitmask with one bit per LUN.
type Mask uint64

// MaxLUNs is the largest LUN id representable in a Mask.
const MaxLUNs = 64

// WithBit returns a Mask with a single bit set at lun.
//
// Panics if lun >= MaxLUNs.
func WithBit(lun uint32) Mask {
	if lun >= MaxLUNs {
		panic("lunmask: lun index out of range")
	}
	return Mask(1 << lun)
}

// IsEmpty reports whether no LUN is flagged.
func (m Mask) IsEmpty() bool {
	return m == 0
}

// Test reports whether lun's bit is set.
func (m Mask) Test(lun uint32) bool {
	return m&WithBit(lun) != 0
}

// Set returns m with lun's bit set.
func (m Mask) Set(lun uint32) Mask {
	return m | WithBit(lun)
}

// Clear returns m with lun's bit cleared.
func (m Mask) Clear(lun uint32) Mask {
	return m &^ WithBit(lun)
}

// Len returns the number of flagged LUNs.
func (m Mask) Len() int {
	return bits.OnesCount64(uint64(m))
}

// Atomic is a Mask guarded for concurrent set/clear/test from the
// provisioner timer goroutine and the submission path's fast-path check
// (SPEC_FULL.md §4.6, §4.3 step 2).
type Atomic struct {
	bits atomic.Uint64
}

// SetLUN flags lun.
func (a *Atomic) SetLUN(lun uint32) {
	bit := uint64(WithBit(lun))
	for {
		old := a.bits.Load()
		if old&bit != 0 {
			return
		}
		if a.bits.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// ClearLUN unflags lun.
func (a *Atomic) ClearLUN(lun uint32) {
	bit := uint64(WithBit(lun))
	for {
		old := a.bits.Load()
		if old&bit == 0 {
			return
		}
		if a.bits.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// TestLUN reports whether lun is flagged.
func (a *Atomic) TestLUN(lun uint32) bool {
	return Mask(a.bits.Load()).Test(lun)
}

// Load returns the current mask.
func (a *Atomic) Load() Mask {
	return Mask(a.bits.Load())
}

// Any reports whether any LUN is flagged.
func (a *Atomic) Any() bool {
	return a.bits.Load() != 0
}

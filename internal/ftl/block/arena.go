package block

import "sync"

// Arena is the block table mentioned in SPEC_FULL.md §9 "Back-references":
// ring entries hold a non-owning arena index into the owning block rather
// than a live pointer, so the ring and the LUN's block list don't form an
// ownership cycle.
type Arena struct {
	mu     sync.Mutex
	blocks []*Block
	free   []uint32
}

// NewArena constructs an empty block table.
func NewArena() *Arena {
	return &Arena{}
}

// Insert registers b and returns its arena index.
func (a *Arena) Insert(b *Block) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.blocks[idx] = b
		return idx
	}

	a.blocks = append(a.blocks, b)
	return uint32(len(a.blocks) - 1)
}

// Get resolves ref to its block, or nil if the slot has been freed.
func (a *Arena) Get(ref uint32) *Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(ref) >= len(a.blocks) {
		return nil
	}
	return a.blocks[ref]
}

// Remove frees ref's slot for reuse once its block is retired.
func (a *Arena) Remove(ref uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(ref) >= len(a.blocks) {
		return
	}
	a.blocks[ref] = nil
	a.free = append(a.free, ref)
}

// Package lun models a single LUN's current-block selection and its
// pre-erased block pool queue (spec.md §3 "Block pool queue", §4.4).
package lun

import (
	"sync"

	"github.com/ocssd/ftlhost/internal/ftl/block"
)

// PoolQueue is a depth-capped FIFO of pre-erased, open-ready blocks for one
// LUN (spec.md §3).
type PoolQueue struct {
	mu    sync.Mutex
	items []*block.Block
	depth int
}

// NewPoolQueue constructs a queue capped at depth entries.
func NewPoolQueue(depth int) *PoolQueue {
	return &PoolQueue{depth: depth}
}

// Push appends b, returning false if the queue is already at capacity.
func (q *PoolQueue) Push(b *block.Block) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.depth {
		return false
	}
	q.items = append(q.items, b)
	return true
}

// Pop removes and returns the oldest queued block.
func (q *PoolQueue) Pop() (*block.Block, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}

// Len reports the number of pre-erased blocks currently queued.
func (q *PoolQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Depth returns the queue's configured capacity.
func (q *PoolQueue) Depth() int {
	return q.depth
}

// LUN tracks one LUN's current open block and its pool queue. The
// lock-acquisition order in SPEC_FULL.md §5 names two distinct LUN-level
// locks: lockLists guards block-list membership (pool <-> current),
// lock guards which block is "current" -- kept as two fields here. The
// operations in this package take only lock; lockLists is not taken by any
// of them.
type LUN struct {
	ID uint32

	lockLists sync.Mutex
	lock      sync.Mutex

	current *block.Block
	pool    *PoolQueue
}

// New constructs a LUN with an empty pool of the given depth.
func New(id uint32, poolDepth int) *LUN {
	return &LUN{
		ID:   id,
		pool: NewPoolQueue(poolDepth),
	}
}

// Pool returns the LUN's pre-erased block pool, for the provisioner to
// fill and the mapper to drain from.
func (l *LUN) Pool() *PoolQueue { return l.pool }

// Current returns the LUN's current open block, or nil.
func (l *LUN) Current() *block.Block {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.current
}

// WithCurrent serializes access to LUN selection: fn runs with the current
// block held fixed, and its return value becomes the new current block.
// This is the single choke point spec.md §4.4 describes as "under the LUN
// lock, use its current open block; if full, take a pre-allocated block
// ... and retry".
func (l *LUN) WithCurrent(fn func(cur *block.Block) (next *block.Block)) *block.Block {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.current = fn(l.current)
	return l.current
}

// FreeBlockCount reports how many pre-erased blocks are ready in the pool,
// used both by the provisioner's emergency-threshold check and by the
// mapper's emergency-mode "most free LUN" selection (spec.md §4.4, §4.6).
func (l *LUN) FreeBlockCount() int {
	return l.pool.Len()
}

package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ArenaInsertGetRemove(t *testing.T) {
	a := NewArena()
	b1 := newTestBlock(4)
	b2 := newTestBlock(4)

	ref1 := a.Insert(b1)
	ref2 := a.Insert(b2)
	assert.Same(t, b1, a.Get(ref1))
	assert.Same(t, b2, a.Get(ref2))

	a.Remove(ref1)
	assert.Nil(t, a.Get(ref1))

	b3 := newTestBlock(4)
	ref3 := a.Insert(b3)
	assert.Equal(t, ref1, ref3, "freed slots are reused")
}

package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DynamicSetCount(t *testing.T) {
	d := NewDynamic(128)
	assert.Equal(t, uint32(0), d.Count())

	d.Set(0)
	d.Set(42)
	d.Set(127)
	assert.Equal(t, uint32(3), d.Count())
	assert.True(t, d.Test(42))
	assert.False(t, d.Test(43))
}

func Test_DynamicClear(t *testing.T) {
	d := NewDynamic(64)
	d.Set(10)
	d.Clear(10)
	assert.False(t, d.Test(10))
	assert.Equal(t, uint32(0), d.Count())
}

func Test_DynamicTraverseOrder(t *testing.T) {
	d := NewDynamic(200)
	d.Set(5)
	d.Set(64)
	d.Set(199)

	var got []uint32
	d.Traverse(func(idx uint32) bool {
		got = append(got, idx)
		return true
	})
	assert.Equal(t, []uint32{5, 64, 199}, got)
}

func Test_DynamicSubset(t *testing.T) {
	a := NewDynamic(64)
	b := NewDynamic(64)
	a.Set(3)
	b.Set(3)
	b.Set(4)
	assert.True(t, a.Subset(b))
	assert.False(t, b.Subset(a))
}

func Test_DynamicAll(t *testing.T) {
	d := NewDynamic(4)
	for i := uint32(0); i < 4; i++ {
		d.Set(i)
	}
	assert.True(t, d.All())
}

func Test_DynamicOutOfBoundsPanics(t *testing.T) {
	d := NewDynamic(8)
	require.Panics(t, func() { d.Set(8) })
}

func Test_DynamicClone(t *testing.T) {
	d := NewDynamic(64)
	d.Set(1)
	c := d.Clone()
	c.Set(2)
	assert.False(t, d.Test(2))
	assert.True(t, c.Test(1))
}

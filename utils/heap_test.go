package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64Heap_Pop(t *testing.T) {
	h := NewHeap(func(a, b uint64) bool { return a < b })
	for i := uint64(0); i < 64; i++ {
		h.Push(i ^ 17)
	}
	for i := uint64(0); i < 64; i++ {
		assert.Equal(t, i, h.Pop())
	}
	assert.Equal(t, 0, h.Len())
}

func TestHeap_Init(t *testing.T) {
	h := NewHeap(func(a, b int) bool { return a > b }, 3, 9, 1, 7)
	assert.Equal(t, 9, h.Peek())
	assert.Equal(t, 9, h.Pop())
	assert.Equal(t, 7, h.Pop())
}

func TestHeap_FixAndRemove(t *testing.T) {
	type cell struct{ v int }
	h := NewHeap(func(a, b *cell) bool { return a.v < b.v })
	cells := []*cell{{5}, {2}, {8}, {1}}
	for _, c := range cells {
		h.Push(c)
	}
	top := h.Peek()
	assert.Equal(t, 1, top.v)
	top.v = 10
	h.Fix(0)
	assert.Equal(t, 2, h.Peek().v)

	removed := h.Remove(h.Len() - 1)
	assert.NotNil(t, removed)
	assert.Equal(t, 3, h.Len())
	prev := -1
	for h.Len() > 0 {
		c := h.Pop()
		assert.GreaterOrEqual(t, c.v, prev)
		prev = c.v
	}
}

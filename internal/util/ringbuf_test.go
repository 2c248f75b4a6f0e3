package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer(t *testing.T) {
	t.Run("below capacity", func(t *testing.T) {
		r := NewRingBuffer[int](3)
		r.Push(1)
		r.Push(2)
		assert.Equal(t, []int{1, 2}, r.Snapshot())
	})

	t.Run("evicts oldest", func(t *testing.T) {
		r := NewRingBuffer[int](3)
		for i := 1; i <= 5; i++ {
			r.Push(i)
		}
		assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	})

	t.Run("last", func(t *testing.T) {
		r := NewRingBuffer[string](4)
		for _, s := range []string{"a", "b", "c"} {
			r.Push(s)
		}
		assert.Equal(t, []string{"b", "c"}, r.Last(2))
		assert.Equal(t, []string{"a", "b", "c"}, r.Last(10))
	})

	t.Run("zero capacity panics", func(t *testing.T) {
		assert.Panics(t, func() { NewRingBuffer[int](0) })
	})
}

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	var l Latch[string]
	var got []string

	l.On(func(s string) { got = append(got, "early:"+s) })
	assert.False(t, l.Fired())

	assert.True(t, l.Fire("a"))
	assert.False(t, l.Fire("b"), "second fire must be ignored")

	l.On(func(s string) { got = append(got, "late:"+s) })

	assert.True(t, l.Fired())
	assert.Equal(t, []string{"early:a", "late:a"}, got)
}

package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickAndGet(t *testing.T) {
	c := New().Tick(2).Tick(2).Tick(0)
	assert.Equal(t, uint64(1), c.Get(0))
	assert.Equal(t, uint64(0), c.Get(1))
	assert.Equal(t, uint64(2), c.Get(2))
	assert.Equal(t, uint64(0), c.Get(7))
	assert.Equal(t, uint64(0), c.Get(-1))
	assert.Equal(t, "[1 0 2]", c.String())
}

func TestOperationsDoNotAlias(t *testing.T) {
	a := New().Tick(0)
	b := a.Tick(0)
	m := a.Merge(New().Tick(3))

	assert.Equal(t, uint64(1), a.Get(0))
	assert.Equal(t, uint64(2), b.Get(0))
	assert.Equal(t, uint64(1), m.Get(3))
	assert.Equal(t, 1, a.Len())
}

func TestMerge(t *testing.T) {
	a := New().Tick(0).Tick(0).Tick(1)
	b := New().Tick(1).Tick(1).Tick(2)

	m := a.Merge(b)
	assert.Equal(t, "[2 2 1]", m.String())
	assert.Equal(t, m, b.Merge(a))
}

func TestCompare(t *testing.T) {
	base := New().Tick(0)
	later := base.Tick(1)
	other := New().Tick(1)

	assert.Equal(t, Equal, base.Compare(base))
	assert.Equal(t, Before, base.Compare(later))
	assert.Equal(t, After, later.Compare(base))
	assert.Equal(t, Concurrent, base.Compare(other))

	assert.True(t, base.HappensBefore(later))
	assert.False(t, later.HappensBefore(base))
	assert.False(t, base.HappensBefore(base))
	assert.True(t, base.LessOrEqual(base))
	assert.False(t, base.LessOrEqual(other))
}

func TestCompareIgnoresTrailingZeros(t *testing.T) {
	short := New().Tick(0)
	long := short.Merge(Clock{c: []uint64{0, 0, 0, 0}})

	assert.Equal(t, Equal, short.Compare(long))
	assert.Equal(t, 4, long.Len())
	assert.Equal(t, short.String(), long.String())
}

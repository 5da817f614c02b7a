// Package vclock implements vector clocks indexed by stable task ids.
package vclock

import (
	"strconv"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering uint8

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clock is an immutable vector clock. Component i belongs to task i;
// components beyond the stored length are zero. Operations never modify
// the receiver, so two clocks can be compared while a third is derived
// from either of them.
type Clock struct {
	c []uint64
}

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Get returns the component of task id.
func (v Clock) Get(id int) uint64 {
	if id < 0 || id >= len(v.c) {
		return 0
	}
	return v.c[id]
}

// Len returns the number of stored components.
func (v Clock) Len() int {
	return len(v.c)
}

// Tick returns a copy of v with the component of id incremented.
func (v Clock) Tick(id int) Clock {
	n := v.grow(id + 1)
	n.c[id]++
	return n
}

// Merge returns the pointwise maximum of v and o.
func (v Clock) Merge(o Clock) Clock {
	size := len(v.c)
	if len(o.c) > size {
		size = len(o.c)
	}
	n := v.grow(size)
	for i, x := range o.c {
		if x > n.c[i] {
			n.c[i] = x
		}
	}
	return n
}

// HappensBefore reports whether v <= o pointwise and v != o.
func (v Clock) HappensBefore(o Clock) bool {
	return v.Compare(o) == Before
}

// LessOrEqual reports whether every component of v is at most the one in o.
func (v Clock) LessOrEqual(o Clock) bool {
	for i, x := range v.c {
		if x > o.Get(i) {
			return false
		}
	}
	return true
}

// Compare returns the ordering of v relative to o.
func (v Clock) Compare(o Clock) Ordering {
	size := len(v.c)
	if len(o.c) > size {
		size = len(o.c)
	}
	less, greater := false, false
	for i := 0; i < size; i++ {
		a, b := v.Get(i), o.Get(i)
		switch {
		case a < b:
			less = true
		case a > b:
			greater = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Slice returns a copy of the stored components.
func (v Clock) Slice() []uint64 {
	return append([]uint64(nil), v.c...)
}

// String renders the clock as "[1 0 3]", trailing zeros trimmed.
func (v Clock) String() string {
	end := len(v.c)
	for end > 0 && v.c[end-1] == 0 {
		end--
	}
	var b strings.Builder
	b.WriteByte('[')
	for i := 0; i < end; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatUint(v.c[i], 10))
	}
	b.WriteByte(']')
	return b.String()
}

// grow copies v into a fresh slice of at least size components.
func (v Clock) grow(size int) Clock {
	if size < len(v.c) {
		size = len(v.c)
	}
	n := make([]uint64, size)
	copy(n, v.c)
	return Clock{c: n}
}

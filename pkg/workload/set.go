package workload

import (
	"math"

	"github.com/amirkhaki/moriarty/pkg/runtime"
)

type setNode struct {
	value int
	next  *runtime.Var[*setNode]
}

// Set is a sorted linked-list set guarded by one lock.
type Set struct {
	mu   *runtime.Mutex
	head *setNode
}

// NewSet creates an empty set.
func NewSet(t *runtime.Task) *Set {
	return &Set{mu: runtime.NewMutex(t), head: newSetNode(t, math.MinInt, nil)}
}

func newSetNode(t *runtime.Task, v int, next *setNode) *setNode {
	return &setNode{value: v, next: runtime.NewField(t.NewObject(), "next", next)}
}

// locate returns the last node below v and its successor.
func (s *Set) locate(t *runtime.Task, v int) (prev, cur *setNode) {
	prev = s.head
	cur = prev.next.Load(t)
	for cur != nil && cur.value < v {
		prev, cur = cur, cur.next.Load(t)
	}
	return prev, cur
}

// Insert adds v, reporting false if it was present.
func (s *Set) Insert(t *runtime.Task, v int) bool {
	s.mu.Lock(t)
	defer s.mu.Unlock(t)

	prev, cur := s.locate(t, v)
	if cur != nil && cur.value == v {
		return false
	}
	prev.next.Store(t, newSetNode(t, v, cur))
	return true
}

// Remove deletes v, reporting false if it was absent.
func (s *Set) Remove(t *runtime.Task, v int) bool {
	s.mu.Lock(t)
	defer s.mu.Unlock(t)

	prev, cur := s.locate(t, v)
	if cur == nil || cur.value != v {
		return false
	}
	prev.next.Store(t, cur.next.Load(t))
	return true
}

// Contains reports whether v is in the set.
func (s *Set) Contains(t *runtime.Task, v int) bool {
	s.mu.Lock(t)
	defer s.mu.Unlock(t)

	_, cur := s.locate(t, v)
	return cur != nil && cur.value == v
}

// Values returns the elements in list order.
func (s *Set) Values(t *runtime.Task) []int {
	s.mu.Lock(t)
	defer s.mu.Unlock(t)

	var out []int
	for n := s.head.next.Load(t); n != nil; n = n.next.Load(t) {
		out = append(out, n.value)
	}
	return out
}

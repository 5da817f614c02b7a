package runtime

import (
	"github.com/amirkhaki/moriarty/pkg/event"
)

// Mutex is a lock whose acquisitions are scheduled by the strategy.
type Mutex struct {
	id event.LockID
}

// NewMutex creates an unlocked mutex.
func NewMutex(t *Task) *Mutex {
	return &Mutex{id: t.sched.newLock()}
}

// ID returns the lock id used in events.
func (m *Mutex) ID() event.LockID {
	return m.id
}

// Lock blocks t until it owns m.
func (m *Mutex) Lock(t *Task) {
	t.sched.yield(t, event.LockAcquire{Task: t.id, Lock: m.id})
}

// Unlock releases m. Unlocking a mutex t does not hold halts the iteration.
func (m *Mutex) Unlock(t *Task) {
	t.sched.yield(t, event.LockRelease{Task: t.id, Lock: m.id})
}

// Var is a shared variable. Loads and stores are reported as reads and
// writes of its location, so strategies can tell which accesses conflict.
type Var[T any] struct {
	loc event.Location
	v   T
}

// NewVar creates a variable holding v in its own object.
func NewVar[T any](t *Task, v T) *Var[T] {
	return &Var[T]{loc: event.Location{Object: t.NewObject()}, v: v}
}

// NewField creates a variable for a named field of obj.
func NewField[T any](obj event.ObjectID, field string, v T) *Var[T] {
	return &Var[T]{loc: event.Location{Object: obj, Field: field}, v: v}
}

// Location returns the location of x.
func (x *Var[T]) Location() event.Location {
	return x.loc
}

// Load returns the value of x. The read happens before t yields.
func (x *Var[T]) Load(t *Task) T {
	v := x.v
	t.Read(x.loc)
	return v
}

// Store sets x to v. The write happens before t yields.
func (x *Var[T]) Store(t *Task, v T) {
	x.v = v
	t.Write(x.loc, v)
}

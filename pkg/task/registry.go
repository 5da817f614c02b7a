// Package task tracks the lifecycle of tasks under test. A Registry is a
// state machine driven by events: it knows which tasks are enabled, which
// locks are held and who waits for what. The coordinator and every strategy
// keep their own Registry and feed it the same events, so they agree on the
// enabled set without sharing state.
package task

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/tools/container/intsets"

	"github.com/amirkhaki/moriarty/pkg/event"
)

// State is the lifecycle state of a task.
type State uint8

const (
	Created State = iota + 1
	Enabled
	BlockedLock
	BlockedJoin
	Finished
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Enabled:
		return "enabled"
	case BlockedLock:
		return "blocked-lock"
	case BlockedJoin:
		return "blocked-join"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownTask is returned for events about tasks never started.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotEnabled is returned when a task that is not enabled reports
	// an event or is selected.
	ErrNotEnabled = errors.New("task not enabled")
	// ErrNotOwner is returned when a task releases a lock it does not hold.
	ErrNotOwner = errors.New("lock not held by task")
)

type entry struct {
	state State

	// pending acquire, set while blocked on a lock and after the lock is
	// released until the task is selected
	lock     event.LockID
	wantLock bool

	// pending join, same lifecycle as the pending acquire
	target   event.TaskID
	wantJoin bool

	held []event.LockID

	// bound of a pending random draw, 0 if none
	draw int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	tasks   []*entry
	enabled intsets.Sparse
	owners  map[event.LockID]event.TaskID
	waiters map[event.LockID][]event.TaskID
	joiners map[event.TaskID][]event.TaskID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		owners:  make(map[event.LockID]event.TaskID),
		waiters: make(map[event.LockID][]event.TaskID),
		joiners: make(map[event.TaskID][]event.TaskID),
	}
}

// Register adds a task in state Created. Ids must be registered in order.
func (r *Registry) Register(id event.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(id)
}

func (r *Registry) registerLocked(id event.TaskID) error {
	if int(id) != len(r.tasks) {
		return fmt.Errorf("register task %d: next id is %d", id, len(r.tasks))
	}
	r.tasks = append(r.tasks, &entry{state: Created})
	return nil
}

// Apply updates the registry with e. It reports false when e did not take
// effect because the task blocked on a held lock or an unfinished join; the
// operation then takes effect when the task is selected.
func (r *Registry) Apply(e event.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := e.(event.Start); ok {
		return true, r.start(s)
	}
	t, err := r.lookup(e.TaskID())
	if err != nil {
		return false, err
	}
	if _, ok := e.(event.Finish); !ok && t.state != Enabled {
		return false, fmt.Errorf("%w: %s in state %v", ErrNotEnabled, event.String(e), t.state)
	}

	switch e := e.(type) {
	case event.Finish:
		r.finish(e.Task, t)
	case event.LockAcquire:
		if _, held := r.owners[e.Lock]; held {
			t.state, t.lock, t.wantLock = BlockedLock, e.Lock, true
			r.enabled.Remove(int(e.Task))
			r.waiters[e.Lock] = append(r.waiters[e.Lock], e.Task)
			return false, nil
		}
		r.grant(e.Task, t, e.Lock)
	case event.LockRelease:
		if owner, ok := r.owners[e.Lock]; !ok || owner != e.Task {
			return false, fmt.Errorf("%w: task %d, lock %d", ErrNotOwner, e.Task, e.Lock)
		}
		r.release(t, e.Lock)
	case event.JoinRequest:
		target, err := r.lookup(e.Target)
		if err != nil {
			return false, err
		}
		if target.state != Finished {
			t.state, t.target, t.wantJoin = BlockedJoin, e.Target, true
			r.enabled.Remove(int(e.Task))
			r.joiners[e.Target] = append(r.joiners[e.Target], e.Task)
			return false, nil
		}
	case event.RandomValue:
		if e.Bound <= 0 {
			return false, fmt.Errorf("task %d: random bound %d must be positive", e.Task, e.Bound)
		}
		t.draw = e.Bound
	}
	return true, nil
}

// Select marks id as chosen to run. If id had a deferred acquire or join
// that can now complete, it takes effect and is returned.
func (r *Registry) Select(id event.TaskID) (event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if t.state != Enabled {
		return nil, fmt.Errorf("%w: select %d in state %v", ErrNotEnabled, id, t.state)
	}
	t.draw = 0
	switch {
	case t.wantLock:
		if owner, held := r.owners[t.lock]; held {
			return nil, fmt.Errorf("%w: select %d, lock %d held by %d", ErrNotEnabled, id, t.lock, owner)
		}
		r.waiters[t.lock] = remove(r.waiters[t.lock], id)
		r.grant(id, t, t.lock)
		return event.LockAcquire{Task: id, Lock: t.lock}, nil
	case t.wantJoin:
		t.wantJoin = false
		return event.JoinRequest{Task: id, Target: t.target}, nil
	}
	return nil, nil
}

// Enabled returns the enabled tasks in ascending order.
func (r *Registry) Enabled() []event.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.enabled.AppendTo(nil)
	out := make([]event.TaskID, len(ids))
	for i, id := range ids {
		out[i] = event.TaskID(id)
	}
	return out
}

// IsEnabled reports whether id can be selected.
func (r *Registry) IsEnabled(id event.TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled.Has(int(id))
}

// State returns the state of id, 0 if unknown.
func (r *Registry) State(id event.TaskID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || int(id) >= len(r.tasks) {
		return 0
	}
	return r.tasks[id].state
}

// Known reports whether id has been registered or started.
func (r *Registry) Known(id event.TaskID) bool {
	return r.State(id) != 0
}

// Unfinished returns the number of started tasks not yet finished.
func (r *Registry) Unfinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.state != Finished && t.state != Created {
			n++
		}
	}
	return n
}

// Len returns the number of tasks ever registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Owner returns the holder of lock l.
func (r *Registry) Owner(l event.LockID) (event.TaskID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[l]
	return id, ok
}

// Held returns the locks held by id.
func (r *Registry) Held(id event.TaskID) []event.LockID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || int(id) >= len(r.tasks) {
		return nil
	}
	return append([]event.LockID(nil), r.tasks[id].held...)
}

// PendingDraw returns the bound of the random draw id is waiting for.
func (r *Registry) PendingDraw(id event.TaskID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || int(id) >= len(r.tasks) || r.tasks[id].draw == 0 {
		return 0, false
	}
	return r.tasks[id].draw, true
}

// Reset forgets all tasks and locks.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = nil
	r.enabled.Clear()
	r.owners = make(map[event.LockID]event.TaskID)
	r.waiters = make(map[event.LockID][]event.TaskID)
	r.joiners = make(map[event.TaskID][]event.TaskID)
}

func (r *Registry) start(s event.Start) error {
	if s.Parent != event.NoTask {
		p, err := r.lookup(s.Parent)
		if err != nil {
			return err
		}
		if p.state != Enabled {
			return fmt.Errorf("%w: parent %d of %d in state %v", ErrNotEnabled, s.Parent, s.Task, p.state)
		}
	}
	if int(s.Task) == len(r.tasks) {
		if err := r.registerLocked(s.Task); err != nil {
			return err
		}
	}
	if s.Task < 0 || int(s.Task) >= len(r.tasks) {
		return fmt.Errorf("start task %d: next id is %d", s.Task, len(r.tasks))
	}
	t := r.tasks[s.Task]
	if t.state != Created {
		return fmt.Errorf("start task %d: already %v", s.Task, t.state)
	}
	t.state = Enabled
	r.enabled.Insert(int(s.Task))
	return nil
}

func (r *Registry) finish(id event.TaskID, t *entry) {
	if t.wantLock {
		r.waiters[t.lock] = remove(r.waiters[t.lock], id)
	}
	if t.wantJoin {
		r.joiners[t.target] = remove(r.joiners[t.target], id)
	}
	for len(t.held) > 0 {
		r.release(t, t.held[0])
	}
	t.state, t.wantLock, t.wantJoin, t.draw = Finished, false, false, 0
	r.enabled.Remove(int(id))

	for _, j := range r.joiners[id] {
		r.tasks[j].state = Enabled
		r.enabled.Insert(int(j))
	}
	delete(r.joiners, id)
}

// grant gives lock l to id; waiters re-enabled by an earlier release block
// again.
func (r *Registry) grant(id event.TaskID, t *entry, l event.LockID) {
	r.owners[l] = id
	t.held = append(t.held, l)
	t.wantLock = false
	for _, w := range r.waiters[l] {
		if wt := r.tasks[w]; wt.state == Enabled {
			wt.state = BlockedLock
			r.enabled.Remove(int(w))
		}
	}
}

// release frees l and enables its waiters; they acquire it when selected.
func (r *Registry) release(t *entry, l event.LockID) {
	delete(r.owners, l)
	for i, h := range t.held {
		if h == l {
			t.held = append(t.held[:i], t.held[i+1:]...)
			break
		}
	}
	for _, w := range r.waiters[l] {
		r.tasks[w].state = Enabled
		r.enabled.Insert(int(w))
	}
}

func (r *Registry) lookup(id event.TaskID) (*entry, error) {
	if id < 0 || int(id) >= len(r.tasks) || r.tasks[id].state == Created {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	return r.tasks[id], nil
}

func remove(ids []event.TaskID, id event.TaskID) []event.TaskID {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

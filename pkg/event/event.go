// Package event defines the operations a task under test reports to the
// scheduler and the choices a strategy answers with.
package event

import "fmt"

// TaskID identifies a task within one iteration. Ids are dense and assigned
// in spawn order; the root task is 0.
type TaskID int

// NoTask is the parent of the root task.
const NoTask TaskID = -1

// LockID identifies a lock within one iteration.
type LockID int

// ObjectID identifies a shared object within one iteration.
type ObjectID int

// Location is one field of a shared object.
type Location struct {
	Object ObjectID `json:"object"`
	Field  string   `json:"field,omitempty"`
}

func (l Location) String() string {
	if l.Field == "" {
		return fmt.Sprintf("obj%d", l.Object)
	}
	return fmt.Sprintf("obj%d.%s", l.Object, l.Field)
}

// Kind represents the type of event
type Kind uint8

const (
	KindStart Kind = iota + 1
	KindFinish
	KindRead
	KindWrite
	KindLockAcquire
	KindLockRelease
	KindJoinRequest
	KindAssume
	KindRandomValue
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindFinish:
		return "finish"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindLockAcquire:
		return "lock-acquire"
	case KindLockRelease:
		return "lock-release"
	case KindJoinRequest:
		return "join"
	case KindAssume:
		return "assume"
	case KindRandomValue:
		return "random"
	default:
		return "unknown"
	}
}

// Event is one operation reported by a task. The set of implementations is
// closed: switch on the concrete type or on Kind.
type Event interface {
	// TaskID returns the task the event is about. For Start this is the
	// new task; the task performing the spawn is Parent.
	TaskID() TaskID
	Kind() Kind
	event()
}

// Start announces a new task spawned by Parent.
type Start struct {
	Task   TaskID
	Parent TaskID
}

// Finish announces that a task returned or was aborted.
type Finish struct {
	Task TaskID
}

// Read is a load of a shared location.
type Read struct {
	Task TaskID
	Loc  Location
}

// Write is a store to a shared location.
type Write struct {
	Task  TaskID
	Loc   Location
	Value any
}

// LockAcquire requests a lock.
type LockAcquire struct {
	Task TaskID
	Lock LockID
}

// LockRelease releases a held lock.
type LockRelease struct {
	Task TaskID
	Lock LockID
}

// JoinRequest waits for Target to finish.
type JoinRequest struct {
	Task   TaskID
	Target TaskID
}

// Assume reports an assumption; a false one aborts the task.
type Assume struct {
	Task  TaskID
	Holds bool
}

// RandomValue requests a value in [0, Bound) from the strategy.
type RandomValue struct {
	Task  TaskID
	Bound int
}

func (e Start) TaskID() TaskID       { return e.Task }
func (e Finish) TaskID() TaskID      { return e.Task }
func (e Read) TaskID() TaskID        { return e.Task }
func (e Write) TaskID() TaskID       { return e.Task }
func (e LockAcquire) TaskID() TaskID { return e.Task }
func (e LockRelease) TaskID() TaskID { return e.Task }
func (e JoinRequest) TaskID() TaskID { return e.Task }
func (e Assume) TaskID() TaskID      { return e.Task }
func (e RandomValue) TaskID() TaskID { return e.Task }

func (Start) Kind() Kind       { return KindStart }
func (Finish) Kind() Kind      { return KindFinish }
func (Read) Kind() Kind        { return KindRead }
func (Write) Kind() Kind       { return KindWrite }
func (LockAcquire) Kind() Kind { return KindLockAcquire }
func (LockRelease) Kind() Kind { return KindLockRelease }
func (JoinRequest) Kind() Kind { return KindJoinRequest }
func (Assume) Kind() Kind      { return KindAssume }
func (RandomValue) Kind() Kind { return KindRandomValue }

func (Start) event()       {}
func (Finish) event()      {}
func (Read) event()        {}
func (Write) event()       {}
func (LockAcquire) event() {}
func (LockRelease) event() {}
func (JoinRequest) event() {}
func (Assume) event()      {}
func (RandomValue) event() {}

// Actor returns the task whose step produced e: the parent for Start, the
// reporting task otherwise.
func Actor(e Event) TaskID {
	if s, ok := e.(Start); ok && s.Parent != NoTask {
		return s.Parent
	}
	return e.TaskID()
}

// String renders an event for logs, e.g. "2:lock-acquire(lock1)".
func String(e Event) string {
	switch e := e.(type) {
	case Start:
		return fmt.Sprintf("%d:start(parent=%d)", e.Task, e.Parent)
	case Finish:
		return fmt.Sprintf("%d:finish", e.Task)
	case Read:
		return fmt.Sprintf("%d:read(%v)", e.Task, e.Loc)
	case Write:
		return fmt.Sprintf("%d:write(%v=%v)", e.Task, e.Loc, e.Value)
	case LockAcquire:
		return fmt.Sprintf("%d:lock-acquire(lock%d)", e.Task, e.Lock)
	case LockRelease:
		return fmt.Sprintf("%d:lock-release(lock%d)", e.Task, e.Lock)
	case JoinRequest:
		return fmt.Sprintf("%d:join(%d)", e.Task, e.Target)
	case Assume:
		return fmt.Sprintf("%d:assume(%t)", e.Task, e.Holds)
	case RandomValue:
		return fmt.Sprintf("%d:random(%d)", e.Task, e.Bound)
	default:
		return "unknown"
	}
}

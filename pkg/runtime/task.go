package runtime

import (
	"fmt"
	goruntime "runtime"

	"github.com/amirkhaki/moriarty/pkg/event"
)

// Task is a unit of concurrent work under test. Every interaction between
// tasks must go through a Task method, a Mutex or a Var: those report the
// operation to the scheduler and yield control to the next task.
//
// A Task must only be used by the goroutine running it.
type Task struct {
	id    event.TaskID
	sched *scheduler
	wake  chan resume

	// guarded by sched.mu
	done bool

	// set when the goroutine unwinds after the iteration was halted
	exiting bool
}

// ID returns the task id, 0 for the root task.
func (t *Task) ID() event.TaskID {
	return t.id
}

// Iteration returns the number of the running iteration.
func (t *Task) Iteration() int {
	return t.sched.iteration
}

// Go starts fn as a new task and returns it.
func (t *Task) Go(fn func(*Task)) *Task {
	return t.sched.spawn(t, fn)
}

// Join waits until u has finished.
func (t *Task) Join(u *Task) {
	if u == nil {
		return
	}
	t.sched.yield(t, event.JoinRequest{Task: t.id, Target: u.id})
}

// Assume ends the task quietly when cond is false. It restricts the
// executions that are worth checking without reporting a failure.
func (t *Task) Assume(cond bool) {
	t.sched.yield(t, event.Assume{Task: t.id, Holds: cond})
}

// RandomInt returns a value in [0, n) picked by the strategy. The value is
// part of the schedule, so replaying it returns the same value.
func (t *Task) RandomInt(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("moriarty: RandomInt bound %d must be positive", n))
	}
	v, _ := t.sched.yield(t, event.RandomValue{Task: t.id, Bound: n}).(int)
	return v
}

// RandomBool returns a boolean picked by the strategy.
func (t *Task) RandomBool() bool {
	return t.RandomInt(2) == 1
}

// Assert fails the iteration with an AssertionError when cond is false.
func (t *Task) Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(&AssertionError{Message: fmt.Sprintf(format, args...)})
	}
}

// Read reports a read of loc.
func (t *Task) Read(loc event.Location) {
	t.sched.yield(t, event.Read{Task: t.id, Loc: loc})
}

// Write reports a write of v to loc.
func (t *Task) Write(loc event.Location, v any) {
	t.sched.yield(t, event.Write{Task: t.id, Loc: loc, Value: v})
}

// NewObject allocates an object id for locations of a shared structure.
func (t *Task) NewObject() event.ObjectID {
	return t.sched.newObject()
}

// park waits until the strategy picks t again.
func (t *Task) park() any {
	res := <-t.wake
	switch res.abort {
	case abortExecution:
		return t.exit()
	case abortTask:
		panic(&haltTask{err: t.sched.errorf(CodeHaltTask, t.id, nil, "task %d blocked by strategy", t.id)})
	}
	return res.value
}

// exit terminates the goroutine of a halted iteration. Operations called
// from deferred functions while it unwinds return immediately.
func (t *Task) exit() any {
	if t.exiting {
		return nil
	}
	t.exiting = true
	goruntime.Goexit()
	return nil
}

package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"v.io/x/lib/vlog"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/strategy"
	"github.com/amirkhaki/moriarty/pkg/task"
)

type abort uint8

const (
	abortNone abort = iota
	// abortTask unwinds one task, which then finishes normally.
	abortTask
	// abortExecution unwinds every task without reporting anything.
	abortExecution
)

// resume is sent to a parked task to let it continue.
type resume struct {
	value any
	abort abort
}

// haltTask is the panic value used to unwind a single task.
type haltTask struct {
	err *Error
}

// scheduler coordinates the tasks of one iteration and delegates every
// decision to a strategy. Exactly one task runs at a time: every other live
// task is parked on its wake channel.
type scheduler struct {
	ctx       context.Context
	iteration int
	strategy  strategy.Strategy
	log       *vlog.Logger
	maxEvents int
	debug     bool

	mu       sync.Mutex
	reg      *task.Registry
	tasks    []*Task
	running  event.TaskID
	events   int
	trace    []event.Event
	choices  []event.Choice
	failure  *Error
	halted   bool
	closed   bool
	nextLock event.LockID
	nextObj  event.ObjectID

	done chan struct{}
	wg   sync.WaitGroup
}

func newScheduler(ctx context.Context, iteration int, s strategy.Strategy, opts Options) *scheduler {
	return &scheduler{
		ctx:       ctx,
		iteration: iteration,
		strategy:  s,
		log:       opts.Logger,
		maxEvents: opts.MaxEvents,
		debug:     opts.Debug,
		reg:       task.NewRegistry(),
		running:   event.NoTask,
		done:      make(chan struct{}),
	}
}

// execute runs prog as the root task and waits until every task has
// finished or the iteration was halted.
func (s *scheduler) execute(prog Program) *Error {
	s.mu.Lock()
	root, err := s.registerLocked()
	if err == nil {
		err = s.deliverLocked(event.Start{Task: root.id, Parent: event.NoTask})
	}
	if err != nil {
		s.haltLocked(err)
	} else {
		s.wg.Add(1)
		go s.body(root, prog)
		s.scheduleLocked()
	}
	s.mu.Unlock()

	<-s.done
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.choices = append(s.choices, event.EndOfSchedule())
	return s.failure
}

// register creates a task in state Created. Its goroutine is started by
// the caller and waits for its first turn.
func (s *scheduler) registerLocked() (*Task, *Error) {
	id := event.TaskID(len(s.tasks))
	if err := s.reg.Register(id); err != nil {
		return nil, s.errorf(CodeHaltExecution, event.NoTask, err, "register task %d", id)
	}
	t := &Task{id: id, sched: s, wake: make(chan resume, 1)}
	s.tasks = append(s.tasks, t)
	return t, nil
}

func (s *scheduler) spawn(parent *Task, fn func(*Task)) *Task {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		parent.exit()
		return nil
	}
	if err := s.budgetLocked(parent, event.Start{Task: event.TaskID(len(s.tasks)), Parent: parent.id}); err != nil {
		s.mu.Unlock()
		panic(&haltTask{err: err})
	}
	child, err := s.registerLocked()
	if err != nil {
		s.haltLocked(err)
		s.mu.Unlock()
		parent.exit()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.body(child, fn)
	s.yield(parent, event.Start{Task: child.id, Parent: parent.id})
	return child
}

// body runs fn once the task is first scheduled.
func (s *scheduler) body(t *Task, fn func(*Task)) {
	defer s.wg.Done()

	first := <-t.wake
	if first.abort == abortExecution {
		return
	}
	defer func() {
		v := recover()
		if t.exiting {
			return
		}
		switch v := v.(type) {
		case nil:
			s.finish(t)
		case *haltTask:
			s.log.VI(1).Infof("iteration %d: %v", s.iteration, v.err)
			s.finish(t)
		default:
			s.fail(t, v, debug.Stack())
		}
	}()
	if first.abort == abortTask {
		panic(&haltTask{err: s.errorf(CodeHaltTask, t.id, nil, "task %d blocked by strategy", t.id)})
	}
	fn(t)
}

// yield reports e for the running task t, lets the strategy pick the next
// task and parks t until it is picked again. It returns the value attached
// to the choice that resumed t.
func (s *scheduler) yield(t *Task, e event.Event) any {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return t.exit()
	}
	if err := s.ctx.Err(); err != nil {
		s.haltLocked(s.errorf(CodeHaltExecution, t.id, err, "iteration cancelled"))
		s.mu.Unlock()
		return t.exit()
	}
	if err := s.budgetLocked(t, e); err != nil {
		s.mu.Unlock()
		panic(&haltTask{err: err})
	}
	if err := s.deliverLocked(e); err != nil {
		s.haltLocked(err)
		s.mu.Unlock()
		return t.exit()
	}
	if a, ok := e.(event.Assume); ok && !a.Holds {
		s.mu.Unlock()
		panic(&haltTask{err: s.errorf(CodeHaltTask, t.id, nil, "assumption does not hold")})
	}

	next, res, err := s.nextLocked()
	if err == nil && next == nil {
		err = s.errorf(CodeHaltExecution, t.id, nil, "task %d is unfinished but nothing is left to run", t.id)
	}
	if err != nil {
		s.haltLocked(err)
		s.mu.Unlock()
		return t.exit()
	}
	if next == t {
		s.mu.Unlock()
		if res.abort == abortTask {
			panic(&haltTask{err: s.errorf(CodeHaltTask, t.id, nil, "task %d blocked by strategy", t.id)})
		}
		return res.value
	}
	s.resumeLocked(next, res)
	s.mu.Unlock()
	return t.park()
}

// finish reports that t returned and hands control to the next task.
func (s *scheduler) finish(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.done = true
	if s.halted {
		return
	}
	if err := s.deliverLocked(event.Finish{Task: t.id}); err != nil {
		s.haltLocked(err)
		return
	}
	s.scheduleLocked()
}

// fail halts the iteration because t panicked.
func (s *scheduler) fail(t *Task, v any, stack []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.done = true
	err := &Error{
		Code:      CodeProgramFailure,
		Message:   fmt.Sprint(v),
		Task:      t.id,
		Iteration: s.iteration,
		Value:     v,
		Stack:     stack,
	}
	if cause, ok := v.(error); ok {
		err.Err = cause
	}
	s.haltLocked(err)
}

// scheduleLocked resumes the next task, or completes the iteration when
// none is left.
func (s *scheduler) scheduleLocked() {
	next, res, err := s.nextLocked()
	switch {
	case err != nil:
		s.haltLocked(err)
	case next == nil:
		s.log.VI(2).Infof("iteration %d: all tasks finished after %d events", s.iteration, s.events)
		s.closeLocked()
	default:
		s.resumeLocked(next, res)
	}
}

// budgetLocked fails once the iteration has used up its events.
func (s *scheduler) budgetLocked(t *Task, e event.Event) *Error {
	if s.maxEvents <= 0 || s.events < s.maxEvents {
		return nil
	}
	return s.errorf(CodeHaltTask, t.id, nil, "event budget of %d exhausted at %s", s.maxEvents, event.String(e))
}

// deliverLocked passes e to the strategy, then applies it.
func (s *scheduler) deliverLocked(e event.Event) *Error {
	if _, ok := e.(event.Finish); !ok {
		s.events++
	}
	s.trace = append(s.trace, e)
	s.log.VI(3).Infof("iteration %d: %s", s.iteration, event.String(e))
	if err := s.strategy.UpdateEvent(e); err != nil {
		return s.errorf(CodeHaltExecution, event.Actor(e), err, "strategy rejected %s", event.String(e))
	}
	if _, err := s.reg.Apply(e); err != nil {
		return s.errorf(CodeHaltExecution, event.Actor(e), err, "invalid event %s", event.String(e))
	}
	return nil
}

// nextLocked asks the strategy for the next task and validates the choice.
// It returns a nil task when every started task has finished.
func (s *scheduler) nextLocked() (*Task, resume, *Error) {
	enabled := s.reg.Enabled()
	if len(enabled) == 0 {
		if s.reg.Unfinished() == 0 {
			return nil, resume{}, nil
		}
		return nil, resume{}, s.deadlockLocked()
	}

	c, err := s.strategy.NextTask()
	if err != nil {
		return nil, resume{}, s.errorf(CodeHaltExecution, event.NoTask, err, "strategy failed to pick a task")
	}
	s.choices = append(s.choices, c)
	s.log.VI(2).Infof("iteration %d: %v", s.iteration, c)

	switch {
	case c.BlockExecution:
		return nil, resume{}, s.errorf(CodeHaltExecution, event.NoTask, nil, "strategy ended the schedule with tasks %v enabled", enabled)
	case c.BlockTask:
		st := s.reg.State(c.Task)
		if st == 0 || st == task.Created || st == task.Finished {
			return nil, resume{}, s.errorf(CodeHaltExecution, c.Task, nil, "strategy blocked task %d in state %v", c.Task, st)
		}
		return s.tasks[c.Task], resume{abort: abortTask}, nil
	}

	if !s.reg.IsEnabled(c.Task) {
		return nil, resume{}, s.errorf(CodeHaltExecution, c.Task, nil, "strategy picked task %d, enabled are %v", c.Task, enabled)
	}
	if bound, ok := s.reg.PendingDraw(c.Task); ok {
		v, isInt := c.Value.(int)
		if !isInt || v < 0 || v >= bound {
			return nil, resume{}, s.errorf(CodeHaltExecution, c.Task, nil, "strategy drew %v for task %d, want an int in [0, %d)", c.Value, c.Task, bound)
		}
	}
	if _, err := s.reg.Select(c.Task); err != nil {
		return nil, resume{}, s.errorf(CodeHaltExecution, c.Task, err, "select task %d", c.Task)
	}
	return s.tasks[c.Task], resume{value: c.Value}, nil
}

func (s *scheduler) resumeLocked(t *Task, res resume) {
	s.running = t.id
	t.wake <- res
}

// haltLocked aborts the iteration: every parked task unwinds silently.
func (s *scheduler) haltLocked(err *Error) {
	if s.halted {
		return
	}
	s.halted = true
	if s.debug && err.Diagnostics == "" {
		err.Diagnostics = s.dumpLocked()
	}
	s.failure = err
	s.log.VI(1).Infof("iteration %d halted: %v", s.iteration, err)
	s.closeLocked()
}

// closeLocked releases every goroutine still waiting and signals the end
// of the iteration.
func (s *scheduler) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.tasks {
		if t.done || t.id == s.running {
			continue
		}
		select {
		case t.wake <- resume{abort: abortExecution}:
		default:
		}
	}
	close(s.done)
}

func (s *scheduler) deadlockLocked() *Error {
	var blocked []string
	for _, t := range s.tasks {
		if st := s.reg.State(t.id); st == task.BlockedLock || st == task.BlockedJoin {
			blocked = append(blocked, fmt.Sprintf("%d:%v", t.id, st))
		}
	}
	return s.errorf(CodeDeadlock, event.NoTask, nil, "no task can run, blocked %v", blocked)
}

type snapshot struct {
	Iteration int
	Events    int
	States    map[event.TaskID]string
	Enabled   []event.TaskID
	Tail      []string
}

// dumpLocked renders the scheduler state for diagnostics.
func (s *scheduler) dumpLocked() string {
	snap := snapshot{
		Iteration: s.iteration,
		Events:    s.events,
		States:    make(map[event.TaskID]string, len(s.tasks)),
		Enabled:   s.reg.Enabled(),
	}
	for _, t := range s.tasks {
		snap.States[t.id] = s.reg.State(t.id).String()
	}
	tail := s.trace
	if len(tail) > 16 {
		tail = tail[len(tail)-16:]
	}
	for _, e := range tail {
		snap.Tail = append(snap.Tail, event.String(e))
	}
	cfg := spew.ConfigState{Indent: "  ", SortKeys: true, DisablePointerAddresses: true}
	return cfg.Sdump(snap)
}

func (s *scheduler) errorf(code Code, id event.TaskID, cause error, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Task:      id,
		Iteration: s.iteration,
		Err:       cause,
	}
}

func (s *scheduler) newLock() event.LockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextLock
	s.nextLock++
	return id
}

func (s *scheduler) newObject() event.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObj
	s.nextObj++
	return id
}

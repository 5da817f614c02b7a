package strategy

import (
	"fmt"
	"sync"

	"golang.org/x/exp/rand"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/task"
	"github.com/amirkhaki/moriarty/pkg/vclock"
)

// step is what one choice made a task do: the events it reported, applied
// or not, and the releases of the locks it held when finishing.
type step struct {
	task   event.TaskID
	events []event.Event
}

// dependent reports whether a and b cannot be swapped without changing the
// execution.
func (a step) dependent(b step) bool {
	if a.task == b.task {
		return true
	}
	for _, x := range a.events {
		for _, y := range b.events {
			if conflicts(x, y) || syncs(x, y) || syncs(y, x) {
				return true
			}
		}
	}
	return false
}

// weakInitial reports whether p can run before the sequence v without
// changing it: either p's step in v is independent of everything before it,
// or p is not in v and independent of all of it. rest is v with p's step
// taken out.
func weakInitial(p step, v []step) (rest []step, ok bool) {
	for i, w := range v {
		if w.task != p.task {
			continue
		}
		for _, u := range v[:i] {
			if u.dependent(w) {
				return nil, false
			}
		}
		rest = append(rest, v[:i]...)
		return append(rest, v[i+1:]...), true
	}
	for _, u := range v {
		if u.dependent(p) {
			return nil, false
		}
	}
	return v, true
}

// wakeup is a node of a wakeup tree: a step to take and the sequences to
// follow it with. Children are explored in order.
type wakeup struct {
	step     step
	children []*wakeup
}

// insert adds v below n unless a branch of n already starts with a
// reordering of v.
func (n *wakeup) insert(v []step) {
	for len(v) > 0 {
		var next *wakeup
		for _, c := range n.children {
			if rest, ok := weakInitial(c.step, v); ok {
				if len(c.children) == 0 {
					return
				}
				next, v = c, rest
				break
			}
		}
		if next == nil {
			for _, st := range v {
				c := &wakeup{step: st}
				n.children = append(n.children, c)
				n = c
			}
			return
		}
		n = next
	}
}

func (n *wakeup) leaves() int {
	if len(n.children) == 0 {
		return 1
	}
	total := 0
	for _, c := range n.children {
		total += c.leaves()
	}
	return total
}

// choicePoint is one scheduling decision on the current search path.
type choicePoint struct {
	enabled []event.TaskID
	value   any

	// branches holds the steps to explore here; the first child is the one
	// running and the root of the next point's tree.
	branches *wakeup

	// sleep holds the tasks whose step here leads to executions already
	// explored, with that step.
	sleep map[event.TaskID]step

	step  step
	clock vclock.Clock // the chosen task's clock after its step
}

func (cp *choicePoint) chosen() event.TaskID {
	return cp.branches.children[0].step.task
}

// asleep reports whether v starts with a reordering of a sleeping step.
func (cp *choicePoint) asleep(v []step) bool {
	for _, st := range cp.sleep {
		if _, ok := weakInitial(st, v); ok {
			return true
		}
	}
	return false
}

// TrustStrategy is a race-aware search that explores one execution per
// equivalence class of interleavings. Each iteration follows the current
// branch of every choice point, then picks freely with the tie-break
// policy among the tasks not asleep. When an execution is complete every
// race is reversed: the steps not ordered after the earlier event, followed
// by the later one, are inserted into the wakeup tree of the choice point
// that ran the earlier event, unless a sleeping task or an existing branch
// already covers them. A branch that has been explored puts its task to
// sleep at that point until a dependent step wakes it. The search is
// depth-first and ends when no branch is left.
type TrustStrategy struct {
	mu        sync.Mutex
	tieBreak  TieBreak
	rng       *rand.Rand
	reg       *task.Registry
	graph     *graph
	root      *wakeup
	stack     []*choicePoint
	depth     int
	seen      map[string]struct{}
	exhausted bool
}

// NewTrustStrategy creates a Trust strategy. seed drives the Random
// tie-break and random values.
func NewTrustStrategy(tieBreak TieBreak, seed int64) *TrustStrategy {
	return &TrustStrategy{
		tieBreak: tieBreak,
		rng:      rand.New(rand.NewSource(uint64(seed))),
		reg:      task.NewRegistry(),
		graph:    newGraph(),
		root:     &wakeup{},
		seen:     make(map[string]struct{}),
	}
}

// InitIteration starts a new execution along the current branches.
func (s *TrustStrategy) InitIteration(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exhausted {
		return fmt.Errorf("iteration %d: search space exhausted", n)
	}
	s.reg.Reset()
	s.graph = newGraph()
	s.depth = 0
	return nil
}

// UpdateEvent adds e to the step of the running task and, once it takes
// effect, to the execution graph.
func (s *TrustStrategy) UpdateEvent(e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []event.LockID
	if f, ok := e.(event.Finish); ok {
		released = s.reg.Held(f.Task)
	}
	applied, err := s.reg.Apply(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistentGraph, err)
	}
	if s.depth > 0 {
		st := &s.stack[s.depth-1].step
		st.events = append(st.events, e)
		for _, l := range released {
			st.events = append(st.events, event.LockRelease{Task: e.TaskID(), Lock: l})
		}
	}
	if !applied {
		return nil
	}
	_, err = s.graph.add(e, s.depth-1, released)
	return err
}

// NextTask replays the current branches, then picks by tie-break.
func (s *TrustStrategy) NextTask() (event.Choice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endStep()
	enabled := s.reg.Enabled()
	if len(enabled) == 0 {
		return event.EndOfSchedule(), nil
	}

	i := s.depth
	s.depth++
	var cp *choicePoint
	if i < len(s.stack) {
		cp = s.stack[i]
		if !contains(enabled, cp.chosen()) {
			return event.Choice{}, fmt.Errorf("%w: choice %d: task %d not enabled in %v", ErrDivergence, i, cp.chosen(), enabled)
		}
	} else {
		var err error
		if cp, err = s.push(i, enabled); err != nil {
			return event.Choice{}, err
		}
	}
	cp.step = step{task: cp.chosen()}

	c, deferred, err := selectTask(s.reg, cp.chosen(), func(bound int) int {
		if v, ok := cp.value.(int); ok && v < bound {
			return v
		}
		v := s.rng.Intn(bound)
		cp.value = v
		return v
	})
	if err != nil {
		return event.Choice{}, fmt.Errorf("%w: %v", ErrInconsistentGraph, err)
	}
	if deferred != nil {
		cp.step.events = append(cp.step.events, deferred)
		if _, err := s.graph.add(deferred, i, nil); err != nil {
			return event.Choice{}, err
		}
	}
	return c, nil
}

// push adds choice point i. It follows the wakeup tree when there is one,
// otherwise picks a task that is not asleep.
func (s *TrustStrategy) push(i int, enabled []event.TaskID) (*choicePoint, error) {
	cp := &choicePoint{enabled: enabled, branches: s.root, sleep: make(map[event.TaskID]step)}
	if i > 0 {
		prev := s.stack[i-1]
		cp.branches = prev.branches.children[0]
		for id, st := range prev.sleep {
			if !st.dependent(prev.step) {
				cp.sleep[id] = st
			}
		}
	}

	if len(cp.branches.children) > 0 {
		if next := cp.branches.children[0].step.task; !contains(enabled, next) {
			return nil, fmt.Errorf("%w: choice %d: wakeup task %d not enabled in %v", ErrDivergence, i, next, enabled)
		}
	} else {
		var awake []event.TaskID
		for _, id := range enabled {
			if _, ok := cp.sleep[id]; !ok {
				awake = append(awake, id)
			}
		}
		if len(awake) == 0 {
			awake = enabled
		}
		cp.branches.children = []*wakeup{{step: step{task: s.pick(awake)}}}
	}
	s.stack = append(s.stack, cp)
	return cp, nil
}

// endStep stores the clock of the task that ran the last choice.
func (s *TrustStrategy) endStep() {
	if s.depth == 0 || s.depth > len(s.stack) {
		return
	}
	cp := s.stack[s.depth-1]
	cp.clock = s.graph.clocks[cp.step.task]
}

// ResetIteration validates the finished execution, counts it, reverses its
// races and moves to the next branch.
func (s *TrustStrategy) ResetIteration(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth < len(s.stack) {
		return fmt.Errorf("iteration %d: %w: ended after %d of %d choices", n, ErrDivergence, s.depth, len(s.stack))
	}
	s.endStep()
	if err := s.graph.validate(); err != nil {
		return fmt.Errorf("iteration %d: %w", n, err)
	}
	s.seen[s.graph.key()] = struct{}{}
	s.reverseRaces()
	s.advance()
	return nil
}

// Done reports whether no branches are left.
func (s *TrustStrategy) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Distinct returns the number of distinct executions explored.
func (s *TrustStrategy) Distinct() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Pending returns the number of branches waiting behind the running ones.
func (s *TrustStrategy) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cp := range s.stack {
		for _, c := range cp.branches.children[1:] {
			n += c.leaves()
		}
	}
	return n
}

// Teardown does nothing.
func (s *TrustStrategy) Teardown() {}

// reverseRaces inserts, for every race of the execution, the sequence that
// runs the later event first at the choice point of the earlier one.
func (s *TrustStrategy) reverseRaces() {
	for _, cp := range s.stack {
		cp.branches.children[0].step = cp.step
	}
	first := make(map[int]*node)
	for _, n := range s.graph.nodes {
		if _, ok := first[n.choice]; !ok {
			first[n.choice] = n
		}
	}

	for _, r := range s.graph.races {
		k, j := r.earlier.choice, r.later.choice
		if k < 0 || j <= k || j >= len(s.stack) {
			continue
		}
		from := first[k].clock
		var v []step
		for m := k + 1; m < j; m++ {
			if !from.LessOrEqual(s.stack[m].clock) {
				v = append(v, s.stack[m].step)
			}
		}
		v = append(v, s.stack[j].step)

		cp := s.stack[k]
		if cp.asleep(v) {
			continue
		}
		cp.branches.insert(v)
	}
}

// advance puts the explored branches to sleep and moves to the deepest
// choice point with a branch left, truncating the path there.
func (s *TrustStrategy) advance() {
	for k := len(s.stack) - 1; k >= 0; k-- {
		cp := s.stack[k]
		cp.sleep[cp.chosen()] = cp.step
		cp.branches.children = cp.branches.children[1:]
		if len(cp.branches.children) > 0 {
			cp.value = nil
			s.stack = s.stack[:k+1]
			return
		}
	}
	s.stack = nil
	s.exhausted = true
}

func (s *TrustStrategy) pick(ids []event.TaskID) event.TaskID {
	if s.tieBreak == Random {
		return ids[s.rng.Intn(len(ids))]
	}
	return ids[0]
}

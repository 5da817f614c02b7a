package strategy

import (
	"fmt"
	"sort"
	"strings"

	"v.io/x/lib/toposort"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/vclock"
)

// node is one effective event of the current execution.
type node struct {
	seq    int
	ev     event.Event
	actor  event.TaskID
	clock  vclock.Clock
	choice int // index of the choice that let actor perform ev, -1 for the root start
	prev   *node
	deps   []*node // synchronization and conflict predecessors
}

func (n *node) String() string {
	return fmt.Sprintf("#%d %s %v", n.seq, event.String(n.ev), n.clock)
}

// race is a pair of conflicting events of different tasks with no other
// event ordered between them.
type race struct {
	earlier, later *node
}

// graph is the execution graph of one iteration: program order,
// synchronization order and conflict edges, with a vector clock per node.
type graph struct {
	nodes       []*node
	last        map[event.TaskID]*node
	clocks      map[event.TaskID]vclock.Clock
	lastRelease map[event.LockID]*node
	finishes    map[event.TaskID]*node
	races       []race
}

func newGraph() *graph {
	return &graph{
		last:        make(map[event.TaskID]*node),
		clocks:      make(map[event.TaskID]vclock.Clock),
		lastRelease: make(map[event.LockID]*node),
		finishes:    make(map[event.TaskID]*node),
	}
}

// add appends e performed by actor at the given choice. released lists the
// locks a Finish drops. The races of e with earlier nodes are recorded
// before e is ordered after them.
func (g *graph) add(e event.Event, choice int, released []event.LockID) (*node, error) {
	actor := event.Actor(e)
	base, ok := g.clocks[actor]
	if !ok {
		s, isStart := e.(event.Start)
		if !isStart || s.Parent != event.NoTask {
			return nil, fmt.Errorf("%w: %s from task %d with no recorded state", ErrInconsistentGraph, event.String(e), actor)
		}
		base = vclock.New()
	}

	n := &node{seq: len(g.nodes), ev: e, actor: actor, choice: choice, prev: g.last[actor]}
	g.collectRaces(n, base)

	c := base
	switch e := e.(type) {
	case event.LockAcquire:
		if r := g.lastRelease[e.Lock]; r != nil {
			n.deps = append(n.deps, r)
			c = c.Merge(r.clock)
		}
	case event.JoinRequest:
		f, ok := g.finishes[e.Target]
		if !ok {
			return nil, fmt.Errorf("%w: join of %d before its finish", ErrInconsistentGraph, e.Target)
		}
		n.deps = append(n.deps, f)
		c = c.Merge(f.clock)
	case event.Read, event.Write:
		for _, m := range g.nodes {
			if m.actor != actor && conflicts(m.ev, e) {
				n.deps = append(n.deps, m)
				c = c.Merge(m.clock)
			}
		}
	}
	n.clock = c.Tick(int(actor))

	g.nodes = append(g.nodes, n)
	g.last[actor] = n
	g.clocks[actor] = n.clock
	switch e := e.(type) {
	case event.Start:
		g.clocks[e.Task] = n.clock
	case event.LockRelease:
		g.lastRelease[e.Lock] = n
	case event.Finish:
		g.finishes[e.Task] = n
		for _, l := range released {
			g.lastRelease[l] = n
		}
	}
	return n, nil
}

// collectRaces records the races of n: conflicting nodes of other tasks
// that do not happen before base, keeping only those not ordered before
// another of them.
func (g *graph) collectRaces(n *node, base vclock.Clock) {
	var racing []*node
	for _, m := range g.nodes {
		if m.actor != n.actor && conflicts(m.ev, n.ev) && !m.clock.LessOrEqual(base) {
			racing = append(racing, m)
		}
	}
	for _, m := range racing {
		direct := true
		for _, o := range racing {
			if o != m && m.clock.LessOrEqual(o.clock) {
				direct = false
				break
			}
		}
		if direct {
			g.races = append(g.races, race{earlier: m, later: n})
		}
	}
}

// conflicts reports whether a and b must be ordered: accesses to the same
// location with at least one write, or acquires of the same lock.
func conflicts(a, b event.Event) bool {
	switch a := a.(type) {
	case event.Read:
		if w, ok := b.(event.Write); ok {
			return w.Loc == a.Loc
		}
	case event.Write:
		switch b := b.(type) {
		case event.Read:
			return b.Loc == a.Loc
		case event.Write:
			return b.Loc == a.Loc
		}
	case event.LockAcquire:
		if b, ok := b.(event.LockAcquire); ok {
			return b.Lock == a.Lock
		}
	}
	return false
}

// syncs reports whether a orders b without a data conflict: a task's start
// and its events, a finish and the joins on it, a release and the acquires
// of the lock.
func syncs(a, b event.Event) bool {
	switch a := a.(type) {
	case event.Start:
		return event.Actor(b) == a.Task
	case event.Finish:
		if j, ok := b.(event.JoinRequest); ok {
			return j.Target == a.Task
		}
	case event.LockRelease:
		if acq, ok := b.(event.LockAcquire); ok {
			return acq.Lock == a.Lock
		}
	}
	return false
}

// validate checks that program order, synchronization and conflict edges
// form a DAG.
func (g *graph) validate() error {
	var sorter toposort.Sorter
	for _, n := range g.nodes {
		sorter.AddNode(n)
		if n.prev != nil {
			sorter.AddEdge(n, n.prev)
		}
		for _, d := range n.deps {
			sorter.AddEdge(n, d)
		}
	}
	if _, cycles := sorter.Sort(); len(cycles) > 0 {
		return fmt.Errorf("%w: cycle %s", ErrInconsistentGraph, toposort.DumpCycles(cycles, func(v interface{}) string {
			return v.(*node).String()
		}))
	}
	return nil
}

// key returns a canonical form of the execution: for every task in id order,
// its events with their clocks. Equivalent interleavings have equal keys.
func (g *graph) key() string {
	byTask := make(map[event.TaskID][]*node)
	var ids []event.TaskID
	for _, n := range g.nodes {
		if _, ok := byTask[n.actor]; !ok {
			ids = append(ids, n.actor)
		}
		byTask[n.actor] = append(byTask[n.actor], n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%d:", id)
		for _, n := range byTask[id] {
			fmt.Fprintf(&b, " %s%v", label(n.ev), n.clock)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// label names an event without the values it carries.
func label(e event.Event) string {
	switch e := e.(type) {
	case event.Start:
		return fmt.Sprintf("start(%d)", e.Task)
	case event.Read:
		return "r(" + e.Loc.String() + ")"
	case event.Write:
		return "w(" + e.Loc.String() + ")"
	case event.LockAcquire:
		return fmt.Sprintf("acq(%d)", e.Lock)
	case event.LockRelease:
		return fmt.Sprintf("rel(%d)", e.Lock)
	case event.JoinRequest:
		return fmt.Sprintf("join(%d)", e.Target)
	default:
		return e.Kind().String()
	}
}

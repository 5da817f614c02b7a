// Package workload contains concurrent programs to explore: small systems
// with known interleaving counts or known bugs.
package workload

import (
	"fmt"
	"sort"
	"strings"

	"github.com/amirkhaki/moriarty/pkg/runtime"
)

// Params tune a workload.
type Params struct {
	// Workers is the number of concurrent tasks.
	Workers int `yaml:"workers"`
	// Fixed selects the correct variant of workloads with a known bug.
	Fixed bool `yaml:"fixed"`
}

type factory struct {
	description string
	build       func(Params) runtime.Program
	workers     int
}

var workloads = map[string]factory{
	"list":         {"linked-list set updated by concurrent workers", LinkedList, 5},
	"bank":         {"deposits racing on an unguarded balance", Bank, 2},
	"philosophers": {"dining philosophers taking forks in order", Philosophers, 3},
	"dice":         {"random draw filtered by an assumption", Dice, 1},
}

// Names returns the registered workload names.
func Names() []string {
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a one-line description of a workload.
func Describe(name string) string {
	return workloads[name].description
}

// Get returns the program of the named workload. Zero workers selects the
// workload's default.
func Get(name string, p Params) (runtime.Program, error) {
	f, ok := workloads[name]
	if !ok {
		return nil, fmt.Errorf("unknown workload %q (want one of %s)", name, strings.Join(Names(), ", "))
	}
	if p.Workers < 0 {
		return nil, fmt.Errorf("workload %s: negative workers %d", name, p.Workers)
	}
	if p.Workers == 0 {
		p.Workers = f.workers
	}
	return f.build(p), nil
}

// LinkedList starts p.Workers tasks on a shared set. Worker i inserts 2i
// when i is even and removes 2(i-1) otherwise; each does exactly one
// critical section, so the executions are the orders of the lock
// acquisitions. The root checks the set stays sorted and duplicate free.
func LinkedList(p Params) runtime.Program {
	return func(t *runtime.Task) {
		s := NewSet(t)
		workers := make([]*runtime.Task, 0, p.Workers)
		for i := 0; i < p.Workers; i++ {
			i := i
			workers = append(workers, t.Go(func(w *runtime.Task) {
				if i%2 == 0 {
					s.Insert(w, 2*i)
				} else {
					s.Remove(w, 2*(i-1))
				}
			}))
		}
		for _, w := range workers {
			t.Join(w)
		}
		values := s.Values(t)
		for i := 1; i < len(values); i++ {
			t.Assert(values[i-1] < values[i], "set not strictly sorted: %v", values)
		}
	}
}

// Bank runs p.Workers deposits of 10 on one account. Each deposit reads the
// balance and writes it back increased, without a lock unless p.Fixed, so
// deposits can be lost.
func Bank(p Params) runtime.Program {
	return func(t *runtime.Task) {
		const amount = 10
		balance := runtime.NewVar(t, 0)
		var mu *runtime.Mutex
		if p.Fixed {
			mu = runtime.NewMutex(t)
		}
		workers := make([]*runtime.Task, 0, p.Workers)
		for i := 0; i < p.Workers; i++ {
			workers = append(workers, t.Go(func(w *runtime.Task) {
				if mu != nil {
					mu.Lock(w)
					defer mu.Unlock(w)
				}
				b := balance.Load(w)
				balance.Store(w, b+amount)
			}))
		}
		for _, w := range workers {
			t.Join(w)
		}
		want := amount * p.Workers
		got := balance.Load(t)
		t.Assert(got == want, "lost update: balance %d, want %d", got, want)
	}
}

// Philosophers seats p.Workers philosophers around as many forks. Each
// takes its left fork then its right one, which can deadlock; with p.Fixed
// the last philosopher takes them in the opposite order.
func Philosophers(p Params) runtime.Program {
	return func(t *runtime.Task) {
		n := p.Workers
		forks := make([]*runtime.Mutex, n)
		for i := range forks {
			forks[i] = runtime.NewMutex(t)
		}
		meals := runtime.NewVar(t, 0)
		philosophers := make([]*runtime.Task, 0, n)
		for i := 0; i < n; i++ {
			first, second := forks[i], forks[(i+1)%n]
			if p.Fixed && i == n-1 {
				first, second = second, first
			}
			philosophers = append(philosophers, t.Go(func(w *runtime.Task) {
				first.Lock(w)
				second.Lock(w)
				meals.Store(w, meals.Load(w)+1)
				second.Unlock(w)
				first.Unlock(w)
			}))
		}
		for _, w := range philosophers {
			t.Join(w)
		}
		got := meals.Load(t)
		t.Assert(got == n, "%d meals for %d philosophers", got, n)
	}
}

// Dice rolls a die per worker, ignores rolls of one and fails on a six.
// The rolls are part of the schedule.
func Dice(p Params) runtime.Program {
	return func(t *runtime.Task) {
		workers := make([]*runtime.Task, 0, p.Workers)
		for i := 0; i < p.Workers; i++ {
			workers = append(workers, t.Go(func(w *runtime.Task) {
				roll := w.RandomInt(6) + 1
				w.Assume(roll != 1)
				w.Assert(p.Fixed || roll != 6, "rolled a six")
			}))
		}
		for _, w := range workers {
			t.Join(w)
		}
	}
}

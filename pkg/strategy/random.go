package strategy

import (
	"sync"

	"golang.org/x/exp/rand"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/task"
)

// RandomStrategy picks uniformly among the enabled tasks. Tasks waiting for
// a held lock or an unfinished join are never picked. Iteration n draws from
// a generator seeded with seed+n, so one seed reproduces every iteration.
type RandomStrategy struct {
	mu   sync.Mutex
	seed int64
	rng  *rand.Rand
	reg  *task.Registry
}

// NewRandomStrategy creates a strategy that randomly orders task execution.
func NewRandomStrategy(seed int64) *RandomStrategy {
	return &RandomStrategy{
		seed: seed,
		rng:  rand.New(rand.NewSource(uint64(seed))),
		reg:  task.NewRegistry(),
	}
}

// InitIteration reseeds the generator for iteration n.
func (s *RandomStrategy) InitIteration(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(uint64(s.seed) + uint64(n)))
	s.reg.Reset()
	return nil
}

// UpdateEvent updates the active set and the lock-wait map.
func (s *RandomStrategy) UpdateEvent(e event.Event) error {
	_, err := s.reg.Apply(e)
	return err
}

// NextTask draws one of the active tasks.
func (s *RandomStrategy) NextTask() (event.Choice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.reg.Enabled()
	if len(active) == 0 {
		return event.EndOfSchedule(), nil
	}
	id := active[s.rng.Intn(len(active))]
	c, _, err := selectTask(s.reg, id, s.rng.Intn)
	return c, err
}

// Active returns the tasks NextTask may pick, in ascending order.
func (s *RandomStrategy) Active() []event.TaskID {
	return s.reg.Enabled()
}

// ResetIteration does nothing.
func (s *RandomStrategy) ResetIteration(n int) error { return nil }

// Done is always false; the iteration budget bounds the search.
func (s *RandomStrategy) Done() bool { return false }

// Teardown does nothing.
func (s *RandomStrategy) Teardown() {}

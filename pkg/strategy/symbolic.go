package strategy

import (
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/task"
)

// SymbolicStrategy returns a pseudo-random enabled task and keeps no
// history. Its interest is in values: a draw in [0, bound) favours the
// edges 0 and bound-1, the way a solver-driven search would try boundary
// inputs, so scheduling decisions double as choices of concrete values.
type SymbolicStrategy struct {
	mu  sync.Mutex
	src rand.Source
	rng *rand.Rand
	reg *task.Registry
}

// NewSymbolicStrategy creates a symbolic strategy.
func NewSymbolicStrategy(seed int64) *SymbolicStrategy {
	src := rand.NewSource(uint64(seed))
	return &SymbolicStrategy{src: src, rng: rand.New(src), reg: task.NewRegistry()}
}

// InitIteration forgets the previous iteration's tasks.
func (s *SymbolicStrategy) InitIteration(n int) error {
	s.reg.Reset()
	return nil
}

// UpdateEvent tracks which tasks are enabled.
func (s *SymbolicStrategy) UpdateEvent(e event.Event) error {
	_, err := s.reg.Apply(e)
	return err
}

// NextTask picks any enabled task.
func (s *SymbolicStrategy) NextTask() (event.Choice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled := s.reg.Enabled()
	if len(enabled) == 0 {
		return event.EndOfSchedule(), nil
	}
	id := enabled[s.rng.Intn(len(enabled))]
	c, _, err := selectTask(s.reg, id, s.value)
	return c, err
}

// value draws from [0, bound) with the edges weighted three times the
// interior.
func (s *SymbolicStrategy) value(bound int) int {
	weights := make([]float64, bound)
	for i := range weights {
		weights[i] = 1
	}
	weights[0], weights[bound-1] = 3, 3
	i, ok := sampleuv.NewWeighted(weights, s.src).Take()
	if !ok {
		return 0
	}
	return i
}

func (s *SymbolicStrategy) ResetIteration(n int) error { return nil }
func (s *SymbolicStrategy) Done() bool                 { return false }
func (s *SymbolicStrategy) Teardown()                  {}

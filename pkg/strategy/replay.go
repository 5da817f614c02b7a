package strategy

import (
	"fmt"
	"sync"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/schedule"
	"github.com/amirkhaki/moriarty/pkg/task"
)

// ReplayStrategy replays choices in the exact recorded order, including
// recorded values. It performs no analysis of its own; it only checks that
// every recorded task is still enabled when its turn comes.
type ReplayStrategy struct {
	mu       sync.Mutex
	schedule []event.Choice
	idx      int
	reg      *task.Registry
	played   int
}

// NewReplayStrategy creates a replay strategy for a schedule.
func NewReplayStrategy(choices []event.Choice) *ReplayStrategy {
	return &ReplayStrategy{schedule: choices, reg: task.NewRegistry()}
}

// LoadReplayStrategy creates a replay strategy from a schedule file.
func LoadReplayStrategy(path string) (*ReplayStrategy, error) {
	choices, err := schedule.Read(path)
	if err != nil {
		return nil, err
	}
	return NewReplayStrategy(choices), nil
}

// InitIteration rewinds the schedule.
func (s *ReplayStrategy) InitIteration(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = 0
	s.reg.Reset()
	return nil
}

// UpdateEvent tracks which tasks are enabled.
func (s *ReplayStrategy) UpdateEvent(e event.Event) error {
	_, err := s.reg.Apply(e)
	return err
}

// NextTask returns the next recorded choice.
func (s *ReplayStrategy) NextTask() (event.Choice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := s.reg.Enabled()
	if s.idx >= len(s.schedule) {
		if len(enabled) == 0 {
			return event.EndOfSchedule(), nil
		}
		return event.Choice{}, fmt.Errorf("%w: schedule exhausted after %d choices, enabled %v", ErrDivergence, s.idx, enabled)
	}
	c := s.schedule[s.idx]
	s.idx++

	switch {
	case c.BlockExecution:
		if len(enabled) > 0 {
			return event.Choice{}, fmt.Errorf("%w: schedule ends at choice %d, enabled %v", ErrDivergence, s.idx-1, enabled)
		}
		return c, nil
	case c.BlockTask:
		if st := s.reg.State(c.Task); st == 0 || st == task.Finished {
			return event.Choice{}, fmt.Errorf("%w: choice %d blocks task %d in state %v", ErrDivergence, s.idx-1, c.Task, st)
		}
		return c, nil
	}
	if !contains(enabled, c.Task) {
		return event.Choice{}, fmt.Errorf("%w: choice %d: task %d not enabled in %v", ErrDivergence, s.idx-1, c.Task, enabled)
	}
	if _, wantsValue := s.reg.PendingDraw(c.Task); wantsValue != (c.Value != nil) {
		return event.Choice{}, fmt.Errorf("%w: choice %d: task %d value mismatch", ErrDivergence, s.idx-1, c.Task)
	}
	if _, err := s.reg.Select(c.Task); err != nil {
		return event.Choice{}, fmt.Errorf("%w: %v", ErrDivergence, err)
	}
	return c, nil
}

// ResetIteration counts the completed playback.
func (s *ReplayStrategy) ResetIteration(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played++
	return nil
}

// Done reports whether the schedule has been played once.
func (s *ReplayStrategy) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played > 0
}

// Remaining returns the number of choices not yet replayed.
func (s *ReplayStrategy) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedule) - s.idx
}

// Teardown does nothing for replay.
func (s *ReplayStrategy) Teardown() {}

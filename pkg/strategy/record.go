package strategy

import (
	"sync"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/schedule"
)

// Recorder wraps a strategy and records the events and choices of the
// current iteration. It doesn't change any decision, it just observes.
type Recorder struct {
	Strategy

	mu      sync.Mutex
	events  []event.Event
	choices []event.Choice
	path    string
}

// NewRecorder records inner. If path is not empty RecordSchedule writes the
// current iteration's schedule there.
func NewRecorder(inner Strategy, path string) *Recorder {
	return &Recorder{Strategy: inner, path: path}
}

// InitIteration clears the recording.
func (r *Recorder) InitIteration(n int) error {
	r.mu.Lock()
	r.events, r.choices = nil, nil
	r.mu.Unlock()
	return r.Strategy.InitIteration(n)
}

// UpdateEvent records e before passing it on.
func (r *Recorder) UpdateEvent(e event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return r.Strategy.UpdateEvent(e)
}

// NextTask records the inner strategy's choice.
func (r *Recorder) NextTask() (event.Choice, error) {
	c, err := r.Strategy.NextTask()
	if err != nil {
		return c, err
	}
	r.mu.Lock()
	r.choices = append(r.choices, c)
	r.mu.Unlock()
	return c, nil
}

// Events returns the events of the current iteration.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// Choices returns the choices of the current iteration.
func (r *Recorder) Choices() []event.Choice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Choice(nil), r.choices...)
}

// RecordSchedule writes the current choices, terminated by the end marker.
// It does nothing without a path.
func (r *Recorder) RecordSchedule() error {
	if r.path == "" {
		return nil
	}
	choices := r.Choices()
	if n := len(choices); n == 0 || !choices[n-1].BlockExecution {
		choices = append(choices, event.EndOfSchedule())
	}
	return schedule.Store(r.path, choices)
}

// Unwrap returns the recorded strategy.
func (r *Recorder) Unwrap() Strategy {
	return r.Strategy
}

// Package strategy implements the scheduling strategies that decide which
// task runs next.
package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/task"
)

// Strategy decides the order in which tasks run. The coordinator calls it
// from one goroutine at a time.
type Strategy interface {
	// InitIteration prepares iteration n.
	InitIteration(n int) error

	// UpdateEvent records an event reported by the running task.
	// It must not block.
	UpdateEvent(e event.Event) error

	// NextTask returns the next choice. Only enabled tasks are returned;
	// the end marker only when none is enabled.
	NextTask() (event.Choice, error)

	// ResetIteration is called after iteration n completed.
	ResetIteration(n int) error

	// Done reports whether further iterations cannot find anything new.
	Done() bool

	// Teardown is called once after the last iteration.
	Teardown()
}

// Explorer is implemented by strategies that count what they explored.
type Explorer interface {
	Strategy
	// Distinct returns the number of distinct executions seen so far.
	Distinct() int
	// Pending returns the number of targets still to explore.
	Pending() int
}

var (
	// ErrInconsistentGraph is returned when events contradict the
	// strategy's model of the execution, e.g. an event from a task with no
	// recorded state.
	ErrInconsistentGraph = errors.New("inconsistent execution graph")

	// ErrDivergence is returned when a replayed prefix no longer matches
	// the execution.
	ErrDivergence = errors.New("execution diverged from schedule")
)

// InvalidStrategyError is returned by New for an unknown strategy name.
type InvalidStrategyError struct {
	Name string
}

func (e *InvalidStrategyError) Error() string {
	return fmt.Sprintf("invalid strategy %q (want one of %s)", e.Name, strings.Join(Names(), ", "))
}

// IsInvalidStrategy reports whether err is an InvalidStrategyError.
func IsInvalidStrategy(err error) bool {
	var ise *InvalidStrategyError
	return errors.As(err, &ise)
}

// TieBreak selects among equally good enabled tasks.
type TieBreak uint8

const (
	FIFO TieBreak = iota + 1
	Random
)

func (t TieBreak) String() string {
	switch t {
	case FIFO:
		return "fifo"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// ParseTieBreak parses "fifo" or "random".
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(s) {
	case "fifo":
		return FIFO, nil
	case "random":
		return Random, nil
	default:
		return 0, fmt.Errorf("invalid tie-break policy %q", s)
	}
}

// Options configure New.
type Options struct {
	Name     string
	Seed     int64
	TieBreak TieBreak
	// Schedule is required by "replay".
	Schedule []event.Choice
}

// Names returns the strategy names accepted by New.
func Names() []string {
	return []string{"random", "trust", "symbolic", "replay"}
}

// New creates the strategy named by opts.Name.
func New(opts Options) (Strategy, error) {
	switch strings.ToLower(opts.Name) {
	case "random":
		return NewRandomStrategy(opts.Seed), nil
	case "trust":
		tb := opts.TieBreak
		if tb == 0 {
			tb = FIFO
		}
		return NewTrustStrategy(tb, opts.Seed), nil
	case "symbolic":
		return NewSymbolicStrategy(opts.Seed), nil
	case "replay":
		if len(opts.Schedule) == 0 {
			return nil, errors.New("replay strategy needs a schedule")
		}
		return NewReplayStrategy(opts.Schedule), nil
	default:
		return nil, &InvalidStrategyError{Name: opts.Name}
	}
}

// selectTask marks id as chosen in reg and builds the choice, drawing a
// value when id waits for one. It also returns the deferred operation that
// took effect, if any.
func selectTask(reg *task.Registry, id event.TaskID, draw func(bound int) int) (event.Choice, event.Event, error) {
	bound, wantsValue := reg.PendingDraw(id)
	deferred, err := reg.Select(id)
	if err != nil {
		return event.Choice{}, nil, err
	}
	if wantsValue {
		return event.RunWithValue(id, draw(bound)), deferred, nil
	}
	return event.Run(id), deferred, nil
}

func contains(ids []event.TaskID, id event.TaskID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

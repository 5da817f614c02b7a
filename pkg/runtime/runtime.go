// Package runtime runs a concurrent program under a scheduling strategy.
// Tasks of the program run on goroutines, but only one at a time: each
// synchronization point is reported to the strategy, which picks the task
// that continues. Repeating this over many iterations explores the
// interleavings of the program; a failing interleaving is captured as a
// schedule that replays it exactly.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"v.io/x/lib/vlog"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/strategy"
)

// Program is the body of the root task.
type Program func(t *Task)

// Options configure an Engine.
type Options struct {
	// Iterations bounds the number of iterations. Must be positive.
	Iterations int

	// MaxEvents bounds the events of one iteration; the task reporting one
	// more is aborted. Zero means unbounded.
	MaxEvents int

	// VerifyReplay replays a failing schedule to check it reproduces.
	VerifyReplay bool

	// Debug attaches a dump of the scheduler state to halt errors.
	Debug bool

	Logger *vlog.Logger
}

// IterationStats describes one iteration.
type IterationStats struct {
	Iteration int
	Events    int
	Choices   int
	// Distinct executions found so far.
	Distinct int
	Duration time.Duration
}

// Result of an exploration.
type Result struct {
	RunID      string
	Strategy   string
	Iterations int
	// Distinct executions explored. Strategies that don't count their
	// own report distinct schedules.
	Distinct int
	// Exhausted is set when the strategy has nothing left to explore.
	Exhausted bool
	// Failure is the first failing iteration, nil if none.
	Failure *Error
	// Schedule reproduces Failure; empty when there is none.
	Schedule []event.Choice
	Stats    []IterationStats
}

// Engine explores a program with one strategy.
type Engine struct {
	strategy strategy.Strategy
	opts     Options
	log      *vlog.Logger
}

// NewLogger returns a logger writing to stderr at the given verbosity.
func NewLogger(name string, verbosity int) *vlog.Logger {
	l := vlog.NewLogger(name)
	_ = l.Configure(vlog.LogToStderr(true), vlog.Level(verbosity))
	return l
}

var defaultLogger = NewLogger("moriarty", 0)

// NewEngine creates an engine driving s.
func NewEngine(s strategy.Strategy, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = defaultLogger
	}
	return &Engine{strategy: s, opts: opts, log: opts.Logger}
}

// Explore runs iterations until one fails, the strategy is done or the
// iteration budget is used up. A recording strategy then writes the last
// schedule, and the strategy is torn down.
func (e *Engine) Explore(ctx context.Context, prog Program) (*Result, error) {
	if e.opts.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", e.opts.Iterations)
	}
	defer e.strategy.Teardown()

	res := &Result{RunID: uuid.NewString(), Strategy: strategyName(e.strategy)}
	schedules := make(map[uint64]struct{})
	e.log.VI(1).Infof("run %s: exploring with %s for up to %d iterations", res.RunID, res.Strategy, e.opts.Iterations)

	for i := 0; i < e.opts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if e.strategy.Done() {
			break
		}
		if err := e.strategy.InitIteration(i); err != nil {
			return res, fmt.Errorf("init iteration %d: %w", i, err)
		}

		start := time.Now()
		s := newScheduler(ctx, i, e.strategy, e.opts)
		failure := s.execute(prog)
		res.Iterations++
		schedules[fingerprint(s.choices)] = struct{}{}

		if failure != nil {
			res.Failure = failure
			res.Schedule = append([]event.Choice(nil), s.choices...)
			res.Stats = append(res.Stats, e.stats(s, schedules, start))
			e.log.Infof("run %s: iteration %d failed: %v", res.RunID, i, failure)
			break
		}
		if err := e.strategy.ResetIteration(i); err != nil {
			return res, fmt.Errorf("reset iteration %d: %w", i, err)
		}
		res.Stats = append(res.Stats, e.stats(s, schedules, start))
	}

	res.Exhausted = e.strategy.Done()
	res.Distinct = distinct(e.strategy, schedules)
	e.log.VI(1).Infof("run %s: %d iterations, %d distinct, exhausted=%v", res.RunID, res.Iterations, res.Distinct, res.Exhausted)

	if r, ok := e.strategy.(scheduleRecorder); ok {
		if err := r.RecordSchedule(); err != nil {
			return res, fmt.Errorf("record schedule: %w", err)
		}
	}

	if res.Failure != nil && e.opts.VerifyReplay {
		if _, err := e.Replay(ctx, prog, res.Schedule, res.Failure); err != nil {
			return res, err
		}
		res.Failure.Reproducible = true
	}
	return res, nil
}

// Replay runs prog once following choices. When want is not nil the
// iteration must fail with the same error; any difference, including a
// divergence from the schedule, is a replay-fidelity error.
func (e *Engine) Replay(ctx context.Context, prog Program, choices []event.Choice, want error) (*Result, error) {
	rs := strategy.NewReplayStrategy(choices)
	if err := rs.InitIteration(0); err != nil {
		return nil, err
	}
	defer rs.Teardown()

	start := time.Now()
	s := newScheduler(ctx, 0, rs, e.opts)
	failure := s.execute(prog)
	res := &Result{
		RunID:      uuid.NewString(),
		Strategy:   "replay",
		Iterations: 1,
		Distinct:   1,
		Failure:    failure,
		Schedule:   append([]event.Choice(nil), s.choices...),
	}
	res.Stats = []IterationStats{{Events: s.events, Choices: len(s.choices), Distinct: 1, Duration: time.Since(start)}}

	err := fidelity(failure, want)
	if left := unplayed(rs, choices); err == nil && left > 0 {
		err = &Error{Code: CodeReplayFidelity, Message: fmt.Sprintf("execution ended with %d choices left", left), Task: event.NoTask, Err: strategy.ErrDivergence}
	}
	if err != nil {
		e.log.Errorf("replay: %v", err)
		return res, err
	}
	return res, nil
}

// unplayed returns the choices rs did not reach, not counting a final end
// marker.
func unplayed(rs *strategy.ReplayStrategy, choices []event.Choice) int {
	left := rs.Remaining()
	if left > 0 && choices[len(choices)-1].BlockExecution {
		left--
	}
	return left
}

func fidelity(got *Error, want error) error {
	if got != nil && errors.Is(got, strategy.ErrDivergence) {
		return &Error{Code: CodeReplayFidelity, Message: "execution diverged from the schedule", Task: got.Task, Err: got}
	}
	switch {
	case want == nil:
		return nil
	case got == nil:
		return &Error{Code: CodeReplayFidelity, Message: "replay did not fail", Task: event.NoTask, Err: want}
	case !sameFailure(got, want):
		return &Error{Code: CodeReplayFidelity, Message: fmt.Sprintf("replay failed with %q", got.Message), Task: got.Task, Err: want}
	}
	return nil
}

func (e *Engine) stats(s *scheduler, schedules map[uint64]struct{}, start time.Time) IterationStats {
	return IterationStats{
		Iteration: s.iteration,
		Events:    s.events,
		Choices:   len(s.choices),
		Distinct:  distinct(e.strategy, schedules),
		Duration:  time.Since(start),
	}
}

// scheduleRecorder is implemented by strategies that persist the schedule
// of the last iteration.
type scheduleRecorder interface {
	RecordSchedule() error
}

// Unwrapper is implemented by strategies wrapping another one.
type Unwrapper interface {
	Unwrap() strategy.Strategy
}

func distinct(s strategy.Strategy, schedules map[uint64]struct{}) int {
	for s != nil {
		if ex, ok := s.(strategy.Explorer); ok {
			return ex.Distinct()
		}
		u, ok := s.(Unwrapper)
		if !ok {
			break
		}
		s = u.Unwrap()
	}
	return len(schedules)
}

func strategyName(s strategy.Strategy) string {
	for {
		switch v := s.(type) {
		case *strategy.RandomStrategy:
			return "random"
		case *strategy.TrustStrategy:
			return "trust"
		case *strategy.SymbolicStrategy:
			return "symbolic"
		case *strategy.ReplayStrategy:
			return "replay"
		case Unwrapper:
			s = v.Unwrap()
		default:
			return fmt.Sprintf("%T", s)
		}
	}
}

// fingerprint hashes a schedule.
func fingerprint(choices []event.Choice) uint64 {
	h := fnv.New64a()
	for _, c := range choices {
		fmt.Fprintf(h, "%v;", c)
	}
	return h.Sum64()
}

package runtime_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/runtime"
	"github.com/amirkhaki/moriarty/pkg/strategy"
	"github.com/amirkhaki/moriarty/pkg/task"
	"github.com/amirkhaki/moriarty/pkg/workload"
)

func explore(t *testing.T, s strategy.Strategy, prog runtime.Program, opts runtime.Options) *runtime.Result {
	t.Helper()
	res, err := runtime.NewEngine(s, opts).Explore(context.Background(), prog)
	require.NoError(t, err)
	return res
}

func TestMutualExclusion(t *testing.T) {
	var active, violations atomic.Int32
	step := func() {
		if active.Add(1) != 1 {
			violations.Add(1)
		}
		goruntime.Gosched()
		active.Add(-1)
	}
	prog := func(root *runtime.Task) {
		x := runtime.NewVar(root, 0)
		mu := runtime.NewMutex(root)
		var workers []*runtime.Task
		for i := 0; i < 4; i++ {
			workers = append(workers, root.Go(func(w *runtime.Task) {
				for j := 0; j < 3; j++ {
					step()
					v := x.Load(w)
					step()
					mu.Lock(w)
					step()
					x.Store(w, v+1)
					step()
					mu.Unlock(w)
				}
			}))
		}
		step()
		for _, w := range workers {
			root.Join(w)
			step()
		}
	}

	res := explore(t, strategy.NewRandomStrategy(7), prog, runtime.Options{Iterations: 50})
	require.Nil(t, res.Failure)
	assert.Equal(t, 50, res.Iterations)
	assert.Zero(t, violations.Load())
}

func TestDeterministicSchedules(t *testing.T) {
	prog, err := workload.Get("bank", workload.Params{Workers: 3, Fixed: true})
	require.NoError(t, err)

	var files [2][]byte
	var stats [2][]runtime.IterationStats
	for i := range files {
		path := filepath.Join(t.TempDir(), "schedule.json")
		rec := strategy.NewRecorder(strategy.NewRandomStrategy(42), path)
		res := explore(t, rec, prog, runtime.Options{Iterations: 20})
		require.Nil(t, res.Failure)

		files[i], err = os.ReadFile(path)
		require.NoError(t, err)
		stats[i] = res.Stats
	}
	assert.True(t, bytes.Equal(files[0], files[1]), "schedules differ:\n%s\n%s", files[0], files[1])
	require.Len(t, stats[1], len(stats[0]))
	for i := range stats[0] {
		assert.Equal(t, stats[0][i].Choices, stats[1][i].Choices)
		assert.Equal(t, stats[0][i].Events, stats[1][i].Events)
	}
}

func TestScheduleWriteError(t *testing.T) {
	prog, err := workload.Get("bank", workload.Params{Fixed: true})
	require.NoError(t, err)

	rec := strategy.NewRecorder(strategy.NewRandomStrategy(1), filepath.Join(t.TempDir(), "missing", "schedule.json"))
	res, err := runtime.NewEngine(rec, runtime.Options{Iterations: 2}).Explore(context.Background(), prog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record schedule")
	assert.Equal(t, 2, res.Iterations)
}

func TestReplayReproducesFailure(t *testing.T) {
	prog, err := workload.Get("bank", workload.Params{})
	require.NoError(t, err)

	res := explore(t, strategy.NewRandomStrategy(1), prog, runtime.Options{Iterations: 200, VerifyReplay: true})
	require.NotNil(t, res.Failure, "lost update not found")
	assert.True(t, runtime.IsProgramFailure(res.Failure))
	assert.True(t, res.Failure.Reproducible)
	assert.IsType(t, &runtime.AssertionError{}, res.Failure.Value)
	assert.True(t, res.Schedule[len(res.Schedule)-1].BlockExecution)

	engine := runtime.NewEngine(strategy.NewRandomStrategy(0), runtime.Options{Iterations: 1})
	for i := 0; i < 3; i++ {
		rep, err := engine.Replay(context.Background(), prog, res.Schedule, res.Failure)
		require.NoError(t, err)
		require.NotNil(t, rep.Failure)
		assert.Equal(t, res.Failure.Message, rep.Failure.Message)
		assert.Equal(t, res.Schedule, rep.Schedule)
	}
}

func TestReplayFidelityErrors(t *testing.T) {
	prog, err := workload.Get("bank", workload.Params{})
	require.NoError(t, err)
	ctx := context.Background()

	// FIFO runs the deposits one after the other.
	rec := strategy.NewRecorder(strategy.NewTrustStrategy(strategy.FIFO, 0), "")
	res := explore(t, rec, prog, runtime.Options{Iterations: 1})
	require.Nil(t, res.Failure)
	passing := rec.Choices()

	engine := runtime.NewEngine(strategy.NewRandomStrategy(0), runtime.Options{Iterations: 1})
	_, err = engine.Replay(ctx, prog, passing, nil)
	assert.NoError(t, err)

	want := &runtime.Error{Code: runtime.CodeProgramFailure, Message: "assertion failed: lost update: balance 10, want 20"}
	_, err = engine.Replay(ctx, prog, passing, want)
	assert.True(t, runtime.IsReplayFidelityError(err), "got %v", err)

	_, err = engine.Replay(ctx, prog, passing[:3], nil)
	assert.True(t, runtime.IsReplayFidelityError(err), "got %v", err)
	assert.ErrorIs(t, err, strategy.ErrDivergence)

	// the execution ends before the schedule does
	tail := append(append([]event.Choice(nil), passing...), event.Run(1), event.EndOfSchedule())
	_, err = engine.Replay(ctx, prog, tail, nil)
	assert.True(t, runtime.IsReplayFidelityError(err), "got %v", err)
	assert.ErrorIs(t, err, strategy.ErrDivergence)
	assert.Contains(t, err.Error(), "1 choices left")

	_, err = engine.Replay(ctx, prog, append(append([]event.Choice(nil), passing...), event.EndOfSchedule()), nil)
	assert.NoError(t, err)
}

func TestDeadlock(t *testing.T) {
	prog, err := workload.Get("philosophers", workload.Params{Workers: 3})
	require.NoError(t, err)

	res := explore(t, strategy.NewRandomStrategy(3), prog, runtime.Options{Iterations: 500, Debug: true})
	require.NotNil(t, res.Failure, "deadlock not found")
	assert.True(t, runtime.IsDeadlockError(res.Failure), "got %v", res.Failure)
	assert.Contains(t, res.Failure.Message, "blocked-lock")
	assert.NotEmpty(t, res.Failure.Diagnostics)

	fixed, err := workload.Get("philosophers", workload.Params{Workers: 3, Fixed: true})
	require.NoError(t, err)
	res = explore(t, strategy.NewRandomStrategy(3), fixed, runtime.Options{Iterations: 200})
	assert.Nil(t, res.Failure)
}

func TestEventBudget(t *testing.T) {
	const budget = 20
	prog := func(root *runtime.Task) {
		x := runtime.NewVar(root, 0)
		root.Go(func(w *runtime.Task) {
			for {
				x.Store(w, x.Load(w)+1)
			}
		})
		for {
			x.Load(root)
		}
	}

	rec := strategy.NewRecorder(strategy.NewRandomStrategy(5), "")
	res := explore(t, rec, prog, runtime.Options{Iterations: 10, MaxEvents: budget})
	require.Nil(t, res.Failure)
	assert.Equal(t, 10, res.Iterations)

	n := 0
	for _, e := range rec.Events() {
		if e.Kind() != event.KindFinish {
			n++
		}
	}
	assert.Equal(t, budget, n)
	for _, st := range res.Stats {
		assert.LessOrEqual(t, st.Events, budget)
	}
}

func TestAssumeAndValues(t *testing.T) {
	fixed, err := workload.Get("dice", workload.Params{Workers: 2, Fixed: true})
	require.NoError(t, err)
	res := explore(t, strategy.NewSymbolicStrategy(9), fixed, runtime.Options{Iterations: 100})
	assert.Nil(t, res.Failure)

	prog, err := workload.Get("dice", workload.Params{Workers: 2})
	require.NoError(t, err)
	res = explore(t, strategy.NewSymbolicStrategy(9), prog, runtime.Options{Iterations: 100, VerifyReplay: true})
	require.NotNil(t, res.Failure, "six never rolled")
	assert.Equal(t, "assertion failed: rolled a six", res.Failure.Message)
	assert.True(t, res.Failure.Reproducible)

	values := 0
	for _, c := range res.Schedule {
		if c.Value != nil {
			v, ok := c.Value.(int)
			require.True(t, ok)
			assert.True(t, v >= 0 && v < 6)
			values++
		}
	}
	assert.NotZero(t, values)
}

func TestAssumeAbortsOnlyTheTask(t *testing.T) {
	var after atomic.Bool
	prog := func(root *runtime.Task) {
		w := root.Go(func(w *runtime.Task) {
			w.Assume(false)
			after.Store(true)
		})
		root.Join(w)
	}
	res := explore(t, strategy.NewRandomStrategy(0), prog, runtime.Options{Iterations: 5})
	assert.Nil(t, res.Failure)
	assert.False(t, after.Load())
}

func TestProgramPanic(t *testing.T) {
	boom := errors.New("boom")
	prog := func(root *runtime.Task) {
		x := runtime.NewVar(root, 0)
		w := root.Go(func(w *runtime.Task) {
			x.Store(w, 1)
			panic(boom)
		})
		root.Join(w)
	}
	res := explore(t, strategy.NewRandomStrategy(0), prog, runtime.Options{Iterations: 3})
	require.NotNil(t, res.Failure)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, runtime.CodeProgramFailure, res.Failure.Code)
	assert.Equal(t, event.TaskID(1), res.Failure.Task)
	assert.Same(t, boom, res.Failure.Value)
	assert.ErrorIs(t, res.Failure, boom)
	assert.NotEmpty(t, res.Failure.Stack)
}

func TestDeferredUnlockAfterHalt(t *testing.T) {
	prog := func(root *runtime.Task) {
		mu := runtime.NewMutex(root)
		w := root.Go(func(w *runtime.Task) {
			mu.Lock(w)
			defer mu.Unlock(w)
			panic("inside critical section")
		})
		mu.Lock(root)
		mu.Unlock(root)
		root.Join(w)
	}
	res := explore(t, strategy.NewRandomStrategy(11), prog, runtime.Options{Iterations: 5})
	require.NotNil(t, res.Failure)
	assert.Equal(t, "inside critical section", res.Failure.Message)
}

// scripted blocks victim the first time it is enabled and otherwise runs
// the lowest enabled task.
type scripted struct {
	reg     *task.Registry
	victim  event.TaskID
	blocked bool
	invalid bool
}

func (s *scripted) InitIteration(int) error {
	s.reg = task.NewRegistry()
	s.blocked = false
	return nil
}

func (s *scripted) UpdateEvent(e event.Event) error {
	_, err := s.reg.Apply(e)
	return err
}

func (s *scripted) NextTask() (event.Choice, error) {
	if s.invalid {
		return event.Run(99), nil
	}
	enabled := s.reg.Enabled()
	for _, id := range enabled {
		if id == s.victim && !s.blocked {
			s.blocked = true
			return event.Block(id), nil
		}
	}
	if _, err := s.reg.Select(enabled[0]); err != nil {
		return event.Choice{}, err
	}
	return event.Run(enabled[0]), nil
}

func (s *scripted) ResetIteration(int) error { return nil }
func (s *scripted) Done() bool                { return false }
func (s *scripted) Teardown()                 {}

func TestBlockTask(t *testing.T) {
	var ran atomic.Bool
	prog := func(root *runtime.Task) {
		w := root.Go(func(w *runtime.Task) {
			ran.Store(true)
			w.Assert(false, "blocked task ran")
		})
		root.Join(w)
	}
	res := explore(t, &scripted{victim: 1}, prog, runtime.Options{Iterations: 2})
	assert.Nil(t, res.Failure)
	assert.False(t, ran.Load())
}

func TestInvalidChoiceHalts(t *testing.T) {
	prog := func(root *runtime.Task) {
		root.Go(func(*runtime.Task) {})
	}
	res := explore(t, &scripted{invalid: true}, prog, runtime.Options{Iterations: 2})
	require.NotNil(t, res.Failure)
	assert.True(t, runtime.IsHaltExecutionError(res.Failure), "got %v", res.Failure)
}

func TestTrustLinkedList(t *testing.T) {
	prog, err := workload.Get("list", workload.Params{Workers: 5})
	require.NoError(t, err)

	res := explore(t, strategy.NewTrustStrategy(strategy.FIFO, 0), prog, runtime.Options{Iterations: 10000})
	require.Nil(t, res.Failure)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 120, res.Distinct)
	assert.Equal(t, 120, res.Iterations)
}

func TestTrustFindsLostUpdate(t *testing.T) {
	prog, err := workload.Get("bank", workload.Params{})
	require.NoError(t, err)

	res := explore(t, strategy.NewTrustStrategy(strategy.FIFO, 0), prog, runtime.Options{Iterations: 100, VerifyReplay: true})
	require.NotNil(t, res.Failure)
	assert.Contains(t, res.Failure.Message, "lost update")
	assert.True(t, res.Failure.Reproducible)
}

func TestExploreSeeds(t *testing.T) {
	prog, err := workload.Get("list", workload.Params{Workers: 3})
	require.NoError(t, err)

	seeds := []int64{1, 2, 3, 4}
	results, err := runtime.ExploreSeeds(context.Background(), prog, seeds, 2, func(seed int64) (strategy.Strategy, error) {
		return strategy.New(strategy.Options{Name: "random", Seed: seed})
	}, runtime.Options{Iterations: 20})
	require.NoError(t, err)
	require.Len(t, results, len(seeds))
	for _, res := range results {
		assert.Nil(t, res.Failure)
		assert.Equal(t, 20, res.Iterations)
		assert.NotEmpty(t, res.RunID)
	}
}

func TestExploreCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runtime.NewEngine(strategy.NewRandomStrategy(0), runtime.Options{Iterations: 5}).Explore(ctx, func(*runtime.Task) {})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = runtime.NewEngine(strategy.NewRandomStrategy(0), runtime.Options{}).Explore(context.Background(), func(*runtime.Task) {})
	assert.Error(t, err)
}

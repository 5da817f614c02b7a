package strategy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/schedule"
)

func update(t *testing.T, s Strategy, events ...event.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, s.UpdateEvent(e), event.String(e))
	}
}

// simulate drives s the way the coordinator does over scripted tasks: the
// task picked by a choice reports its next scripted event, or finishes when
// it has none left. Task 0 is the root. It returns the iteration count.
func simulate(t *testing.T, s Strategy, scripts [][]event.Event, limit int) int {
	t.Helper()
	n := 0
	for ; n < limit && !s.Done(); n++ {
		require.NoError(t, s.InitIteration(n))
		update(t, s, event.Start{Task: 0, Parent: event.NoTask})
		pos := make([]int, len(scripts))
		for {
			c, err := s.NextTask()
			require.NoError(t, err)
			if c.BlockExecution {
				break
			}
			require.True(t, c.IsRun(), "%v", c)
			id := c.Task
			if pos[id] < len(scripts[id]) {
				update(t, s, scripts[id][pos[id]])
				pos[id]++
			} else {
				update(t, s, event.Finish{Task: id})
			}
		}
		require.NoError(t, s.ResetIteration(n))
	}
	return n
}

func spawn(children int) []event.Event {
	var out []event.Event
	for i := 1; i <= children; i++ {
		out = append(out, event.Start{Task: event.TaskID(i), Parent: 0})
	}
	return out
}

func x(field string) event.Location {
	return event.Location{Object: 0, Field: field}
}

func TestRandomSkipsLockWaiters(t *testing.T) {
	s := NewRandomStrategy(1)
	require.NoError(t, s.InitIteration(0))
	const lock = event.LockID(0)
	update(t, s,
		event.Start{Task: 0, Parent: event.NoTask},
		event.Start{Task: 1, Parent: 0},
		event.LockAcquire{Task: 0, Lock: lock},
		event.LockAcquire{Task: 1, Lock: lock},
	)
	assert.Equal(t, []event.TaskID{0}, s.Active())

	for i := 0; i < 20; i++ {
		c, err := s.NextTask()
		require.NoError(t, err)
		assert.Equal(t, event.Run(0), c)
	}

	update(t, s, event.LockRelease{Task: 0, Lock: lock})
	assert.Equal(t, []event.TaskID{0, 1}, s.Active())
}

func TestRandomSameSeedSameChoices(t *testing.T) {
	scripts := [][]event.Event{spawn(3), {event.Write{Task: 1, Loc: x("a")}}, {event.Write{Task: 2, Loc: x("a")}}, {event.Read{Task: 3, Loc: x("a")}}}
	a := NewRecorder(NewRandomStrategy(9), "")
	b := NewRecorder(NewRandomStrategy(9), "")
	for n := 0; n < 5; n++ {
		simulate(t, a, scripts, 1)
		simulate(t, b, scripts, 1)
		assert.Equal(t, a.Choices(), b.Choices())
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"random", "trust", "symbolic"} {
		s, err := New(Options{Name: name, Seed: 1})
		require.NoError(t, err, name)
		assert.NotNil(t, s)
	}

	s, err := New(Options{Name: "replay", Schedule: []event.Choice{event.Run(0)}})
	require.NoError(t, err)
	assert.IsType(t, &ReplayStrategy{}, s)

	_, err = New(Options{Name: "replay"})
	assert.Error(t, err)

	_, err = New(Options{Name: "pct"})
	assert.True(t, IsInvalidStrategy(err))
	assert.Contains(t, err.Error(), "random, trust, symbolic, replay")
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("FIFO")
	require.NoError(t, err)
	assert.Equal(t, FIFO, tb)
	assert.Equal(t, "random", Random.String())
	_, err = ParseTieBreak("lifo")
	assert.Error(t, err)
}

func TestTrustCountsInterleavings(t *testing.T) {
	const lock = event.LockID(0)
	tests := []struct {
		name    string
		scripts [][]event.Event
		want    int
	}{
		{
			name:    "independent writes",
			scripts: [][]event.Event{spawn(2), {event.Write{Task: 1, Loc: x("a")}}, {event.Write{Task: 2, Loc: x("b")}}},
			want:    1,
		},
		{
			name:    "two writers",
			scripts: [][]event.Event{spawn(2), {event.Write{Task: 1, Loc: x("a")}}, {event.Write{Task: 2, Loc: x("a")}}},
			want:    2,
		},
		{
			name:    "readers do not conflict",
			scripts: [][]event.Event{spawn(2), {event.Read{Task: 1, Loc: x("a")}}, {event.Read{Task: 2, Loc: x("a")}}},
			want:    1,
		},
		{
			name: "three writers",
			scripts: [][]event.Event{spawn(3),
				{event.Write{Task: 1, Loc: x("a")}},
				{event.Write{Task: 2, Loc: x("a")}},
				{event.Write{Task: 3, Loc: x("a")}},
			},
			want: 6,
		},
		{
			name: "critical sections",
			scripts: [][]event.Event{spawn(3),
				{event.LockAcquire{Task: 1, Lock: lock}, event.Write{Task: 1, Loc: x("a")}, event.LockRelease{Task: 1, Lock: lock}},
				{event.LockAcquire{Task: 2, Lock: lock}, event.Write{Task: 2, Loc: x("a")}, event.LockRelease{Task: 2, Lock: lock}},
				{event.LockAcquire{Task: 3, Lock: lock}, event.Read{Task: 3, Loc: x("a")}, event.LockRelease{Task: 3, Lock: lock}},
			},
			want: 6,
		},
		{
			name: "unguarded reads and writes",
			scripts: [][]event.Event{spawn(3),
				{event.Write{Task: 1, Loc: x("a")}, event.Write{Task: 1, Loc: x("b")}},
				{event.Read{Task: 2, Loc: x("b")}, event.Read{Task: 2, Loc: x("a")}},
				{event.Write{Task: 3, Loc: x("a")}},
			},
			want: 9,
		},
		{
			name: "crossed reads and writes",
			scripts: [][]event.Event{spawn(2),
				{event.Write{Task: 1, Loc: x("a")}, event.Read{Task: 1, Loc: x("b")}},
				{event.Write{Task: 2, Loc: x("b")}, event.Read{Task: 2, Loc: x("a")}},
			},
			want: 3,
		},
		{
			name: "join orders the child first",
			scripts: [][]event.Event{
				{event.Start{Task: 1, Parent: 0}, event.JoinRequest{Task: 0, Target: 1}, event.Read{Task: 0, Loc: x("a")}},
				{event.Write{Task: 1, Loc: x("a")}},
			},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewTrustStrategy(FIFO, 0)
			n := simulate(t, s, tt.scripts, 1000)
			assert.True(t, s.Done(), "not exhausted after %d iterations", n)
			assert.Equal(t, tt.want, s.Distinct())
			assert.Equal(t, s.Distinct(), n, "an execution was explored twice")
			assert.Zero(t, s.Pending())
			assert.Error(t, s.InitIteration(n))
		})
	}
}

func TestTrustRandomTieBreakSameCount(t *testing.T) {
	scripts := [][]event.Event{spawn(3),
		{event.Write{Task: 1, Loc: x("a")}},
		{event.Write{Task: 2, Loc: x("a")}},
		{event.Write{Task: 3, Loc: x("a")}},
	}
	s := NewTrustStrategy(Random, 4)
	n := simulate(t, s, scripts, 1000)
	assert.True(t, s.Done())
	assert.Equal(t, 6, s.Distinct())
	assert.Equal(t, 6, n)
}

func TestTrustRejectsUnknownTask(t *testing.T) {
	s := NewTrustStrategy(FIFO, 0)
	require.NoError(t, s.InitIteration(0))
	err := s.UpdateEvent(event.Write{Task: 3, Loc: x("a")})
	assert.ErrorIs(t, err, ErrInconsistentGraph)
}

func TestSymbolicValues(t *testing.T) {
	s := NewSymbolicStrategy(2)
	seen := make(map[int]int)
	for n := 0; n < 200; n++ {
		require.NoError(t, s.InitIteration(n))
		update(t, s, event.Start{Task: 0, Parent: event.NoTask}, event.RandomValue{Task: 0, Bound: 4})
		c, err := s.NextTask()
		require.NoError(t, err)
		v, ok := c.Value.(int)
		require.True(t, ok, "%v", c)
		require.True(t, v >= 0 && v < 4, "%d", v)
		seen[v]++
	}
	assert.Len(t, seen, 4)
	assert.Greater(t, seen[0], seen[1])
	assert.Greater(t, seen[3], seen[2])
}

func TestReplayStrategy(t *testing.T) {
	choices := []event.Choice{event.Run(0), event.Run(1), event.RunWithValue(1, 2), event.EndOfSchedule()}
	s := NewReplayStrategy(choices)
	require.NoError(t, s.InitIteration(0))

	update(t, s, event.Start{Task: 0, Parent: event.NoTask})
	c, err := s.NextTask()
	require.NoError(t, err)
	assert.Equal(t, event.Run(0), c)

	update(t, s, event.Start{Task: 1, Parent: 0})
	c, err = s.NextTask()
	require.NoError(t, err)
	assert.Equal(t, event.Run(1), c)

	update(t, s, event.RandomValue{Task: 1, Bound: 3})
	c, err = s.NextTask()
	require.NoError(t, err)
	assert.Equal(t, event.RunWithValue(1, 2), c)
	assert.Equal(t, 1, s.Remaining())

	update(t, s, event.Finish{Task: 1})
	_, err = s.NextTask()
	assert.ErrorIs(t, err, ErrDivergence, "end marker with task 0 enabled")

	assert.False(t, s.Done())
	require.NoError(t, s.ResetIteration(0))
	assert.True(t, s.Done())
}

func TestReplayStrategyDivergence(t *testing.T) {
	tests := []struct {
		name    string
		choices []event.Choice
	}{
		{"not enabled", []event.Choice{event.Run(1)}},
		{"missing value", []event.Choice{event.Run(0), event.Run(0)}},
		{"exhausted", []event.Choice{event.Run(0)}},
		{"block unknown", []event.Choice{event.Run(0), event.Block(4)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewReplayStrategy(tt.choices)
			require.NoError(t, s.InitIteration(0))
			update(t, s, event.Start{Task: 0, Parent: event.NoTask})
			var err error
			for err == nil {
				_, err = s.NextTask()
				update(t, s, event.RandomValue{Task: 0, Bound: 2})
			}
			assert.ErrorIs(t, err, ErrDivergence)
		})
	}
}

func TestRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	rec := NewRecorder(NewRandomStrategy(3), path)
	scripts := [][]event.Event{spawn(2), {event.Write{Task: 1, Loc: x("a")}}, {event.Read{Task: 2, Loc: x("a")}}}
	simulate(t, rec, scripts, 2)

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, event.Start{Task: 0, Parent: event.NoTask}, events[0])
	choices := rec.Choices()
	// one pick per event and per finish, then the end marker
	assert.Len(t, choices, 3+2+2+1)
	assert.True(t, choices[len(choices)-1].BlockExecution)

	require.NoError(t, rec.RecordSchedule())
	got, err := schedule.Read(path)
	require.NoError(t, err)
	assert.Equal(t, choices, got)
	assert.Same(t, rec.Strategy, rec.Unwrap())

	assert.NoError(t, NewRecorder(NewRandomStrategy(3), "").RecordSchedule())
	unwritable := NewRecorder(NewRandomStrategy(3), filepath.Join(t.TempDir(), "missing", "schedule.json"))
	assert.Error(t, unwritable.RecordSchedule())
}

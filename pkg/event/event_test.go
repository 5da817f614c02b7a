package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "lock-acquire", KindLockAcquire.String())
	assert.Equal(t, "random", KindRandomValue.String())
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestActor(t *testing.T) {
	assert.Equal(t, TaskID(0), Actor(Start{Task: 3, Parent: 0}))
	assert.Equal(t, TaskID(0), Actor(Start{Task: 0, Parent: NoTask}))
	assert.Equal(t, TaskID(2), Actor(Write{Task: 2}))
}

func TestEventString(t *testing.T) {
	loc := Location{Object: 4, Field: "next"}
	assert.Equal(t, "1:write(obj4.next=7)", String(Write{Task: 1, Loc: loc, Value: 7}))
	assert.Equal(t, "2:read(obj4)", String(Read{Task: 2, Loc: Location{Object: 4}}))
	assert.Equal(t, "0:join(3)", String(JoinRequest{Task: 0, Target: 3}))
}

func TestChoice(t *testing.T) {
	assert.True(t, Run(1).IsRun())
	assert.False(t, Block(1).IsRun())
	assert.False(t, EndOfSchedule().IsRun())

	assert.Equal(t, "run(1)", Run(1).String())
	assert.Equal(t, "run(2, 5)", RunWithValue(2, 5).String())
	assert.Equal(t, "block(3)", Block(3).String())
	assert.Equal(t, "end", EndOfSchedule().String())
}

package event

import "fmt"

// Choice is a strategy's answer to "who runs next". Exactly one of the
// following holds: BlockExecution is set (end of schedule), BlockTask is set
// (abort Task), or neither is set (run Task, handing it Value).
type Choice struct {
	Task           TaskID
	Value          any
	BlockTask      bool
	BlockExecution bool
}

// Run selects t.
func Run(t TaskID) Choice {
	return Choice{Task: t}
}

// RunWithValue selects t and hands it v.
func RunWithValue(t TaskID, v any) Choice {
	return Choice{Task: t, Value: v}
}

// Block aborts t.
func Block(t TaskID) Choice {
	return Choice{Task: t, BlockTask: true}
}

// EndOfSchedule marks the end of a schedule.
func EndOfSchedule() Choice {
	return Choice{Task: NoTask, BlockExecution: true}
}

// IsRun reports whether c selects a task to run.
func (c Choice) IsRun() bool {
	return !c.BlockTask && !c.BlockExecution
}

func (c Choice) String() string {
	switch {
	case c.BlockExecution:
		return "end"
	case c.BlockTask:
		return fmt.Sprintf("block(%d)", c.Task)
	case c.Value != nil:
		return fmt.Sprintf("run(%d, %v)", c.Task, c.Value)
	default:
		return fmt.Sprintf("run(%d)", c.Task)
	}
}

package runtime

import (
	"errors"
	"fmt"

	"github.com/amirkhaki/moriarty/pkg/event"
)

// Code categorizes errors raised while exploring a program.
type Code string

const (
	// CodeHaltTask aborts one task; the iteration continues.
	CodeHaltTask Code = "HALT_TASK"

	// CodeHaltExecution aborts the whole iteration because an engine
	// invariant failed: the strategy picked a task that cannot run, its
	// model became inconsistent, or the context was cancelled.
	CodeHaltExecution Code = "HALT_EXECUTION"

	// CodeDeadlock indicates unfinished tasks with none enabled.
	CodeDeadlock Code = "DEADLOCK"

	// CodeProgramFailure indicates a panic or failed assertion in the
	// program under test.
	CodeProgramFailure Code = "PROGRAM_FAILURE"

	// CodeReplayFidelity indicates a replay that did not reproduce the
	// recorded outcome.
	CodeReplayFidelity Code = "REPLAY_FIDELITY"
)

// Error is an error annotated with where it happened.
type Error struct {
	Code Code

	// Message is a human-readable description.
	Message string

	// Task that raised the error, event.NoTask if none.
	Task event.TaskID

	// Iteration in which the error happened.
	Iteration int

	// Reproducible is set once replaying the captured schedule raised the
	// same error.
	Reproducible bool

	// Value is the original panic value of a program failure.
	Value any

	// Stack of the failing task, for program failures.
	Stack []byte

	// Diagnostics is a dump of the scheduler state, set in debug mode.
	Diagnostics string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s (task=%d, iteration=%d)", e.Code, e.Message, e.Task, e.Iteration)
	if e.Err != nil && e.Err.Error() != e.Message {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// AssertionError is raised by Task.Assert.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + e.Message
}

// CodeOf returns the code of the first *Error in err's chain, "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsHaltTaskError reports whether err aborted a single task.
func IsHaltTaskError(err error) bool {
	return CodeOf(err) == CodeHaltTask
}

// IsHaltExecutionError reports whether err aborted a whole iteration.
func IsHaltExecutionError(err error) bool {
	return CodeOf(err) == CodeHaltExecution
}

// IsDeadlockError reports whether err is a deadlock.
func IsDeadlockError(err error) bool {
	return CodeOf(err) == CodeDeadlock
}

// IsProgramFailure reports whether err came from the program under test.
func IsProgramFailure(err error) bool {
	return CodeOf(err) == CodeProgramFailure
}

// IsReplayFidelityError reports whether err is a replay mismatch.
func IsReplayFidelityError(err error) bool {
	return CodeOf(err) == CodeReplayFidelity
}

// sameFailure reports whether got is the failure described by want.
func sameFailure(got *Error, want error) bool {
	var w *Error
	if errors.As(want, &w) {
		return got.Code == w.Code && got.Message == w.Message && got.Task == w.Task
	}
	return got.Message == want.Error()
}

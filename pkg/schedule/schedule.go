// Package schedule stores and loads schedules: the sequence of scheduling
// choices of one iteration, replayable to force an identical execution.
package schedule

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/amirkhaki/moriarty/pkg/event"
)

type value struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type record struct {
	TaskID           *int   `json:"taskId"`
	IsBlockTask      bool   `json:"isBlockTask"`
	IsBlockExecution bool   `json:"isBlockExecution"`
	Value            *value `json:"value,omitempty"`
}

type file struct {
	Schedule *[]record `json:"schedule"`
}

// Store writes choices to path using DefaultAdapters.
func Store(path string, choices []event.Choice) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create schedule file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := Encode(w, choices, DefaultAdapters); err != nil {
		return err
	}
	return w.Flush()
}

// Read loads a schedule from path using DefaultAdapters.
func Read(path string) ([]event.Choice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule file: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f), DefaultAdapters)
}

// Encode writes choices as an indented JSON document.
func Encode(w io.Writer, choices []event.Choice, adapters *Adapters) error {
	records := make([]record, 0, len(choices))
	for i, c := range choices {
		r, err := toRecord(c, adapters)
		if err != nil {
			return fmt.Errorf("failed to encode choice %d: %w", i, err)
		}
		records = append(records, r)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file{Schedule: &records}); err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}
	return nil
}

// Decode reads a schedule written by Encode. Unknown value types and
// malformed records are errors.
func Decode(r io.Reader, adapters *Adapters) ([]event.Choice, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode schedule: %w", err)
	}
	if f.Schedule == nil {
		return nil, errors.New("failed to decode schedule: missing \"schedule\"")
	}
	choices := make([]event.Choice, 0, len(*f.Schedule))
	for i, rec := range *f.Schedule {
		c, err := fromRecord(rec, adapters)
		if err != nil {
			return nil, fmt.Errorf("failed to decode choice %d: %w", i, err)
		}
		choices = append(choices, c)
	}
	return choices, nil
}

func toRecord(c event.Choice, adapters *Adapters) (record, error) {
	r := record{IsBlockTask: c.BlockTask, IsBlockExecution: c.BlockExecution}
	if c.BlockTask && c.BlockExecution {
		return r, errors.New("choice both blocks a task and ends the schedule")
	}
	if !c.BlockExecution {
		if c.Task < 0 {
			return r, fmt.Errorf("choice without task: %v", c)
		}
		id := int(c.Task)
		r.TaskID = &id
	}
	if c.Value != nil {
		v, err := adapters.encode(c.Value)
		if err != nil {
			return r, err
		}
		r.Value = v
	}
	return r, nil
}

func fromRecord(r record, adapters *Adapters) (event.Choice, error) {
	if r.IsBlockTask && r.IsBlockExecution {
		return event.Choice{}, errors.New("record both blocks a task and ends the schedule")
	}
	c := event.Choice{Task: event.NoTask, BlockTask: r.IsBlockTask, BlockExecution: r.IsBlockExecution}
	if !r.IsBlockExecution {
		if r.TaskID == nil || *r.TaskID < 0 {
			return c, errors.New("record without task id")
		}
		c.Task = event.TaskID(*r.TaskID)
	}
	if r.Value != nil {
		v, err := adapters.decode(r.Value)
		if err != nil {
			return c, err
		}
		c.Value = v
	}
	return c, nil
}

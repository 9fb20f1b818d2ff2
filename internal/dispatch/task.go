// Package dispatch hands named tasks to background workers through a broker
// with at-least-once delivery and records their state and progress.
//
// Deliveries are leased. A worker acks only after the task succeeded or its
// failure was recorded; a lease that expires unacked is redelivered, so task
// bodies must tolerate running more than once.
package dispatch

import (
	"encoding/json"
	"errors"
	"time"
)

// State is the lifecycle of a dispatched task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	// StateLost marks a task whose deliveries were exhausted without a
	// recorded outcome.
	StateLost State = "lost"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateLost
}

var (
	ErrTaskNotFound = errors.New("dispatch: task not found")
	ErrEmpty        = errors.New("dispatch: queue empty")
	ErrNoHandler    = errors.New("dispatch: no handler registered")
)

// Progress is the side channel a running task reports through.
type Progress struct {
	Percent int    `json:"percent"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
}

// Task is the broker-side record of one submission.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Queue      string          `json:"queue"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      State           `json:"state"`
	Progress   Progress        `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Deliveries int             `json:"deliveries"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Status is what pollers see.
type Status struct {
	ID         string
	State      State
	Progress   Progress
	Result     json.RawMessage
	Error      string
	Deliveries int
	UpdatedAt  time.Time
}

func (t *Task) status() Status {
	return Status{
		ID:         t.ID,
		State:      t.State,
		Progress:   t.Progress,
		Result:     t.Result,
		Error:      t.Error,
		Deliveries: t.Deliveries,
		UpdatedAt:  t.UpdatedAt,
	}
}

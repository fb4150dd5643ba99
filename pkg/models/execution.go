package models

import "time"

// ExecutionStatus is the lifecycle state of a replay execution.
type ExecutionStatus string

// Execution lifecycle states.
const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSucceeded || s == ExecutionCancelled || s == ExecutionFailed
}

// ExecutionMode distinguishes a single-test-case replay from a whole-flow
// replay.
type ExecutionMode string

// Execution modes.
const (
	ModeSingle ExecutionMode = "single"
	ModeFlow   ExecutionMode = "flow"
)

// Execution tracks one end-to-end run of the replayer.
type Execution struct {
	ID         string          `json:"execution_id"`
	FlowID     string          `json:"flow_id"`
	Mode       ExecutionMode   `json:"mode"`
	Status     ExecutionStatus `json:"status"`
	Total      int             `json:"total"`
	Done       int             `json:"done"`
	Failed     int             `json:"failed"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Remaining returns the count of pairs not yet replayed.
func (e *Execution) Remaining() int {
	r := e.Total - e.Done
	if r < 0 {
		return 0
	}
	return r
}

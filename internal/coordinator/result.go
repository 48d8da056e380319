package coordinator

import (
	"time"

	"conductor/internal/taxonomy"
)

// State tracks the coordinator's position in its run lifecycle.
type State string

const (
	StatePlanning    State = "planning"
	StateExecuting   State = "executing"
	StateRetrying    State = "retrying"
	StateReplanning  State = "replanning"
	StateAggregating State = "aggregating"
	// StateDone is the terminal state of a fully successful run.
	StateDone State = "done"
	// StateFailed is the terminal state of every non-successful run. The
	// distinction between an aborted and a partial outcome lives in the
	// aggregated result's RunStatus, not in the state machine.
	StateFailed State = "failed"
)

// RunStatus is the caller-visible outcome of a run.
type RunStatus string

const (
	// StatusSucceeded means every subtask completed successfully.
	StatusSucceeded RunStatus = "succeeded"
	// StatusPartial means the run terminated with some subtasks completed
	// and some failed or never started (replan budget exhausted, or a
	// replan itself failed).
	StatusPartial RunStatus = "partial"
	// StatusAborted means a non-recoverable failure stopped the run.
	StatusAborted RunStatus = "aborted"
)

// SubtaskResult is the single result record for one executed subtask.
type SubtaskResult struct {
	StepID   string                  `json:"step_id"`
	Success  bool                    `json:"success"`
	Output   map[string]any          `json:"output,omitempty"`
	Error    *taxonomy.ErrorAnalysis `json:"error,omitempty"`
	Attempts int                     `json:"attempts"`
	Duration time.Duration           `json:"duration"`
}

// AggregatedResult is always returned from Run, even on terminal failure, so
// callers receive whatever partial progress was made.
type AggregatedResult struct {
	RunID         string                   `json:"run_id"`
	Intent        string                   `json:"intent"`
	Status        RunStatus                `json:"status"`
	Results       map[string]SubtaskResult `json:"results"`
	Replans       int                      `json:"replans"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	Duration      time.Duration            `json:"duration"`
}

// Succeeded counts successful subtasks.
func (r *AggregatedResult) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// Failed counts unsuccessful subtasks that did execute.
func (r *AggregatedResult) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Success {
			n++
		}
	}
	return n
}

// Package run holds the state of one pipeline execution: per-job statuses,
// results, and the final run verdict. The scheduler is the only writer;
// the HTTP surface and the reporters read concurrent snapshots.
package run

// JobStatus enumerates the per-job state machine. A job moves
// pending → ready → running → succeeded/failed, may land in skipped from
// ready (condition false or upstream failure), and may reach cancelled
// from any non-terminal state.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusReady     JobStatus = "ready"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusSkipped   JobStatus = "skipped"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// SkipReason distinguishes a skip that was designed into the pipeline from
// one forced by an upstream failure. Only the former counts as success at
// the run level.
type SkipReason string

const (
	// SkipCondition means the job's own `if` evaluated to false.
	SkipCondition SkipReason = "condition"
	// SkipUpstream means a required dependency failed or was cancelled.
	SkipUpstream SkipReason = "upstream"
)

// Result is the run-level verdict.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
)

package run

import (
	"sync"
	"time"

	"github.com/vk/gridci/internal/trigger"
)

// JobResult captures the terminal state of one job.
type JobResult struct {
	Status     JobStatus         `json:"status"`
	SkipReason SkipReason        `json:"skip_reason,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Artifacts  []string          `json:"artifacts,omitempty"`

	// FailedStep and ErrorOutput identify the first failing step and its
	// captured error output; both are empty unless Status is failed.
	FailedStep  string `json:"failed_step,omitempty"`
	ErrorOutput string `json:"error_output,omitempty"`
}

// Run tracks the live state of one pipeline execution. All methods are
// safe for concurrent use.
type Run struct {
	ID       string
	Pipeline string
	Event    trigger.Event
	Group    string
	Started  time.Time

	mu       sync.RWMutex
	statuses map[string]JobStatus
	results  map[string]JobResult
	result   Result
	finished time.Time
}

// New creates a run tracker with every named job in pending state.
func New(id, pipeline string, ev trigger.Event, group string, jobs []string) *Run {
	statuses := make(map[string]JobStatus, len(jobs))
	for _, name := range jobs {
		statuses[name] = StatusPending
	}
	return &Run{
		ID:       id,
		Pipeline: pipeline,
		Event:    ev,
		Group:    group,
		Started:  time.Now(),
		statuses: statuses,
		results:  make(map[string]JobResult, len(jobs)),
	}
}

// SetStatus records a job's transition to a non-terminal status.
func (r *Run) SetStatus(job string, status JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[job] = status
}

// Status returns a job's current status.
func (r *Run) Status(job string) JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[job]
}

// Finish records a job's terminal state together with its result. Once a
// job is terminal, later writes are ignored: a cancellation sweep must not
// clobber a result that was recorded as the job finished.
func (r *Run) Finish(job string, result JobResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses[job].Terminal() {
		return false
	}
	r.statuses[job] = result.Status
	r.results[job] = result
	return true
}

// ResultOf returns the recorded terminal result for a job. The second
// return is false while the job is still non-terminal.
func (r *Run) ResultOf(job string) (JobResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[job]
	return res, ok
}

// Result returns the run verdict, empty until Complete is called.
func (r *Run) Result() Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

// Complete stores the final verdict and stamps the finish time.
func (r *Run) Complete(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
	r.finished = time.Now()
}

// JobReport is the per-job view in a run report.
type JobReport struct {
	Name string `json:"name"`
	JobResult
}

// Report is a consistent snapshot of the run, suitable for rendering by
// the CLI and the HTTP surface.
type Report struct {
	RunID    string      `json:"run_id"`
	Pipeline string      `json:"pipeline"`
	Event    string      `json:"event"`
	Ref      string      `json:"ref"`
	Result   Result      `json:"result,omitempty"`
	Duration string      `json:"duration,omitempty"`
	Jobs     []JobReport `json:"jobs"`
}

// Snapshot renders the current state. Job order follows the supplied name
// list so reports stay in pipeline declaration order.
func (r *Run) Snapshot(order []string) Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := Report{
		RunID:    r.ID,
		Pipeline: r.Pipeline,
		Event:    string(r.Event.Kind),
		Ref:      r.Event.Ref,
		Result:   r.result,
	}
	if !r.finished.IsZero() {
		report.Duration = r.finished.Sub(r.Started).Round(time.Millisecond).String()
	}
	for _, name := range order {
		jr := JobReport{Name: name, JobResult: r.results[name]}
		if jr.Status == "" {
			jr.Status = r.statuses[name]
		}
		report.Jobs = append(report.Jobs, jr)
	}
	return report
}

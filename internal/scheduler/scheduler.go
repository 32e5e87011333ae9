// Package scheduler dispatches the jobs of one run across a bounded
// worker pool, driving each job through its state machine:
//
//	pending → ready → running → succeeded | failed
//	                → skipped (condition false, or upstream failure)
//	any non-terminal state → cancelled
//
// A job becomes ready only when every member of its `needs` set is
// terminal. A failed or cancelled dependency skips the dependent unless it
// declares always_run. Independent branches keep running after a failure;
// the run never aborts early because one branch failed.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/gridci/internal/artifact"
	"github.com/vk/gridci/internal/ctxlog"
	"github.com/vk/gridci/internal/dag"
	"github.com/vk/gridci/internal/executor"
	"github.com/vk/gridci/internal/expr"
	"github.com/vk/gridci/internal/model"
	"github.com/vk/gridci/internal/run"
)

// Scheduler executes one run of one pipeline. Create a fresh instance per
// run; it carries per-run dispatch state.
type Scheduler struct {
	pipeline *model.Pipeline
	graph    *dag.Graph
	exec     *executor.Executor
	store    *artifact.Store
	workers  int

	// OnTransition, when set, observes every job status change. Used by
	// tests to assert ordering and by the HTTP surface for progress.
	OnTransition func(job string, status run.JobStatus)

	r       *run.Run
	runCtx  *hcl.EvalContext
	ready   chan *model.Job
	wg      sync.WaitGroup
	pending map[string]*atomic.Int32
}

// New builds a scheduler for the pipeline. The graph must already have
// been validated; Load guarantees that.
func New(pipeline *model.Pipeline, graph *dag.Graph, exec *executor.Executor, store *artifact.Store, workers int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		pipeline: pipeline,
		graph:    graph,
		exec:     exec,
		store:    store,
		workers:  workers,
	}
}

// Execute drives every job of the run to a terminal state and returns the
// run verdict. It blocks until all branches have settled, including after
// failures on independent branches.
func (s *Scheduler) Execute(ctx context.Context, r *run.Run, runCtx *hcl.EvalContext) run.Result {
	logger := ctxlog.FromContext(ctx)

	s.r = r
	s.runCtx = runCtx
	// Buffered so a worker unblocking its dependents never blocks.
	s.ready = make(chan *model.Job, len(s.pipeline.Jobs))
	s.pending = make(map[string]*atomic.Int32, len(s.pipeline.Jobs))

	for _, job := range s.pipeline.Jobs {
		counter := &atomic.Int32{}
		counter.Store(int32(len(job.Needs)))
		s.pending[job.Name] = counter
	}

	s.wg.Add(len(s.pipeline.Jobs))

	logger.Debug("Enqueueing root jobs.")
	for _, job := range s.pipeline.Jobs {
		if len(job.Needs) == 0 {
			s.markReady(ctx, job)
		}
	}

	logger.Debug("Starting worker pool.", "workers", s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker(ctx, i)
	}

	s.wg.Wait()
	close(s.ready)

	verdict := s.verdict()
	r.Complete(verdict)
	logger.Info("Run complete.", "result", verdict)
	return verdict
}

// worker is the processing loop for one concurrent worker.
func (s *Scheduler) worker(ctx context.Context, id int) {
	logger := ctxlog.FromContext(ctx).With("worker", id)
	for job := range s.ready {
		if ctx.Err() != nil {
			s.finish(ctx, job, run.JobResult{Status: run.StatusCancelled})
			continue
		}

		needs, depArtifacts := s.collectNeeds(job)
		evalCtx := expr.JobContext(s.runCtx, needs)

		ok, err := expr.Bool(job.If, evalCtx)
		if err != nil {
			logger.Error("Job condition failed to evaluate.", "job", job.Name, "error", err)
			s.finish(ctx, job, run.JobResult{Status: run.StatusFailed, ErrorOutput: err.Error()})
			continue
		}
		if !ok {
			logger.Info("Job condition false, skipping.", "job", job.Name)
			s.finish(ctx, job, run.JobResult{Status: run.StatusSkipped, SkipReason: run.SkipCondition})
			continue
		}

		s.transition(job.Name, run.StatusRunning)
		logger.Debug("Worker picked up job.", "job", job.Name)

		outcome := s.exec.Execute(ctx, job, evalCtx, depArtifacts)

		result := run.JobResult{
			Status:      outcome.Status,
			Outputs:     outcome.Outputs,
			Artifacts:   outcome.Artifacts,
			FailedStep:  outcome.FailedStep,
			ErrorOutput: outcome.ErrorOutput,
		}
		if outcome.Status == run.StatusSucceeded {
			// Publish before dependents can possibly start.
			s.store.Commit(job.Name)
		}
		s.finish(ctx, job, result)
	}
}

// markReady transitions a job to ready and hands it to the pool.
func (s *Scheduler) markReady(ctx context.Context, job *model.Job) {
	if ctx.Err() != nil {
		s.finish(ctx, job, run.JobResult{Status: run.StatusCancelled})
		return
	}
	s.transition(job.Name, run.StatusReady)
	s.ready <- job
}

// finish records a terminal state exactly once and unblocks dependents.
func (s *Scheduler) finish(ctx context.Context, job *model.Job, result run.JobResult) {
	if !s.r.Finish(job.Name, result) {
		return
	}
	if s.OnTransition != nil {
		s.OnTransition(job.Name, result.Status)
	}
	s.wg.Done()

	dependents, err := s.graph.Dependents(job.Name)
	if err != nil {
		return
	}
	for _, name := range dependents {
		if s.pending[name].Add(-1) != 0 {
			continue
		}
		dependent := s.pipeline.Job(name)
		s.decide(ctx, dependent)
	}
}

// decide routes a job whose needs are all terminal: skip it when a
// required dependency failed or was cancelled, otherwise enqueue it.
func (s *Scheduler) decide(ctx context.Context, job *model.Job) {
	if ctx.Err() != nil {
		s.finish(ctx, job, run.JobResult{Status: run.StatusCancelled})
		return
	}

	if !job.AlwaysRun {
		for _, need := range job.Needs {
			if s.blocked(need) {
				s.finish(ctx, job, run.JobResult{Status: run.StatusSkipped, SkipReason: run.SkipUpstream})
				return
			}
		}
	}
	s.markReady(ctx, job)
}

// blocked reports whether a terminal dependency prevents its dependents
// from running: it failed, was cancelled, or was itself skipped because of
// an upstream failure. A dependency skipped by its own condition does not
// block; that skip was designed into the pipeline.
func (s *Scheduler) blocked(need string) bool {
	res, ok := s.r.ResultOf(need)
	if !ok {
		return false
	}
	switch res.Status {
	case run.StatusFailed, run.StatusCancelled:
		return true
	case run.StatusSkipped:
		return res.SkipReason == run.SkipUpstream
	}
	return false
}

// transition records a non-terminal status change.
func (s *Scheduler) transition(job string, status run.JobStatus) {
	s.r.SetStatus(job, status)
	if s.OnTransition != nil {
		s.OnTransition(job, status)
	}
}

// collectNeeds builds the dependency view for a job: terminal results,
// outputs of succeeded dependencies, and their published artifact names.
func (s *Scheduler) collectNeeds(job *model.Job) (map[string]expr.NeedResult, []string) {
	needs := make(map[string]expr.NeedResult, len(job.Needs))
	var depArtifacts []string
	snapshot := s.r.Snapshot(job.Needs)
	for _, dep := range snapshot.Jobs {
		needs[dep.Name] = expr.NeedResult{
			Result:  string(dep.Status),
			Outputs: dep.Outputs,
		}
		depArtifacts = append(depArtifacts, dep.Artifacts...)
	}
	return needs, depArtifacts
}

// verdict aggregates the run result: succeeded iff every job succeeded or
// was skipped by its own condition. Cancellation is reported distinctly,
// and only when it actually reached a job: a cancel signal arriving after
// every job already finished does not rewrite a clean run.
func (s *Scheduler) verdict() run.Result {
	snapshot := s.r.Snapshot(s.jobNames())

	cancelled := false
	failed := false
	for _, job := range snapshot.Jobs {
		switch job.Status {
		case run.StatusCancelled:
			cancelled = true
		case run.StatusFailed:
			failed = true
		case run.StatusSkipped:
			if job.SkipReason == run.SkipUpstream {
				failed = true
			}
		}
	}

	switch {
	case cancelled:
		return run.ResultCancelled
	case failed:
		return run.ResultFailed
	default:
		return run.ResultSucceeded
	}
}

func (s *Scheduler) jobNames() []string {
	names := make([]string, 0, len(s.pipeline.Jobs))
	for _, job := range s.pipeline.Jobs {
		names = append(names, job.Name)
	}
	return names
}

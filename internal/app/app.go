// Package app wires the engine together: configuration, logging, the
// pipeline, the concurrency controller and the per-run scheduler stack.
// Both the CLI and the HTTP server drive runs through an App instance.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/gridci/internal/artifact"
	"github.com/vk/gridci/internal/concurrency"
	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/ctxlog"
	"github.com/vk/gridci/internal/dag"
	"github.com/vk/gridci/internal/executor"
	"github.com/vk/gridci/internal/expr"
	"github.com/vk/gridci/internal/model"
	"github.com/vk/gridci/internal/run"
	"github.com/vk/gridci/internal/scheduler"
	"github.com/vk/gridci/internal/steprunner"
	"github.com/vk/gridci/internal/trigger"
)

// App encapsulates the engine's dependencies and tracks the runs it has
// started. Safe for concurrent use.
type App struct {
	logger     *slog.Logger
	cfg        *config.Config
	pipeline   *model.Pipeline
	graph      *dag.Graph
	controller *concurrency.Controller
	persister  artifact.Persister
	jobNames   []string

	mu   sync.RWMutex
	runs map[string]*runEntry
}

type runEntry struct {
	run    *run.Run
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an App for one pipeline. The pipeline must already have
// passed loader validation; the needs graph is rebuilt here for dispatch.
func New(outW io.Writer, cfg *config.Config, pipeline *model.Pipeline) (*App, error) {
	logger := newLogger(cfg.Log.Level, cfg.Log.Format, outW)

	needs := make(map[string][]string, len(pipeline.Jobs))
	names := make([]string, 0, len(pipeline.Jobs))
	for _, job := range pipeline.Jobs {
		needs[job.Name] = job.Needs
		names = append(names, job.Name)
	}
	graph, err := dag.Build(needs)
	if err != nil {
		return nil, fmt.Errorf("build dependency graph: %w", err)
	}

	persister, err := newPersister(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		logger:     logger,
		cfg:        cfg,
		pipeline:   pipeline,
		graph:      graph,
		controller: concurrency.NewController(),
		persister:  persister,
		jobNames:   names,
		runs:       make(map[string]*runEntry),
	}, nil
}

func newPersister(cfg *config.Config) (artifact.Persister, error) {
	switch cfg.Artifacts.Persist {
	case "none":
		return nil, nil
	case "fs":
		return &artifact.FSPersister{Root: cfg.Artifacts.Dir}, nil
	case "s3":
		return artifact.NewS3Persister(context.Background(), artifact.S3Config{
			Bucket:    cfg.Artifacts.S3.Bucket,
			Prefix:    cfg.Artifacts.S3.Prefix,
			Region:    cfg.Artifacts.S3.Region,
			Endpoint:  cfg.Artifacts.S3.Endpoint,
			AccessKey: cfg.Artifacts.S3.AccessKey,
			SecretKey: cfg.Artifacts.S3.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown artifact persistence backend %q", cfg.Artifacts.Persist)
	}
}

// Logger returns the App's logger instance.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Pipeline returns the loaded pipeline definition.
func (a *App) Pipeline() *model.Pipeline {
	return a.pipeline
}

// ExecuteRun drives one run to completion and returns its final report.
// It blocks for the whole run; use StartRun for asynchronous dispatch.
func (a *App) ExecuteRun(ctx context.Context, ev trigger.Event) (run.Report, error) {
	if err := ev.Normalize(); err != nil {
		return run.Report{}, err
	}

	ctx = ctxlog.WithLogger(ctx, a.logger.With("run", ev.ID))
	logger := ctxlog.FromContext(ctx)
	runCtx := expr.RunContext(ev, nil)

	group, policy, err := a.concurrencyPlan(runCtx)
	if err != nil {
		return run.Report{}, err
	}

	r := run.New(ev.ID, a.pipeline.Name, ev, group, a.jobNames)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry := &runEntry{run: r, cancel: cancel, done: make(chan struct{})}
	a.mu.Lock()
	a.runs[ev.ID] = entry
	a.mu.Unlock()
	defer close(entry.done)

	if group != "" {
		release, err := a.controller.Acquire(ctx, group, ev.ID, cancel, policy)
		if err != nil {
			r.Complete(run.ResultFailed)
			return r.Snapshot(a.jobNames), err
		}
		defer release()
	}

	logger.Info("Run starting.", "pipeline", a.pipeline.Name, "event", ev.Kind, "ref", ev.Ref, "group", group)

	store := artifact.NewStore(a.cfg.Artifacts.Overwrite)
	exec := executor.New(steprunner.New(steprunner.Options{
		DefaultTimeout: a.cfg.StepTimeout(),
	}), store)

	sched := scheduler.New(a.pipeline, a.graph, exec, store, a.cfg.Workers)
	result := sched.Execute(rctx, r, runCtx)

	if a.persister != nil {
		if err := artifact.Drain(ctx, store, a.persister, ev.ID); err != nil {
			logger.Error("Artifact persistence incomplete.", "error", err)
		}
	}

	logger.Info("Run finished.", "result", result)
	return r.Snapshot(a.jobNames), nil
}

// StartRun dispatches a run asynchronously and returns its ID.
func (a *App) StartRun(ctx context.Context, ev trigger.Event) (string, error) {
	if err := ev.Normalize(); err != nil {
		return "", err
	}
	go func() {
		// The run outlives the triggering request on purpose.
		if _, err := a.ExecuteRun(context.WithoutCancel(ctx), ev); err != nil {
			a.logger.Error("Run failed to execute.", "run", ev.ID, "error", err)
		}
	}()
	return ev.ID, nil
}

// CancelRun requests cancellation of an in-flight run. It returns false
// when no such run exists.
func (a *App) CancelRun(id string) bool {
	a.mu.RLock()
	entry, ok := a.runs[id]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// Report returns the current report of a known run.
func (a *App) Report(id string) (run.Report, bool) {
	a.mu.RLock()
	entry, ok := a.runs[id]
	a.mu.RUnlock()
	if !ok {
		return run.Report{}, false
	}
	return entry.run.Snapshot(a.jobNames), true
}

// Reports lists the reports of every run the App has started.
func (a *App) Reports() []run.Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	reports := make([]run.Report, 0, len(a.runs))
	for _, entry := range a.runs {
		reports = append(reports, entry.run.Snapshot(a.jobNames))
	}
	return reports
}

// Wait blocks until the given run has settled. Used by tests and by the
// concurrency-group preemption path.
func (a *App) Wait(id string) {
	a.mu.RLock()
	entry, ok := a.runs[id]
	a.mu.RUnlock()
	if ok {
		<-entry.done
	}
}

// concurrencyPlan evaluates the concurrency group key and picks the
// policy for a busy group.
func (a *App) concurrencyPlan(runCtx *hcl.EvalContext) (string, concurrency.Policy, error) {
	c := a.pipeline.Concurrency
	if c == nil {
		return "", "", nil
	}
	group, err := expr.String(c.Group, runCtx)
	if err != nil {
		return "", "", fmt.Errorf("evaluate concurrency group: %w", err)
	}
	if c.CancelInProgress {
		return group, concurrency.CancelInProgress, nil
	}
	return group, concurrency.Policy(a.cfg.QueuePolicy), nil
}

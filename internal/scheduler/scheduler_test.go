package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridci/internal/artifact"
	"github.com/vk/gridci/internal/dag"
	"github.com/vk/gridci/internal/executor"
	"github.com/vk/gridci/internal/expr"
	"github.com/vk/gridci/internal/loader"
	"github.com/vk/gridci/internal/run"
	"github.com/vk/gridci/internal/steprunner"
	"github.com/vk/gridci/internal/trigger"
)

// transition is one observed job status change.
type transition struct {
	job    string
	status run.JobStatus
}

// tracer records transitions from concurrent workers.
type tracer struct {
	mu    sync.Mutex
	trace []transition
}

func (tr *tracer) observe(job string, status run.JobStatus) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.trace = append(tr.trace, transition{job: job, status: status})
}

// indexOf returns the position of the first matching transition, or -1.
func (tr *tracer) indexOf(job string, status run.JobStatus) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, tn := range tr.trace {
		if tn.job == job && tn.status == status {
			return i
		}
	}
	return -1
}

type fixture struct {
	run    *run.Run
	result run.Result
	tracer *tracer
}

func execute(t *testing.T, ctx context.Context, src string, ev trigger.Event) fixture {
	t.Helper()

	pipeline, err := loader.Parse([]byte(src), "test.hcl")
	require.NoError(t, err)

	needs := make(map[string][]string, len(pipeline.Jobs))
	var names []string
	for _, job := range pipeline.Jobs {
		needs[job.Name] = job.Needs
		names = append(names, job.Name)
	}
	graph, err := dag.Build(needs)
	require.NoError(t, err)

	store := artifact.NewStore(false)
	exec := executor.New(steprunner.New(steprunner.Options{DefaultTimeout: time.Minute}), store)

	require.NoError(t, ev.Normalize())
	r := run.New(ev.ID, pipeline.Name, ev, "", names)

	tr := &tracer{}
	s := New(pipeline, graph, exec, store, 4)
	s.OnTransition = tr.observe

	result := s.Execute(ctx, r, expr.RunContext(ev, []string{}))
	return fixture{run: r, result: result, tracer: tr}
}

func pushEvent(ref string) trigger.Event {
	return trigger.Event{Kind: trigger.Push, Ref: ref, ID: "run-1"}
}

const diamondPipeline = `
pipeline "diamond" {
  job "version" {
    step "derive" {
      run = "echo version=1.0.0 >> \"$GRIDCI_OUTPUT\""
    }
    output "version" { value = steps.derive.outputs.version }
  }
  job "test" {
    needs = ["version"]
    step "go" { run = "true" }
  }
  job "lint" {
    needs = ["version"]
    step "scan" { run = "exit 1" }
  }
  job "deploy" {
    needs = ["test", "lint"]
    step "ship" { run = "true" }
  }
}
`

func TestExecute_DiamondWithFailingBranch(t *testing.T) {
	f := execute(t, context.Background(), diamondPipeline, pushEvent("main"))

	assert.Equal(t, run.ResultFailed, f.result)
	assert.Equal(t, run.StatusSucceeded, f.run.Status("version"))
	assert.Equal(t, run.StatusSucceeded, f.run.Status("test"))
	assert.Equal(t, run.StatusFailed, f.run.Status("lint"))
	assert.Equal(t, run.StatusSkipped, f.run.Status("deploy"))

	// The skipped job never ran.
	assert.Equal(t, -1, f.tracer.indexOf("deploy", run.StatusRunning))

	report := f.run.Snapshot([]string{"lint"})
	assert.Equal(t, run.SkipUpstream, report.Jobs[0].SkipReason)
}

func TestExecute_RunningOnlyAfterNeedsTerminal(t *testing.T) {
	f := execute(t, context.Background(), diamondPipeline, pushEvent("main"))

	versionDone := f.tracer.indexOf("version", run.StatusSucceeded)
	require.NotEqual(t, -1, versionDone)

	for _, dependent := range []string{"test", "lint"} {
		started := f.tracer.indexOf(dependent, run.StatusRunning)
		require.NotEqual(t, -1, started, dependent)
		assert.Greater(t, started, versionDone, "%s ran before its dependency finished", dependent)
	}
}

func TestExecute_OutputsFlowAcrossJobs(t *testing.T) {
	src := `
pipeline "outputs" {
  job "version" {
    step "derive" {
      run = "echo version=4.2.0 >> \"$GRIDCI_OUTPUT\""
    }
    output "version" { value = steps.derive.outputs.version }
  }
  job "image" {
    needs = ["version"]
    step "tag" {
      run = "test \"${needs.version.outputs.version}\" = 4.2.0"
    }
    output "tag" { value = "app:${needs.version.outputs.version}" }
  }
}
`
	f := execute(t, context.Background(), src, pushEvent("main"))

	require.Equal(t, run.ResultSucceeded, f.result)
	report := f.run.Snapshot([]string{"image"})
	assert.Equal(t, map[string]string{"tag": "app:4.2.0"}, report.Jobs[0].Outputs)
}

func TestExecute_ConditionSkipDoesNotFailRun(t *testing.T) {
	src := `
pipeline "gated" {
  job "build" {
    step "go" { run = "true" }
  }
  job "publish" {
    needs = ["build"]
    if    = trigger.ref == "main"
    step "push" { run = "exit 1" }
  }
}
`
	f := execute(t, context.Background(), src, pushEvent("develop"))

	assert.Equal(t, run.ResultSucceeded, f.result)
	assert.Equal(t, run.StatusSkipped, f.run.Status("publish"))
	assert.Equal(t, -1, f.tracer.indexOf("publish", run.StatusRunning))

	report := f.run.Snapshot([]string{"publish"})
	assert.Equal(t, run.SkipCondition, report.Jobs[0].SkipReason)
}

func TestExecute_AlwaysRunExecutesAfterFailure(t *testing.T) {
	src := `
pipeline "cleanup" {
  job "build" {
    step "go" { run = "exit 1" }
  }
  job "notify" {
    needs      = ["build"]
    always_run = true
    step "send" {
      run = "test \"${needs.build.result}\" = failed"
    }
  }
}
`
	f := execute(t, context.Background(), src, pushEvent("main"))

	assert.Equal(t, run.ResultFailed, f.result)
	assert.Equal(t, run.StatusSucceeded, f.run.Status("notify"))
}

func TestExecute_SkipCascadesTransitively(t *testing.T) {
	src := `
pipeline "chain" {
  job "a" {
    step "s" { run = "exit 1" }
  }
  job "b" {
    needs = ["a"]
    step "s" { run = "true" }
  }
  job "c" {
    needs = ["b"]
    step "s" { run = "true" }
  }
}
`
	f := execute(t, context.Background(), src, pushEvent("main"))

	assert.Equal(t, run.ResultFailed, f.result)
	assert.Equal(t, run.StatusFailed, f.run.Status("a"))
	assert.Equal(t, run.StatusSkipped, f.run.Status("b"))
	assert.Equal(t, run.StatusSkipped, f.run.Status("c"))
}

func TestExecute_IndependentBranchContinuesAfterFailure(t *testing.T) {
	src := `
pipeline "branches" {
  job "broken" {
    step "s" { run = "exit 1" }
  }
  job "healthy" {
    step "slow" { run = "sleep 0.2 && true" }
  }
}
`
	f := execute(t, context.Background(), src, pushEvent("main"))

	assert.Equal(t, run.ResultFailed, f.result)
	assert.Equal(t, run.StatusSucceeded, f.run.Status("healthy"))
}

func TestExecute_CancellationMarksNonTerminalJobs(t *testing.T) {
	src := `
pipeline "cancellable" {
  job "slow" {
    step "wait" { run = "sleep 5" }
  }
  job "after" {
    needs = ["slow"]
    step "s" { run = "true" }
  }
}
`
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	f := execute(t, ctx, src, pushEvent("main"))

	assert.Less(t, time.Since(start), 3*time.Second, "cancellation should interrupt the in-flight step")
	assert.Equal(t, run.ResultCancelled, f.result)
	assert.Equal(t, run.StatusCancelled, f.run.Status("slow"))
	assert.Equal(t, run.StatusCancelled, f.run.Status("after"))
}

// A cancel signal that lands only after every job already reached a
// terminal state must not rewrite a clean run as cancelled.
func TestExecute_CancelAfterAllJobsFinishedKeepsVerdict(t *testing.T) {
	src := `
pipeline "quick" {
  job "only" {
    step "s" { run = "true" }
  }
}
`
	pipeline, err := loader.Parse([]byte(src), "test.hcl")
	require.NoError(t, err)

	graph, err := dag.Build(map[string][]string{"only": nil})
	require.NoError(t, err)

	store := artifact.NewStore(false)
	exec := executor.New(steprunner.New(steprunner.Options{DefaultTimeout: time.Minute}), store)

	ev := pushEvent("main")
	require.NoError(t, ev.Normalize())
	r := run.New(ev.ID, pipeline.Name, ev, "", []string{"only"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(pipeline, graph, exec, store, 2)
	s.OnTransition = func(job string, status run.JobStatus) {
		if status == run.StatusSucceeded {
			cancel()
		}
	}

	result := s.Execute(ctx, r, expr.RunContext(ev, []string{}))

	assert.Equal(t, run.ResultSucceeded, result)
	assert.Equal(t, run.StatusSucceeded, r.Status("only"))
}

func TestExecute_FailureReportNamesFirstFailingStep(t *testing.T) {
	src := `
pipeline "report" {
  job "backend" {
    step "restore" { run = "true" }
    step "build"   { run = "echo boom >&2; exit 1" }
    step "test"    { run = "true" }
  }
}
`
	f := execute(t, context.Background(), src, pushEvent("main"))

	report := f.run.Snapshot([]string{"backend"})
	job := report.Jobs[0]
	assert.Equal(t, run.StatusFailed, job.Status)
	assert.Equal(t, "build", job.FailedStep)
	assert.Contains(t, job.ErrorOutput, "boom")
}

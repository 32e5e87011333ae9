// Package executor runs one ready job: its steps strictly in declared
// order on a single worker, with per-step conditions, continue-on-error,
// output expressions and artifact exchange.
//
// Artifact exchange uses two directories exposed to every step:
// GRIDCI_ARTIFACTS_IN holds the published artifacts of the job's
// dependencies, and files dropped into GRIDCI_ARTIFACTS_OUT are staged on
// the run's artifact store when the job succeeds.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/gridci/internal/artifact"
	"github.com/vk/gridci/internal/ctxlog"
	"github.com/vk/gridci/internal/expr"
	"github.com/vk/gridci/internal/model"
	"github.com/vk/gridci/internal/run"
	"github.com/vk/gridci/internal/steprunner"
)

// ArtifactsInEnvVar and ArtifactsOutEnvVar name the artifact exchange
// directories in a step's environment.
const (
	ArtifactsInEnvVar  = "GRIDCI_ARTIFACTS_IN"
	ArtifactsOutEnvVar = "GRIDCI_ARTIFACTS_OUT"
)

// Executor executes jobs. One instance serves a whole run; each Execute
// call is independent, so concurrent calls for different jobs are safe.
type Executor struct {
	steps *steprunner.Runner
	store *artifact.Store
}

// New creates a job executor bound to a run's artifact store.
func New(steps *steprunner.Runner, store *artifact.Store) *Executor {
	return &Executor{steps: steps, store: store}
}

// Outcome is what a finished job reports back to the scheduler.
type Outcome struct {
	Status      run.JobStatus
	Outputs     map[string]string
	Artifacts   []string
	FailedStep  string
	ErrorOutput string
}

// Execute runs the job to a terminal outcome. evalCtx must already expose
// the `needs` results of the job's dependencies; depArtifacts names the
// published artifacts those dependencies produced.
func (e *Executor) Execute(ctx context.Context, job *model.Job, evalCtx *hcl.EvalContext, depArtifacts []string) Outcome {
	logger := ctxlog.FromContext(ctx).With("job", job.Name)

	inDir, outDir, cleanup, err := e.prepareArtifactDirs(job.Name, depArtifacts)
	if err != nil {
		return e.failed(job.Name, "", err.Error())
	}
	defer cleanup()

	jobTimeout, err := parseTimeout(job.Timeout)
	if err != nil {
		return e.failed(job.Name, "", err.Error())
	}

	stepStates := make(map[string]expr.StepState)
	for _, step := range job.Steps {
		stepLogger := logger.With("step", step.Name)
		stepCtx := expr.StepContext(evalCtx, stepStates)

		ok, err := expr.Bool(step.If, stepCtx)
		if err != nil {
			return e.failed(job.Name, step.Name, err.Error())
		}
		if !ok {
			stepLogger.Debug("Step condition false, skipping.")
			stepStates[step.Name] = expr.StepState{}
			continue
		}

		spec, err := e.buildSpec(step, stepCtx, jobTimeout, inDir, outDir)
		if err != nil {
			return e.failed(job.Name, step.Name, err.Error())
		}

		stepLogger.Info("Running step.")
		res, err := e.steps.Run(ctx, spec)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				stepLogger.Warn("Step cancelled.")
				e.store.Discard(job.Name)
				return Outcome{Status: run.StatusCancelled}
			}
			return e.failed(job.Name, step.Name, err.Error())
		}

		stepStates[step.Name] = expr.StepState{ExitCode: res.ExitCode, Outputs: res.Outputs}

		if res.Failed() {
			if step.ContinueOnError {
				stepLogger.Warn("Step failed, continuing on error.", "exit_code", res.ExitCode, "timed_out", res.TimedOut)
				continue
			}
			stepLogger.Error("Step failed, aborting job.", "exit_code", res.ExitCode, "timed_out", res.TimedOut)
			errorOutput := res.Stderr
			if res.TimedOut {
				errorOutput = fmt.Sprintf("step timed out after %s", spec.Timeout)
			} else if errorOutput == "" {
				errorOutput = res.Stdout
			}
			return e.failed(job.Name, step.Name, errorOutput)
		}
		stepLogger.Debug("Step succeeded.", "duration", res.Duration)
	}

	outputs, err := e.evalOutputs(job, expr.StepContext(evalCtx, stepStates))
	if err != nil {
		return e.failed(job.Name, "", err.Error())
	}

	artifacts, err := e.stageArtifacts(job.Name, outDir)
	if err != nil {
		return e.failed(job.Name, "", err.Error())
	}

	logger.Info("Job succeeded.", "outputs", len(outputs), "artifacts", len(artifacts))
	return Outcome{Status: run.StatusSucceeded, Outputs: outputs, Artifacts: artifacts}
}

// failed discards any staged artifacts and builds a failure outcome, so
// partial artifacts never become visible to dependents.
func (e *Executor) failed(job, step, errorOutput string) Outcome {
	e.store.Discard(job)
	return Outcome{
		Status:      run.StatusFailed,
		FailedStep:  step,
		ErrorOutput: errorOutput,
	}
}

func (e *Executor) buildSpec(step *model.Step, evalCtx *hcl.EvalContext, jobTimeout time.Duration, inDir, outDir string) (steprunner.Spec, error) {
	command, err := expr.String(step.Run, evalCtx)
	if err != nil {
		return steprunner.Spec{}, err
	}
	env, err := expr.StringMap(step.Env, evalCtx)
	if err != nil {
		return steprunner.Spec{}, err
	}
	if env == nil {
		env = make(map[string]string)
	}
	env[ArtifactsInEnvVar] = inDir
	env[ArtifactsOutEnvVar] = outDir

	timeout, err := parseTimeout(step.Timeout)
	if err != nil {
		return steprunner.Spec{}, err
	}
	if timeout <= 0 {
		timeout = jobTimeout
	}

	return steprunner.Spec{
		Name:       step.Name,
		Command:    command,
		Env:        env,
		WorkingDir: step.WorkingDir,
		Timeout:    timeout,
	}, nil
}

func (e *Executor) evalOutputs(job *model.Job, evalCtx *hcl.EvalContext) (map[string]string, error) {
	outputs := make(map[string]string, len(job.Outputs))
	for _, out := range job.Outputs {
		val, err := expr.String(out.Value, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("evaluate output %q: %w", out.Name, err)
		}
		outputs[out.Name] = val
	}
	return outputs, nil
}

// prepareArtifactDirs materializes dependency artifacts into a read dir
// and creates an empty write dir for the job's own artifacts.
func (e *Executor) prepareArtifactDirs(jobName string, depArtifacts []string) (inDir, outDir string, cleanup func(), err error) {
	root, err := os.MkdirTemp("", "gridci-job-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("create job workspace: %w", err)
	}
	cleanup = func() { os.RemoveAll(root) }

	inDir = filepath.Join(root, "in")
	outDir = filepath.Join(root, "out")
	for _, dir := range []string{inDir, outDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			cleanup()
			return "", "", nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}

	for _, name := range depArtifacts {
		data, err := e.store.Get(name)
		if err != nil {
			cleanup()
			return "", "", nil, fmt.Errorf("materialize artifact for job %q: %w", jobName, err)
		}
		if err := os.WriteFile(filepath.Join(inDir, name), data, 0o644); err != nil {
			cleanup()
			return "", "", nil, fmt.Errorf("write artifact %q: %w", name, err)
		}
	}
	return inDir, outDir, cleanup, nil
}

// stageArtifacts puts every file the job dropped into its out dir onto
// the run's store. A duplicate name is fatal to the job, per the store's
// write-once contract.
func (e *Executor) stageArtifacts(jobName, outDir string) ([]string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("read artifact out dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read artifact %q: %w", entry.Name(), err)
		}
		if err := e.store.Put(jobName, entry.Name(), data); err != nil {
			return nil, err
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	return d, nil
}

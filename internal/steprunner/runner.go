// Package steprunner executes one step: a shell invocation with a timeout,
// captured exit status and output tails, and named output captures.
//
// Steps expose outputs by appending `name=value` lines to the file named
// by the GRIDCI_OUTPUT environment variable, e.g.
//
//	echo "version=$(git describe --tags)" >> "$GRIDCI_OUTPUT"
package steprunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// OutputEnvVar names the file steps append their output captures to.
const OutputEnvVar = "GRIDCI_OUTPUT"

// Options configure a Runner.
type Options struct {
	// Env is the base environment for every invocation. Defaults to the
	// process environment.
	Env []string
	// TailLines bounds the stdout/stderr tails kept on results.
	TailLines int
	// DefaultTimeout applies when a step declares none.
	DefaultTimeout time.Duration
}

// Runner executes steps. Safe for concurrent use.
type Runner struct {
	opts Options
}

// New creates a runner with the supplied options, filling defaults.
func New(opts Options) *Runner {
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 20
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	return &Runner{opts: opts}
}

// Spec is one fully-evaluated invocation: all expressions have already
// been resolved to plain strings.
type Spec struct {
	Name       string
	Command    string
	Env        map[string]string
	WorkingDir string
	Timeout    time.Duration
}

// Result is the outcome of one invocation.
type Result struct {
	ExitCode int
	TimedOut bool
	Stdout   string
	Stderr   string
	Outputs  map[string]string
	Duration time.Duration
}

// Failed reports whether the invocation counts as a step failure.
func (r Result) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// Run executes the spec. The returned error is non-nil only when the step
// could not be run at all or the context was cancelled; a non-zero exit or
// a timeout is reported through the Result.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outputFile, err := os.CreateTemp("", "gridci-output-*")
	if err != nil {
		return Result{}, fmt.Errorf("create output capture file: %w", err)
	}
	outputPath := outputFile.Name()
	outputFile.Close()
	defer os.Remove(outputPath)

	cmd := exec.CommandContext(stepCtx, "sh", "-c", spec.Command)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(append([]string{}, r.opts.Env...), OutputEnvVar+"="+outputPath)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	// A cancelled run takes priority over whatever the process reported.
	if ctx.Err() != nil {
		return Result{Duration: duration}, ctx.Err()
	}

	result := Result{
		Stdout:   tail(stdout.String(), r.opts.TailLines),
		Stderr:   tail(stderr.String(), r.opts.TailLines),
		Duration: duration,
	}

	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{}, fmt.Errorf("start step %q: %w", spec.Name, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	// Captures are parsed even for failing steps: a continue-on-error
	// step may have produced usable outputs before exiting non-zero.
	outputs, err := parseOutputs(outputPath)
	if err != nil {
		return Result{}, err
	}
	result.Outputs = outputs
	return result, nil
}

// parseOutputs reads `name=value` lines from the capture file. Blank lines
// are ignored; later values win so steps can overwrite their own captures.
func parseOutputs(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read output capture file: %w", err)
	}
	outputs := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && k != "" {
			outputs[k] = v
		}
	}
	return outputs, nil
}

func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// Package testutil provides shared helpers for integration-style tests:
// a thread-safe log buffer and a harness that runs a pipeline from an HCL
// string through the full app stack.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/gridci/internal/app"
	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/loader"
	"github.com/vk/gridci/internal/run"
	"github.com/vk/gridci/internal/trigger"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcomes of a harness-driven run.
type HarnessResult struct {
	Report    run.Report
	LogOutput string
	Err       error
	App       *app.App
}

// TestConfig returns a config with defaults suitable for tests: quiet
// logging and no artifact persistence.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Log.Level = "error"
	return cfg
}

// NewApp builds an App for the given pipeline HCL source, capturing its
// logs in the returned buffer.
func NewApp(t *testing.T, pipelineSrc string) (*app.App, *SafeBuffer) {
	t.Helper()
	pipeline, err := loader.Parse([]byte(pipelineSrc), "harness.hcl")
	require.NoError(t, err)

	buf := &SafeBuffer{}
	a, err := app.New(buf, TestConfig(t), pipeline)
	require.NoError(t, err)
	return a, buf
}

// RunPipelineTest executes one run of the given pipeline HCL source with
// the given trigger event and returns the outcome.
func RunPipelineTest(t *testing.T, pipelineSrc string, ev trigger.Event) *HarnessResult {
	t.Helper()
	return RunPipelineTestWithContext(context.Background(), t, pipelineSrc, ev)
}

// RunPipelineTestWithContext is RunPipelineTest with a caller-supplied
// context, for cancellation tests.
func RunPipelineTestWithContext(ctx context.Context, t *testing.T, pipelineSrc string, ev trigger.Event) *HarnessResult {
	t.Helper()

	a, buf := NewApp(t, pipelineSrc)
	report, err := a.ExecuteRun(ctx, ev)
	return &HarnessResult{
		Report:    report,
		LogOutput: buf.String(),
		Err:       err,
		App:       a,
	}
}

// WritePipelineDir writes the given file map under a temp directory and
// returns its path. Used by tests that exercise the directory loader and
// the CLI.
func WritePipelineDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

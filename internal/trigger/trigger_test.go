package trigger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Defaults(t *testing.T) {
	ev := Event{Ref: "main"}
	require.NoError(t, ev.Normalize())

	assert.Equal(t, Manual, ev.Kind)
	assert.NotEmpty(t, ev.ID)
}

func TestNormalize_KeepsExplicitID(t *testing.T) {
	ev := Event{Kind: Push, Ref: "main", ID: "run-42"}
	require.NoError(t, ev.Normalize())
	assert.Equal(t, "run-42", ev.ID)
}

func TestNormalize_RejectsUnknownKind(t *testing.T) {
	ev := Event{Kind: "cron"}
	err := ev.Normalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron")
}

func TestLoad_EventFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.yaml")
	require.NoError(t, os.WriteFile(path, []byte("event: pull_request\nref: feature/login\n"), 0o644))

	ev, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PullRequest, ev.Kind)
	assert.Equal(t, "feature/login", ev.Ref)
	assert.NotEmpty(t, ev.ID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

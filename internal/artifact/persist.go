package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/gridci/internal/ctxlog"
)

// Persister stores published artifacts beyond the run's lifetime. The
// in-memory store is torn down with the run; durable retention is a
// collaborator behind this interface.
type Persister interface {
	// Persist stores one artifact for the given run and returns a handle
	// the caller can report (a path, an object URI, ...).
	Persist(ctx context.Context, runID, name string, data []byte) (string, error)

	// Retrieve fetches a previously persisted artifact.
	Retrieve(ctx context.Context, runID, name string) ([]byte, error)
}

// Drain persists every published artifact of the store, logging and
// collecting per-artifact failures without aborting the sweep.
func Drain(ctx context.Context, store *Store, p Persister, runID string) error {
	logger := ctxlog.FromContext(ctx)
	var firstErr error
	for _, name := range store.Names() {
		data, err := store.Get(name)
		if err != nil {
			// Names and Get observe the same published set; a miss here
			// means the store was mutated mid-drain.
			return err
		}
		handle, err := p.Persist(ctx, runID, name, data)
		if err != nil {
			logger.Error("Failed to persist artifact.", "artifact", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("persist artifact %q: %w", name, err)
			}
			continue
		}
		logger.Debug("Artifact persisted.", "artifact", name, "handle", handle)
	}
	return firstErr
}

// FSPersister stores artifacts under root/<runID>/<name> on the local
// filesystem.
type FSPersister struct {
	Root string
}

// Persist implements Persister.
func (f *FSPersister) Persist(_ context.Context, runID, name string, data []byte) (string, error) {
	dir := filepath.Join(f.Root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// Retrieve implements Persister.
func (f *FSPersister) Retrieve(_ context.Context, runID, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.Root, runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, err
	}
	return data, nil
}

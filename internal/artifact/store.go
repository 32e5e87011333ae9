// Package artifact implements the per-run artifact store: a write-once
// name → blob mapping used to pass build outputs between jobs.
//
// Visibility follows the producing job's fate: a Put stages the blob
// against the job, Commit publishes every staged blob once the job
// succeeded, and Discard drops the staged blobs of a failed or cancelled
// job so partial artifacts never reach dependents.
//
// Unlike a pure state store, duplicate detection has to see staged and
// published names together, so the store uses one RWMutex instead of
// per-key sync.Map granularity.
package artifact

import (
	"fmt"
	"sort"
	"sync"
)

// DuplicateArtifactError reports a second Put under an already-used name.
type DuplicateArtifactError struct {
	Name string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("artifact %q already exists in this run", e.Name)
}

// NotFoundError reports a Get for an absent artifact.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact %q not found", e.Name)
}

// Store is the per-run artifact store.
type Store struct {
	overwrite bool

	mu        sync.RWMutex
	staged    map[string]stagedBlob // name -> blob pending its job's success
	published map[string][]byte
}

type stagedBlob struct {
	job  string
	data []byte
}

// NewStore creates an empty store. With overwrite enabled, a duplicate Put
// replaces the previous blob instead of failing; the policy is explicit,
// never silent.
func NewStore(overwrite bool) *Store {
	return &Store{
		overwrite: overwrite,
		staged:    make(map[string]stagedBlob),
		published: make(map[string][]byte),
	}
}

// Put stages a blob produced by the given job. The name must be unused
// across the whole run unless overwrite is enabled.
func (s *Store) Put(job, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, stagedExists := s.staged[name]
	_, publishedExists := s.published[name]
	if (stagedExists || publishedExists) && !s.overwrite {
		return &DuplicateArtifactError{Name: name}
	}

	blob := make([]byte, len(data))
	copy(blob, data)
	s.staged[name] = stagedBlob{job: job, data: blob}
	return nil
}

// Get returns a published artifact. Blobs staged by jobs that have not
// succeeded yet are invisible.
func (s *Store) Get(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.published[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	blob := make([]byte, len(data))
	copy(blob, data)
	return blob, nil
}

// Commit publishes every blob the job staged and returns their names.
func (s *Store) Commit(job string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, blob := range s.staged {
		if blob.job != job {
			continue
		}
		s.published[name] = blob.data
		delete(s.staged, name)
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Discard drops every blob the job staged.
func (s *Store) Discard(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, blob := range s.staged {
		if blob.job == job {
			delete(s.staged, name)
		}
	}
}

// Names returns the sorted names of all published artifacts.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.published))
	for name := range s.published {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

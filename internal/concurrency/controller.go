// Package concurrency enforces the one-active-run-per-group rule. The
// controller is a process-wide registry keyed by concurrency group with an
// explicit lifecycle: a run registers on start and deregisters when it
// reaches a terminal state.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/gridci/internal/ctxlog"
)

// Policy decides what happens when a run arrives for a group that already
// has an active run. There is no implicit default at this layer; callers
// pick one explicitly.
type Policy string

const (
	// CancelInProgress preempts: the in-flight run is cancelled and the
	// new run is admitted once it has fully settled.
	CancelInProgress Policy = "cancel-in-progress"
	// Queue admits the new run after the in-flight run finishes on its own.
	Queue Policy = "queue"
	// Reject fails the new run immediately.
	Reject Policy = "reject"
)

// ErrRunInProgress is returned under the Reject policy.
var ErrRunInProgress = errors.New("a run is already active for this concurrency group")

// slot tracks the current holder of a group.
type slot struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is safe for concurrent use by many run starters.
type Controller struct {
	mu     sync.Mutex
	active map[string]*slot
}

// NewController creates an empty registry.
func NewController() *Controller {
	return &Controller{active: make(map[string]*slot)}
}

// Acquire admits a run into the group. cancelRun must cancel the caller's
// run context; under preemption the controller uses the equivalent handle
// of the in-flight run to stop it, then waits for it to settle before
// admitting the newcomer. The returned release function must be called
// exactly once, after the run reached a terminal state.
func (c *Controller) Acquire(ctx context.Context, group, runID string, cancelRun context.CancelFunc, policy Policy) (func(), error) {
	logger := ctxlog.FromContext(ctx).With("group", group, "run", runID)

	for {
		c.mu.Lock()
		holder, busy := c.active[group]
		if !busy {
			s := &slot{runID: runID, cancel: cancelRun, done: make(chan struct{})}
			c.active[group] = s
			c.mu.Unlock()
			return func() { c.release(group, s) }, nil
		}
		c.mu.Unlock()

		switch policy {
		case CancelInProgress:
			logger.Info("Preempting in-flight run.", "superseded", holder.runID)
			holder.cancel()
		case Queue:
			logger.Info("Queueing behind in-flight run.", "ahead", holder.runID)
		case Reject:
			return nil, fmt.Errorf("group %q: %w", group, ErrRunInProgress)
		default:
			return nil, fmt.Errorf("unknown concurrency policy %q", policy)
		}

		// Wait for the holder to settle, then race for the slot again.
		select {
		case <-holder.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release frees the slot if the given run still holds it.
func (c *Controller) release(group string, s *slot) {
	c.mu.Lock()
	if c.active[group] == s {
		delete(c.active, group)
	}
	c.mu.Unlock()
	close(s.done)
}

// Active returns the run ID currently holding the group, if any.
func (c *Controller) Active(group string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.active[group]; ok {
		return s.runID, true
	}
	return "", false
}

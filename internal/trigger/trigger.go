// Package trigger defines the event descriptor that starts a run and the
// YAML loader for event files passed to the CLI.
package trigger

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Kind enumerates the supported trigger kinds.
type Kind string

const (
	Push        Kind = "push"
	PullRequest Kind = "pull_request"
	Manual      Kind = "manual"
)

// Event describes what started a run.
type Event struct {
	Kind Kind   `yaml:"event" json:"event"`
	Ref  string `yaml:"ref" json:"ref"`
	ID   string `yaml:"id,omitempty" json:"id,omitempty"`
}

// Normalize fills defaults and validates the event. A missing ID is
// replaced with a fresh UUID; a missing kind defaults to manual.
func (e *Event) Normalize() error {
	if e.Kind == "" {
		e.Kind = Manual
	}
	switch e.Kind {
	case Push, PullRequest, Manual:
	default:
		return fmt.Errorf("unknown trigger kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// Load reads an event descriptor from a YAML file.
func Load(path string) (Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Event{}, fmt.Errorf("read event file: %w", err)
	}
	var ev Event
	if err := yaml.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event file %q: %w", path, err)
	}
	if err := ev.Normalize(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

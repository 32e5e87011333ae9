// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file models the top-level pipeline definition.
//
// Why keep expressions unevaluated here?
//
// A pipeline is parsed long before anything about a concrete run is known:
// the triggering ref, upstream job outputs, and step results all exist only
// at execution time. The model therefore stores `if`, `run`, `env` and
// output values as raw hcl.Expression and leaves evaluation to the
// scheduler and the job executor, which own the evaluation context.
package model

import (
	"github.com/hashicorp/hcl/v2"
)

// Pipeline is the parsed, unevaluated form of one pipeline definition.
type Pipeline struct {
	Name        string       `hcl:"name,label"`
	Concurrency *Concurrency `hcl:"concurrency,block"`
	Jobs        []*Job       `hcl:"job,block"`
}

// Concurrency declares the run-level concurrency group. The group key is an
// expression so it can incorporate trigger attributes, e.g.
// "release-${trigger.ref}".
type Concurrency struct {
	Group            hcl.Expression `hcl:"group"`
	CancelInProgress bool           `hcl:"cancel_in_progress,optional"`
}

// Job returns the job with the given name, or nil if the pipeline does not
// declare one.
func (p *Pipeline) Job(name string) *Job {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file models a step: one opaque invocation inside a job. Backend
// builds, frontend lints, security scans and image pushes all reduce to the
// same shape — a command, parameters, a working directory, an exit status
// and declared output captures.
package model

import (
	"github.com/hashicorp/hcl/v2"
)

// Step declares one command invocation inside a job. Steps of a job run
// strictly in declaration order.
type Step struct {
	Name string `hcl:"name,label"`

	// Run is the shell command, kept as an expression so it can
	// interpolate trigger attributes, dependency outputs and prior step
	// outputs.
	Run hcl.Expression `hcl:"run"`

	// Env holds extra environment for the invocation. The whole attribute
	// is a single object expression; values are converted to strings at
	// evaluation time.
	Env hcl.Expression `hcl:"env,optional"`

	// If gates the step. A false result marks the step skipped and
	// execution continues with the next step.
	If hcl.Expression `hcl:"if,optional"`

	// ContinueOnError keeps the job going when this step fails.
	ContinueOnError bool `hcl:"continue_on_error,optional"`

	// Timeout bounds the invocation, e.g. "90s". Falls back to the job
	// default, then to the engine default.
	Timeout string `hcl:"timeout,optional"`

	// WorkingDir is the directory the command runs in.
	WorkingDir string `hcl:"working_dir,optional"`
}

// Expressions returns all HCL expressions declared on the step.
func (s *Step) Expressions() []hcl.Expression {
	return []hcl.Expression{s.Run, s.Env, s.If}
}

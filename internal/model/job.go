// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file models a single job: a named unit of work with dependencies,
// an optional gate condition, and a set of declared outputs.
//
// Why is `needs` a plain []string while `if` is an expression?
//
// Dependencies have a structural role: they are the edges of the execution
// graph and must be known before any evaluation context exists. Requiring a
// literal list keeps graph construction a pure parse-time operation.
// Conditions, by contrast, are only meaningful against a concrete run and
// stay unevaluated until the job becomes ready.
package model

import (
	"github.com/hashicorp/hcl/v2"
)

// Job declares one unit of work inside a pipeline.
type Job struct {
	Name string `hcl:"name,label"`

	// Needs lists the names of jobs that must reach a terminal state
	// before this job may start.
	Needs []string `hcl:"needs,optional"`

	// If gates execution. Evaluated when the job becomes ready; a false
	// result skips the job without failing the run.
	If hcl.Expression `hcl:"if,optional"`

	// AlwaysRun lets the job execute even when a dependency failed or was
	// cancelled. Outputs of failed dependencies are absent.
	AlwaysRun bool `hcl:"always_run,optional"`

	// RunsOn tags the execution environment. The engine records it on the
	// run report; placement itself is a collaborator concern.
	RunsOn string `hcl:"runs_on,optional"`

	// Timeout is the default per-step timeout, e.g. "10m".
	Timeout string `hcl:"timeout,optional"`

	Steps   []*Step   `hcl:"step,block"`
	Outputs []*Output `hcl:"output,block"`
}

// Output declares one named job output. Value is evaluated against the
// job's accumulated step results once every step has finished.
type Output struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value"`
}

// Expressions returns all HCL expressions declared directly on the job.
func (j *Job) Expressions() []hcl.Expression {
	exprs := []hcl.Expression{j.If}
	for _, o := range j.Outputs {
		exprs = append(exprs, o.Value)
	}
	return exprs
}

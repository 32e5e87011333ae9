// Package expr builds HCL evaluation contexts for a run and evaluates the
// expressions a pipeline declares: `if` gates, `run` templates, env maps
// and job output values.
//
// The engine exposes four variable roots:
//
//	trigger.event / trigger.ref / trigger.id
//	needs.<job>.result / needs.<job>.outputs.<name>
//	steps.<step>.exit_code / steps.<step>.outputs.<name>
//	env.<NAME>
package expr

import (
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/gridci/internal/trigger"
	"github.com/zclconf/go-cty/cty"
)

// NeedResult is the dependency view a job evaluates against: the terminal
// result string plus the outputs the dependency produced (empty for failed
// or skipped dependencies).
type NeedResult struct {
	Result  string
	Outputs map[string]string
}

// StepState is the per-step view accumulated while a job executes.
type StepState struct {
	ExitCode int
	Outputs  map[string]string
}

// RunContext builds the evaluation context shared by every job of a run.
func RunContext(ev trigger.Event, environ []string) *hcl.EvalContext {
	if environ == nil {
		environ = os.Environ()
	}
	envVars := make(map[string]cty.Value)
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			envVars[k] = cty.StringVal(v)
		}
	}

	vars := map[string]cty.Value{
		"trigger": cty.ObjectVal(map[string]cty.Value{
			"event": cty.StringVal(string(ev.Kind)),
			"ref":   cty.StringVal(ev.Ref),
			"id":    cty.StringVal(ev.ID),
		}),
		"env": objectVal(envVars),
	}
	return &hcl.EvalContext{Variables: vars}
}

// JobContext derives a child context exposing the job's dependency results
// under the `needs` root.
func JobContext(parent *hcl.EvalContext, needs map[string]NeedResult) *hcl.EvalContext {
	needVars := make(map[string]cty.Value, len(needs))
	for name, res := range needs {
		needVars[name] = cty.ObjectVal(map[string]cty.Value{
			"result":  cty.StringVal(res.Result),
			"outputs": stringMapVal(res.Outputs),
		})
	}

	child := parent.NewChild()
	child.Variables = map[string]cty.Value{
		"needs": objectVal(needVars),
	}
	return child
}

// StepContext derives a child context exposing the results of the steps
// that already finished within the current job.
func StepContext(parent *hcl.EvalContext, steps map[string]StepState) *hcl.EvalContext {
	stepVars := make(map[string]cty.Value, len(steps))
	for name, st := range steps {
		stepVars[name] = cty.ObjectVal(map[string]cty.Value{
			"exit_code": cty.NumberIntVal(int64(st.ExitCode)),
			"outputs":   stringMapVal(st.Outputs),
		})
	}

	child := parent.NewChild()
	child.Variables = map[string]cty.Value{
		"steps": objectVal(stepVars),
	}
	return child
}

func stringMapVal(m map[string]string) cty.Value {
	vals := make(map[string]cty.Value, len(m))
	for k, v := range m {
		vals[k] = cty.StringVal(v)
	}
	return objectVal(vals)
}

// objectVal wraps cty.ObjectVal, tolerating empty maps (cty.MapVal panics
// on them, object types do not).
func objectVal(m map[string]cty.Value) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(m)
}

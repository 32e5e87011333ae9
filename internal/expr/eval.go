package expr

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Bool evaluates a condition expression. A nil expression is vacuously
// true, matching a job or step that declares no `if`.
func Bool(expression hcl.Expression, evalCtx *hcl.EvalContext) (bool, error) {
	if expression == nil {
		return true, nil
	}
	val, diags := expression.Value(evalCtx)
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluate condition: %w", diags)
	}
	// gohcl decodes an omitted optional attribute into a synthesized
	// expression that evaluates to null, not into a nil field. A null
	// condition therefore means the block declared no `if` at all.
	if val.IsNull() {
		return true, nil
	}
	val, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("condition must be boolean: %w", err)
	}
	return val.True(), nil
}

// String evaluates an expression that must produce a single string, such
// as a `run` template, an output value or a concurrency group key.
func String(expression hcl.Expression, evalCtx *hcl.EvalContext) (string, error) {
	if expression == nil {
		return "", nil
	}
	val, diags := expression.Value(evalCtx)
	if diags.HasErrors() {
		return "", fmt.Errorf("evaluate expression: %w", diags)
	}
	if val.IsNull() {
		return "", nil
	}
	val, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("expression must produce a string: %w", err)
	}
	return val.AsString(), nil
}

// StringMap evaluates an object expression (e.g. a step's `env` attribute)
// into a flat name → string mapping.
func StringMap(expression hcl.Expression, evalCtx *hcl.EvalContext) (map[string]string, error) {
	if expression == nil {
		return nil, nil
	}
	val, diags := expression.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluate map expression: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("expected an object of strings, got %s", val.Type().FriendlyName())
	}

	out := make(map[string]string)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		str, err := convert.Convert(v, cty.String)
		if err != nil {
			return nil, fmt.Errorf("value for %q must be a string: %w", k.AsString(), err)
		}
		out[k.AsString()] = str.AsString()
	}
	return out, nil
}

package expr

import (
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridci/internal/trigger"
)

func parseExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expression, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors(), diags.Error())
	return expression
}

func testRunContext() *hcl.EvalContext {
	return RunContext(trigger.Event{
		Kind: trigger.Push,
		Ref:  "main",
		ID:   "run-1",
	}, []string{"CI=true"})
}

func TestBool_NilExpressionIsTrue(t *testing.T) {
	ok, err := Bool(nil, testRunContext())
	require.NoError(t, err)
	assert.True(t, ok)
}

// gohcl does not leave an omitted optional hcl.Expression field nil; it
// synthesizes an expression that evaluates to null. A block without `if`
// must still run, and a block without `env` gets no extra environment.
func TestBool_OmittedConditionViaGohclIsTrue(t *testing.T) {
	type gate struct {
		Name string         `hcl:"name,label"`
		If   hcl.Expression `hcl:"if,optional"`
		Env  hcl.Expression `hcl:"env,optional"`
	}
	type doc struct {
		Gates []*gate `hcl:"gate,block"`
	}

	file, diags := hclsyntax.ParseConfig([]byte(`gate "a" {}`), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors(), diags.Error())

	var d doc
	decodeDiags := gohcl.DecodeBody(file.Body, nil, &d)
	require.False(t, decodeDiags.HasErrors(), decodeDiags.Error())
	require.Len(t, d.Gates, 1)
	require.NotNil(t, d.Gates[0].If, "gohcl synthesizes an expression for omitted attributes")

	ok, err := Bool(d.Gates[0].If, testRunContext())
	require.NoError(t, err)
	assert.True(t, ok)

	env, err := StringMap(d.Gates[0].Env, testRunContext())
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestBool_BranchGate(t *testing.T) {
	evalCtx := testRunContext()

	ok, err := Bool(parseExpr(t, `trigger.ref == "main"`), evalCtx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Bool(parseExpr(t, `trigger.ref == "develop"`), evalCtx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBool_NonBooleanRejected(t *testing.T) {
	_, err := Bool(parseExpr(t, `trigger.ref`), testRunContext())
	require.Error(t, err)
}

func TestString_RunTemplate(t *testing.T) {
	evalCtx := JobContext(testRunContext(), map[string]NeedResult{
		"version": {
			Result:  "succeeded",
			Outputs: map[string]string{"version": "1.4.2"},
		},
	})

	got, err := String(parseExpr(t, `"docker build -t app:${needs.version.outputs.version} ."`), evalCtx)
	require.NoError(t, err)
	assert.Equal(t, "docker build -t app:1.4.2 .", got)
}

func TestString_EnvLookup(t *testing.T) {
	got, err := String(parseExpr(t, `env.CI`), testRunContext())
	require.NoError(t, err)
	assert.Equal(t, "true", got)
}

func TestStepContext_ExitCodeAndOutputs(t *testing.T) {
	evalCtx := StepContext(testRunContext(), map[string]StepState{
		"derive": {ExitCode: 0, Outputs: map[string]string{"version": "2.0.0"}},
	})

	got, err := String(parseExpr(t, `steps.derive.outputs.version`), evalCtx)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got)

	ok, err := Bool(parseExpr(t, `steps.derive.exit_code == 0`), evalCtx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStringMap_EnvObject(t *testing.T) {
	evalCtx := JobContext(testRunContext(), map[string]NeedResult{
		"version": {Result: "succeeded", Outputs: map[string]string{"version": "3.1.0"}},
	})

	got, err := StringMap(parseExpr(t, `{ IMAGE_TAG = needs.version.outputs.version, PUSH = "true" }`), evalCtx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"IMAGE_TAG": "3.1.0", "PUSH": "true"}, got)
}

func TestStringMap_NilExpression(t *testing.T) {
	got, err := StringMap(nil, testRunContext())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobContext_SkippedDependencyHasNoOutputs(t *testing.T) {
	evalCtx := JobContext(testRunContext(), map[string]NeedResult{
		"lint": {Result: "skipped"},
	})

	got, err := String(parseExpr(t, `needs.lint.result`), evalCtx)
	require.NoError(t, err)
	assert.Equal(t, "skipped", got)
}

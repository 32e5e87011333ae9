package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	g := New()
	require.NotNil(t, g)
	assert.Empty(t, g.Nodes())
}

func TestAddEdge(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")

		err := g.AddEdge("a", "b") // b depends on a
		require.NoError(t, err)

		deps, err := g.Dependencies("b")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, deps)

		dependents, err := g.Dependents("a")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, dependents)
	})

	t.Run("unknown source node", func(t *testing.T) {
		g := New()
		g.AddNode("a")

		err := g.AddEdge("dne", "a")
		var unknownErr *UnknownDependencyError
		require.ErrorAs(t, err, &unknownErr)
		assert.Equal(t, "dne", unknownErr.Need)
	})

	t.Run("self reference", func(t *testing.T) {
		g := New()
		g.AddNode("a")

		err := g.AddEdge("a", "a")
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
	})
}

func TestValidate_Acyclic(t *testing.T) {
	g := New()
	for _, id := range []string{"version", "test", "lint", "deploy"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("version", "test"))
	require.NoError(t, g.AddEdge("version", "lint"))
	require.NoError(t, g.AddEdge("test", "deploy"))
	require.NoError(t, g.AddEdge("lint", "deploy"))

	assert.NoError(t, g.Validate())
}

func TestValidate_CycleNamesMembers(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))
	require.NoError(t, g.AddEdge("c", "a"))

	err := g.Validate()
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Subset(t, []string{"a", "b", "c"}, cycleErr.Members)
	assert.NotEmpty(t, cycleErr.Members)
}

func TestLevels_DiamondBatches(t *testing.T) {
	g, err := Build(map[string][]string{
		"version": nil,
		"test":    {"version"},
		"lint":    {"version"},
		"deploy":  {"test", "lint"},
	})
	require.NoError(t, err)

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"version"}, levels[0])
	assert.Equal(t, []string{"lint", "test"}, levels[1])
	assert.Equal(t, []string{"deploy"}, levels[2])
}

// Repeated invocations on the same job set must yield identical batches.
func TestLevels_Idempotent(t *testing.T) {
	needs := map[string][]string{
		"a": nil,
		"b": nil,
		"c": {"a", "b"},
		"d": {"c"},
		"e": {"a"},
	}

	first, err := Build(needs)
	require.NoError(t, err)
	want, err := first.Levels()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		g, err := Build(needs)
		require.NoError(t, err)
		got, err := g.Levels()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBuild_UnknownNeed(t *testing.T) {
	_, err := Build(map[string][]string{
		"backend": {"version"},
	})
	var unknownErr *UnknownDependencyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "backend", unknownErr.Job)
	assert.Equal(t, "version", unknownErr.Need)
}

func TestBuild_CycleRejected(t *testing.T) {
	_, err := Build(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

package dag

// Build constructs a validated graph from a job-name → needs mapping.
// It returns an *UnknownDependencyError for a reference to a missing job
// and a *CycleError when the relation admits no topological order.
func Build(needs map[string][]string) (*Graph, error) {
	g := New()
	for name := range needs {
		g.AddNode(name)
	}
	for name, deps := range needs {
		for _, dep := range deps {
			if err := g.AddEdge(dep, name); err != nil {
				return nil, err
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

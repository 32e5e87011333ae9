// Package dag builds the job dependency graph from declared `needs`
// relations and validates that it admits a topological schedule.
package dag

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Graph is a collection of nodes and their dependencies, representing a DAG.
// All operations on the graph are concurrency-safe.
type Graph struct {
	mutex sync.RWMutex
	nodes map[string]*node
}

// node represents a single vertex. It is un-exported to enforce interaction
// with the graph via string IDs, not by direct struct manipulation.
type node struct {
	id         string
	deps       map[string]*node
	dependents map[string]*node
}

// CycleError reports a dependency cycle. Members lists the job identities
// participating in the detected cycle, in traversal order.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Members, " -> "))
}

// UnknownDependencyError reports a `needs` reference to a job that does not
// exist in the pipeline.
type UnknownDependencyError struct {
	Job  string
	Need string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("job %q needs unknown job %q", e.Job, e.Need)
}

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// AddNode adds a new node with the given ID to the graph. If a node with
// the same ID already exists, the function does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{
		id:         id,
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
}

// AddEdge creates a directed edge meaning `toID` depends on `fromID`.
// An error is returned if either node does not exist or the edge would be
// a self-reference.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return &CycleError{Members: []string{fromID}}
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return &UnknownDependencyError{Job: toID, Need: fromID}
	}
	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}

	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode
	return nil
}

// Dependencies returns the sorted IDs the given node depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(n.deps), nil
}

// Dependents returns the sorted IDs that depend on the given node.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(n.dependents), nil
}

// Nodes returns the sorted IDs of all nodes.
func (g *Graph) Nodes() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return sortedKeys(g.nodes)
}

// Validate checks the graph for cycles. It returns a *CycleError naming the
// cycle's members if one is found, nil otherwise.
func (g *Graph) Validate() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	// Classic depth-first search with three node sets: permanently
	// visited, on the current recursion stack, and unvisited.
	permanent := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var visit func(n *node) *CycleError
	visit = func(n *node) *CycleError {
		if permanent[n.id] {
			return nil
		}
		if onStack[n.id] {
			// Everything on the stack from the first occurrence of
			// this node onward is part of the cycle.
			var members []string
			for i, id := range stack {
				if id == n.id {
					members = append(members, stack[i:]...)
					break
				}
			}
			return &CycleError{Members: append(members, n.id)}
		}

		onStack[n.id] = true
		stack = append(stack, n.id)

		for _, dep := range sortedValues(n.deps) {
			if err := visit(dep); err != nil {
				return err
			}
		}

		delete(onStack, n.id)
		stack = stack[:len(stack)-1]
		permanent[n.id] = true
		return nil
	}

	for _, n := range sortedValues(g.nodes) {
		if !permanent[n.id] {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// Levels returns the topological schedule as ready-batches: level 0 holds
// all roots, level n+1 holds nodes whose dependencies all sit in levels
// <= n. Node order within a level is sorted so repeated invocations on the
// same graph yield identical batches. Returns a *CycleError if the graph
// has no topological order.
func (g *Graph) Levels() ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	g.mutex.RLock()
	defer g.mutex.RUnlock()

	remaining := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		remaining[id] = len(n.deps)
	}

	var levels [][]string
	resolved := 0
	for resolved < len(g.nodes) {
		var level []string
		for id, deps := range remaining {
			if deps == 0 {
				level = append(level, id)
			}
		}
		sort.Strings(level)
		for _, id := range level {
			delete(remaining, id)
			for depID := range g.nodes[id].dependents {
				remaining[depID]--
			}
		}
		levels = append(levels, level)
		resolved += len(level)
	}
	return levels, nil
}

func sortedKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedValues(m map[string]*node) []*node {
	nodes := make([]*node, 0, len(m))
	for _, k := range sortedKeys(m) {
		nodes = append(nodes, m[k])
	}
	return nodes
}

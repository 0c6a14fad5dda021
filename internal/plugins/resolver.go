package plugins

import (
	"sort"

	"github.com/streamspace-dev/pluginhost/internal/herrors"
)

// Resolver computes a dependency-ordered load sequence for a set of plugin
// metadata via depth-first topological sort, tie-broken by ascending name
// for determinism.
type Resolver struct{}

// NewResolver creates a dependency resolver. It is stateless; one instance
// is reused across calls.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns an ordering such that every name appears after all of its
// transitive dependencies. It fails with MissingDependency if any listed
// dependency is absent from meta, or CircularDependency if the graph has a
// cycle.
func (r *Resolver) Resolve(meta map[string]Metadata) ([]string, error) {
	if err := r.validate(meta); err != nil {
		return nil, err
	}

	names := sortedKeys(meta)

	resolved := make([]string, 0, len(meta))
	resolving := make(map[string]bool)
	visited := make(map[string]bool)
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if resolving[name] {
			cycle := cyclePath(stack, name)
			return &herrors.CircularDependency{CyclePath: cycle}
		}
		resolving[name] = true
		stack = append(stack, name)

		deps := append([]string(nil), meta[name].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		resolving[name] = false
		visited[name] = true
		resolved = append(resolved, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

// validate performs the first-pass check that every listed dependency
// exists in meta, independent of cycle detection.
func (r *Resolver) validate(meta map[string]Metadata) error {
	for _, name := range sortedKeys(meta) {
		for _, dep := range meta[name].Dependencies {
			if _, ok := meta[dep]; !ok {
				return &herrors.MissingDependency{Plugin: name, Dep: dep}
			}
		}
	}
	return nil
}

// cyclePath extracts the stack segment from the first occurrence of name to
// the current duplicate, closing the loop back to name.
func cyclePath(stack []string, name string) []string {
	start := 0
	for i, n := range stack {
		if n == name {
			start = i
			break
		}
	}
	path := append([]string(nil), stack[start:]...)
	path = append(path, name)
	return path
}

func sortedKeys(meta map[string]Metadata) []string {
	names := make([]string, 0, len(meta))
	for name := range meta {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Graph is the non-failing analysis view over a metadata set: forward and
// reverse dependency graphs plus roots (no dependencies) and leaves (no
// dependents).
type Graph struct {
	Forward map[string][]string
	Reverse map[string][]string
	Roots   []string
	Leaves  []string
}

// Analyze builds a Graph without validating or ordering anything; it
// tolerates dangling dependency names so it can still be useful against
// partially-broken metadata sets.
func (r *Resolver) Analyze(meta map[string]Metadata) Graph {
	g := Graph{
		Forward: make(map[string][]string),
		Reverse: make(map[string][]string),
	}
	names := sortedKeys(meta)
	for _, name := range names {
		deps := append([]string(nil), meta[name].Dependencies...)
		sort.Strings(deps)
		g.Forward[name] = deps
		for _, dep := range deps {
			g.Reverse[dep] = append(g.Reverse[dep], name)
		}
	}
	for _, name := range names {
		if len(g.Forward[name]) == 0 {
			g.Roots = append(g.Roots, name)
		}
		if len(g.Reverse[name]) == 0 {
			g.Leaves = append(g.Leaves, name)
		}
	}
	return g
}

package dependencies

import (
	"fmt"
	"sort"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// Node represents a plugin in the dependency graph
type Node struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Installed bool   `json:"installed"`
}

// DependencyGraph is a directed graph of plugins. Edges run from a
// dependency to the plugins that depend on it.
type DependencyGraph struct {
	nodes      map[string]*Node
	dependents map[string]map[string]bool // dependency -> dependents
	requires   map[string]map[string]bool // dependent -> dependencies
}

// NewDependencyGraph creates a new dependency graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*Node),
		dependents: make(map[string]map[string]bool),
		requires:   make(map[string]map[string]bool),
	}
}

// AddNode adds or updates a node
func (g *DependencyGraph) AddNode(name, version string, installed bool) {
	if n, ok := g.nodes[name]; ok {
		if version != "" {
			n.Version = version
		}
		n.Installed = n.Installed || installed
		return
	}
	g.nodes[name] = &Node{Name: name, Version: version, Installed: installed}
}

// AddEdge records that dependent requires dependency. Missing nodes are
// created as not installed.
func (g *DependencyGraph) AddEdge(dependency, dependent string) {
	g.AddNode(dependency, "", false)
	g.AddNode(dependent, "", false)
	if g.dependents[dependency] == nil {
		g.dependents[dependency] = make(map[string]bool)
	}
	if g.requires[dependent] == nil {
		g.requires[dependent] = make(map[string]bool)
	}
	g.dependents[dependency][dependent] = true
	g.requires[dependent][dependency] = true
}

// RemoveNode removes a node and every edge touching it
func (g *DependencyGraph) RemoveNode(name string) {
	for dep := range g.requires[name] {
		delete(g.dependents[dep], name)
	}
	for dependent := range g.dependents[name] {
		delete(g.requires[dependent], name)
	}
	delete(g.requires, name)
	delete(g.dependents, name)
	delete(g.nodes, name)
}

// RemoveEdges drops the outgoing dependency edges of dependent
func (g *DependencyGraph) RemoveEdges(dependent string) {
	for dep := range g.requires[dependent] {
		delete(g.dependents[dep], dependent)
	}
	delete(g.requires, dependent)
}

// GetNode retrieves a node from the graph
func (g *DependencyGraph) GetNode(name string) *Node {
	return g.nodes[name]
}

// Nodes returns every node, sorted by name
func (g *DependencyGraph) Nodes() []*Node {
	names := sortedSet(nodeNames(g.nodes))
	out := make([]*Node, len(names))
	for i, name := range names {
		out[i] = g.nodes[name]
	}
	return out
}

// Dependents returns the plugins that directly depend on name
func (g *DependencyGraph) Dependents(name string) []string {
	return sortedSet(g.dependents[name])
}

// Dependencies returns the plugins name directly depends on
func (g *DependencyGraph) Dependencies(name string) []string {
	return sortedSet(g.requires[name])
}

// TransitiveDependents returns every plugin affected by a change to name
func (g *DependencyGraph) TransitiveDependents(name string) []string {
	visited := map[string]bool{name: true}
	result := make(map[string]bool)

	var traverse func(string)
	traverse = func(n string) {
		for dependent := range g.dependents[n] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			result[dependent] = true
			traverse(dependent)
		}
	}
	traverse(name)
	return sortedSet(result)
}

// Clone returns a deep copy of the graph
func (g *DependencyGraph) Clone() *DependencyGraph {
	c := NewDependencyGraph()
	for name, n := range g.nodes {
		copied := *n
		c.nodes[name] = &copied
	}
	for dep, set := range g.dependents {
		for dependent := range set {
			c.AddEdge(dep, dependent)
		}
	}
	return c
}

// FindCycle returns one cycle as a path of names, or nil. It is a single
// depth-first pass that stops at the first back edge.
func (g *DependencyGraph) FindCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(name string) bool {
		color[name] = grey
		path = append(path, name)
		for _, next := range sortedSet(g.dependents[name]) {
			switch color[next] {
			case grey:
				for i, p := range path {
					if p == next {
						cycle = append(append([]string(nil), path[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, name := range sortedSet(nodeNames(g.nodes)) {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// HasCycle reports whether the graph contains any cycle
func (g *DependencyGraph) HasCycle() bool {
	return g.FindCycle() != nil
}

// TopologicalSort orders every node so that dependencies come before their
// dependents. Ties are broken by name.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = len(g.requires[name])
	}

	var ready []string
	for name, d := range inDegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	result := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		result = append(result, name)

		var unlocked []string
		for dependent := range g.dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}

	if len(result) != len(g.nodes) {
		cycle := g.FindCycle()
		return nil, fmt.Errorf("%w: %v", plugins.ErrCycle, cycle)
	}
	return result, nil
}

// ImpactAnalysis describes what a change to one plugin would affect
type ImpactAnalysis struct {
	Plugin               string   `json:"plugin"`
	Version              string   `json:"version,omitempty"`
	DirectDependents     []string `json:"direct_dependents"`
	TransitiveDependents []string `json:"transitive_dependents"`
	TotalImpact          int      `json:"total_impact"`
}

// Impact returns the impact analysis for name
func (g *DependencyGraph) Impact(name string) *ImpactAnalysis {
	direct := g.Dependents(name)
	all := g.TransitiveDependents(name)
	version := ""
	if n := g.nodes[name]; n != nil {
		version = n.Version
	}
	return &ImpactAnalysis{
		Plugin:               name,
		Version:              version,
		DirectDependents:     direct,
		TransitiveDependents: all,
		TotalImpact:          len(all),
	}
}

func nodeNames(nodes map[string]*Node) map[string]bool {
	set := make(map[string]bool, len(nodes))
	for name := range nodes {
		set[name] = true
	}
	return set
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

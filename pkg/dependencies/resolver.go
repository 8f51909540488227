package dependencies

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/sirupsen/logrus"
)

// DefaultTreeDepth bounds Tree when the caller passes zero
const DefaultTreeDepth = 5

// VersionSource lists versions of a plugin that could be installed
type VersionSource interface {
	AvailableVersions(ctx context.Context, name string) ([]string, error)
}

// Resolver tracks installed plugins and their dependency graph
type Resolver struct {
	mu        sync.RWMutex
	installed map[string]string
	deps      map[string][]Dependency
	graph     *DependencyGraph
	source    VersionSource
	log       *logrus.Logger
}

// NewResolver creates a resolver. source may be nil, in which case a
// dependency that is not installed cannot be satisfied.
func NewResolver(source VersionSource, log *logrus.Logger) *Resolver {
	if log == nil {
		log = logrus.New()
	}
	return &Resolver{
		installed: make(map[string]string),
		deps:      make(map[string][]Dependency),
		graph:     NewDependencyGraph(),
		source:    source,
		log:       log,
	}
}

// SetVersionSource replaces the source of available versions
func (r *Resolver) SetVersionSource(source VersionSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = source
}

// Check verifies that every dependency of manifest can be satisfied and
// that adding it would not create a cycle
func (r *Resolver) Check(ctx context.Context, manifest *plugins.Manifest) error {
	name := manifest.Name
	r.log.WithField("plugin", name).Infof("Checking dependencies for %s", name)

	deps, err := ParseSpecs(manifest.Dependencies)
	if err != nil {
		return &DependencyError{Plugin: name, Reason: "invalid dependency specification", Err: err}
	}

	for _, dep := range deps {
		if err := r.checkOne(ctx, name, dep); err != nil {
			return err
		}
	}

	if cycle := r.cycleWith(name, manifest.Version, deps); cycle != nil {
		return &DependencyError{Plugin: name, Reason: fmt.Sprintf("would create circular dependency %v", cycle), Err: plugins.ErrCycle}
	}

	r.log.WithField("plugin", name).Infof("All dependencies satisfied for %s", name)
	return nil
}

func (r *Resolver) checkOne(ctx context.Context, plugin string, dep Dependency) error {
	r.mu.RLock()
	installed, ok := r.installed[dep.Name]
	source := r.source
	r.mu.RUnlock()

	if ok {
		if dep.Satisfies(installed) {
			return nil
		}
		return &DependencyError{
			Plugin:     plugin,
			Dependency: dep.String(),
			Reason:     fmt.Sprintf("installed version %s does not satisfy constraints", installed),
		}
	}

	if source == nil {
		return &DependencyError{Plugin: plugin, Dependency: dep.String(), Reason: "dependency not installed"}
	}
	versions, err := source.AvailableVersions(ctx, dep.Name)
	if err != nil {
		return &DependencyError{Plugin: plugin, Dependency: dep.String(), Reason: "failed to list available versions", Err: err}
	}
	if len(versions) == 0 {
		return &DependencyError{Plugin: plugin, Dependency: dep.String(), Reason: "dependency not available"}
	}
	for _, v := range versions {
		if dep.Satisfies(v) {
			r.log.WithField("plugin", plugin).Debugf("Dependency %s available as %s", dep.Name, v)
			return nil
		}
	}
	return &DependencyError{Plugin: plugin, Dependency: dep.String(), Reason: "no available version satisfies constraints"}
}

// cycleWith builds the installed graph plus the new node and its edges and
// returns a cycle if one appears
func (r *Resolver) cycleWith(name, version string, deps []Dependency) []string {
	r.mu.RLock()
	temp := r.graph.Clone()
	r.mu.RUnlock()

	temp.RemoveEdges(name)
	temp.AddNode(name, version, true)
	for _, dep := range deps {
		temp.AddEdge(dep.Name, name)
	}
	return temp.FindCycle()
}

// InstallOrder returns the names of manifests ordered so that dependencies
// come first. Dependencies outside the set do not take part in ordering.
// A cycle yields ErrCycle and no partial order.
func (r *Resolver) InstallOrder(manifests []*plugins.Manifest) ([]string, error) {
	g := NewDependencyGraph()
	inSet := make(map[string]bool, len(manifests))
	for _, m := range manifests {
		g.AddNode(m.Name, m.Version, false)
		inSet[m.Name] = true
	}
	for _, m := range manifests {
		deps, err := ParseSpecs(m.Dependencies)
		if err != nil {
			return nil, &DependencyError{Plugin: m.Name, Reason: "invalid dependency specification", Err: err}
		}
		for _, dep := range deps {
			if inSet[dep.Name] {
				g.AddEdge(dep.Name, m.Name)
			}
		}
	}

	order, err := g.TopologicalSort()
	if err != nil {
		r.log.Error("Circular dependency detected in plugin set")
		return nil, &DependencyError{Reason: "circular dependency in plugin set", Err: err}
	}
	r.log.Infof("Installation order: %v", order)
	return order, nil
}

// RegisterInstalled records an installed plugin and its dependency specs
func (r *Resolver) RegisterInstalled(name, version string, specs []string) error {
	deps, err := ParseSpecs(specs)
	if err != nil {
		return &DependencyError{Plugin: name, Reason: "invalid dependency specification", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.installed[name] = version
	r.deps[name] = deps
	r.graph.RemoveEdges(name)
	r.graph.AddNode(name, version, true)
	if n := r.graph.GetNode(name); n != nil {
		n.Version, n.Installed = version, true
	}
	for _, dep := range deps {
		r.graph.AddEdge(dep.Name, name)
	}
	r.log.Debugf("Registered installed plugin: %s v%s", name, version)
	return nil
}

// Unregister forgets an installed plugin. Plugins that still depend on it keep
// a placeholder node so ValidateGraph can report the missing dependency.
func (r *Resolver) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.installed, name)
	delete(r.deps, name)
	r.graph.RemoveEdges(name)
	if len(r.graph.Dependents(name)) == 0 {
		r.graph.RemoveNode(name)
	} else if n := r.graph.GetNode(name); n != nil {
		n.Installed, n.Version = false, ""
	}
	r.log.Debugf("Unregistered plugin: %s", name)
}

// IsInstalled reports the installed version of name
func (r *Resolver) IsInstalled(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.installed[name]
	return v, ok
}

// Dependents returns the installed plugins that depend on name
func (r *Resolver) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, d := range r.graph.Dependents(name) {
		if _, ok := r.installed[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Dependencies returns the plugins name depends on
func (r *Resolver) Dependencies(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.Dependencies(name)
}

// CanUninstall reports whether no installed plugin depends on name, along
// with the dependents that block it
func (r *Resolver) CanUninstall(name string) (bool, []string) {
	dependents := r.Dependents(name)
	return len(dependents) == 0, dependents
}

// Impact returns the transitive impact of a change to name
func (r *Resolver) Impact(name string) *ImpactAnalysis {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.Impact(name)
}

// TreeNode is one level of a dependency tree
type TreeNode struct {
	Name            string      `json:"name"`
	Version         string      `json:"version"`
	Dependencies    []*TreeNode `json:"dependencies"`
	MaxDepthReached bool        `json:"max_depth_reached,omitempty"`
}

// Tree returns the dependency tree of name down to maxDepth levels
func (r *Resolver) Tree(name string, maxDepth int) *TreeNode {
	if maxDepth <= 0 {
		maxDepth = DefaultTreeDepth
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var build func(string, int) *TreeNode
	build = func(n string, depth int) *TreeNode {
		if depth >= maxDepth {
			return &TreeNode{Name: n, Dependencies: []*TreeNode{}, MaxDepthReached: true}
		}
		version, ok := r.installed[n]
		if !ok {
			version = "not_installed"
		}
		node := &TreeNode{Name: n, Version: version, Dependencies: []*TreeNode{}}
		for _, dep := range r.graph.Dependencies(n) {
			node.Dependencies = append(node.Dependencies, build(dep, depth+1))
		}
		return node
	}
	return build(name, 0)
}

// ValidateGraph reports cycles, missing dependencies and installed versions
// that no longer satisfy their dependents
func (r *Resolver) ValidateGraph() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var problems []string
	if cycle := r.graph.FindCycle(); cycle != nil {
		problems = append(problems, fmt.Sprintf("Circular dependencies detected: %v", cycle))
	}

	names := make([]string, 0, len(r.deps))
	for name := range r.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, dep := range r.deps[name] {
			version, ok := r.installed[dep.Name]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("Plugin %s depends on missing plugin %s", name, dep.Name))
			case !dep.Satisfies(version):
				problems = append(problems, fmt.Sprintf("Plugin %s requires %s but %s is installed", name, dep, version))
			}
		}
	}
	return problems
}

// Graph returns a snapshot of the dependency graph
func (r *Resolver) Graph() *DependencyGraph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.Clone()
}

// DependencyError is plugins.DependencyError
type DependencyError = plugins.DependencyError

package dependencies

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource map[string][]string

func (s staticSource) AvailableVersions(_ context.Context, name string) ([]string, error) {
	if name == "broken" {
		return nil, errors.New("repository unavailable")
	}
	return s[name], nil
}

func manifest(name, version string, deps ...string) *plugins.Manifest {
	return &plugins.Manifest{Metadata: plugins.Metadata{Name: name, Version: version, Dependencies: deps}}
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec    string
		want    Dependency
		wantErr bool
	}{
		{spec: "aws-core", want: Dependency{Name: "aws-core"}},
		{spec: "aws-core>=1.0.0", want: Dependency{Name: "aws-core", Constraints: []Constraint{{OpGE, "1.0.0"}}}},
		{spec: "aws-core >=1.0.0, <2.0.0", want: Dependency{Name: "aws-core", Constraints: []Constraint{{OpGE, "1.0.0"}, {OpLT, "2.0.0"}}}},
		{spec: "aws-core 1.2.0", want: Dependency{Name: "aws-core", Constraints: []Constraint{{OpEQ, "1.2.0"}}}},
		{spec: "aws_core~=1.4", want: Dependency{Name: "aws_core", Constraints: []Constraint{{OpCompatible, "1.4"}}}},
		{spec: "9lives", wantErr: true},
		{spec: "aws-core>=banana", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseSpec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDependency_Satisfies(t *testing.T) {
	rangeDep, err := ParseSpec("core>=1.0.0,<2.0.0")
	require.NoError(t, err)

	tests := []struct {
		name    string
		dep     Dependency
		version string
		want    bool
	}{
		{"inside range", rangeDep, "1.5.0", true},
		{"upper bound excluded", rangeDep, "2.0.0", false},
		{"below range", rangeDep, "0.9.0", false},
		{"lower bound included", rangeDep, "1.0.0", true},
		{"prerelease below release", rangeDep, "1.0.0-beta", false},
		{"no constraints", Dependency{Name: "core"}, "0.0.1", true},
		{"not equal", Dependency{Name: "core", Constraints: []Constraint{{OpNE, "1.2.0"}}}, "1.2.0", false},
		{"short form", Dependency{Name: "core", Constraints: []Constraint{{OpEQ, "1.2"}}}, "1.2.0", true},
		{"compatible patch", Dependency{Name: "core", Constraints: []Constraint{{OpCompatible, "1.4.2"}}}, "1.4.9", true},
		{"compatible next minor", Dependency{Name: "core", Constraints: []Constraint{{OpCompatible, "1.4.2"}}}, "1.5.0", false},
		{"compatible minor", Dependency{Name: "core", Constraints: []Constraint{{OpCompatible, "1.4"}}}, "1.9.0", true},
		{"compatible major", Dependency{Name: "core", Constraints: []Constraint{{OpCompatible, "1.4"}}}, "2.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dep.Satisfies(tt.version))
		})
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, CompareVersions("1.2.0", "1.10.0"))
	assert.Equal(t, 0, CompareVersions("1.2", "1.2.0"))
	assert.Equal(t, 1, CompareVersions("2.0.0", "2.0.0-rc.1"))
	assert.Equal(t, -1, CompareVersions("2.0.0-alpha", "2.0.0-beta"))
}

func TestResolver_Check(t *testing.T) {
	r := NewResolver(staticSource{"net-utils": {"0.9.0", "1.3.0"}}, nil)
	require.NoError(t, r.RegisterInstalled("core", "1.5.0", nil))

	tests := []struct {
		name     string
		manifest *plugins.Manifest
		wantErr  bool
	}{
		{"installed satisfies", manifest("aws", "1.0.0", "core>=1.0.0,<2.0.0"), false},
		{"installed too old", manifest("aws", "1.0.0", "core>=2.0.0"), true},
		{"available satisfies", manifest("aws", "1.0.0", "net-utils>=1.0.0"), false},
		{"available does not satisfy", manifest("aws", "1.0.0", "net-utils>=2.0.0"), true},
		{"not available", manifest("aws", "1.0.0", "missing"), true},
		{"source error", manifest("aws", "1.0.0", "broken"), true},
		{"invalid spec", manifest("aws", "1.0.0", "???"), true},
		{"no dependencies", manifest("aws", "1.0.0"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Check(context.Background(), tt.manifest)
			if tt.wantErr {
				var depErr *plugins.DependencyError
				assert.ErrorAs(t, err, &depErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResolver_CheckWithoutSource(t *testing.T) {
	r := NewResolver(nil, nil)
	err := r.Check(context.Background(), manifest("aws", "1.0.0", "core"))
	assert.ErrorContains(t, err, "not installed")
}

func TestResolver_CheckRejectsCycle(t *testing.T) {
	// a -> b -> c -> a, where x -> y means x depends on y
	r := NewResolver(nil, nil)
	require.NoError(t, r.RegisterInstalled("c", "1.0.0", []string{"a"}))
	require.NoError(t, r.RegisterInstalled("b", "1.0.0", []string{"c"}))
	require.NoError(t, r.RegisterInstalled("a", "1.0.0", nil))

	err := r.Check(context.Background(), manifest("a", "1.1.0", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, plugins.ErrCycle)

	// the rejected check does not touch the installed graph
	assert.Empty(t, r.Dependencies("a"))
	assert.Empty(t, r.ValidateGraph())
}

func TestResolver_InstallOrder(t *testing.T) {
	r := NewResolver(nil, nil)

	t.Run("dag", func(t *testing.T) {
		set := []*plugins.Manifest{
			manifest("app", "1.0.0", "net>=1.0.0", "core"),
			manifest("net", "1.0.0", "core"),
			manifest("core", "1.0.0"),
			manifest("logging", "1.0.0", "external>=3.0.0"),
		}
		order, err := r.InstallOrder(set)
		require.NoError(t, err)
		require.Len(t, order, 4)

		pos := make(map[string]int)
		for i, name := range order {
			pos[name] = i
		}
		assert.Less(t, pos["core"], pos["net"])
		assert.Less(t, pos["net"], pos["app"])
		assert.NotContains(t, order, "external")
	})

	t.Run("cycle", func(t *testing.T) {
		set := []*plugins.Manifest{
			manifest("a", "1.0.0", "b"),
			manifest("b", "1.0.0", "c"),
			manifest("c", "1.0.0", "a"),
		}
		order, err := r.InstallOrder(set)
		assert.ErrorIs(t, err, plugins.ErrCycle)
		assert.Empty(t, order)
	})
}

func TestResolver_DependentsAndUninstall(t *testing.T) {
	r := NewResolver(nil, nil)
	require.NoError(t, r.RegisterInstalled("core", "1.0.0", nil))
	require.NoError(t, r.RegisterInstalled("aws", "1.0.0", []string{"core>=1.0.0"}))
	require.NoError(t, r.RegisterInstalled("aws-s3", "1.0.0", []string{"aws", "core"}))

	assert.Equal(t, []string{"aws", "aws-s3"}, r.Dependents("core"))
	assert.Equal(t, []string{"aws", "core"}, r.Dependencies("aws-s3"))

	ok, blockers := r.CanUninstall("core")
	assert.False(t, ok)
	assert.Equal(t, []string{"aws", "aws-s3"}, blockers)

	ok, blockers = r.CanUninstall("aws-s3")
	assert.True(t, ok)
	assert.Empty(t, blockers)

	impact := r.Impact("core")
	assert.Equal(t, 2, impact.TotalImpact)

	r.Unregister("core")
	_, installed := r.IsInstalled("core")
	assert.False(t, installed)
	problems := r.ValidateGraph()
	assert.Contains(t, problems, "Plugin aws depends on missing plugin core")
	assert.Contains(t, problems, "Plugin aws-s3 depends on missing plugin core")

	r.Unregister("aws-s3")
	assert.Equal(t, []string{"aws"}, r.Dependents("core"))
}

func TestResolver_Tree(t *testing.T) {
	r := NewResolver(nil, nil)
	require.NoError(t, r.RegisterInstalled("d", "1.0.0", nil))
	require.NoError(t, r.RegisterInstalled("c", "1.0.0", []string{"d"}))
	require.NoError(t, r.RegisterInstalled("b", "1.0.0", []string{"c", "ghost"}))
	require.NoError(t, r.RegisterInstalled("a", "2.0.0", []string{"b"}))

	tree := r.Tree("a", 0)
	assert.Equal(t, "2.0.0", tree.Version)
	require.Len(t, tree.Dependencies, 1)
	b := tree.Dependencies[0]
	require.Len(t, b.Dependencies, 2)
	assert.Equal(t, "c", b.Dependencies[0].Name)
	assert.Equal(t, "not_installed", b.Dependencies[1].Version)

	shallow := r.Tree("a", 2)
	assert.True(t, shallow.Dependencies[0].Dependencies[0].MaxDepthReached)
}

func TestDependencyGraph_FindCycle(t *testing.T) {
	g := NewDependencyGraph()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	assert.Nil(t, g.FindCycle())

	g.AddEdge("c", "a")
	cycle := g.FindCycle()
	require.NotNil(t, cycle)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.Len(t, cycle, 4)

	_, err := g.TopologicalSort()
	assert.ErrorIs(t, err, plugins.ErrCycle)
}

func TestHandlers(t *testing.T) {
	r := NewResolver(nil, nil)
	require.NoError(t, r.RegisterInstalled("core", "1.0.0", nil))
	require.NoError(t, r.RegisterInstalled("aws", "1.0.0", []string{"core"}))

	router := mux.NewRouter()
	NewHandlers(r).RegisterRoutes(router)

	t.Run("graph", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/dependencies/graph", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Graph    CytoscapeGraph `json:"graph"`
			HasCycle bool           `json:"has_circular_dependency"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Len(t, body.Graph.Nodes, 2)
		require.Len(t, body.Graph.Edges, 1)
		assert.Equal(t, "core", body.Graph.Edges[0].Data.Source)
		assert.False(t, body.HasCycle)
	})

	t.Run("dependents", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/plugins/core/dependents", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, []interface{}{"aws"}, body["dependents"])
	})

	t.Run("tree bad depth", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/plugins/aws/tree?depth=zero", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validate", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/dependencies/validate", nil))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, true, body["valid"])
	})
}

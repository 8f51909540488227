package dependencies

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/cloudcraver/pkg/httputil"
)

// CytoscapeNode represents a node in Cytoscape.js format
type CytoscapeNode struct {
	Data CytoscapeNodeData `json:"data"`
}

// CytoscapeNodeData contains node data for Cytoscape.js
type CytoscapeNodeData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Installed bool   `json:"installed"`
}

// CytoscapeEdge represents an edge in Cytoscape.js format
type CytoscapeEdge struct {
	Data CytoscapeEdgeData `json:"data"`
}

// CytoscapeEdgeData contains edge data for Cytoscape.js
type CytoscapeEdgeData struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// CytoscapeGraph represents the complete graph in Cytoscape.js format
type CytoscapeGraph struct {
	Nodes []CytoscapeNode `json:"nodes"`
	Edges []CytoscapeEdge `json:"edges"`
}

// ToCytoscape converts the graph. Edges point from dependency to dependent.
func (g *DependencyGraph) ToCytoscape() *CytoscapeGraph {
	out := &CytoscapeGraph{Nodes: []CytoscapeNode{}, Edges: []CytoscapeEdge{}}
	for _, n := range g.Nodes() {
		out.Nodes = append(out.Nodes, CytoscapeNode{Data: CytoscapeNodeData{
			ID:        n.Name,
			Name:      n.Name,
			Version:   n.Version,
			Installed: n.Installed,
		}})
		for _, dependent := range g.Dependents(n.Name) {
			out.Edges = append(out.Edges, CytoscapeEdge{Data: CytoscapeEdgeData{
				ID:     n.Name + "->" + dependent,
				Source: n.Name,
				Target: dependent,
			}})
		}
	}
	return out
}

// Handlers exposes the resolver over HTTP
type Handlers struct {
	resolver *Resolver
}

// NewHandlers creates dependency handlers
func NewHandlers(resolver *Resolver) *Handlers {
	return &Handlers{resolver: resolver}
}

// RegisterRoutes registers dependency routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/dependencies/graph", h.getGraph).Methods("GET")
	router.HandleFunc("/dependencies/validate", h.validate).Methods("GET")
	router.HandleFunc("/plugins/{name}/dependencies", h.getDependencies).Methods("GET")
	router.HandleFunc("/plugins/{name}/dependents", h.getDependents).Methods("GET")
	router.HandleFunc("/plugins/{name}/impact", h.getImpact).Methods("GET")
	router.HandleFunc("/plugins/{name}/tree", h.getTree).Methods("GET")
}

// getGraph handles GET /dependencies/graph
func (h *Handlers) getGraph(w http.ResponseWriter, r *http.Request) {
	graph := h.resolver.Graph()
	writeJSON(w, map[string]interface{}{
		"graph":                   graph.ToCytoscape(),
		"has_circular_dependency": graph.HasCycle(),
	})
}

// validate handles GET /dependencies/validate
func (h *Handlers) validate(w http.ResponseWriter, r *http.Request) {
	problems := h.resolver.ValidateGraph()
	if problems == nil {
		problems = []string{}
	}
	writeJSON(w, map[string]interface{}{
		"valid":    len(problems) == 0,
		"problems": problems,
	})
}

// getDependencies handles GET /plugins/{name}/dependencies
func (h *Handlers) getDependencies(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	deps := h.resolver.Dependencies(name)
	writeJSON(w, map[string]interface{}{
		"plugin":       name,
		"dependencies": deps,
		"count":        len(deps),
	})
}

// getDependents handles GET /plugins/{name}/dependents
func (h *Handlers) getDependents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	dependents := h.resolver.Dependents(name)
	if dependents == nil {
		dependents = []string{}
	}
	writeJSON(w, map[string]interface{}{
		"plugin":     name,
		"dependents": dependents,
		"count":      len(dependents),
	})
}

// getImpact handles GET /plugins/{name}/impact
func (h *Handlers) getImpact(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.resolver.Impact(mux.Vars(r)["name"]))
}

// getTree handles GET /plugins/{name}/tree?depth=N
func (h *Handlers) getTree(w http.ResponseWriter, r *http.Request) {
	depth := DefaultTreeDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteBadRequest(w, "depth must be a positive integer")
			return
		}
		depth = parsed
	}
	writeJSON(w, h.resolver.Tree(mux.Vars(r)["name"], depth))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	httputil.WriteSuccess(w, v)
}

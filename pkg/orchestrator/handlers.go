package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/cloudcraver/pkg/httputil"
	"github.com/platinummonkey/cloudcraver/pkg/marketplace"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// Handlers exposes the orchestrator workflows over HTTP
type Handlers struct {
	orch *Orchestrator
}

// NewHandlers creates orchestrator handlers
func NewHandlers(orch *Orchestrator) *Handlers {
	return &Handlers{orch: orch}
}

// RegisterRoutes registers plugin workflow routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plugins", h.status).Methods("GET")
	router.HandleFunc("/plugins", h.install).Methods("POST")
	router.HandleFunc("/plugins/discover", h.discover).Methods("GET")
	router.HandleFunc("/plugins/updates", h.updates).Methods("GET")
	router.HandleFunc("/plugins/{name}", h.get).Methods("GET")
	router.HandleFunc("/plugins/{name}", h.uninstall).Methods("DELETE")
	router.HandleFunc("/plugins/{name}/load", h.load).Methods("POST")
	router.HandleFunc("/plugins/{name}/unload", h.unload).Methods("POST")
	router.HandleFunc("/plugins/{name}/enable", h.enable).Methods("POST")
	router.HandleFunc("/plugins/{name}/disable", h.disable).Methods("POST")
	router.HandleFunc("/plugins/{name}/update", h.update).Methods("POST")
	router.HandleFunc("/hooks/{hook}", h.emit).Methods("POST")
	router.HandleFunc("/marketplace/search", h.search).Methods("GET")
}

// InstallRequest is the body of POST /plugins. Source installs a local path;
// Name (and optionally Version) installs from the marketplace.
type InstallRequest struct {
	Source  string `json:"source,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

// hookResponse is one entry of a hook dispatch
type hookResponse struct {
	Plugin string `json:"plugin"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// status handles GET /plugins
func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.orch.Status())
}

// get handles GET /plugins/{name}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PluginName(w, r)
	if !ok {
		return
	}
	ps, found := h.orch.Status().Plugins[name]
	if !found {
		httputil.WriteNotFound(w, "plugin not found: "+name)
		return
	}
	httputil.WriteSuccess(w, ps)
}

// install handles POST /plugins
func (h *Handlers) install(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	force, err := httputil.ParseForce(r, req.Force)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var path string
	switch {
	case req.Source != "":
		path, err = h.orch.Install(r.Context(), req.Source, force)
	case req.Name != "":
		var listing *marketplace.Listing
		listing, err = h.findListing(r, req.Name, req.Version)
		if err == nil {
			path, err = h.orch.InstallFromMarketplace(r.Context(), *listing, force)
		}
	default:
		httputil.WriteBadRequest(w, "source or name is required")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{"path": path})
}

func (h *Handlers) findListing(r *http.Request, name, version string) (*marketplace.Listing, error) {
	listings, err := h.orch.SearchMarketplace(r.Context(), marketplace.Query{Text: name})
	if err != nil {
		return nil, err
	}
	for i := range listings {
		l := listings[i]
		if strings.EqualFold(l.Name, name) && (version == "" || l.Version == version) {
			return &l, nil
		}
	}
	return nil, &plugins.MarketplaceError{Op: "lookup", Repository: "all", Err: plugins.ErrPluginNotFound}
}

// uninstall handles DELETE /plugins/{name}?force=true
func (h *Handlers) uninstall(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PluginName(w, r)
	if !ok {
		return
	}
	force, err := httputil.ParseForce(r, false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := h.orch.Uninstall(r.Context(), name, force); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) load(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orch.Load)
}

func (h *Handlers) unload(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orch.Unload)
}

func (h *Handlers) enable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orch.Enable)
}

func (h *Handlers) disable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orch.Disable)
}

// transition runs op on the named plugin and answers with its new stage
func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, name string) error) {
	name, ok := httputil.PluginName(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"plugin": name, "stage": string(h.orch.Stage(name))})
}

// update handles POST /plugins/{name}/update
func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PluginName(w, r)
	if !ok {
		return
	}
	update, err := h.orch.Update(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{
		"plugin": name,
		"from":   update.Installed,
		"to":     update.Available.Version,
		"stage":  string(h.orch.Stage(name)),
	})
}

// emit handles POST /hooks/{hook} with the hook arguments as the body
func (h *Handlers) emit(w http.ResponseWriter, r *http.Request) {
	hook, ok := httputil.PathString(w, r, "hook")
	if !ok {
		return
	}
	args := map[string]any{}
	if !httputil.ParseJSONOrError(w, r, &args) {
		return
	}
	results := h.orch.EmitHook(r.Context(), hook, args)
	out := make([]hookResponse, 0, len(results))
	for _, res := range results {
		hr := hookResponse{Plugin: res.Plugin, Value: res.Value}
		if res.Err != nil {
			hr.Error = res.Err.Error()
		}
		out = append(out, hr)
	}
	httputil.WriteSuccess(w, map[string]interface{}{"hook": hook, "results": out})
}

// discover handles GET /plugins/discover
func (h *Handlers) discover(w http.ResponseWriter, r *http.Request) {
	found, err := h.orch.Discover(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if found == nil {
		found = []*plugins.Manifest{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"candidates": found, "count": len(found)})
}

// updates handles GET /plugins/updates
func (h *Handlers) updates(w http.ResponseWriter, r *http.Request) {
	updates, err := h.orch.CheckUpdates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if updates == nil {
		updates = []marketplace.Update{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"updates": updates, "count": len(updates)})
}

// search handles GET /marketplace/search?q=&category=&tag=&author=&min_rating=&limit=
func (h *Handlers) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := marketplace.Query{
		Text:     q.Get("q"),
		Category: q.Get("category"),
		Tags:     httputil.ParseQueryList(r, "tag"),
		Author:   q.Get("author"),
	}
	var err error
	if query.MinRating, err = httputil.ParseQueryFloat(r, "min_rating", 0); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if query.MaxResults, err = httputil.ParseQueryInt(r, "limit", 0); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	listings, err := h.orch.SearchMarketplace(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	if listings == nil {
		listings = []marketplace.Listing{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"results": listings, "count": len(listings)})
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNoMarketplace) || errors.Is(err, ErrNoDiscovery) {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if errors.Is(err, ErrUpToDate) {
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
		return
	}
	httputil.WriteError(w, err)
}

package marketplace

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/cloudcraver/pkg/httputil"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// Server serves the repository HTTP API from an index file and a directory
// of archives
type Server struct {
	indexPath   string
	artifactDir string
	log         *logrus.Logger

	mu       sync.RWMutex
	listings []Listing
}

// NewServer loads indexPath and serves archives from artifactDir
func NewServer(indexPath, artifactDir string, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{indexPath: indexPath, artifactDir: artifactDir, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rereads the index file
func (s *Server) Reload() error {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	var doc searchResponse
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}

	listings := make([]Listing, 0, len(doc.Plugins))
	for _, l := range doc.Plugins {
		if err := l.validate(); err != nil {
			s.log.WithError(err).Warn("Skipping invalid index entry")
			continue
		}
		listings = append(listings, l)
	}

	s.mu.Lock()
	s.listings = listings
	s.mu.Unlock()
	s.log.WithField("listings", len(listings)).Info("Loaded repository index")
	return nil
}

// RegisterRoutes registers the repository routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/search", s.search).Methods("GET")
	r.HandleFunc("/plugins/{name}", s.details).Methods("GET")
	r.HandleFunc("/download/{file}", s.download).Methods("GET")
}

// Handler returns a router with the repository routes
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

// search handles GET /search
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := Query{
		Text:     params.Get("q"),
		Category: params.Get("category"),
		Author:   params.Get("author"),
	}
	q.Tags = httputil.ParseQueryList(r, "tags")
	if v := params.Get("min_rating"); v != "" {
		rating, err := strconv.ParseFloat(v, 64)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid min_rating")
			return
		}
		q.MinRating = rating
	}
	limit := searchLimit
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteBadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	s.mu.RLock()
	out := make([]Listing, 0)
	for _, l := range s.listings {
		if len(out) == limit {
			break
		}
		if q.Matches(l) {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()

	writeJSON(w, searchResponse{Plugins: out})
}

// details handles GET /plugins/{name}
func (s *Server) details(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.mu.RLock()
	var best *Listing
	for i := range s.listings {
		l := s.listings[i]
		if l.Name == name && (best == nil || plugins.CompareVersions(l.Version, best.Version) > 0) {
			best = &l
		}
	}
	s.mu.RUnlock()

	if best == nil {
		httputil.WriteNotFound(w, "plugin not found")
		return
	}
	writeJSON(w, best)
}

// download handles GET /download/{file}
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	file := mux.Vars(r)["file"]
	if file != filepath.Base(file) || strings.HasPrefix(file, ".") {
		httputil.WriteBadRequest(w, "invalid file name")
		return
	}
	target := filepath.Join(s.artifactDir, file)
	if info, err := os.Stat(target); err != nil || info.IsDir() {
		httputil.WriteNotFound(w, "archive not found")
		return
	}
	http.ServeFile(w, r, target)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := httputil.WriteSuccess(w, v); err != nil {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, err.Error())
	}
}

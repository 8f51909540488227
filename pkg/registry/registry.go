package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/cloudcraver/pkg/dependencies"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/sirupsen/logrus"
)

// FormatVersion is written to the version field of new registry files
const FormatVersion = "1.0"

// Record statuses
const (
	StatusInstalled = "installed"
	StatusLoaded    = "loaded"
	StatusActive    = "active"
	StatusUnloaded  = "unloaded"
	StatusError     = "error"
)

// knownProviders are the keywords and categories indexed as providers
var knownProviders = map[string]bool{
	"aws":       true,
	"azure":     true,
	"gcp":       true,
	"google":    true,
	"microsoft": true,
}

// ErrorEntry is one entry of a record's error history
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Record is the persisted state of one installed plugin
type Record struct {
	Manifest    *plugins.Manifest `json:"manifest"`
	InstallPath string            `json:"install_path"`
	InstalledAt time.Time         `json:"installed_at"`
	Status      string            `json:"status"`
	Enabled     bool              `json:"enabled"`
	LoadCount   int               `json:"load_count"`
	LastLoaded  *time.Time        `json:"last_loaded"`
	Errors      []ErrorEntry      `json:"errors"`
}

// LastError returns the most recent error message, if any
func (r *Record) LastError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1].Message
}

// Index holds the lookup indexes, each mapping a key to plugin names
type Index struct {
	ByType       map[string][]string `json:"by_type"`
	ByAuthor     map[string][]string `json:"by_author"`
	ByProvider   map[string][]string `json:"by_provider"`
	Dependencies map[string][]string `json:"dependencies"`
}

type document struct {
	Version   string             `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	Plugins   map[string]*Record `json:"plugins"`
	Index     Index              `json:"index"`
}

func newDocument(now time.Time) *document {
	d := &document{Version: FormatVersion, CreatedAt: now, Plugins: make(map[string]*Record)}
	d.ensure()
	return d
}

func (d *document) ensure() {
	if d.Plugins == nil {
		d.Plugins = make(map[string]*Record)
	}
	if d.Index.ByType == nil {
		d.Index.ByType = make(map[string][]string)
	}
	if d.Index.ByAuthor == nil {
		d.Index.ByAuthor = make(map[string][]string)
	}
	if d.Index.ByProvider == nil {
		d.Index.ByProvider = make(map[string][]string)
	}
	if d.Index.Dependencies == nil {
		d.Index.Dependencies = make(map[string][]string)
	}
}

func (d *document) clone() (*document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.ensure()
	return &out, nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Type        plugins.PluginType
	Author      string
	Provider    string
	EnabledOnly bool
}

// Stats summarizes the registry
type Stats struct {
	TotalPlugins      int            `json:"total_plugins"`
	EnabledPlugins    int            `json:"enabled_plugins"`
	PluginsByType     map[string]int `json:"plugins_by_type"`
	PluginsByAuthor   map[string]int `json:"plugins_by_author"`
	TotalLoadCount    int            `json:"total_load_count"`
	PluginsWithErrors int            `json:"plugins_with_errors"`
}

// Registry is the durable store of installed plugin records. Writes are
// serialized and replace the file atomically.
type Registry struct {
	mu      sync.RWMutex
	path    string
	data    *document
	journal Journal
	log     *logrus.Logger
	now     func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithJournal records every committed change in j
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open loads the registry at path, creating it when missing. A corrupt file is
// backed up and replaced by an empty registry.
func Open(path string, log *logrus.Logger, opts ...Option) (*Registry, error) {
	if log == nil {
		log = logrus.New()
	}
	r := &Registry{path: path, log: log, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &plugins.RegistryError{Op: "open", Path: path, Err: err}
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	r.log.Debugf("Plugin registry initialized with %d plugins", len(r.data.Plugins))
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.log.Info("No existing registry found, creating new one")
		return r.reset(nil)
	}
	if err != nil {
		r.log.WithError(err).Error("Failed to read registry")
		return r.reset(nil)
	}

	doc, err := decode(raw)
	if err != nil {
		r.log.WithError(err).Warn("Invalid registry, creating backup and starting fresh")
		return r.reset(raw)
	}
	r.data = doc
	return nil
}

func decode(raw []byte) (*document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}
	for _, key := range []string{"version", "plugins", "index"} {
		if _, ok := top[key]; !ok {
			return nil, fmt.Errorf("missing key %q", key)
		}
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc.ensure()
	return &doc, nil
}

// reset backs up bad (when non-nil) and saves an empty registry
func (r *Registry) reset(bad []byte) error {
	if bad != nil {
		ext := filepath.Ext(r.path)
		backup := strings.TrimSuffix(r.path, ext) + ".backup." + r.now().Format("20060102_150405") + ".json"
		if err := os.WriteFile(backup, bad, 0644); err != nil {
			r.log.WithError(err).Error("Failed to create registry backup")
		} else {
			r.log.Infof("Created registry backup at %s", backup)
		}
	}
	doc := newDocument(r.now())
	if err := writeAtomic(r.path, doc); err != nil {
		return &plugins.RegistryError{Op: "save", Path: r.path, Err: err}
	}
	r.data = doc
	return nil
}

// writeAtomic writes doc to a temp file in the target directory, syncs it
// and renames it over path
func writeAtomic(path string, doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// mutate applies fn to a copy of the registry, persists it and only then
// makes it current
func (r *Registry) mutate(op string, fn func(d *document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.data.clone()
	if err != nil {
		return &plugins.RegistryError{Op: op, Path: r.path, Err: err}
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := writeAtomic(r.path, next); err != nil {
		r.log.WithError(err).Error("Failed to save registry")
		return &plugins.RegistryError{Op: op, Path: r.path, Err: err}
	}
	r.data = next
	return nil
}

func (r *Registry) record(ctx context.Context, ev Event) {
	if r.journal == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if err := r.journal.Record(ctx, ev); err != nil {
		r.log.WithError(err).WithField("plugin", ev.Plugin).Warn("Failed to journal registry event")
	}
}

// Register upserts the record of manifest installed at installPath
func (r *Registry) Register(ctx context.Context, manifest *plugins.Manifest, installPath string) error {
	name := manifest.Name
	log := r.log.WithField("plugin", name)

	err := r.mutate("register", func(d *document) error {
		if prior, ok := d.Plugins[name]; ok && prior.Manifest != nil {
			log.Warnf("Plugin %s already registered (v%s), overwriting with v%s", name, prior.Manifest.Version, manifest.Version)
			removeFromIndexes(d, name, prior.Manifest)
		}
		rec, err := (&Record{
			Manifest:    manifest,
			InstallPath: installPath,
			InstalledAt: r.now(),
			Status:      StatusInstalled,
			Enabled:     true,
			Errors:      []ErrorEntry{},
		}).clone()
		if err != nil {
			return err
		}
		d.Plugins[name] = rec
		addToIndexes(d, rec.Manifest)
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("Registered plugin %s v%s", name, manifest.Version)
	r.record(ctx, Event{Plugin: name, Type: EventRegister, Version: manifest.Version, Status: StatusInstalled, Message: installPath})
	return nil
}

// Unregister removes the record of name and returns the plugins that still
// depend on it. A missing record is not an error.
func (r *Registry) Unregister(ctx context.Context, name string) ([]string, error) {
	log := r.log.WithField("plugin", name)

	var dependents []string
	found := false
	err := r.mutate("unregister", func(d *document) error {
		rec, ok := d.Plugins[name]
		if !ok {
			return nil
		}
		found = true
		dependents = findDependents(d, name)
		if len(dependents) > 0 {
			log.Warnf("Plugin %s has dependents: %v", name, dependents)
		}
		delete(d.Plugins, name)
		removeFromIndexes(d, name, rec.Manifest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		log.Warnf("Plugin %s not found in registry", name)
		return nil, nil
	}
	log.Infof("Unregistered plugin %s", name)
	r.record(ctx, Event{Plugin: name, Type: EventUnregister})
	return dependents, nil
}

// Get returns a copy of the record of name
func (r *Registry) Get(name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data.Plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
	}
	return rec.clone()
}

// clone deep-copies a record so callers never share state with the registry
func (r *Record) clone() (*Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.Errors == nil {
		out.Errors = []ErrorEntry{}
	}
	return &out, nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.data.Plugins[name]
	return ok
}

// List returns the sorted names of records matching f
func (r *Registry) List(f Filter) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make(map[string]bool, len(r.data.Plugins))
	for name := range r.data.Plugins {
		candidates[name] = true
	}
	narrow := func(names []string) {
		keep := make(map[string]bool, len(names))
		for _, n := range names {
			keep[n] = true
		}
		for n := range candidates {
			if !keep[n] {
				delete(candidates, n)
			}
		}
	}
	if f.Type != "" {
		narrow(r.data.Index.ByType[string(f.Type)])
	}
	if f.Author != "" {
		narrow(r.data.Index.ByAuthor[f.Author])
	}
	if f.Provider != "" {
		narrow(r.data.Index.ByProvider[strings.ToLower(f.Provider)])
	}

	out := make([]string, 0, len(candidates))
	for name := range candidates {
		if f.EnabledOnly && !r.data.Plugins[name].Enabled {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Records returns copies of every record, sorted by name
func (r *Registry) Records() []*Record {
	names := r.List(Filter{})
	out := make([]*Record, 0, len(names))
	for _, name := range names {
		if rec, err := r.Get(name); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

// UpdateStatus sets the status of name. A loaded status bumps the load
// counter; a non-empty errMsg is appended to the error history.
func (r *Registry) UpdateStatus(ctx context.Context, name, status, errMsg string) error {
	err := r.mutate("update_status", func(d *document) error {
		rec, ok := d.Plugins[name]
		if !ok {
			return fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
		}
		rec.Status = status
		now := r.now()
		if status == StatusLoaded {
			rec.LoadCount++
			rec.LastLoaded = &now
		}
		if errMsg != "" {
			rec.Errors = append(rec.Errors, ErrorEntry{Timestamp: now, Message: errMsg})
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.log.WithField("plugin", name).Debugf("Updated plugin %s status to %s", name, status)
	r.record(ctx, Event{Plugin: name, Type: EventStatus, Status: status, Message: errMsg})
	return nil
}

// AppendError adds msg to the error history of name without changing its status
func (r *Registry) AppendError(ctx context.Context, name, msg string) error {
	err := r.mutate("append_error", func(d *document) error {
		rec, ok := d.Plugins[name]
		if !ok {
			return fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
		}
		rec.Errors = append(rec.Errors, ErrorEntry{Timestamp: r.now(), Message: msg})
		return nil
	})
	if err != nil {
		return err
	}
	r.record(ctx, Event{Plugin: name, Type: EventError, Message: msg})
	return nil
}

// Enable marks name enabled
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.setEnabled(ctx, name, true)
}

// Disable marks name disabled
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.setEnabled(ctx, name, false)
}

func (r *Registry) setEnabled(ctx context.Context, name string, enabled bool) error {
	err := r.mutate("set_enabled", func(d *document) error {
		rec, ok := d.Plugins[name]
		if !ok {
			return fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
		}
		rec.Enabled = enabled
		return nil
	})
	if err != nil {
		return err
	}
	ev, verb := EventEnable, "Enabled"
	if !enabled {
		ev, verb = EventDisable, "Disabled"
	}
	r.log.WithField("plugin", name).Infof("%s plugin %s", verb, name)
	r.record(ctx, Event{Plugin: name, Type: ev})
	return nil
}

// Dependencies returns the names name depends on
func (r *Registry) Dependencies(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.data.Index.Dependencies[name]...)
}

// Dependents returns the registered plugins that depend on name
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findDependents(r.data, name)
}

// Stats summarizes the registry
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalPlugins:    len(r.data.Plugins),
		PluginsByType:   make(map[string]int),
		PluginsByAuthor: make(map[string]int),
	}
	for _, rec := range r.data.Plugins {
		if rec.Enabled {
			s.EnabledPlugins++
		}
		s.TotalLoadCount += rec.LoadCount
		if len(rec.Errors) > 0 {
			s.PluginsWithErrors++
		}
	}
	for t, names := range r.data.Index.ByType {
		s.PluginsByType[t] = len(names)
	}
	for a, names := range r.data.Index.ByAuthor {
		s.PluginsByAuthor[a] = len(names)
	}
	return s
}

// Export writes a copy of the registry to path
func (r *Registry) Export(path string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := writeAtomic(path, r.data); err != nil {
		return &plugins.RegistryError{Op: "export", Path: path, Err: err}
	}
	r.log.Infof("Registry exported to %s", path)
	return nil
}

// Check verifies the registry file is present and parses
func (r *Registry) Check(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return fmt.Errorf("registry file %s is not a JSON object", r.path)
	}
	_, err = decode(raw)
	return err
}

// Path returns the registry file path
func (r *Registry) Path() string { return r.path }

func addToIndexes(d *document, m *plugins.Manifest) {
	name := m.Name
	d.Index.ByType[string(m.Type)] = appendUnique(d.Index.ByType[string(m.Type)], name)
	d.Index.ByAuthor[m.Author] = appendUnique(d.Index.ByAuthor[m.Author], name)
	for _, p := range InferProviders(m) {
		d.Index.ByProvider[p] = appendUnique(d.Index.ByProvider[p], name)
	}
	if names := dependencyNames(m.Dependencies); len(names) > 0 {
		d.Index.Dependencies[name] = names
	}
}

func removeFromIndexes(d *document, name string, m *plugins.Manifest) {
	if m != nil {
		removeName(d.Index.ByType, string(m.Type), name)
		removeName(d.Index.ByAuthor, m.Author, name)
	}
	for key := range d.Index.ByProvider {
		removeName(d.Index.ByProvider, key, name)
	}
	delete(d.Index.Dependencies, name)
}

func findDependents(d *document, name string) []string {
	var out []string
	for plugin, deps := range d.Index.Dependencies {
		for _, dep := range deps {
			if dep == name {
				out = append(out, plugin)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// InferProviders returns the provider names found among the manifest's
// keywords and categories
func InferProviders(m *plugins.Manifest) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{m.Keywords, m.Categories} {
		for _, v := range list {
			p := strings.ToLower(v)
			if knownProviders[p] && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func dependencyNames(specs []string) []string {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		if dep, err := dependencies.ParseSpec(spec); err == nil {
			out = appendUnique(out, dep.Name)
		} else {
			out = appendUnique(out, strings.TrimSpace(spec))
		}
	}
	return out
}

func appendUnique(list []string, name string) []string {
	for _, n := range list {
		if n == name {
			return list
		}
	}
	return append(list, name)
}

func removeName(index map[string][]string, key, name string) {
	list := index[key]
	for i, n := range list {
		if n == name {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(index, key)
	} else {
		index[key] = list
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/cloudcraver/pkg/dependencies"
	"github.com/platinummonkey/cloudcraver/pkg/marketplace"
	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/platinummonkey/cloudcraver/pkg/registry"
	"github.com/platinummonkey/cloudcraver/pkg/sandbox"
)

// DefaultCoreVersion is the core version reported to plugins when none is configured
const DefaultCoreVersion = "1.0.0"

// Marketplace is the part of the marketplace the orchestrator drives
type Marketplace interface {
	Search(ctx context.Context, q marketplace.Query) ([]marketplace.Listing, error)
	Download(ctx context.Context, l marketplace.Listing, dir string) (string, error)
	CheckUpdates(ctx context.Context, installed map[string]string) ([]marketplace.Update, error)
}

var (
	// ErrNoMarketplace is returned by marketplace workflows when none is configured
	ErrNoMarketplace = errors.New("no marketplace configured")
	// ErrNoDiscovery is returned by Discover when no Discovery is configured
	ErrNoDiscovery = errors.New("no discovery configured")
	// ErrUpToDate is returned by Update when the marketplace has nothing newer
	ErrUpToDate = errors.New("plugin is up to date")
)

// Options holds the collaborators of an Orchestrator. Registry, Loader,
// Validator and Sandbox are required.
type Options struct {
	CoreVersion string
	// InstallDir receives installed plugins; defaults to DataDir/plugins
	InstallDir string
	DataDir    string
	CacheDir   string
	// Environment is handed to every plugin context
	Environment map[string]string

	Discovery   *plugins.Discovery
	Validator   *plugins.Validator
	Resolver    *dependencies.Resolver
	Loader      *plugins.Loader
	Sandbox     *sandbox.Sandbox
	Registry    *registry.Registry
	Marketplace Marketplace
	Metrics     *observability.Metrics
	Logger      *logrus.Logger
}

// Orchestrator runs the install, load, unload and uninstall workflows and
// dispatches hooks to active plugins
type Orchestrator struct {
	coreVersion string
	installDir  string
	dataDir     string
	cacheDir    string
	environment map[string]string

	discovery   *plugins.Discovery
	validator   *plugins.Validator
	resolver    *dependencies.Resolver
	loader      *plugins.Loader
	sandbox     *sandbox.Sandbox
	registry    *registry.Registry
	marketplace Marketplace
	metrics     *observability.Metrics
	log         *logrus.Logger

	mu      sync.RWMutex
	handles map[string]*plugins.Plugin
	hooks   map[string][]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an orchestrator and seeds the dependency graph from the registry
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil || opts.Loader == nil || opts.Validator == nil || opts.Sandbox == nil {
		return nil, errors.New("orchestrator: registry, loader, validator and sandbox are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.CoreVersion == "" {
		opts.CoreVersion = DefaultCoreVersion
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(os.TempDir(), "cloudcraver")
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(opts.DataDir, "cache")
	}
	if opts.InstallDir == "" {
		opts.InstallDir = filepath.Join(opts.DataDir, "plugins")
	}
	if opts.Resolver == nil {
		var source dependencies.VersionSource
		if vs, ok := opts.Marketplace.(dependencies.VersionSource); ok {
			source = vs
		}
		opts.Resolver = dependencies.NewResolver(source, opts.Logger)
	}
	for _, dir := range []string{opts.InstallDir, opts.DataDir, opts.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	o := &Orchestrator{
		coreVersion: opts.CoreVersion,
		installDir:  opts.InstallDir,
		dataDir:     opts.DataDir,
		cacheDir:    opts.CacheDir,
		environment: opts.Environment,
		discovery:   opts.Discovery,
		validator:   opts.Validator,
		resolver:    opts.Resolver,
		loader:      opts.Loader,
		sandbox:     opts.Sandbox,
		registry:    opts.Registry,
		marketplace: opts.Marketplace,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		handles:     make(map[string]*plugins.Plugin),
		hooks:       make(map[string][]string),
		locks:       make(map[string]*sync.Mutex),
	}

	for _, rec := range o.registry.Records() {
		if err := o.resolver.RegisterInstalled(rec.Manifest.Name, rec.Manifest.Version, rec.Manifest.Dependencies); err != nil {
			o.log.WithError(err).WithField("plugin", rec.Manifest.Name).Warn("Skipping dependency graph entry")
		}
	}
	return o, nil
}

// Resolver returns the dependency resolver
func (o *Orchestrator) Resolver() *dependencies.Resolver { return o.resolver }

// Registry returns the plugin registry
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// InstallDir returns the directory plugins are installed into
func (o *Orchestrator) InstallDir() string { return o.installDir }

// lock serializes workflows on one plugin name
func (o *Orchestrator) lock(name string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[name]
	if !ok {
		l = &sync.Mutex{}
		o.locks[name] = l
	}
	o.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// live returns the handle of name when it holds a running instance
func (o *Orchestrator) live(name string) *plugins.Plugin {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.handles[name]
	if !ok {
		return nil
	}
	switch p.Stage() {
	case plugins.StageUnloaded, plugins.StageError, plugins.StageUninstalled:
		return nil
	}
	return p
}

func (o *Orchestrator) activeCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, p := range o.handles {
		if p.Stage() == plugins.StageActive {
			n++
		}
	}
	return n
}

func (o *Orchestrator) invocation(m *plugins.Manifest, dir string) sandbox.Invocation {
	return sandbox.Invocation{
		Plugin:      m.Name,
		Type:        m.Type,
		Permissions: sandbox.PermissionsFor(m),
		Roots:       []string{dir},
	}
}

func (o *Orchestrator) pluginContext(name string, log *logrus.Entry) (*plugins.Context, error) {
	pc := &plugins.Context{
		CoreVersion: o.coreVersion,
		Logger:      log,
		DataDir:     filepath.Join(o.dataDir, name),
		CacheDir:    filepath.Join(o.cacheDir, name),
		TempDir:     filepath.Join(o.cacheDir, "temp"),
		Environment: make(map[string]string, len(o.environment)),
	}
	for k, v := range o.environment {
		pc.Environment[k] = v
	}
	for _, dir := range []string{pc.DataDir, pc.CacheDir, pc.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create plugin directory %s: %w", dir, err)
		}
	}
	return pc, nil
}

// recordError appends err to the registry history of name when it has a record
func (o *Orchestrator) recordError(ctx context.Context, name string, err error) {
	if name == "" || err == nil || !o.registry.Has(name) {
		return
	}
	if rerr := o.registry.AppendError(ctx, name, err.Error()); rerr != nil {
		o.log.WithError(rerr).WithField("plugin", name).Warn("Failed to record plugin error")
	}
}

// Install validates, dependency-checks, places and registers the package at source
func (o *Orchestrator) Install(ctx context.Context, source string, force bool) (_ string, err error) {
	ctx, span := observability.StartSpan(ctx, "plugins.install", trace.WithAttributes(attribute.String("plugin.source", source)))
	name := ""
	defer func() {
		if err != nil {
			o.recordError(ctx, name, err)
		}
		o.metrics.RecordInstall(err)
		observability.EndSpan(span, err)
	}()
	log := observability.WithTraceContext(ctx, o.log.WithField("source", source))

	result, err := o.validator.ValidatePackage(ctx, source)
	if result != nil && result.Manifest != nil {
		name = result.Manifest.Name
	}
	if err != nil {
		log.WithError(err).Error("Plugin validation failed")
		return "", err
	}
	manifest := result.Manifest
	span.SetAttributes(attribute.String("plugin.name", name), attribute.String("plugin.version", manifest.Version))
	log = log.WithField("plugin", name)

	unlock := o.lock(name)
	defer unlock()

	if !plugins.IsCompatibleCore(manifest, o.coreVersion) {
		return "", &plugins.InstallError{Plugin: name, Source: source,
			Reason: fmt.Sprintf("incompatible with core version %s", o.coreVersion)}
	}
	if o.live(name) != nil {
		return "", &plugins.InstallError{Plugin: name, Source: source, Reason: "unload the running instance first", Err: plugins.ErrAlreadyActive}
	}
	if !force && o.registry.Has(name) {
		return "", &plugins.InstallError{Plugin: name, Source: source, Err: plugins.ErrAlreadyInstalled}
	}
	if err := o.resolver.Check(ctx, manifest); err != nil {
		log.WithError(err).Error("Dependency check failed")
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var previous *setAside
	if force {
		if previous, err = o.setAsidePrevious(name); err != nil {
			return "", err
		}
	}

	path, err := o.loader.Install(ctx, source, o.installDir, force)
	if err != nil {
		previous.restore(log)
		return "", err
	}
	if err := o.registry.Register(ctx, manifest, path); err != nil {
		if rerr := os.RemoveAll(path); rerr != nil {
			log.WithError(rerr).Warnf("Failed to remove %s", path)
		}
		previous.restore(log)
		return "", err
	}
	previous.discard(log)
	if err := o.resolver.RegisterInstalled(name, manifest.Version, manifest.Dependencies); err != nil {
		log.WithError(err).Warn("Failed to add plugin to dependency graph")
	}

	log.Infof("Installed plugin %s v%s to %s", name, manifest.Version, path)
	return path, nil
}

// setAside is a replaced install moved out of the way until the replacement
// is registered
type setAside struct {
	path   string
	backup string
}

// setAsidePrevious renames the registered install of name next to itself.
// It returns nil when there is nothing on disk to preserve.
func (o *Orchestrator) setAsidePrevious(name string) (*setAside, error) {
	rec, err := o.registry.Get(name)
	if err != nil || rec.InstallPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(rec.InstallPath); err != nil {
		return nil, nil
	}
	backup := filepath.Join(filepath.Dir(rec.InstallPath), fmt.Sprintf(".previous-%s-%s", name, uuid.NewString()[:8]))
	if err := os.Rename(rec.InstallPath, backup); err != nil {
		return nil, &plugins.InstallError{Plugin: name, Reason: "failed to set aside previous install", Err: err}
	}
	return &setAside{path: rec.InstallPath, backup: backup}, nil
}

// restore puts the previous install back in place
func (s *setAside) restore(log *logrus.Entry) {
	if s == nil {
		return
	}
	if err := os.RemoveAll(s.path); err != nil {
		log.WithError(err).Warnf("Failed to clear %s", s.path)
	}
	if err := os.Rename(s.backup, s.path); err != nil {
		log.WithError(err).Errorf("Failed to restore previous install from %s", s.backup)
		return
	}
	log.Infof("Restored previous install at %s", s.path)
}

func (s *setAside) discard(log *logrus.Entry) {
	if s == nil {
		return
	}
	if err := os.RemoveAll(s.backup); err != nil {
		log.WithError(err).Warnf("Failed to remove %s", s.backup)
	}
}

// InstallFromMarketplace downloads l and installs the artifact
func (o *Orchestrator) InstallFromMarketplace(ctx context.Context, l marketplace.Listing, force bool) (string, error) {
	if o.marketplace == nil {
		return "", ErrNoMarketplace
	}
	dir, err := os.MkdirTemp(o.cacheDir, "download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	defer os.RemoveAll(dir)

	artifact, err := o.marketplace.Download(ctx, l, dir)
	if err != nil {
		return "", err
	}
	return o.Install(ctx, artifact, force)
}

// InstallBatch installs sources in dependency order and stops at the first
// failure. It returns the install paths of the plugins placed so far.
func (o *Orchestrator) InstallBatch(ctx context.Context, sources []string, force bool) ([]string, error) {
	bySource := make(map[string]string, len(sources))
	manifests := make([]*plugins.Manifest, 0, len(sources))
	for _, src := range sources {
		m, err := readManifest(src)
		if err != nil {
			return nil, err
		}
		if _, dup := bySource[m.Name]; dup {
			return nil, &plugins.InstallError{Plugin: m.Name, Source: src, Reason: "duplicate plugin in batch"}
		}
		bySource[m.Name] = src
		manifests = append(manifests, m)
	}

	order, err := o.resolver.InstallOrder(manifests)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(order))
	for _, name := range order {
		src, ok := bySource[name]
		if !ok {
			continue
		}
		path, err := o.Install(ctx, src, force)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func readManifest(source string) (*plugins.Manifest, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, &plugins.InstallError{Source: source, Reason: "source not found", Err: err}
	}
	if info.IsDir() {
		return plugins.LoadManifestFromDir(source)
	}
	return plugins.ReadArchiveManifest(source)
}

// Load instantiates, initializes and activates the installed plugin name
func (o *Orchestrator) Load(ctx context.Context, name string) (err error) {
	ctx, span := observability.StartSpan(ctx, "plugins.load", trace.WithAttributes(attribute.String("plugin.name", name)))
	defer func() {
		o.metrics.RecordLoad(err)
		observability.EndSpan(span, err)
	}()

	unlock := o.lock(name)
	defer unlock()

	if o.live(name) != nil {
		return fmt.Errorf("%w: %s", plugins.ErrAlreadyActive, name)
	}
	rec, err := o.registry.Get(name)
	if err != nil {
		return err
	}
	if !rec.Enabled {
		return fmt.Errorf("%w: %s", plugins.ErrDisabled, name)
	}

	log := observability.PluginLogger(ctx, o.log, name)
	pc, err := o.pluginContext(name, log)
	if err != nil {
		return err
	}
	inv := o.invocation(rec.Manifest, rec.InstallPath)

	p, err := o.instantiate(ctx, name, rec.InstallPath, inv, pc)
	if err != nil {
		return o.loadFailed(ctx, name, nil, err)
	}

	o.mu.Lock()
	o.handles[name] = p
	o.mu.Unlock()
	if err := o.registry.UpdateStatus(ctx, name, registry.StatusLoaded, ""); err != nil {
		log.WithError(err).Warn("Failed to update plugin status")
	}

	if _, err := o.validator.ValidateInstance(p); err != nil {
		return o.loadFailed(ctx, name, p, err)
	}
	if err := p.Lifecycle.Transition(plugins.StageConfigured); err != nil {
		return o.loadFailed(ctx, name, p, err)
	}

	err = o.sandbox.ExecuteIn(ctx, inv, func(ctx context.Context, _ *sandbox.SecurityContext) error {
		return p.Instance.Initialize(ctx, pc)
	})
	if err != nil {
		return o.loadFailed(ctx, name, p, fmt.Errorf("initialize: %w", err))
	}
	if err := p.Lifecycle.Transition(plugins.StageInitialized); err != nil {
		return o.loadFailed(ctx, name, p, err)
	}

	err = o.sandbox.ExecuteIn(ctx, inv, func(ctx context.Context, _ *sandbox.SecurityContext) error {
		return p.Instance.Activate(ctx)
	})
	if err != nil {
		o.cleanup(ctx, p, inv)
		return o.loadFailed(ctx, name, p, fmt.Errorf("activate: %w", err))
	}
	if err := p.Lifecycle.Transition(plugins.StageActive); err != nil {
		return o.loadFailed(ctx, name, p, err)
	}

	o.registerHooks(p, log)
	if err := o.registry.UpdateStatus(ctx, name, registry.StatusActive, ""); err != nil {
		log.WithError(err).Warn("Failed to update plugin status")
	}
	o.metrics.SetActive(o.activeCount())
	log.Infof("Activated plugin %s v%s", name, p.Version())
	return nil
}

// instantiate runs the loader inside the sandbox. A loader entry with no live
// handle is left over from an abandoned load; it is released and the load
// retried once.
func (o *Orchestrator) instantiate(ctx context.Context, name, path string, inv sandbox.Invocation, pc *plugins.Context) (*plugins.Plugin, error) {
	run := func() (*plugins.Plugin, error) {
		var p *plugins.Plugin
		err := o.sandbox.ExecuteIn(ctx, inv, func(ctx context.Context, _ *sandbox.SecurityContext) error {
			loaded, err := o.loader.Load(ctx, path, pc)
			p = loaded
			return err
		})
		return p, err
	}

	p, err := run()
	if errors.Is(err, plugins.ErrAlreadyActive) && o.live(name) == nil {
		o.log.WithField("plugin", name).Debug("Releasing stale loader entry")
		_ = o.loader.Unload(name)
		p, err = run()
	}
	if err != nil {
		if !errors.Is(err, plugins.ErrAlreadyActive) {
			_ = o.loader.Unload(name)
		}
		return nil, err
	}
	return p, nil
}

// loadFailed tears down a partially loaded plugin and records err
func (o *Orchestrator) loadFailed(ctx context.Context, name string, p *plugins.Plugin, err error) error {
	log := o.log.WithField("plugin", name)
	log.WithError(err).Error("Failed to load plugin")
	if p != nil {
		p.SetError(err)
		if uerr := o.loader.Unload(name); uerr != nil {
			log.WithError(uerr).Debug("Loader had nothing to release")
		}
	}
	if o.registry.Has(name) {
		if serr := o.registry.UpdateStatus(ctx, name, registry.StatusError, err.Error()); serr != nil {
			log.WithError(serr).Warn("Failed to update plugin status")
		}
	}
	return err
}

func (o *Orchestrator) cleanup(ctx context.Context, p *plugins.Plugin, inv sandbox.Invocation) error {
	err := o.sandbox.ExecuteIn(ctx, inv, func(ctx context.Context, _ *sandbox.SecurityContext) error {
		return p.Instance.Cleanup(ctx)
	})
	if err != nil {
		o.log.WithError(err).WithField("plugin", p.Name()).Warn("Plugin cleanup failed")
	}
	return err
}

// LoadAll loads every enabled plugin that is not already running and returns
// how many were activated. Individual failures are logged and recorded.
func (o *Orchestrator) LoadAll(ctx context.Context) int {
	names := o.registry.List(registry.Filter{EnabledOnly: true})
	loaded := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if o.live(name) != nil {
			continue
		}
		if err := o.Load(ctx, name); err != nil {
			continue
		}
		loaded++
	}
	o.log.Infof("Loaded %d/%d plugins", loaded, len(names))
	return loaded
}

// Unload deactivates and releases the running instance of name. Teardown
// always completes; deactivate and cleanup failures are returned joined.
func (o *Orchestrator) Unload(ctx context.Context, name string) (err error) {
	ctx, span := observability.StartSpan(ctx, "plugins.unload", trace.WithAttributes(attribute.String("plugin.name", name)))
	defer func() { observability.EndSpan(span, err) }()

	unlock := o.lock(name)
	defer unlock()
	return o.unloadLocked(ctx, name)
}

func (o *Orchestrator) unloadLocked(ctx context.Context, name string) error {
	p := o.live(name)
	if p == nil {
		return fmt.Errorf("%w: %s", plugins.ErrNotActive, name)
	}
	log := observability.PluginLogger(ctx, o.log, name)
	inv := o.invocation(p.Manifest, p.Path)

	var errs []error
	if p.Stage() == plugins.StageActive {
		err := o.sandbox.ExecuteIn(ctx, inv, func(ctx context.Context, _ *sandbox.SecurityContext) error {
			return p.Instance.Deactivate(ctx)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("deactivate: %w", err))
			p.SetError(err)
		} else if err := p.Lifecycle.Transition(plugins.StageSuspended); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.cleanup(ctx, p, inv); err != nil {
		errs = append(errs, fmt.Errorf("cleanup: %w", err))
	}

	o.unregisterHooks(name)
	if err := o.loader.Unload(name); err != nil {
		log.WithError(err).Debug("Loader had nothing to release")
	}
	if err := p.Lifecycle.Transition(plugins.StageUnloaded); err != nil {
		errs = append(errs, err)
	}

	status, msg := registry.StatusUnloaded, ""
	err := errors.Join(errs...)
	if err != nil {
		msg = err.Error()
	}
	if o.registry.Has(name) {
		if serr := o.registry.UpdateStatus(ctx, name, status, msg); serr != nil {
			log.WithError(serr).Warn("Failed to update plugin status")
		}
	}
	o.metrics.SetActive(o.activeCount())
	log.Infof("Unloaded plugin %s", name)
	return err
}

// Uninstall removes name from disk and the registry. A plugin other plugins
// depend on is refused unless force is set.
func (o *Orchestrator) Uninstall(ctx context.Context, name string, force bool) error {
	unlock := o.lock(name)
	defer unlock()

	log := o.log.WithField("plugin", name)
	rec, err := o.registry.Get(name)
	if err != nil {
		return err
	}

	dependents := o.dependents(name)
	if len(dependents) > 0 {
		if !force {
			return fmt.Errorf("%w: %s is required by %v", plugins.ErrHasDependents, name, dependents)
		}
		log.Warnf("Force uninstalling %s; dependents %v may break", name, dependents)
	}

	if o.live(name) != nil {
		if err := o.unloadLocked(ctx, name); err != nil {
			log.WithError(err).Warn("Plugin did not unload cleanly")
		}
	}

	if err := o.removeInstallDir(rec.InstallPath); err != nil {
		return err
	}
	if _, err := o.registry.Unregister(ctx, name); err != nil {
		return err
	}
	o.resolver.Unregister(name)
	o.sandbox.Forget(name)

	o.mu.Lock()
	if p, ok := o.handles[name]; ok {
		if err := p.Lifecycle.Transition(plugins.StageUninstalled); err != nil {
			log.WithError(err).Debug("Handle not in a removable stage")
		}
		delete(o.handles, name)
	}
	o.mu.Unlock()

	log.Infof("Uninstalled plugin %s", name)
	return nil
}

func (o *Orchestrator) dependents(name string) []string {
	seen := make(map[string]bool)
	for _, d := range o.resolver.Dependents(name) {
		seen[d] = true
	}
	for _, d := range o.registry.Dependents(name) {
		seen[d] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) removeInstallDir(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if abs == filepath.Dir(abs) {
		return fmt.Errorf("refusing to remove %s", abs)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to remove %s: %w", abs, err)
	}
	return nil
}

// Get returns the handle of name, running or not
func (o *Orchestrator) Get(name string) (*plugins.Plugin, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.handles[name]
	return p, ok
}

// Stage returns the lifecycle stage of name
func (o *Orchestrator) Stage(name string) plugins.Stage {
	if p, ok := o.Get(name); ok {
		return p.Stage()
	}
	if o.registry.Has(name) {
		return plugins.StageUnloaded
	}
	return plugins.StageUninstalled
}

// PluginsByType returns the active plugins of type t sorted by name
func (o *Orchestrator) PluginsByType(t plugins.PluginType) []*plugins.Plugin {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*plugins.Plugin
	for _, p := range o.handles {
		if p.Manifest.Type == t && p.Stage() == plugins.StageActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Enable marks name enabled
func (o *Orchestrator) Enable(ctx context.Context, name string) error {
	if err := o.registry.Enable(ctx, name); err != nil {
		return err
	}
	if p, ok := o.Get(name); ok {
		p.SetEnabled(true)
	}
	return nil
}

// Disable marks name disabled. A running instance keeps running until unloaded.
func (o *Orchestrator) Disable(ctx context.Context, name string) error {
	if err := o.registry.Disable(ctx, name); err != nil {
		return err
	}
	if p, ok := o.Get(name); ok {
		p.SetEnabled(false)
	}
	return nil
}

// SearchMarketplace queries the configured repositories
func (o *Orchestrator) SearchMarketplace(ctx context.Context, q marketplace.Query) ([]marketplace.Listing, error) {
	if o.marketplace == nil {
		return nil, ErrNoMarketplace
	}
	return o.marketplace.Search(ctx, q)
}

// CheckUpdates compares every installed plugin against the marketplace
func (o *Orchestrator) CheckUpdates(ctx context.Context) ([]marketplace.Update, error) {
	if o.marketplace == nil {
		return nil, ErrNoMarketplace
	}
	installed := make(map[string]string)
	for _, rec := range o.registry.Records() {
		installed[rec.Manifest.Name] = rec.Manifest.Version
	}
	return o.marketplace.CheckUpdates(ctx, installed)
}

// Update replaces name with the newest marketplace version. The plugin's
// config file and enabled flag carry over, and a running plugin is reloaded.
// When the replacement fails the previous version is restored and reloaded.
func (o *Orchestrator) Update(ctx context.Context, name string) (_ *marketplace.Update, err error) {
	ctx, span := observability.StartSpan(ctx, "plugins.update", trace.WithAttributes(attribute.String("plugin.name", name)))
	defer func() { observability.EndSpan(span, err) }()

	if o.marketplace == nil {
		return nil, ErrNoMarketplace
	}
	rec, err := o.registry.Get(name)
	if err != nil {
		return nil, err
	}
	log := observability.PluginLogger(ctx, o.log, name)

	updates, err := o.marketplace.CheckUpdates(ctx, map[string]string{name: rec.Manifest.Version})
	if err != nil {
		return nil, err
	}
	var update *marketplace.Update
	for i := range updates {
		if updates[i].Name == name {
			update = &updates[i]
			break
		}
	}
	if update == nil {
		return nil, fmt.Errorf("%w: %s v%s", ErrUpToDate, name, rec.Manifest.Version)
	}

	config := readPluginConfig(rec)
	running := o.live(name) != nil
	if running {
		if err := o.Unload(ctx, name); err != nil {
			return nil, fmt.Errorf("update %s: %w", name, err)
		}
	}

	path, installErr := o.InstallFromMarketplace(ctx, update.Available, true)
	if installErr == nil {
		if config != nil {
			if err := os.WriteFile(config.path(path), config.data, 0o644); err != nil {
				log.WithError(err).Warn("Failed to carry plugin config over")
			}
		}
		if !rec.Enabled {
			if err := o.registry.Disable(ctx, name); err != nil {
				log.WithError(err).Warn("Failed to keep plugin disabled")
			}
		}
		log.Infof("Updated plugin %s v%s -> v%s", name, update.Installed, update.Available.Version)
	}

	if running && rec.Enabled {
		if err := o.Load(ctx, name); err != nil {
			if installErr != nil {
				return nil, errors.Join(installErr, err)
			}
			return update, fmt.Errorf("reload %s: %w", name, err)
		}
	}
	if installErr != nil {
		return nil, installErr
	}
	return update, nil
}

// pluginConfig is a plugin-local config file captured before a replace
type pluginConfig struct {
	rel  string
	data []byte
}

func (c *pluginConfig) path(installPath string) string {
	return filepath.Join(installPath, c.rel)
}

func readPluginConfig(rec *registry.Record) *pluginConfig {
	if rec.Manifest.ConfigFile == "" || rec.InstallPath == "" {
		return nil
	}
	rel := filepath.Clean(rec.Manifest.ConfigFile)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(rec.InstallPath, rel))
	if err != nil {
		return nil
	}
	return &pluginConfig{rel: rel, data: data}
}

// Shutdown unloads every running plugin
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	names := make([]string, 0, len(o.handles))
	for name := range o.handles {
		names = append(names, name)
	}
	o.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if o.live(name) == nil {
			continue
		}
		if err := o.Unload(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Discover scans the search paths and returns candidates that are not
// installed at the version found
func (o *Orchestrator) Discover(ctx context.Context) ([]*plugins.Manifest, error) {
	if o.discovery == nil {
		return nil, ErrNoDiscovery
	}
	found, err := o.discovery.Discover(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []*plugins.Manifest
	for _, m := range found {
		rec, err := o.registry.Get(m.Name)
		if err == nil && rec.Manifest.Version == m.Version {
			continue
		}
		candidates = append(candidates, m)
	}
	return candidates, nil
}

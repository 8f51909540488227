package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/plugins/archive"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// maxPluginRootDepth is how far below an extraction root the manifest may sit
const maxPluginRootDepth = 2

// LoaderOptions configures installation and loading
type LoaderOptions struct {
	// Isolation gives every name:version its own implementation unit
	Isolation bool
	// TempDir holds private extraction directories; empty means os.TempDir
	TempDir        string
	MaxPackageSize int64
}

// DefaultLoaderOptions returns isolation on and a 100MB package ceiling
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{Isolation: true, MaxPackageSize: defaultMaxPackageSize}
}

type openUnit struct {
	module Module
	refs   int
}

// Loader places plugin packages on disk and instantiates them
type Loader struct {
	opts     LoaderOptions
	runtimes map[string]Runtime
	units    map[string]*openUnit
	loaded   map[string]*Plugin
	mu       sync.RWMutex
	log      *logrus.Logger
}

// NewLoader creates a new plugin loader with the given runtimes
func NewLoader(opts LoaderOptions, log *logrus.Logger, runtimes ...Runtime) *Loader {
	if log == nil {
		log = logrus.New()
	}
	if opts.MaxPackageSize <= 0 {
		opts.MaxPackageSize = defaultMaxPackageSize
	}

	l := &Loader{
		opts:     opts,
		runtimes: make(map[string]Runtime),
		units:    make(map[string]*openUnit),
		loaded:   make(map[string]*Plugin),
		log:      log,
	}
	for _, rt := range runtimes {
		l.RegisterRuntime(rt)
	}
	return l
}

// RegisterRuntime makes a runtime available for manifests that name it
func (l *Loader) RegisterRuntime(rt Runtime) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runtimes[rt.Name()] = rt
}

// UnitKey returns the namespaced identity of a plugin's implementation unit
func UnitKey(manifest *Manifest, isolated bool) string {
	if isolated {
		return fmt.Sprintf("cloudcraver_plugin_%s_%s", manifest.Name, manifest.Version)
	}
	return fmt.Sprintf("cloudcraver_plugin_%s", manifest.Name)
}

// Install places a plugin from a directory or archive at targetDir/<name>.
// The new tree is assembled in a staging directory next to the target and
// renamed into place, so a failed install leaves any prior install intact.
func (l *Loader) Install(ctx context.Context, source, targetDir string, force bool) (string, error) {
	l.log.Infof("Installing plugin from %s to %s", source, targetDir)

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return "", &InstallError{Source: source, Reason: "URL sources are not supported, download through the marketplace"}
	}

	info, err := os.Stat(source)
	if err != nil {
		return "", &InstallError{Source: source, Reason: "invalid plugin source", Err: err}
	}

	pluginDir := source
	if !info.IsDir() {
		extracted, cleanup, err := l.extractPackage(ctx, source, info.Size())
		if err != nil {
			return "", err
		}
		defer cleanup()
		pluginDir = extracted
	}

	manifest, err := LoadManifestFromDir(pluginDir)
	if err != nil {
		return "", &InstallError{Source: source, Reason: "no valid manifest found", Err: err}
	}
	logger := l.log.WithFields(observability.PluginFields(manifest.Name, manifest.Version))

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", &InstallError{Plugin: manifest.Name, Source: source, Reason: "failed to create target directory", Err: err}
	}

	finalPath := filepath.Join(targetDir, manifest.Name)
	if _, err := os.Stat(finalPath); err == nil && !force {
		return "", &InstallError{
			Plugin: manifest.Name,
			Source: source,
			Reason: fmt.Sprintf("already exists at %s, use force to overwrite", finalPath),
			Err:    ErrAlreadyInstalled,
		}
	}

	staging := filepath.Join(targetDir, fmt.Sprintf(".staging-%s-%s", manifest.Name, uuid.New().String()[:8]))
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	if err := copyTree(ctx, pluginDir, staging); err != nil {
		return "", &InstallError{Plugin: manifest.Name, Source: source, Reason: "failed to copy plugin files", Err: err}
	}

	if _, err := os.Stat(finalPath); err == nil {
		logger.Infof("Removing existing plugin installation at %s", finalPath)
		if err := os.RemoveAll(finalPath); err != nil {
			return "", &InstallError{Plugin: manifest.Name, Source: source, Reason: "failed to remove existing installation", Err: err}
		}
	}
	if err := os.Rename(staging, finalPath); err != nil {
		return "", &InstallError{Plugin: manifest.Name, Source: source, Reason: "failed to move plugin into place", Err: err}
	}
	committed = true

	logger.Infof("Successfully installed plugin to %s", finalPath)
	return finalPath, nil
}

// extractPackage unpacks an archive into a private directory and returns the
// plugin root inside it with a cleanup func
func (l *Loader) extractPackage(ctx context.Context, packagePath string, size int64) (string, func(), error) {
	if !archive.IsArchive(packagePath) {
		return "", nil, &InstallError{Source: packagePath, Reason: "unsupported package format", Err: archive.ErrUnsupported}
	}
	if size > l.opts.MaxPackageSize {
		return "", nil, &InstallError{
			Source: packagePath,
			Reason: fmt.Sprintf("package too large: %d bytes (limit %d)", size, l.opts.MaxPackageSize),
			Err:    archive.ErrTooLarge,
		}
	}

	tmpDir, err := os.MkdirTemp(l.opts.TempDir, "cloudcraver-install-*")
	if err != nil {
		return "", nil, &InstallError{Source: packagePath, Reason: "failed to create temp dir", Err: err}
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	if err := archive.Extract(ctx, packagePath, tmpDir, archive.Options{MaxSize: l.opts.MaxPackageSize}); err != nil {
		cleanup()
		return "", nil, &InstallError{Source: packagePath, Reason: "failed to extract package", Err: err}
	}

	root, ok := FindPluginRoot(tmpDir, maxPluginRootDepth)
	if !ok {
		cleanup()
		return "", nil, &InstallError{Source: packagePath, Reason: "no manifest found in package"}
	}
	return root, cleanup, nil
}

// FindPluginRoot returns the shallowest directory under dir, at most maxDepth
// levels down, that holds a manifest
func FindPluginRoot(dir string, maxDepth int) (string, bool) {
	level := []string{dir}
	for depth := 0; depth <= maxDepth && len(level) > 0; depth++ {
		sort.Strings(level)
		var next []string
		for _, candidate := range level {
			if _, ok := FindManifest(candidate); ok {
				return candidate, true
			}
			entries, err := os.ReadDir(candidate)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					next = append(next, filepath.Join(candidate, e.Name()))
				}
			}
		}
		level = next
	}
	return "", false
}

// copyTree copies regular files and directories from src to dst, checking
// for cancellation between files. Links are skipped.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if entry.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Load instantiates the plugin installed at path. The returned handle is in
// the Loaded stage.
func (l *Loader) Load(ctx context.Context, path string, pc *Context) (*Plugin, error) {
	l.log.Infof("Loading plugin from %s", path)

	manifest, err := LoadManifestFromDir(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "no valid manifest found", Err: err}
	}

	l.mu.RLock()
	rt, ok := l.runtimes[manifest.RuntimeName()]
	_, alreadyLoaded := l.loaded[manifest.Name]
	l.mu.RUnlock()
	if alreadyLoaded {
		return nil, &LoadError{Plugin: manifest.Name, Path: path, Err: ErrAlreadyActive}
	}
	if !ok {
		return nil, &LoadError{Plugin: manifest.Name, Path: path, Reason: fmt.Sprintf("no runtime registered for %q", manifest.RuntimeName())}
	}

	key := UnitKey(manifest, l.opts.Isolation)
	module, err := l.openUnit(ctx, rt, Unit{Key: key, Manifest: manifest, Dir: path, Shared: !l.opts.Isolation})
	if err != nil {
		return nil, &LoadError{Plugin: manifest.Name, Path: path, Reason: "failed to load module " + manifest.ModulePath, Err: err}
	}

	instance, config, err := l.instantiate(module, manifest, path)
	if err != nil {
		l.releaseUnit(key)
		return nil, err
	}
	// The caller may have given up while the constructor ran
	if err := ctx.Err(); err != nil {
		l.releaseUnit(key)
		return nil, &LoadError{Plugin: manifest.Name, Path: path, Reason: "load abandoned", Err: err}
	}

	p := NewPlugin(instance, manifest, path, pc)
	p.Config = config
	p.Unit = key

	l.mu.Lock()
	if _, dup := l.loaded[manifest.Name]; dup {
		l.releaseUnitLocked(key)
		l.mu.Unlock()
		return nil, &LoadError{Plugin: manifest.Name, Path: path, Err: ErrAlreadyActive}
	}
	l.loaded[manifest.Name] = p
	l.mu.Unlock()

	l.log.WithFields(observability.PluginFields(manifest.Name, manifest.Version)).
		Infof("Loaded plugin (type: %s, unit: %s)", manifest.Type, key)
	return p, nil
}

func (l *Loader) instantiate(module Module, manifest *Manifest, path string) (inst Instance, config map[string]any, err error) {
	factory, err := module.Entry(manifest.MainClass)
	if err != nil {
		return nil, nil, &LoadError{Plugin: manifest.Name, Path: path, Reason: fmt.Sprintf("plugin class %s not found", manifest.MainClass), Err: err}
	}

	config = l.loadPluginConfig(path, manifest)

	defer func() {
		if r := recover(); r != nil {
			err = &LoadError{Plugin: manifest.Name, Path: path, Reason: fmt.Sprintf("plugin constructor panicked: %v", r)}
		}
	}()

	inst, err = factory(manifest, config)
	if err != nil {
		return nil, nil, &LoadError{Plugin: manifest.Name, Path: path, Reason: "failed to instantiate plugin", Err: err}
	}
	if inst == nil {
		return nil, nil, &LoadError{Plugin: manifest.Name, Path: path, Reason: fmt.Sprintf("plugin class %s does not implement the plugin interface", manifest.MainClass)}
	}
	return inst, config, nil
}

func (l *Loader) openUnit(ctx context.Context, rt Runtime, unit Unit) (Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if open, ok := l.units[unit.Key]; ok {
		open.refs++
		return open.module, nil
	}

	module, err := rt.Open(ctx, unit)
	if err != nil {
		return nil, err
	}
	l.units[unit.Key] = &openUnit{module: module, refs: 1}
	return module, nil
}

func (l *Loader) releaseUnit(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseUnitLocked(key)
}

func (l *Loader) releaseUnitLocked(key string) {
	open, ok := l.units[key]
	if !ok {
		return
	}
	open.refs--
	if open.refs > 0 {
		return
	}
	delete(l.units, key)
	if err := open.module.Close(); err != nil {
		l.log.Warnf("Failed to close unit %s: %v", key, err)
	}
}

// loadPluginConfig merges the plugin's config file over schema defaults.
// A config file that cannot be read is logged and ignored.
func (l *Loader) loadPluginConfig(path string, manifest *Manifest) map[string]any {
	config := make(map[string]any)

	if manifest.ConfigFile != "" {
		configPath := filepath.Join(path, filepath.Clean(manifest.ConfigFile))
		fileConfig, err := readConfigFile(configPath)
		switch {
		case err == nil:
			for k, v := range fileConfig {
				config[k] = v
			}
			l.log.Debugf("Loaded config from %s", configPath)
		case os.IsNotExist(err):
		default:
			l.log.Warnf("Failed to load plugin config: %v", err)
		}
	}

	for k, v := range SchemaDefaults(manifest.ConfigSchema) {
		if _, ok := config[k]; !ok {
			config[k] = v
		}
	}
	return config
}

func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".json":
		err = json.Unmarshal(data, &config)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return config, nil
}

// SchemaDefaults extracts properties.*.default from a config schema
func SchemaDefaults(schema map[string]any) map[string]any {
	defaults := make(map[string]any)
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return defaults
	}
	for key, prop := range props {
		if def, ok := prop.(map[string]any); ok {
			if value, has := def["default"]; has {
				defaults[key] = value
			}
		}
	}
	return defaults
}

// Unload forgets a loaded plugin and releases its unit
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.loaded[name]
	if !ok {
		return fmt.Errorf("%w: %s not loaded", ErrPluginNotFound, name)
	}
	delete(l.loaded, name)
	l.releaseUnitLocked(p.Unit)

	l.log.Debugf("Unloaded plugin %s", name)
	return nil
}

// Loaded returns a loaded plugin by name
func (l *Loader) Loaded(name string) (*Plugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.loaded[name]
	return p, ok
}

// LoadedPlugins returns plugin name -> install path for every loaded plugin
func (l *Loader) LoadedPlugins() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]string, len(l.loaded))
	for name, p := range l.loaded {
		out[name] = p.Path
	}
	return out
}

// Cleanup unloads every plugin
func (l *Loader) Cleanup() {
	l.mu.RLock()
	names := make([]string, 0, len(l.loaded))
	for name := range l.loaded {
		names = append(names, name)
	}
	l.mu.RUnlock()

	for _, name := range names {
		if err := l.Unload(name); err != nil {
			l.log.Warnf("Failed to unload plugin %s: %v", name, err)
		}
	}
}

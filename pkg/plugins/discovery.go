package plugins

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/platinummonkey/cloudcraver/pkg/plugins/archive"
	"github.com/sirupsen/logrus"
)

// maxArchiveManifestDepth is how deep below the archive root a manifest may sit
const maxArchiveManifestDepth = 2

// DiscoveryOptions configures the search roots
type DiscoveryOptions struct {
	ProjectDir string
	UserDir    string
	SystemDir  string
	ExtraPaths []string
}

// DefaultDiscoveryOptions returns the standard project, user and system roots
func DefaultDiscoveryOptions() DiscoveryOptions {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return DiscoveryOptions{
		ProjectDir: "./plugins",
		UserDir:    filepath.Join(homeDir, ".cloudcraver", "plugins"),
		SystemDir:  "/usr/local/share/cloudcraver/plugins",
	}
}

// Discovery finds plugin candidates in directories and archives
type Discovery struct {
	mu    sync.RWMutex
	roots []string
	log   *logrus.Logger
}

// NewDiscovery creates a discovery scanner
func NewDiscovery(opts DiscoveryOptions, log *logrus.Logger) *Discovery {
	if log == nil {
		log = logrus.New()
	}

	d := &Discovery{log: log}
	for _, root := range []string{opts.ProjectDir, opts.UserDir, opts.SystemDir} {
		if root != "" {
			d.roots = append(d.roots, root)
		}
	}
	for _, extra := range opts.ExtraPaths {
		d.AddSearchPath(extra)
	}
	return d
}

// SearchPaths returns the configured roots in search order
func (d *Discovery) SearchPaths() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.roots))
	copy(out, d.roots)
	return out
}

// AddSearchPath appends a root unless it is already present
func (d *Discovery) AddSearchPath(root string) {
	if root == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.roots {
		if existing == root {
			return
		}
	}
	d.roots = append(d.roots, root)
}

// RemoveSearchPath drops a root
func (d *Discovery) RemoveSearchPath(root string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.roots {
		if existing == root {
			d.roots = append(d.roots[:i], d.roots[i+1:]...)
			return
		}
	}
}

// Discover scans every root plus extra and returns unique manifests.
// When two candidates share name and version the first one found wins.
func (d *Discovery) Discover(ctx context.Context, extra ...string) ([]*Manifest, error) {
	roots := append(d.SearchPaths(), extra...)

	seen := make(map[string]bool)
	var found []*Manifest

	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := os.Stat(root); err != nil {
			d.log.Debugf("Plugin directory does not exist: %s", root)
			continue
		}

		for _, manifest := range d.scanRoot(ctx, root) {
			key := manifest.Key()
			if seen[key] {
				d.log.WithField("plugin", key).Debugf("Skipping duplicate candidate at %s", manifest.Source)
				continue
			}
			seen[key] = true
			found = append(found, manifest)
		}
	}

	d.log.Infof("Discovered %d plugin(s)", len(found))
	return found, nil
}

// scanRoot collects manifests from plugin directories and archives under root.
// Descent stops at a directory that holds a manifest.
func (d *Discovery) scanRoot(ctx context.Context, root string) []*Manifest {
	var manifests []*Manifest

	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			d.log.Warnf("Failed to read %s: %v", p, err)
			if entry != nil && entry.IsDir() && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if entry.IsDir() {
			if p != root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			manifestPath, ok := FindManifest(p)
			if !ok {
				return nil
			}
			manifest, err := LoadManifest(manifestPath)
			if err != nil {
				d.log.Warnf("Failed to load plugin from %s: %v", p, err)
			} else {
				manifests = append(manifests, manifest)
			}
			if p == root {
				return nil
			}
			return filepath.SkipDir
		}

		if archive.IsArchive(entry.Name()) {
			manifest, err := ReadArchiveManifest(p)
			if err != nil {
				d.log.Warnf("Failed to load plugin archive %s: %v", p, err)
				return nil
			}
			manifests = append(manifests, manifest)
		}
		return nil
	})
	if err != nil {
		d.log.Warnf("Failed to scan plugin directory %s: %v", root, err)
	}

	return manifests
}

// ReadArchiveManifest validates the archive's entry names and parses the
// manifest found at its root or up to two levels deep
func ReadArchiveManifest(archivePath string) (*Manifest, error) {
	entries, err := archive.Entries(archivePath)
	if err != nil {
		return nil, err
	}
	if err := archive.ValidateEntries(entries); err != nil {
		return nil, err
	}

	name, ok := archive.FindFile(entries, maxArchiveManifestDepth, IsManifestFile)
	if !ok {
		return nil, &ManifestError{Path: archivePath, Reason: "no manifest file found in archive"}
	}

	data, err := archive.ReadFile(archivePath, name)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(data, FormatForFile(name))
	if err != nil {
		if me, ok := err.(*ManifestError); ok {
			me.Path = archivePath + "!" + name
		}
		return nil, err
	}
	manifest.Source = archivePath
	return manifest, nil
}

// DiscoverByName returns the first candidate named name
func (d *Discovery) DiscoverByName(ctx context.Context, name string) (*Manifest, error) {
	manifests, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

// DiscoverByType returns the candidates of one plugin type
func (d *Discovery) DiscoverByType(ctx context.Context, pluginType PluginType) ([]*Manifest, error) {
	manifests, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, m := range manifests {
		if m.Type == pluginType {
			out = append(out, m)
		}
	}
	return out, nil
}

// DiscoverByProvider returns candidates whose keywords or categories name provider
func (d *Discovery) DiscoverByProvider(ctx context.Context, provider string) ([]*Manifest, error) {
	manifests, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	provider = strings.ToLower(provider)
	var out []*Manifest
	for _, m := range manifests {
		if containsFold(m.Keywords, provider) || containsFold(m.Categories, provider) {
			out = append(out, m)
		}
	}
	return out, nil
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.ToLower(v) == want {
			return true
		}
	}
	return false
}

// ValidateStructure checks that dir holds a parsable manifest and that the
// module it names resolves
func ValidateStructure(dir string) error {
	manifest, err := LoadManifestFromDir(dir)
	if err != nil {
		return err
	}
	if manifest.RuntimeName() != RuntimeLua {
		return nil
	}
	module := filepath.Join(dir, filepath.FromSlash(path.Clean(manifest.ModulePath)))
	if _, err := os.Stat(module); err != nil {
		return &ManifestError{Path: manifest.Source, Field: "module_path", Reason: "module file not found", Err: err}
	}
	return nil
}

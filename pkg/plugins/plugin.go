package plugins

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Context is the execution environment handed to a plugin at initialization
type Context struct {
	CoreVersion string
	Logger      *logrus.Entry
	DataDir     string
	CacheDir    string
	TempDir     string
	Environment map[string]string
}

// Plugin is a loaded instance bound to its manifest and lifecycle
type Plugin struct {
	ID        string
	Instance  Instance
	Manifest  *Manifest
	Path      string
	Context   *Context
	Config    map[string]any
	Unit      string
	LoadTime  time.Time
	Lifecycle *Lifecycle

	mu      sync.RWMutex
	enabled bool
	lastErr error
}

// NewPlugin wraps an instance into a Plugin handle in the Loaded stage
func NewPlugin(instance Instance, manifest *Manifest, path string, pc *Context) *Plugin {
	p := &Plugin{
		ID:        uuid.New().String(),
		Instance:  instance,
		Manifest:  manifest,
		Path:      path,
		Context:   pc,
		LoadTime:  time.Now(),
		Lifecycle: NewLifecycle(),
		enabled:   true,
	}
	_ = p.Lifecycle.Transition(StageLoaded)
	return p
}

// Name returns the plugin name
func (p *Plugin) Name() string { return p.Manifest.Name }

// Version returns the plugin version
func (p *Plugin) Version() string { return p.Manifest.Version }

// Stage returns the current lifecycle stage
func (p *Plugin) Stage() Stage { return p.Lifecycle.Stage() }

// Enabled reports whether the plugin is enabled
func (p *Plugin) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// SetEnabled toggles the enabled flag
func (p *Plugin) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// LastError returns the most recent failure recorded against the plugin
func (p *Plugin) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// SetError records a failure and moves the lifecycle to Error
func (p *Plugin) SetError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	if err != nil {
		p.Lifecycle.Fail()
	}
}

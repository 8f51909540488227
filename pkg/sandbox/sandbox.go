package sandbox

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/sirupsen/logrus"
)

// Config holds sandbox settings
type Config struct {
	Enabled bool
	// MaxCPUTime is the CPU ceiling of one invocation
	MaxCPUTime time.Duration
	// MaxMemory is reported only; AddressSpace is what gets enforced
	MaxMemory    int64
	AddressSpace uint64
	MaxFileSize  int64
	// AllowedPaths are roots readable (and, with file_write, writable) by every plugin
	AllowedPaths []string
	// TempRoot holds per-invocation temp dirs; empty means os.TempDir()
	TempRoot string
	// Timeout bounds the wall time of one invocation; zero disables it
	Timeout time.Duration
}

// DefaultConfig returns the default sandbox settings
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MaxCPUTime:  30 * time.Second,
		MaxMemory:   100 * 1024 * 1024,
		MaxFileSize: 10 * 1024 * 1024,
		Timeout:     30 * time.Second,
	}
}

var defaultPermissions = map[plugins.PluginType][]plugins.Permission{
	plugins.PluginTypeTemplate:  {plugins.PermissionFileRead, plugins.PermissionTempWrite},
	plugins.PluginTypeProvider:  {plugins.PermissionFileRead, plugins.PermissionTempWrite, plugins.PermissionNetworkAccess},
	plugins.PluginTypeValidator: {plugins.PermissionFileRead},
	plugins.PluginTypeGenerator: {plugins.PermissionFileRead, plugins.PermissionFileWrite, plugins.PermissionTempWrite},
}

// DefaultPermissions returns the permissions granted to a plugin type that
// declares none
func DefaultPermissions(t plugins.PluginType) []plugins.Permission {
	perms, ok := defaultPermissions[t]
	if !ok {
		return []plugins.Permission{plugins.PermissionFileRead}
	}
	out := make([]plugins.Permission, len(perms))
	copy(out, perms)
	return out
}

// PermissionsFor returns the manifest's declared permissions, or the type
// defaults when it declares none
func PermissionsFor(m *plugins.Manifest) []plugins.Permission {
	if len(m.Permissions) > 0 {
		return m.Permissions
	}
	return DefaultPermissions(m.Type)
}

// operationPermissions maps operation names to the permission they need
var operationPermissions = map[string]plugins.Permission{
	"network_request": plugins.PermissionNetworkAccess,
	"file_write":      plugins.PermissionFileWrite,
	"file_read":       plugins.PermissionFileRead,
	"temp_write":      plugins.PermissionTempWrite,
	"system_exec":     plugins.PermissionSystemAccess,
}

// slot serializes sandboxed invocations across the process. Resource
// ceilings are process-wide, so only one invocation may hold them.
var slot = make(chan struct{}, 1)

// Func is the body of a sandboxed invocation. ctx carries sc as its
// plugins.Capabilities and is cancelled at the invocation timeout.
type Func func(ctx context.Context, sc *SecurityContext) error

// Invocation describes one sandboxed call
type Invocation struct {
	Plugin      string
	Type        plugins.PluginType
	Permissions []plugins.Permission
	// Roots are extra allowed roots for this call, such as the plugin's own directory
	Roots []string
}

// Sandbox runs plugin code under a SecurityContext
type Sandbox struct {
	cfg     Config
	limiter Limiter
	metrics *observability.Metrics
	log     *logrus.Logger

	mu      sync.RWMutex
	live    map[string]*SecurityContext
	reports map[string]*Report
}

// Option configures a Sandbox
type Option func(*Sandbox)

// WithLimiter replaces the platform limiter
func WithLimiter(l Limiter) Option {
	return func(s *Sandbox) { s.limiter = l }
}

// WithMetrics records invocations and violations
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sandbox) { s.metrics = m }
}

// New creates a sandbox
func New(cfg Config, log *logrus.Logger, opts ...Option) *Sandbox {
	if log == nil {
		log = logrus.New()
	}
	s := &Sandbox{
		cfg:     cfg,
		limiter: NewLimiter(),
		log:     log,
		live:    make(map[string]*SecurityContext),
		reports: make(map[string]*Report),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Enabled {
		log.Info("Plugin sandbox initialized")
	} else {
		log.Warn("Plugin sandbox is disabled")
	}
	return s
}

// Enabled reports whether invocations are restricted
func (s *Sandbox) Enabled() bool { return s.cfg.Enabled }

// Execute runs fn for plugin with the given permissions. A nil or empty
// permission list grants the type defaults.
func (s *Sandbox) Execute(ctx context.Context, plugin string, t plugins.PluginType, perms []plugins.Permission, fn Func) error {
	return s.ExecuteIn(ctx, Invocation{Plugin: plugin, Type: t, Permissions: perms}, fn)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ExecuteIn runs fn under a fresh SecurityContext. When the invocation times
// out ExecuteIn returns at once; the temp dir, ceilings and process slot are
// released when fn actually returns.
func (s *Sandbox) ExecuteIn(ctx context.Context, inv Invocation, fn Func) (err error) {
	perms := inv.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions(inv.Type)
	}
	log := s.log.WithField("plugin", inv.Plugin)

	if !s.cfg.Enabled {
		return s.runUnrestricted(ctx, inv, perms, fn, log)
	}

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sandbox: %w", ctx.Err())
	}
	released := false
	defer func() {
		if !released {
			<-slot
		}
	}()

	tempDir, err := os.MkdirTemp(s.cfg.TempRoot, fmt.Sprintf("plugin_%s_%d_", unsafeName.ReplaceAllString(inv.Plugin, "_"), time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("failed to create sandbox temp dir: %w", err)
	}

	roots := append(append([]string{}, s.cfg.AllowedPaths...), inv.Roots...)
	sc := newSecurityContext(inv.Plugin, perms, tempDir, roots, s.cfg.MaxFileSize, log)
	sc.onViolation = func(string) { s.metrics.RecordViolation(inv.Plugin) }

	cpuBefore, cpuErr := s.limiter.CPUTime()
	if cpuErr != nil {
		log.WithError(cpuErr).Debug("Failed to read process CPU time")
	}
	restore, limitErr := s.limiter.Apply(Limits{CPUTime: s.cfg.MaxCPUTime, AddressSpace: s.cfg.AddressSpace})
	if limitErr != nil {
		log.WithError(limitErr).Warn("Failed to set resource limits")
	}

	s.mu.Lock()
	s.live[inv.Plugin] = sc
	s.mu.Unlock()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	}
	runCtx = plugins.WithCapabilities(runCtx, sc)
	log.Debugf("Starting secure execution for %s", inv.Plugin)

	finish := func() {
		if restore != nil {
			if err := restore(); err != nil {
				log.WithError(err).Warn("Failed to reset resource limits")
			}
		}
		if err := os.RemoveAll(tempDir); err != nil {
			log.WithError(err).Warnf("Failed to cleanup temp directory %s", tempDir)
		}

		report := sc.Report()
		if cpuAfter, err := s.limiter.CPUTime(); cpuErr == nil && err == nil && cpuAfter > cpuBefore {
			report.ResourceUsage["cpu_time_ms"] = (cpuAfter - cpuBefore).Milliseconds()
		}
		s.mu.Lock()
		if s.live[inv.Plugin] == sc {
			delete(s.live, inv.Plugin)
		}
		s.reports[inv.Plugin] = report
		s.mu.Unlock()

		log.Debugf("Plugin %s executed for %s", inv.Plugin, report.ExecutionTime)
		if n := len(report.Violations); n > 0 {
			log.Warnf("Plugin %s had %d security violations", inv.Plugin, n)
		}
		cancel()
		<-slot
	}

	// settle orders the timeout violation before the final report
	var settle sync.Mutex
	done := make(chan error, 1)
	go func() {
		var fnErr error
		defer func() {
			if perr := observability.PanicError(recover()); perr != nil {
				fnErr = perr
			}
			if fnErr != nil {
				sc.AddViolation(fmt.Sprintf("Exception during execution: %v", fnErr))
			}
			settle.Lock()
			done <- fnErr
			settle.Unlock()
			finish()
		}()
		fnErr = fn(runCtx, sc)
	}()
	released = true

	select {
	case err = <-done:
	case <-runCtx.Done():
		settle.Lock()
		select {
		case err = <-done:
		default:
			sc.AddViolation(fmt.Sprintf("Execution interrupted: %v", runCtx.Err()))
			err = fmt.Errorf("plugin %s: %w", inv.Plugin, runCtx.Err())
		}
		settle.Unlock()
	}
	s.metrics.RecordInvocation(err)
	return err
}

func (s *Sandbox) runUnrestricted(ctx context.Context, inv Invocation, perms []plugins.Permission, fn Func, log *logrus.Entry) (err error) {
	tempDir, err := os.MkdirTemp(s.cfg.TempRoot, "plugin_"+unsafeName.ReplaceAllString(inv.Plugin, "_")+"_")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sc := newSecurityContext(inv.Plugin, perms, tempDir, nil, 0, log)
	sc.unrestricted = true
	defer func() {
		if perr := observability.PanicError(recover()); perr != nil {
			err = perr
		}
	}()
	return fn(plugins.WithCapabilities(ctx, sc), sc)
}

// IsOperationAllowed reports whether plugin may perform op right now. It is
// false unless an invocation of plugin is live.
func (s *Sandbox) IsOperationAllowed(op, plugin string) bool {
	perm, ok := operationPermissions[op]
	if !ok {
		return false
	}
	s.mu.RLock()
	sc := s.live[plugin]
	s.mu.RUnlock()
	if sc == nil {
		return false
	}
	return sc.HasPermission(perm)
}

// Report returns the live report of plugin, or the report of its last
// finished invocation
func (s *Sandbox) Report(plugin string) (*Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sc, ok := s.live[plugin]; ok {
		r := sc.Report()
		r.Live = true
		return r, true
	}
	r, ok := s.reports[plugin]
	return r, ok
}

// Forget drops the stored report of plugin
func (s *Sandbox) Forget(plugin string) {
	s.mu.Lock()
	delete(s.reports, plugin)
	s.mu.Unlock()
}

// Shutdown drops all stored reports
func (s *Sandbox) Shutdown() {
	s.mu.Lock()
	s.reports = make(map[string]*Report)
	s.mu.Unlock()
	s.log.Debug("Plugin sandbox shutdown complete")
}

// Require returns ErrPermissionDenied unless caps grants every permission
func Require(caps plugins.Capabilities, perms ...plugins.Permission) error {
	for _, p := range perms {
		if !caps.HasPermission(p) {
			msg := fmt.Sprintf("permission %s required", p)
			caps.AddViolation(msg)
			return fmt.Errorf("%w: %s", plugins.ErrPermissionDenied, msg)
		}
	}
	return nil
}

package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/sirupsen/logrus"
)

// ErrFileTooLarge is returned when a write would exceed the file size ceiling
var ErrFileTooLarge = errors.New("file exceeds maximum size")

// Violation is one entry in a SecurityContext violation log
type Violation struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"violation"`
}

// gatedModules may only be imported with system_access
var gatedModules = map[string]bool{
	"os":      true,
	"io":      true,
	"debug":   true,
	"package": true,
	"os/exec": true,
	"syscall": true,
	"unsafe":  true,
}

// SecurityContext is the capability context of one sandboxed invocation. Its
// permission set is fixed at construction.
type SecurityContext struct {
	id           string
	plugin       string
	perms        map[plugins.Permission]bool
	start        time.Time
	tempDir      string
	roots        []string
	maxFileSize  int64
	unrestricted bool
	log          *logrus.Entry
	onViolation  func(string)

	mu         sync.Mutex
	violations []Violation
}

func newSecurityContext(plugin string, perms []plugins.Permission, tempDir string, roots []string, maxFileSize int64, log *logrus.Entry) *SecurityContext {
	set := make(map[plugins.Permission]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	sc := &SecurityContext{
		id:          uuid.New().String(),
		plugin:      plugin,
		perms:       set,
		start:       time.Now(),
		tempDir:     resolve(tempDir),
		maxFileSize: maxFileSize,
		log:         log,
	}
	for _, r := range roots {
		if r != "" {
			sc.roots = append(sc.roots, resolve(r))
		}
	}
	return sc
}

// ID returns the unique id of this invocation
func (sc *SecurityContext) ID() string { return sc.id }

// Plugin returns the plugin name
func (sc *SecurityContext) Plugin() string { return sc.plugin }

// TempDir returns the invocation's private temp directory
func (sc *SecurityContext) TempDir() string { return sc.tempDir }

// HasPermission reports whether p was granted
func (sc *SecurityContext) HasPermission(p plugins.Permission) bool {
	return sc.unrestricted || sc.perms[p]
}

// Permissions returns the granted permissions, sorted
func (sc *SecurityContext) Permissions() []plugins.Permission {
	out := make([]plugins.Permission, 0, len(sc.perms))
	for p := range sc.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddViolation records a violation
func (sc *SecurityContext) AddViolation(msg string) {
	sc.mu.Lock()
	sc.violations = append(sc.violations, Violation{Timestamp: time.Now(), Message: msg})
	sc.mu.Unlock()

	sc.log.Warnf("Security violation by %s: %s", sc.plugin, msg)
	if sc.onViolation != nil {
		sc.onViolation(msg)
	}
}

// Violations returns a copy of the violation log
func (sc *SecurityContext) Violations() []Violation {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]Violation, len(sc.violations))
	copy(out, sc.violations)
	return out
}

func (sc *SecurityContext) deny(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	sc.AddViolation(msg)
	return fmt.Errorf("%w: %s", plugins.ErrPermissionDenied, msg)
}

// CheckRead allows a read when file_read is granted and the path is under an
// allowed root
func (sc *SecurityContext) CheckRead(path string) error {
	if sc.unrestricted {
		return nil
	}
	target := resolve(path)
	if !sc.HasPermission(plugins.PermissionFileRead) {
		return sc.deny("Unauthorized file read attempt: %s", target)
	}
	if !sc.allowedPath(target) {
		return sc.deny("Access to forbidden path: %s", target)
	}
	return nil
}

// CheckWrite allows a write with file_write under any allowed root, or with
// temp_write alone inside the temp directory
func (sc *SecurityContext) CheckWrite(path string) error {
	if sc.unrestricted {
		return nil
	}
	target := resolve(path)
	canWrite := sc.HasPermission(plugins.PermissionFileWrite)
	if !canWrite && !sc.HasPermission(plugins.PermissionTempWrite) {
		return sc.deny("Unauthorized file write attempt: %s", target)
	}
	if !canWrite && !within(target, sc.tempDir) {
		return sc.deny("Write outside temp directory: %s", target)
	}
	if !sc.allowedPath(target) {
		return sc.deny("Access to forbidden path: %s", target)
	}
	return nil
}

// CheckImport gates modules that reach the host
func (sc *SecurityContext) CheckImport(module string) error {
	if sc.unrestricted || !gatedModules[module] {
		return nil
	}
	if sc.HasPermission(plugins.PermissionSystemAccess) {
		return nil
	}
	return sc.deny("Attempted import of dangerous module: %s", module)
}

func (sc *SecurityContext) allowedPath(target string) bool {
	if within(target, sc.tempDir) {
		return true
	}
	for _, root := range sc.roots {
		if within(target, root) {
			return true
		}
	}
	return false
}

// ReadFile reads path after CheckRead
func (sc *SecurityContext) ReadFile(path string) ([]byte, error) {
	if err := sc.CheckRead(path); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes data to path after CheckWrite and the size ceiling
func (sc *SecurityContext) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := sc.CheckWrite(path); err != nil {
		return err
	}
	if sc.maxFileSize > 0 && int64(len(data)) > sc.maxFileSize {
		return sc.tooLarge(path)
	}
	return os.WriteFile(path, data, perm)
}

// OpenFile opens path with the check its flags call for. Writers are capped
// at the file size ceiling.
func (sc *SecurityContext) OpenFile(path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	writing := flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0
	if writing {
		if err := sc.CheckWrite(path); err != nil {
			return nil, err
		}
	} else if err := sc.CheckRead(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	if !writing || sc.maxFileSize <= 0 {
		return f, nil
	}
	var size int64
	if flag&os.O_APPEND != 0 {
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
	}
	return &cappedFile{f: f, sc: sc, path: path, written: size}, nil
}

func (sc *SecurityContext) tooLarge(path string) error {
	msg := fmt.Sprintf("File size limit exceeded: %s", path)
	sc.AddViolation(msg)
	return fmt.Errorf("%w: %s", ErrFileTooLarge, path)
}

// cappedFile must not expose ReadFrom or WriteString from *os.File
type cappedFile struct {
	f       *os.File
	sc      *SecurityContext
	path    string
	written int64
}

func (c *cappedFile) Read(p []byte) (int, error) { return c.f.Read(p) }

func (c *cappedFile) Write(p []byte) (int, error) {
	if c.written+int64(len(p)) > c.sc.maxFileSize {
		return 0, c.sc.tooLarge(c.path)
	}
	n, err := c.f.Write(p)
	c.written += int64(n)
	return n, err
}

func (c *cappedFile) Close() error { return c.f.Close() }

// Report is a snapshot of an invocation's security state
type Report struct {
	ID            string               `json:"id"`
	PluginName    string               `json:"plugin_name"`
	Permissions   []plugins.Permission `json:"permissions"`
	Violations    []Violation          `json:"violations"`
	ExecutionTime time.Duration        `json:"execution_time"`
	ResourceUsage map[string]int64     `json:"resource_usage"`
	Live          bool                 `json:"live"`
}

// Report snapshots the context as it stands now
func (sc *SecurityContext) Report() *Report {
	return &Report{
		ID:            sc.id,
		PluginName:    sc.plugin,
		Permissions:   sc.Permissions(),
		Violations:    sc.Violations(),
		ExecutionTime: time.Since(sc.start),
		ResourceUsage: map[string]int64{},
	}
}

// resolve makes path absolute and resolves symlinks in its deepest existing
// ancestor, so links cannot point a permitted prefix elsewhere
func resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	existing, rest := abs, ""
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			if rest == "" {
				return resolved
			}
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

func within(target, base string) bool {
	if base == "" {
		return false
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

var _ plugins.Capabilities = (*SecurityContext)(nil)

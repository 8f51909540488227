package plugins

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPluginNotFound    = errors.New("plugin not found")
	ErrAlreadyInstalled  = errors.New("plugin already installed")
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrCycle             = errors.New("circular dependency")
	ErrHasDependents     = errors.New("plugin has dependents")
	ErrAlreadyActive     = errors.New("plugin already active")
	ErrNotActive         = errors.New("plugin not active")
	ErrDisabled          = errors.New("plugin disabled")
)

// ManifestError reports a malformed or incomplete manifest
type ManifestError struct {
	Path   string
	Field  string
	Reason string
	Err    error
}

func (e *ManifestError) Error() string {
	msg := "manifest error"
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ManifestError) Unwrap() error { return e.Err }

// SecurityViolation is a static or runtime security finding
type SecurityViolation struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category,omitempty"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
}

func (v *SecurityViolation) Error() string {
	location := ""
	if v.File != "" && v.Line > 0 {
		location = fmt.Sprintf(" at %s:%d", v.File, v.Line)
	} else if v.File != "" {
		location = " in " + v.File
	}
	return fmt.Sprintf("[%s] %s%s", strings.ToUpper(string(v.Severity)), v.Message, location)
}

// DependencyError reports an unsatisfied constraint or a cycle
type DependencyError struct {
	Plugin     string
	Dependency string
	Reason     string
	Err        error
}

func (e *DependencyError) Error() string {
	msg := fmt.Sprintf("dependency error for %s", e.Plugin)
	if e.Dependency != "" {
		msg += fmt.Sprintf(" (requires %s)", e.Dependency)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DependencyError) Unwrap() error { return e.Err }

// InstallError reports path conflicts, extraction failures, size or traversal rejections
type InstallError struct {
	Plugin string
	Source string
	Reason string
	Err    error
}

func (e *InstallError) Error() string {
	msg := "install failed"
	if e.Plugin != "" {
		msg += " for " + e.Plugin
	}
	if e.Source != "" {
		msg += " from " + e.Source
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InstallError) Unwrap() error { return e.Err }

// LoadError reports a missing module or class or an interface mismatch
type LoadError struct {
	Plugin string
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "load failed"
	if e.Plugin != "" {
		msg += " for " + e.Plugin
	}
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// RegistryError reports registry I/O or corruption problems
type RegistryError struct {
	Op   string
	Path string
	Err  error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// MarketplaceError reports network, timeout or malformed-response failures
type MarketplaceError struct {
	Repository string
	Op         string
	Err        error
}

func (e *MarketplaceError) Error() string {
	return fmt.Sprintf("marketplace %s failed for %s: %v", e.Op, e.Repository, e.Err)
}

func (e *MarketplaceError) Unwrap() error { return e.Err }

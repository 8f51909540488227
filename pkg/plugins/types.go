package plugins

import (
	"fmt"
	"strings"
)

// Metadata describes the identity of a plugin
type Metadata struct {
	Name                 string            `json:"name" yaml:"name"`                                                     // Unique key
	Version              string            `json:"version" yaml:"version"`                                               // Semver
	Description          string            `json:"description" yaml:"description"`                                       // Short description
	Author               string            `json:"author" yaml:"author"`                                                 // Author name
	Email                string            `json:"email,omitempty" yaml:"email,omitempty"`                               // Contact email
	Homepage             string            `json:"homepage,omitempty" yaml:"homepage,omitempty"`                         // Homepage URL
	Repository           string            `json:"repository,omitempty" yaml:"repository,omitempty"`                     // Repository URL
	License              string            `json:"license,omitempty" yaml:"license,omitempty"`                           // License (e.g., MIT)
	Keywords             []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`                         // Search keywords
	Categories           []string          `json:"categories,omitempty" yaml:"categories,omitempty"`                     // Categories
	MinCoreVersion       string            `json:"min_core_version,omitempty" yaml:"min_core_version,omitempty"`         // Lowest compatible core
	MaxCoreVersion       string            `json:"max_core_version,omitempty" yaml:"max_core_version,omitempty"`         // Highest compatible core
	Dependencies         []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`                 // Constraint strings
	OptionalDependencies map[string]string `json:"optional_dependencies,omitempty" yaml:"optional_dependencies,omitempty"` // name -> constraint
	EntryPoints          map[string]string `json:"entry_points,omitempty" yaml:"entry_points,omitempty"`                 // Named entry points
	ConfigSchema         map[string]any    `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`               // JSON-schema-like map
}

// Manifest describes a plugin package
type Manifest struct {
	Metadata `yaml:",inline"`

	Type        PluginType   `json:"type" yaml:"type"`                                   // Plugin type
	MainClass   string       `json:"main_class" yaml:"main_class"`                       // Entry type name
	ModulePath  string       `json:"module_path,omitempty" yaml:"module_path,omitempty"` // Implementation unit
	Runtime     string       `json:"runtime,omitempty" yaml:"runtime,omitempty"`         // lua or native
	ConfigFile  string       `json:"config_file,omitempty" yaml:"config_file,omitempty"` // Plugin-local config
	AssetsDir   string       `json:"assets_dir,omitempty" yaml:"assets_dir,omitempty"`
	DocsDir     string       `json:"docs_dir,omitempty" yaml:"docs_dir,omitempty"`
	TestsDir    string       `json:"tests_dir,omitempty" yaml:"tests_dir,omitempty"`
	Permissions []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"` // Requested permissions
	Hooks       []string     `json:"hooks,omitempty" yaml:"hooks,omitempty"`             // Hooks provided
	Provides    []string     `json:"provides,omitempty" yaml:"provides,omitempty"`
	Requires    []string     `json:"requires,omitempty" yaml:"requires,omitempty"`

	// Source is the file or archive the manifest was read from
	Source string `json:"-" yaml:"-"`
}

// Key returns the name:version identity used for deduplication
func (m *Manifest) Key() string {
	return m.Name + ":" + m.Version
}

// RuntimeName returns the runtime that executes the plugin's module
func (m *Manifest) RuntimeName() string {
	if m.Runtime != "" {
		return strings.ToLower(m.Runtime)
	}
	if strings.HasSuffix(m.ModulePath, ".lua") {
		return RuntimeLua
	}
	return RuntimeNative
}

// Runtime names
const (
	RuntimeLua    = "lua"
	RuntimeNative = "native"
)

// PluginType defines the category of plugin
type PluginType string

const (
	PluginTypeTemplate   PluginType = "template"
	PluginTypeProvider   PluginType = "provider"
	PluginTypeValidator  PluginType = "validator"
	PluginTypeGenerator  PluginType = "generator"
	PluginTypeHook       PluginType = "hook"
	PluginTypeExtension  PluginType = "extension"
	PluginTypeMiddleware PluginType = "middleware"
)

// PluginTypes lists every recognized plugin type
var PluginTypes = []PluginType{
	PluginTypeTemplate,
	PluginTypeProvider,
	PluginTypeValidator,
	PluginTypeGenerator,
	PluginTypeHook,
	PluginTypeExtension,
	PluginTypeMiddleware,
}

// Valid reports whether t is a recognized plugin type
func (t PluginType) Valid() bool {
	for _, known := range PluginTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParsePluginType converts a string to a PluginType
func ParsePluginType(s string) (PluginType, error) {
	t := PluginType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown plugin type: %q", s)
	}
	return t, nil
}

// Permission is a named capability a plugin must be granted
type Permission string

const (
	PermissionFileRead      Permission = "file_read"
	PermissionFileWrite     Permission = "file_write"
	PermissionTempWrite     Permission = "temp_write"
	PermissionNetworkAccess Permission = "network_access"
	PermissionSystemAccess  Permission = "system_access"
	PermissionSystemExec    Permission = "system_exec"
)

// KnownPermissions lists every permission the runtime understands
var KnownPermissions = map[Permission]bool{
	PermissionFileRead:      true,
	PermissionFileWrite:     true,
	PermissionTempWrite:     true,
	PermissionNetworkAccess: true,
	PermissionSystemAccess:  true,
	PermissionSystemExec:    true,
}

// SensitivePermissions are flagged during manifest validation
var SensitivePermissions = map[Permission]bool{
	PermissionFileWrite:     true,
	PermissionNetworkAccess: true,
	PermissionSystemExec:    true,
}

// Severity ranks validation findings and violations
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities, higher is worse
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Finding is a single issue reported by a validator plugin
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Path     string   `json:"path,omitempty"`
	Line     int      `json:"line,omitempty"`
}

package plugins

import (
	"context"
	"io"
	"os"
)

// Instance is the capability interface every plugin entry type implements
type Instance interface {
	Initialize(ctx context.Context, pc *Context) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// TemplateFactory builds a template object from parameters
type TemplateFactory func(ctx context.Context, params map[string]any) (any, error)

// TemplatePlugin contributes infrastructure templates
type TemplatePlugin interface {
	Instance
	TemplateClass() (TemplateFactory, error)
	SupportedProviders() []string
}

// ProviderPlugin adds support for a cloud provider
type ProviderPlugin interface {
	Instance
	ProviderName() string
	TemplateClass() (TemplateFactory, error)
	ValidateCredentials(ctx context.Context, credentials map[string]string) (bool, error)
}

// ValidatorPlugin checks generated content
type ValidatorPlugin interface {
	Instance
	Validate(ctx context.Context, content string, vctx map[string]any) ([]Finding, error)
}

// HookPlugin declares the hook points it manages
type HookPlugin interface {
	Instance
	HookPoints() []string
}

// HookFunc handles a broadcast hook
type HookFunc func(ctx context.Context, args map[string]any) (any, error)

// HookProvider exposes handlers for the hooks named in the manifest
type HookProvider interface {
	Hooks() map[string]HookFunc
}

// Introspector is implemented by instances whose operation set is only known at runtime
type Introspector interface {
	HasOperation(name string) bool
}

// Capabilities is the explicit capability context handed to plugin I/O call sites.
// Every file or import operation a plugin performs goes through it.
type Capabilities interface {
	HasPermission(p Permission) bool
	CheckRead(path string) error
	CheckWrite(path string) error
	CheckImport(module string) error
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	OpenFile(path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error)
	TempDir() string
	AddViolation(msg string)
}

type capabilitiesKey struct{}

// WithCapabilities attaches a capability context to ctx
func WithCapabilities(ctx context.Context, caps Capabilities) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, caps)
}

// CapabilitiesFrom returns the capability context attached to ctx
func CapabilitiesFrom(ctx context.Context) (Capabilities, bool) {
	if ctx == nil {
		return nil, false
	}
	caps, ok := ctx.Value(capabilitiesKey{}).(Capabilities)
	return caps, ok && caps != nil
}

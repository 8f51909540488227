package plugins

import (
	"context"
	"fmt"
)

// Unit identifies one loaded implementation unit
type Unit struct {
	// Key is the namespaced identity of the unit. With isolation it includes
	// the version, so two versions of the same plugin never collide.
	Key      string
	Manifest *Manifest
	Dir      string
	Shared   bool
}

// Runtime loads implementation units for one kind of plugin code
type Runtime interface {
	Name() string
	Open(ctx context.Context, unit Unit) (Module, error)
}

// Module is an opened implementation unit
type Module interface {
	Entry(class string) (Factory, error)
	Close() error
}

// NativeRuntime serves plugins whose entry types are compiled in and
// registered with a FactoryRegistry
type NativeRuntime struct {
	factories *FactoryRegistry
}

// NewNativeRuntime creates a runtime backed by factories
func NewNativeRuntime(factories *FactoryRegistry) *NativeRuntime {
	if factories == nil {
		factories = NewFactoryRegistry()
	}
	return &NativeRuntime{factories: factories}
}

// Name returns the runtime name
func (r *NativeRuntime) Name() string { return RuntimeNative }

// Factories exposes the backing registry
func (r *NativeRuntime) Factories() *FactoryRegistry { return r.factories }

// Open resolves the unit's module in the factory registry
func (r *NativeRuntime) Open(ctx context.Context, unit Unit) (Module, error) {
	module := unit.Manifest.ModulePath
	if !r.factories.HasModule(module) {
		return nil, fmt.Errorf("native module not registered: %s", module)
	}
	return &nativeModule{module: module, factories: r.factories}, nil
}

type nativeModule struct {
	module    string
	factories *FactoryRegistry
}

func (m *nativeModule) Entry(class string) (Factory, error) {
	return m.factories.Get(m.module, class)
}

func (m *nativeModule) Close() error { return nil }

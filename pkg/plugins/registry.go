package plugins

import (
	"fmt"
	"sort"
	"sync"
)

// Factory instantiates a plugin entry type with its manifest and merged config
type Factory func(manifest *Manifest, config map[string]any) (Instance, error)

// FactoryRegistry holds the entry types of plugins compiled into the binary,
// keyed by module path and class name
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]map[string]Factory
}

// NewFactoryRegistry creates an empty factory registry
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]map[string]Factory)}
}

// Register adds a factory for module/class
func (r *FactoryRegistry) Register(module, class string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil factory for %s.%s", module, class)
	}
	if module == "" || class == "" {
		return fmt.Errorf("module and class are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	classes, ok := r.factories[module]
	if !ok {
		classes = make(map[string]Factory)
		r.factories[module] = classes
	}
	if _, exists := classes[class]; exists {
		return fmt.Errorf("factory already registered: %s.%s", module, class)
	}
	classes[class] = factory
	return nil
}

// Unregister removes a factory
func (r *FactoryRegistry) Unregister(module, class string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if classes, ok := r.factories[module]; ok {
		delete(classes, class)
		if len(classes) == 0 {
			delete(r.factories, module)
		}
	}
}

// HasModule reports whether any factory is registered under module
func (r *FactoryRegistry) HasModule(module string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[module]
	return ok
}

// Get retrieves a factory
func (r *FactoryRegistry) Get(module, class string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes, ok := r.factories[module]
	if !ok {
		return nil, fmt.Errorf("module not found: %s", module)
	}
	factory, ok := classes[class]
	if !ok {
		return nil, fmt.Errorf("class %s not found in module %s", class, module)
	}
	return factory, nil
}

// Modules returns the registered module paths, sorted
func (r *FactoryRegistry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.factories))
	for module := range r.factories {
		result = append(result, module)
	}
	sort.Strings(result)
	return result
}

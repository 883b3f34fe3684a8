// Package backends hosts the provider backend adapters and their
// registry. Backend packages self-register from init(), so importing a
// backend package (usually blank) makes it constructible by name.
package backends

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petal-labs/conduit/core"
)

// Factory creates a backend instance with the given API key. Backends
// for unauthenticated endpoints may ignore the key.
type Factory func(apiKey string) core.Backend

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a backend factory to the registry. It is typically
// called from a backend package's init(). Re-registering a name
// overwrites the previous factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get retrieves a backend factory by name, or nil.
func Get(name string) Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// Create builds a backend by registered name.
func Create(name, apiKey string) (core.Backend, error) {
	factory := Get(name)
	if factory == nil {
		return nil, fmt.Errorf("unknown backend: %s (available: %v)", name, List())
	}
	return factory(apiKey), nil
}

// List returns the registered backend names in sorted order.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a backend name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

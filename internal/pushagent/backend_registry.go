package pushagent

import (
	"strings"
	"sync"
)

type IdentityBackendFactory func(dsn string) (IdentityBackend, error)

var identityFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]IdentityBackendFactory
}{
	factories: map[string]IdentityBackendFactory{},
}

// RegisterIdentityBackendFactory installs a factory for a DSN scheme,
// overriding the built-in handling for that scheme. A nil factory removes
// the registration.
func RegisterIdentityBackendFactory(scheme string, factory IdentityBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" {
		return
	}
	identityFactoryRegistry.mu.Lock()
	defer identityFactoryRegistry.mu.Unlock()
	if factory == nil {
		delete(identityFactoryRegistry.factories, scheme)
		return
	}
	identityFactoryRegistry.factories[scheme] = factory
}

func lookupIdentityBackendFactory(scheme string) (IdentityBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	identityFactoryRegistry.mu.RLock()
	defer identityFactoryRegistry.mu.RUnlock()
	factory, ok := identityFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

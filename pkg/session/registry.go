package session

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Factory creates a Store from a connection URI and options. Factories
// consume only the options they recognize and ignore the rest, so the same
// Options value can be handed to any backend.
type Factory func(uri string, opts Options) (Store, error)

// Options carries backend configuration that is not encoded in the URI.
type Options struct {
	// TTL is the session expiry window. Zero means the backend default
	// (24h for TTL backends, no expiry for the in-memory backend).
	TTL time.Duration
	// PoolSize is the connection pool size for networked backends.
	PoolSize int
	// KeyPrefix namespaces all keys on key-value backends.
	KeyPrefix string
	// Extra holds framework-injected configuration that individual
	// factories may recognize. Unknown keys are silently ignored.
	Extra map[string]any
}

// DefaultTTL is the session retention window applied by TTL backends when
// none is configured.
const DefaultTTL = 24 * time.Hour

// Registry maps storage URI schemes to backend factories. The caller that
// constructs the façade owns the registry instance; there is no process-wide
// mutable registry. Registration normally happens once at startup, after
// which the registry is effectively immutable.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry. See the backends package for a
// registry pre-wired with the built-in stores.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates a URI scheme with a factory. Registering a scheme
// twice overwrites the previous factory (last write wins), which lets tests
// swap in doubles for production factories.
func (r *Registry) Register(scheme string, factory Factory) {
	if factory == nil {
		panic("session: Register factory is nil")
	}
	scheme = strings.ToLower(scheme)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

// Resolve parses the scheme out of uri, looks up the factory and invokes it
// with the full URI and options. Returns ErrUnknownScheme when no factory is
// registered for the scheme.
func (r *Registry) Resolve(uri string, opts Options) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse storage URI: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil, fmt.Errorf("%w: URI %q has no scheme", ErrUnknownScheme, uri)
	}

	r.mu.RLock()
	factory, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %v)", ErrUnknownScheme, scheme, r.Schemes())
	}

	return factory(uri, opts)
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.factories))
	for s := range r.factories {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// IsRegistered reports whether a factory is registered for the scheme.
func (r *Registry) IsRegistered(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(scheme)]
	return ok
}

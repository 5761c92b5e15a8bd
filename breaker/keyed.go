package breaker

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// KeySelector derives a breaker key from a request. The transport core
// passes its own request-context and request handle types here via a
// thin adapter at the call site (kept generic here since the breaker
// package must not depend on the httpreq package).
type KeySelector func(req any) any

// MethodKey derives the key from a pre-extracted method name.
func MethodKey(method string) any { return "method:" + method }

// HostKey derives the key from a pre-extracted authority.
func HostKey(authority string) any { return "host:" + authority }

// HostAndMethodKey derives the key from authority and method together.
func HostAndMethodKey(authority, method string) any { return "host+method:" + authority + ":" + method }

// Factory builds a new Breaker for a key that is not yet present in a
// Keyed map.
type Factory func(key any) *Breaker

// Keyed maps opaque keys to lazily constructed Breaker instances
// (§4.4 "Keyed mapping"). Concurrent misses on the same key collapse
// into a single Factory invocation via singleflight, so a factory that
// does non-trivial setup (e.g. registers listeners, allocates metrics)
// never runs twice for one key.
type Keyed struct {
	factory Factory
	group   singleflight.Group
	mu      sync.RWMutex
	byKey   map[any]*Breaker
}

// NewKeyed creates a keyed breaker map using factory to construct
// breakers for keys seen for the first time.
func NewKeyed(factory Factory) *Keyed {
	return &Keyed{factory: factory, byKey: make(map[any]*Breaker)}
}

// Get returns the breaker for key, constructing it via the factory if
// this is the first access for that key.
func (k *Keyed) Get(key any) *Breaker {
	k.mu.RLock()
	b, ok := k.byKey[key]
	k.mu.RUnlock()
	if ok {
		return b
	}

	// singleflight needs a string group key; %#v is fine since keys in
	// this package are built from MethodKey/HostKey/HostAndMethodKey
	// string helpers, or user-supplied comparable values with stable
	// formatting.
	groupKey := stringify(key)
	v, _, _ := k.group.Do(groupKey, func() (any, error) {
		k.mu.RLock()
		if b, ok := k.byKey[key]; ok {
			k.mu.RUnlock()
			return b, nil
		}
		k.mu.RUnlock()

		b := k.factory(key)

		k.mu.Lock()
		k.byKey[key] = b
		k.mu.Unlock()

		return b, nil
	})
	return v.(*Breaker)
}

// Remove evicts key's breaker, if present, so a future Get reconstructs
// it via the factory.
func (k *Keyed) Remove(key any) {
	k.mu.Lock()
	delete(k.byKey, key)
	k.mu.Unlock()
}

func stringify(key any) string {
	if s, ok := key.(string); ok {
		return s
	}
	return sprintFallback(key)
}

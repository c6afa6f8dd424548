package core

import (
	"reflect"

	"github.com/entitycache/graphjson/internal/sync"
)

// Registry holds converters in registration order plus a resolution memo.
// Later registrations take precedence over earlier ones.
type Registry struct {
	mu         sync.RWMutex
	converters []Converter
	memo       map[reflect.Type]Converter
}

// NewRegistry constructs a registry seeded with converters, in order.
func NewRegistry(converters ...Converter) *Registry {
	r := &Registry{memo: make(map[reflect.Type]Converter)}
	for _, c := range converters {
		r.Register(c)
	}
	return r
}

// Register appends c and invalidates the memo. Registration is expected at
// start-up; it must not race with in-flight operations relying on stable
// resolution.
func (r *Registry) Register(c Converter) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters = append(r.converters, c)
	r.memo = make(map[reflect.Type]Converter)
}

// Resolve returns the last registered converter accepting t, or nil. Both
// outcomes are memoized per exact type.
func (r *Registry) Resolve(t reflect.Type) Converter {
	r.mu.RLock()
	c, ok := r.memo[t]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.memo[t]; ok {
		return c
	}
	for i := len(r.converters) - 1; i >= 0; i-- {
		if r.converters[i].CanConvert(t) {
			c = r.converters[i]
			break
		}
	}
	r.memo[t] = c
	return c
}

// Converters returns a snapshot of the registered converters.
func (r *Registry) Converters() []Converter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Converter, len(r.converters))
	copy(out, r.converters)
	return out
}

// Len returns the number of registered converters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.converters)
}

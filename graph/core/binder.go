package core

import (
	"fmt"
	"reflect"

	"github.com/entitycache/graphjson/internal/sync"
)

// builtinTypes resolve without registration.
var builtinTypes = func() map[string]reflect.Type {
	m := make(map[string]reflect.Type)
	for _, v := range []any{
		false, "", 0, int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
		[]any{}, map[string]any{}, []string{}, []int{}, []float64{},
		map[string]string{}, map[string]int{}, []byte{},
	} {
		t := reflect.TypeOf(v)
		m[t.String()] = t
	}
	return m
}()

// TypeBinder maps $type discriminator names to Go types and back.
// Concrete types stored behind interfaces must be registered before they
// can be read back.
type TypeBinder struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewTypeBinder constructs an empty binder.
func NewTypeBinder() *TypeBinder {
	return &TypeBinder{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds name to the type of sample. Pointer samples register their
// element type. An empty name uses DefaultTypeName.
func (b *TypeBinder) Register(name string, sample any) error {
	if sample == nil {
		return fmt.Errorf("core: cannot register nil sample")
	}
	var t reflect.Type
	if rt, ok := sample.(reflect.Type); ok {
		t = rt
	} else {
		t = reflect.TypeOf(sample)
	}
	t = resolveBaseType(t)
	if name == "" {
		name = DefaultTypeName(t)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byName[name]; ok && existing != t {
		return fmt.Errorf("core: type name %q already bound to %s", name, existing)
	}
	b.byName[name] = t
	if _, ok := b.byType[t]; !ok {
		b.byType[t] = name
	}
	return nil
}

// NameOf returns the discriminator written for t.
func (b *TypeBinder) NameOf(t reflect.Type) string {
	t = resolveBaseType(t)

	b.mu.RLock()
	name, ok := b.byType[t]
	b.mu.RUnlock()
	if ok {
		return name
	}
	return DefaultTypeName(t)
}

// Resolve returns the type bound to name.
func (b *TypeBinder) Resolve(name string) (reflect.Type, bool) {
	b.mu.RLock()
	t, ok := b.byName[name]
	b.mu.RUnlock()
	if ok {
		return t, true
	}
	t, ok = builtinTypes[name]
	return t, ok
}

// DefaultTypeName is "<import path>.<name>" for named types and the Go
// spelling for everything else.
func DefaultTypeName(t reflect.Type) string {
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

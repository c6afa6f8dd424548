package core

import (
	"reflect"
	"strconv"
)

type identity struct {
	ptr uintptr
	typ reflect.Type
}

// ReferenceTracker maps ids to object identities for a single top-level
// Serialize or Deserialize call. It is not safe for concurrent use.
type ReferenceTracker struct {
	next  int
	ids   map[identity]string
	order []identity
	byID  map[string]reflect.Value

	// claimed holds the instances populated by the current read.
	claimed map[identity]struct{}
}

// NewReferenceTracker returns an empty tracker.
func NewReferenceTracker() *ReferenceTracker {
	return &ReferenceTracker{
		ids:     make(map[identity]string),
		byID:    make(map[string]reflect.Value),
		claimed: make(map[identity]struct{}),
	}
}

func identityOf(v reflect.Value) (identity, bool) {
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Type().Elem().Kind() != reflect.Struct {
		return identity{}, false
	}
	// Address alone is ambiguous: a struct and its first field share it.
	return identity{ptr: v.Pointer(), typ: v.Type()}, true
}

// GetOrAssignID returns the id of instance, minting the next one if the
// instance was not seen before. Only non-nil struct pointers carry identity;
// for anything else id is empty.
func (t *ReferenceTracker) GetOrAssignID(instance reflect.Value) (id string, alreadySeen bool) {
	key, ok := identityOf(instance)
	if !ok {
		return "", false
	}
	if id, ok := t.ids[key]; ok {
		return id, true
	}
	t.next++
	id = strconv.Itoa(t.next)
	t.ids[key] = id
	t.order = append(t.order, key)
	return id, false
}

// ShouldWriteAsReference reports whether instance was already emitted in this
// operation and its contract admits reference semantics.
func (t *ReferenceTracker) ShouldWriteAsReference(instance reflect.Value, c *Contract) bool {
	if c == nil || c.Kind != KindObject {
		return false
	}
	key, ok := identityOf(instance)
	if !ok {
		return false
	}
	_, seen := t.ids[key]
	return seen
}

// RegisterRead associates id with a freshly created or reused instance. It
// must run before the instance's members are populated.
func (t *ReferenceTracker) RegisterRead(id string, instance reflect.Value) bool {
	if _, dup := t.byID[id]; dup {
		return false
	}
	t.byID[id] = instance
	return true
}

// Claim marks instance as populated by this read. It returns false when the
// instance was claimed before, in which case populating it again would merge
// two distinct payload objects into one. Values without identity are always
// accepted.
func (t *ReferenceTracker) Claim(instance reflect.Value) bool {
	key, ok := identityOf(instance)
	if !ok {
		return true
	}
	if _, taken := t.claimed[key]; taken {
		return false
	}
	t.claimed[key] = struct{}{}
	return true
}

// Resolve looks up an instance registered by RegisterRead.
func (t *ReferenceTracker) Resolve(id string) (reflect.Value, bool) {
	v, ok := t.byID[id]
	return v, ok
}

// Len returns the number of ids assigned or registered.
func (t *ReferenceTracker) Len() int {
	return len(t.order) + len(t.byID)
}

func (t *ReferenceTracker) mark() int { return len(t.order) }

// rollback forgets ids assigned after mark; they were never emitted.
func (t *ReferenceTracker) rollback(mark int) {
	for _, key := range t.order[mark:] {
		delete(t.ids, key)
	}
	t.order = t.order[:mark]
	t.next = mark
}

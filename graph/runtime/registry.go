package runtime

import (
	"fmt"
	"reflect"

	"github.com/entitycache/graphjson/internal/sync"
)

type graphRegistry struct {
	mu      sync.RWMutex
	entries map[string]*graphEntry
}

type graphEntry struct {
	rootType reflect.Type
	version  int64
	handles  map[*graphHandle]struct{}
}

func newGraphRegistry() *graphRegistry {
	return &graphRegistry{
		entries: make(map[string]*graphEntry),
	}
}

// prepareRegister attaches handle to key and bumps the version. All handles
// under one key must share a root type so a single payload hydrates them all.
func (r *graphRegistry) prepareRegister(key string, handle *graphHandle) (int64, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rootType := handle.value.Type()
	entry := r.entries[key]
	if entry == nil {
		entry = &graphEntry{
			rootType: rootType,
			handles:  make(map[*graphHandle]struct{}),
		}
		r.entries[key] = entry
	} else if entry.rootType != rootType {
		return 0, nil, fmt.Errorf("runtime: root type mismatch for key %q: registered %s, got %s", key, entry.rootType, rootType)
	}

	entry.version++
	version := entry.version
	entry.handles[handle] = struct{}{}

	rollback := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entry := r.entries[key]
		if entry == nil {
			return
		}
		delete(entry.handles, handle)
		if entry.version > 0 {
			entry.version--
		}
		if len(entry.handles) == 0 {
			delete(r.entries, key)
		}
	}

	return version, rollback, nil
}

func (r *graphRegistry) prepareUpdate(key string, rootType reflect.Type) (int64, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entries[key]
	if entry == nil {
		return 0, nil, ErrUnknownKey
	}
	if entry.rootType != rootType {
		return 0, nil, fmt.Errorf("runtime: root type mismatch for key %q: registered %s, got %s", key, entry.rootType, rootType)
	}

	entry.version++
	version := entry.version

	rollback := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if entry := r.entries[key]; entry != nil && entry.version > 0 {
			entry.version--
		}
	}

	return version, rollback, nil
}

func (r *graphRegistry) unregister(key string, handle *graphHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entries[key]
	if entry == nil {
		return false
	}
	delete(entry.handles, handle)
	if len(entry.handles) == 0 {
		delete(r.entries, key)
		return true
	}
	return false
}

func (r *graphRegistry) removeEntry(key string) []*graphHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entries[key]
	if entry == nil {
		return nil
	}
	delete(r.entries, key)
	return entry.handleList()
}

func (r *graphRegistry) hasEntry(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

type entrySnapshot struct {
	rootType reflect.Type
	version  int64
	handles  []*graphHandle
}

func (r *graphRegistry) snapshot(key string) (entrySnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry := r.entries[key]
	if entry == nil {
		return entrySnapshot{}, false
	}
	return entrySnapshot{
		rootType: entry.rootType,
		version:  entry.version,
		handles:  entry.handleList(),
	}, true
}

// advance raises the stored version; it never moves backwards.
func (r *graphRegistry) advance(key string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry := r.entries[key]; entry != nil && version > entry.version {
		entry.version = version
	}
}

func (r *graphRegistry) version(key string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry := r.entries[key]; entry != nil {
		return entry.version
	}
	return 0
}

func (r *graphRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (e *graphEntry) handleList() []*graphHandle {
	handles := make([]*graphHandle, 0, len(e.handles))
	for handle := range e.handles {
		handles = append(handles, handle)
	}
	return handles
}

package runtime

import (
	"reflect"

	"github.com/entitycache/graphjson/internal/sync"
)

// Handle is a live graph registration. Updates received from the store are
// decoded into the registered root in place, so pointers held elsewhere in
// the program keep observing the current state.
type Handle interface {
	Key() string
	Unregister()
	OnUpdate(func())
	OnInvalidate(func())
	// Lock serializes access to the live graph with in-place hydration.
	Lock()
	Unlock()
}

type graphHandle struct {
	key         string
	originalKey string
	value       reflect.Value
	manager     *Manager

	// graph guards the live object during hydration.
	graph sync.Mutex

	mu           sync.RWMutex
	active       bool
	onUpdateFns  []func()
	onInvalidate []func()
}

func newGraphHandle(fullKey, originalKey string, value reflect.Value, manager *Manager) *graphHandle {
	return &graphHandle{
		key:         fullKey,
		originalKey: originalKey,
		value:       value,
		manager:     manager,
		active:      true,
	}
}

func (h *graphHandle) Key() string { return h.originalKey }

func (h *graphHandle) Lock()   { h.graph.Lock() }
func (h *graphHandle) Unlock() { h.graph.Unlock() }

func (h *graphHandle) Unregister() {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.active = false
	h.mu.Unlock()
	if removed := h.manager.registry.unregister(h.key, h); removed {
		h.manager.stopSubscription(h.key)
	}
}

func (h *graphHandle) OnUpdate(fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if h.active {
		h.onUpdateFns = append(h.onUpdateFns, fn)
	}
	h.mu.Unlock()
}

func (h *graphHandle) OnInvalidate(fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if h.active {
		h.onInvalidate = append(h.onInvalidate, fn)
	}
	h.mu.Unlock()
}

func (h *graphHandle) isActive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

func (h *graphHandle) notifyUpdate() {
	h.mu.RLock()
	if !h.active {
		h.mu.RUnlock()
		return
	}
	callbacks := append([]func(){}, h.onUpdateFns...)
	h.mu.RUnlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (h *graphHandle) notifyInvalidate() {
	h.mu.RLock()
	callbacks := append([]func(){}, h.onInvalidate...)
	h.mu.RUnlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (h *graphHandle) detach() {
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()
}

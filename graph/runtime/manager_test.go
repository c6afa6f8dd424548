package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitycache/graphjson/graph/core"
	"github.com/entitycache/graphjson/internal/sync"
)

type sampleAddress struct {
	Street string
	City   string
}

type sampleUser struct {
	ID      string
	Name    string
	Count   int
	Created time.Time
	Address sampleAddress
	Ignore  string `graph:"-"`
}

type graphNode struct {
	Name     string       `json:"name"`
	Count    int          `json:"count"`
	Parent   *graphNode   `json:"parent,omitempty"`
	Children []*graphNode `json:"children,omitempty"`
}

func newTree(name string, count int, leaves ...string) *graphNode {
	root := &graphNode{Name: name, Count: count}
	for _, leaf := range leaves {
		root.Children = append(root.Children, &graphNode{Name: leaf, Parent: root})
	}
	return root
}

func testLogger(t *testing.T) Logger {
	zl := zerolog.New(zerolog.NewTestWriter(t))
	return &zl
}

func TestManagerRegisterAndUnregister(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithNamespace("ns"), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer manager.Close()

	ctx := context.Background()
	user := sampleUser{ID: "123", Name: "Test", Created: time.Now(), Ignore: "local"}

	handle, err := manager.Register(ctx, "user:123", &user)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if handle.Key() != "user:123" {
		t.Fatalf("expected handle key user:123, got %s", handle.Key())
	}

	calls := store.sets()
	if got := len(calls); got != 1 {
		t.Fatalf("expected 1 set call, got %d", got)
	}
	call := calls[0]
	if call.key != "ns:user:123" {
		t.Fatalf("expected namespaced key ns:user:123, got %s", call.key)
	}
	if call.meta.Version != 1 {
		t.Fatalf("expected version 1, got %d", call.meta.Version)
	}
	if call.payload.Format != core.FormatJSON {
		t.Fatalf("expected JSON format, got %s", call.payload.Format)
	}
	if call.meta.Headers["origin"] != manager.Origin() {
		t.Fatalf("expected origin header %s, got %v", manager.Origin(), call.meta.Headers)
	}
	if string(call.payload.Data) == "" || strings.Contains(string(call.payload.Data), "local") {
		t.Fatalf("unexpected payload %s", call.payload.Data)
	}

	if manager.registry.size() != 1 {
		t.Fatalf("expected registry size 1, got %d", manager.registry.size())
	}

	handle.Unregister()
	if manager.registry.size() != 0 {
		t.Fatalf("expected registry to be empty after unregister, got %d", manager.registry.size())
	}
}

func TestManagerRegisterRequiresPointer(t *testing.T) {
	manager, err := NewManager(newMockStore(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer manager.Close()

	ctx := context.Background()
	user := sampleUser{ID: "123"}

	if _, err := manager.Register(ctx, "user:123", user); !errors.Is(err, ErrNilTarget) {
		t.Fatalf("expected ErrNilTarget, got %v", err)
	}
	var missing *sampleUser
	if _, err := manager.Register(ctx, "user:123", missing); !errors.Is(err, ErrNilTarget) {
		t.Fatalf("expected ErrNilTarget for nil pointer, got %v", err)
	}
}

func TestNewManagerRequiresStore(t *testing.T) {
	if _, err := NewManager(nil); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("expected ErrStoreRequired, got %v", err)
	}
}

func TestNewManagerDefaultsCodec(t *testing.T) {
	manager, err := NewManager(newMockStore(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer manager.Close()

	if _, ok := manager.codec.(*core.Serializer); !ok {
		t.Fatalf("expected default *core.Serializer codec, got %T", manager.codec)
	}
}

func TestManagerRegisterRollsBackOnSetFailure(t *testing.T) {
	store := newMockStore()
	store.setErr = errors.New("boom")
	manager, err := NewManager(store, WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	_, err = manager.Register(context.Background(), "tree", newTree("root", 1))
	require.EqualError(t, err, "boom")
	assert.Equal(t, 0, manager.registry.size())
}

func TestManagerUpdateIncrementsVersion(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer manager.Close()

	ctx := context.Background()
	user := sampleUser{ID: "123", Name: "One"}
	if _, err := manager.Register(ctx, "user:123", &user); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	user.Count = 42
	if err := manager.Update(ctx, "user:123", &user); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	calls := store.sets()
	if got := len(calls); got != 2 {
		t.Fatalf("expected 2 set calls, got %d", got)
	}
	if calls[1].meta.Version != 2 {
		t.Fatalf("expected version 2 on update, got %d", calls[1].meta.Version)
	}

	published := store.published()
	require.Len(t, published, 2)
	assert.Equal(t, core.MessageTypeUpdate, published[1].Type)
	assert.Equal(t, int64(2), published[1].Version)
	assert.Equal(t, manager.Origin(), published[1].Origin)
}

func TestManagerUpdateRejectsOtherRootType(t *testing.T) {
	manager, err := NewManager(newMockStore(), WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	ctx := context.Background()
	_, err = manager.Register(ctx, "tree", newTree("root", 1))
	require.NoError(t, err)

	err = manager.Update(ctx, "tree", &sampleUser{ID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root type mismatch")
	assert.Equal(t, int64(1), manager.registry.version("tree"))

	_, err = manager.Register(ctx, "tree", &sampleUser{ID: "x"})
	require.Error(t, err)

	require.ErrorIs(t, manager.Update(ctx, "other", newTree("x", 0)), ErrUnknownKey)
}

func TestManagerUpdateEncodeFailureRollsBack(t *testing.T) {
	manager, err := NewManager(newMockStore(), WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	type holder struct {
		Values map[string]any
	}
	ctx := context.Background()
	h := &holder{Values: map[string]any{"ok": 1}}
	_, err = manager.Register(ctx, "holder", h)
	require.NoError(t, err)

	h.Values["bad"] = make(chan int)
	require.Error(t, manager.Update(ctx, "holder", h))
	assert.Equal(t, int64(1), manager.registry.version("holder"))
}

func TestManagerInvalidate(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer manager.Close()

	ctx := context.Background()
	user := sampleUser{ID: "123", Name: "Two"}
	handle, err := manager.Register(ctx, "user:123", &user)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	notified := make(chan struct{}, 1)
	handle.OnInvalidate(func() {
		notified <- struct{}{}
	})

	if err := manager.Invalidate(ctx, "user:123"); err != nil {
		t.Fatalf("Invalidate returned error: %v", err)
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatalf("expected invalidate callback to be invoked")
	}

	if keys := store.deleted(); len(keys) != 1 || keys[0] != "user:123" {
		t.Fatalf("expected delete call for user:123, got %v", keys)
	}
	if manager.registry.size() != 0 {
		t.Fatalf("expected registry empty after invalidate, got %d", manager.registry.size())
	}

	published := store.published()
	if last := published[len(published)-1]; last.Type != core.MessageTypeInvalidate {
		t.Fatalf("expected invalidate message, got %#v", last)
	}
}

func TestManagerInvalidateUnknownKey(t *testing.T) {
	manager, err := NewManager(newMockStore(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	defer manager.Close()

	if err := manager.Invalidate(context.Background(), "missing"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestManagerHydratesGraphInPlace(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithOrigin("local"), WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	ctx := context.Background()
	root := newTree("root", 1, "leaf")
	leaf := root.Children[0]

	updates := make(chan struct{}, 1)
	handle, err := manager.Register(ctx, "tree", root, WithOnUpdate(func() { updates <- struct{}{} }))
	require.NoError(t, err)

	remote := newTree("root v2", 7, "leaf v2")
	store.putGraph(t, "tree", remote, 5)
	store.deliver(t, "tree", core.Message{Key: "tree", Type: core.MessageTypeUpdate, Version: 5, Origin: "remote"})
	waitFor(t, updates)

	handle.Lock()
	defer handle.Unlock()
	assert.Equal(t, "root v2", root.Name)
	assert.Equal(t, 7, root.Count)
	require.Len(t, root.Children, 1)
	assert.Same(t, leaf, root.Children[0])
	assert.Equal(t, "leaf v2", leaf.Name)
	assert.Same(t, root, leaf.Parent)
	assert.Equal(t, int64(5), manager.registry.version("tree"))
}

func TestManagerIgnoresOwnAndStaleMessages(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithOrigin("local"), WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	ctx := context.Background()
	root := newTree("root", 1)
	updates := make(chan struct{}, 4)
	_, err = manager.Register(ctx, "tree", root, WithOnUpdate(func() { updates <- struct{}{} }))
	require.NoError(t, err)

	store.putGraph(t, "tree", newTree("fresh", 3), 3)
	store.deliver(t, "tree", core.Message{Type: core.MessageTypeUpdate, Version: 99, Origin: "local"})
	store.deliver(t, "tree", core.Message{Type: core.MessageTypeUpdate, Version: 1, Origin: "remote"})
	store.deliver(t, "tree", core.Message{Type: core.MessageTypeUpdate, Version: 3, Origin: "remote"})
	waitFor(t, updates)

	assert.Equal(t, 1, store.getCount())
	assert.Empty(t, updates)
	assert.Equal(t, "fresh", root.Name)
}

func TestManagerRemoteInvalidateMessage(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithOrigin("local"), WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	invalidated := make(chan struct{}, 1)
	_, err = manager.Register(context.Background(), "tree", newTree("root", 1),
		WithOnInvalidate(func() { invalidated <- struct{}{} }))
	require.NoError(t, err)

	store.deliver(t, "tree", core.Message{Type: core.MessageTypeInvalidate, Origin: "remote"})
	waitFor(t, invalidated)
	assert.Equal(t, 0, manager.registry.size())
}

func TestManagerRefresh(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	ctx := context.Background()
	root := newTree("root", 1, "a", "b")
	invalidated := make(chan struct{}, 1)
	_, err = manager.Register(ctx, "tree", root, WithOnInvalidate(func() { invalidated <- struct{}{} }))
	require.NoError(t, err)

	// Same version as the local one: Refresh still applies it.
	store.putGraph(t, "tree", newTree("forced", 2, "a"), 1)
	require.NoError(t, manager.Refresh(ctx, "tree"))
	assert.Equal(t, "forced", root.Name)
	assert.Len(t, root.Children, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- manager.Refresh(ctx, "tree")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	require.ErrorIs(t, manager.Refresh(ctx, "missing"), ErrUnknownKey)

	store.remove("tree")
	require.ErrorIs(t, manager.Refresh(ctx, "tree"), core.ErrNotFound)
	waitFor(t, invalidated)
	assert.Equal(t, 0, manager.registry.size())
}

func TestManagerRefreshReportsDecodeFailure(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	ctx := context.Background()
	_, err = manager.Register(ctx, "tree", newTree("root", 1))
	require.NoError(t, err)

	store.put("tree", core.Payload{Format: core.FormatJSON, Data: []byte(`{"name":`)}, 2)
	var malformed *core.MalformedInputError
	require.ErrorAs(t, manager.Refresh(ctx, "tree"), &malformed)
	assert.Equal(t, int64(2), manager.registry.version("tree"))
}

func TestManagerLoad(t *testing.T) {
	store := newMockStore()
	manager, err := NewManager(store, WithNamespace("ns"), WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer manager.Close()

	store.putGraph(t, "ns:tree", newTree("stored", 4, "x"), 9)

	var out graphNode
	version, err := manager.Load(context.Background(), "tree", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(9), version)
	assert.Equal(t, "stored", out.Name)
	require.Len(t, out.Children, 1)
	assert.Same(t, &out, out.Children[0].Parent)

	_, err = manager.Load(context.Background(), "absent", &out)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notification")
	}
}

type setCall struct {
	key     string
	payload core.Payload
	meta    core.Metadata
}

type storedGraph struct {
	payload core.Payload
	meta    core.Metadata
}

type mockStore struct {
	mu         sync.Mutex
	setErr     error
	setCalls   []setCall
	deleteKeys []string
	messages   []core.Message
	gets       int
	data       map[string]storedGraph
	subs       map[string]*mockSubscription
}

func newMockStore() *mockStore {
	return &mockStore{
		data: make(map[string]storedGraph),
		subs: make(map[string]*mockSubscription),
	}
}

func (m *mockStore) Set(ctx context.Context, key string, payload core.Payload, meta core.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.setCalls = append(m.setCalls, setCall{key: key, payload: payload, meta: meta})
	m.data[key] = storedGraph{payload: payload, meta: meta}
	return nil
}

func (m *mockStore) Get(ctx context.Context, key string) (core.Payload, core.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	entry, ok := m.data[key]
	if !ok {
		return core.Payload{}, core.Metadata{}, core.ErrNotFound
	}
	return entry.payload, entry.meta, nil
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteKeys = append(m.deleteKeys, key)
	delete(m.data, key)
	return nil
}

func (m *mockStore) Publish(ctx context.Context, key string, msg core.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockStore) Subscribe(ctx context.Context, key string) (core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &mockSubscription{ch: make(chan core.Message), done: make(chan struct{})}
	m.subs[key] = sub
	return sub, nil
}

func (m *mockStore) put(key string, payload core.Payload, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = storedGraph{payload: payload, meta: core.Metadata{Version: version, Format: payload.Format}}
}

func (m *mockStore) putGraph(t *testing.T, key string, root any, version int64) {
	t.Helper()
	payload, err := core.New().EncodePayload(context.Background(), root)
	require.NoError(t, err)
	m.put(key, payload, version)
}

func (m *mockStore) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// deliver hands msg to the subscriber of key and returns once it was received.
func (m *mockStore) deliver(t *testing.T, key string, msg core.Message) {
	t.Helper()
	m.mu.Lock()
	sub := m.subs[key]
	m.mu.Unlock()
	require.NotNil(t, sub, "no subscription for %s", key)

	select {
	case sub.ch <- msg:
	case <-sub.done:
		t.Fatalf("subscription for %s closed", key)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber for %s did not receive message", key)
	}
}

func (m *mockStore) sets() []setCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]setCall(nil), m.setCalls...)
}

func (m *mockStore) deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleteKeys...)
}

func (m *mockStore) published() []core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Message(nil), m.messages...)
}

func (m *mockStore) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

type mockSubscription struct {
	ch   chan core.Message
	done chan struct{}
	once sync.Once
}

func (s *mockSubscription) Channel() <-chan core.Message {
	return s.ch
}

// Close never closes ch so a concurrent deliver cannot panic.
func (s *mockSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/entitycache/graphjson/graph/core"
	"github.com/entitycache/graphjson/internal/sync"
)

var (
	// ErrStoreRequired indicates that a manager cannot operate without a store.
	ErrStoreRequired = errors.New("runtime: store is required")
	// ErrNilTarget occurs when a caller provides nil or a non-pointer to Register/Update.
	ErrNilTarget = errors.New("runtime: target must be a non-nil pointer")
	// ErrUnknownKey indicates an operation was attempted on a key that is not registered locally.
	ErrUnknownKey = errors.New("runtime: key is not registered")
)

// Logger represents the logging contract consumed by the manager.
type Logger interface {
	Printf(string, ...any)
}

// Manager keeps live object graphs in sync with a store. Registered roots are
// persisted as graph payloads and repopulated in place when another process
// publishes a newer version.
type Manager struct {
	store      core.Store
	codec      core.Codec
	namespace  string
	defaultTTL time.Duration
	origin     string

	logger Logger

	registry *graphRegistry
	refresh  singleflight.Group

	ctx         context.Context
	cancel      context.CancelFunc
	subMu       sync.Mutex
	subscribers map[string]*subscriptionState
}

// Option configures manager-level behavior.
type Option func(*managerConfig)

type managerConfig struct {
	codec      core.Codec
	graphOpts  []core.Option
	namespace  string
	defaultTTL time.Duration
	logger     Logger
	origin     string
}

// WithCodec injects a custom codec implementation.
func WithCodec(codec core.Codec) Option {
	return func(cfg *managerConfig) {
		cfg.codec = codec
	}
}

// WithGraphOptions configures the default graph serializer. Ignored when
// WithCodec is also given.
func WithGraphOptions(opts ...core.Option) Option {
	return func(cfg *managerConfig) {
		cfg.graphOpts = append(cfg.graphOpts, opts...)
	}
}

// WithNamespace prepends the provided namespace to all store keys.
func WithNamespace(namespace string) Option {
	return func(cfg *managerConfig) {
		cfg.namespace = namespace
	}
}

// WithDefaultTTL sets the default TTL applied when writing entries (zero means no TTL).
func WithDefaultTTL(ttl time.Duration) Option {
	return func(cfg *managerConfig) {
		cfg.defaultTTL = ttl
	}
}

// WithLogger sets the logger used for diagnostic messages.
func WithLogger(logger Logger) Option {
	return func(cfg *managerConfig) {
		cfg.logger = logger
	}
}

// WithOrigin overrides the generated origin id stamped on published messages.
func WithOrigin(origin string) Option {
	return func(cfg *managerConfig) {
		cfg.origin = origin
	}
}

// RegisterOption customizes registration behavior for a specific graph.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	ttl          *time.Duration
	onUpdate     []func()
	onInvalidate []func()
}

// WithRegisterTTL overrides the TTL for a specific registration.
func WithRegisterTTL(ttl time.Duration) RegisterOption {
	return func(cfg *registerConfig) {
		cfg.ttl = &ttl
	}
}

// WithOnUpdate registers a callback that fires after the live graph was hydrated.
func WithOnUpdate(fn func()) RegisterOption {
	return func(cfg *registerConfig) {
		if fn != nil {
			cfg.onUpdate = append(cfg.onUpdate, fn)
		}
	}
}

// WithOnInvalidate registers a callback that fires when the graph is invalidated.
func WithOnInvalidate(fn func()) RegisterOption {
	return func(cfg *registerConfig) {
		if fn != nil {
			cfg.onInvalidate = append(cfg.onInvalidate, fn)
		}
	}
}

// NewManager constructs a new Manager instance with the provided store.
func NewManager(store core.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	cfg := managerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	codec := cfg.codec
	if codec == nil {
		codec = core.New(cfg.graphOpts...)
	}

	logger := cfg.logger
	if logger == nil {
		zl := zerolog.New(os.Stderr).With().Timestamp().Str("component", "runtime").Logger()
		logger = &zl
	}

	origin := cfg.origin
	if origin == "" {
		origin = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		store:       store,
		codec:       codec,
		namespace:   cfg.namespace,
		defaultTTL:  cfg.defaultTTL,
		origin:      origin,
		logger:      logger,
		registry:    newGraphRegistry(),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]*subscriptionState),
	}, nil
}

// Origin returns the id stamped on messages published by this manager.
func (m *Manager) Origin() string { return m.origin }

// Register stores the graph rooted at obj and tracks it for future updates.
// obj must be a non-nil pointer; it is the instance later hydrated in place.
func (m *Manager) Register(ctx context.Context, key string, obj any, opts ...RegisterOption) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, err := ensurePointer(obj)
	if err != nil {
		return nil, err
	}

	handle := newGraphHandle(m.fullKey(key), key, value, m)

	version, rollback, err := m.registry.prepareRegister(handle.key, handle)
	if err != nil {
		return nil, err
	}

	payload, err := m.codec.EncodePayload(ctx, obj)
	if err != nil {
		rollback()
		return nil, err
	}

	cfg := registerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	ttl := m.defaultTTL
	if cfg.ttl != nil {
		ttl = *cfg.ttl
	}
	for _, fn := range cfg.onUpdate {
		handle.OnUpdate(fn)
	}
	for _, fn := range cfg.onInvalidate {
		handle.OnInvalidate(fn)
	}

	if err := m.ensureSubscription(handle.key); err != nil {
		rollback()
		m.stopSubscriptionIfEmpty(handle.key)
		return nil, err
	}

	if err := m.store.Set(ctx, handle.key, payload, core.Metadata{
		TTL:     ttl,
		Version: version,
		Format:  payload.Format,
		Headers: map[string]string{"origin": m.origin},
	}); err != nil {
		rollback()
		m.stopSubscriptionIfEmpty(handle.key)
		return nil, err
	}

	m.publish(ctx, handle.key, core.MessageTypeUpdate, version, payload.Format)

	return handle, nil
}

// Update re-serializes the graph and persists it under key. Callers that share
// obj with a registered handle should hold the handle lock while mutating it.
func (m *Manager) Update(ctx context.Context, key string, obj any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := ensurePointer(obj)
	if err != nil {
		return err
	}

	fullKey := m.fullKey(key)
	version, rollback, err := m.registry.prepareUpdate(fullKey, value.Type())
	if err != nil {
		return err
	}

	payload, err := m.codec.EncodePayload(ctx, obj)
	if err != nil {
		rollback()
		return err
	}

	if err := m.ensureSubscription(fullKey); err != nil {
		rollback()
		return err
	}

	if err := m.store.Set(ctx, fullKey, payload, core.Metadata{
		TTL:     m.defaultTTL,
		Version: version,
		Format:  payload.Format,
		Headers: map[string]string{"origin": m.origin},
	}); err != nil {
		rollback()
		return err
	}

	m.publish(ctx, fullKey, core.MessageTypeUpdate, version, payload.Format)

	return nil
}

// Refresh pulls the stored graph for key and hydrates every registered handle,
// regardless of the locally known version. Concurrent refreshes of one key
// share a single store read.
func (m *Manager) Refresh(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullKey := m.fullKey(key)
	if !m.registry.hasEntry(fullKey) {
		return ErrUnknownKey
	}
	removed, err := m.pull(ctx, fullKey, 0, true)
	if err != nil {
		return err
	}
	if removed {
		return fmt.Errorf("runtime: refresh %s: %w", fullKey, core.ErrNotFound)
	}
	return nil
}

// Load decodes the stored graph for key into out without registering it.
func (m *Manager) Load(ctx context.Context, key string, out any) (int64, error) {
	if _, err := ensurePointer(out); err != nil {
		return 0, err
	}
	payload, meta, err := m.store.Get(ctx, m.fullKey(key))
	if err != nil {
		return 0, err
	}
	if err := m.codec.DecodePayload(ctx, payload, out); err != nil {
		return 0, err
	}
	return meta.Version, nil
}

// Invalidate removes the stored entry and stops tracking registered handles.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullKey := m.fullKey(key)

	if !m.registry.hasEntry(fullKey) {
		return ErrUnknownKey
	}

	if err := m.store.Delete(ctx, fullKey); err != nil {
		return err
	}

	m.drop(fullKey)
	m.stopSubscription(fullKey)

	m.publish(ctx, fullKey, core.MessageTypeInvalidate, 0, "")

	return nil
}

// Close terminates subscription processing and releases resources.
func (m *Manager) Close() error {
	m.cancel()

	m.subMu.Lock()
	subs := make([]*subscriptionState, 0, len(m.subscribers))
	for _, state := range m.subscribers {
		subs = append(subs, state)
	}
	m.subscribers = make(map[string]*subscriptionState)
	m.subMu.Unlock()

	for _, state := range subs {
		state.cancel()
		state.wg.Wait()
	}

	return nil
}

func (m *Manager) fullKey(key string) string {
	if m.namespace == "" {
		return key
	}
	if key == "" {
		return m.namespace
	}
	return fmt.Sprintf("%s:%s", m.namespace, key)
}

func (m *Manager) publish(ctx context.Context, key string, typ core.MessageType, version int64, format string) {
	err := m.store.Publish(ctx, key, core.Message{
		Key:     key,
		Type:    typ,
		Version: version,
		Format:  format,
		Origin:  m.origin,
	})
	if err != nil {
		m.logger.Printf("runtime: publish %s for %s failed: %v", typ, key, err)
	}
}

// drop forgets key and tells every handle it was invalidated.
func (m *Manager) drop(key string) {
	for _, handle := range m.registry.removeEntry(key) {
		handle.detach()
		handle.notifyInvalidate()
	}
}

// pull reads key from the store and decodes it into every live root. hint is
// the version announced by a notification; without force, a payload that is
// not newer than the local version is ignored. It reports whether the entry
// was dropped because the store no longer holds it.
func (m *Manager) pull(ctx context.Context, key string, hint int64, force bool) (bool, error) {
	group := key
	if force {
		group = "force:" + key
	}
	res, err, _ := m.refresh.Do(group, func() (any, error) {
		snapshot, ok := m.registry.snapshot(key)
		if !ok || len(snapshot.handles) == 0 {
			return true, nil
		}
		if !force && hint > 0 && hint <= snapshot.version {
			return false, nil
		}

		payload, meta, err := m.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				m.drop(key)
				return true, nil
			}
			return false, fmt.Errorf("runtime: store get for key %s: %w", key, err)
		}

		version := max(hint, meta.Version)
		if !force && version > 0 && version <= snapshot.version {
			return false, nil
		}

		var failed error
		for _, handle := range snapshot.handles {
			if !handle.isActive() {
				continue
			}
			handle.graph.Lock()
			err := m.codec.DecodePayload(ctx, payload, handle.value.Interface())
			handle.graph.Unlock()
			if err != nil {
				m.logger.Printf("runtime: decode for key %s failed: %v", key, err)
				failed = errors.Join(failed, err)
				continue
			}
			handle.notifyUpdate()
		}

		if version > 0 {
			m.registry.advance(key, version)
		}
		return false, failed
	})
	removed, _ := res.(bool)
	return removed, err
}

func (m *Manager) ensureSubscription(key string) error {
	m.subMu.Lock()
	if state, ok := m.subscribers[key]; ok {
		ctxErr := state.ctx.Err()
		m.subMu.Unlock()
		if ctxErr != nil {
			state.wg.Wait()
			return m.ensureSubscription(key)
		}
		return nil
	}
	m.subMu.Unlock()

	ctx, cancel := context.WithCancel(m.ctx)
	sub, err := m.store.Subscribe(ctx, key)
	if err != nil {
		cancel()
		return err
	}

	state := &subscriptionState{
		ctx:          ctx,
		cancel:       cancel,
		subscription: sub,
	}
	state.wg.Add(1)

	m.subMu.Lock()
	if existing, ok := m.subscribers[key]; ok {
		m.subMu.Unlock()
		state.cancel()
		state.wg.Done()
		_ = sub.Close()
		if existing.ctx.Err() != nil {
			existing.wg.Wait()
			return m.ensureSubscription(key)
		}
		return nil
	}
	m.subscribers[key] = state
	m.subMu.Unlock()

	go m.runSubscription(state, key)

	return nil
}

func (m *Manager) runSubscription(state *subscriptionState, key string) {
	defer func() {
		m.removeSubscriber(key, state)
		state.cancel()
		_ = state.subscription.Close()
		state.wg.Done()
	}()

	ch := state.subscription.Channel()
	for {
		select {
		case <-state.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if stop := m.handleMessage(state.ctx, key, msg); stop {
				return
			}
		}
	}
}

// handleMessage applies one notification and reports whether the
// subscription for key should stop.
func (m *Manager) handleMessage(ctx context.Context, key string, msg core.Message) bool {
	if msg.Origin != "" && msg.Origin == m.origin {
		return false
	}
	if !m.registry.hasEntry(key) {
		return true
	}

	switch msg.Type {
	case core.MessageTypeInvalidate:
		m.drop(key)
		return true
	case core.MessageTypeUpdate, "":
		removed, err := m.pull(ctx, key, msg.Version, false)
		if err != nil {
			m.logger.Printf("runtime: refresh for key %s failed: %v", key, err)
		}
		return removed
	default:
		m.logger.Printf("runtime: unrecognized message type %q for key %s", msg.Type, key)
		return false
	}
}

func (m *Manager) removeSubscriber(key string, state *subscriptionState) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if current, ok := m.subscribers[key]; ok && current == state {
		delete(m.subscribers, key)
	}
}

func (m *Manager) stopSubscription(key string) {
	m.subMu.Lock()
	state, ok := m.subscribers[key]
	m.subMu.Unlock()
	if !ok {
		return
	}
	state.cancel()
	state.wg.Wait()
}

func (m *Manager) stopSubscriptionIfEmpty(key string) {
	if m.registry.hasEntry(key) {
		return
	}
	m.stopSubscription(key)
}

func ensurePointer(obj any) (reflect.Value, error) {
	if obj == nil {
		return reflect.Value{}, ErrNilTarget
	}

	val := reflect.ValueOf(obj)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return reflect.Value{}, ErrNilTarget
	}

	return val, nil
}

type subscriptionState struct {
	ctx          context.Context
	cancel       context.CancelFunc
	subscription core.Subscription
	wg           sync.WaitGroup
}

package redisbackend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/entitycache/graphjson/graph/core"
	"github.com/entitycache/graphjson/internal/sync"
)

const (
	fieldData    = "data"
	fieldFormat  = "format"
	fieldVersion = "version"
	fieldOrigin  = "origin"

	defaultChannelPrefix = "graphjson::"
)

// Option configures backend behavior.
type Option func(*config)

type config struct {
	channelPrefix string
	compression   Compression
	logger        zerolog.Logger
}

// WithChannelPrefix overrides the prefix used for pub/sub channels.
func WithChannelPrefix(prefix string) Option {
	return func(cfg *config) {
		cfg.channelPrefix = prefix
	}
}

// WithCompression compresses payload bytes before they are written. Reads
// detect the compression from the stored format, so mixed data stays readable.
func WithCompression(c Compression) Option {
	return func(cfg *config) {
		cfg.compression = c
	}
}

// WithLogger sets the logger used for dropped notifications.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// Backend is a core.Store keeping one hash per key and one pub/sub channel
// per key.
type Backend struct {
	client        redis.UniversalClient
	channelPrefix string
	compression   Compression
	logger        zerolog.Logger
}

// NewBackend constructs a backend around an existing redis client.
func NewBackend(client redis.UniversalClient, opts ...Option) (*Backend, error) {
	if client == nil {
		return nil, errors.New("redisbackend: client is nil")
	}

	cfg := config{
		channelPrefix: defaultChannelPrefix,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Backend{
		client:        client,
		channelPrefix: cfg.channelPrefix,
		compression:   cfg.compression,
		logger:        cfg.logger,
	}, nil
}

// NewBackendWithOptions creates a Redis client using go-redis options and wraps it with Backend.
func NewBackendWithOptions(options *redis.Options, opts ...Option) (*Backend, error) {
	if options == nil {
		return nil, errors.New("redisbackend: redis options are required")
	}
	return NewBackend(redis.NewClient(options), opts...)
}

// Set stores the payload and metadata in Redis.
func (b *Backend) Set(ctx context.Context, key string, payload core.Payload, meta core.Metadata) error {
	format := payload.Format
	if format == "" {
		format = meta.Format
	}
	data, stored, err := compress(b.compression, format, payload.Data)
	if err != nil {
		return err
	}

	fields := map[string]any{
		fieldData:    data,
		fieldFormat:  stored,
		fieldVersion: strconv.FormatInt(meta.Version, 10),
	}
	if origin := meta.Headers[fieldOrigin]; origin != "" {
		fields[fieldOrigin] = origin
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if meta.TTL > 0 {
		pipe.Expire(ctx, key, meta.TTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves the payload and metadata from Redis. meta.Format reports the
// stored format; payload.Format is the codec format after decompression.
func (b *Backend) Get(ctx context.Context, key string) (core.Payload, core.Metadata, error) {
	result, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return core.Payload{}, core.Metadata{}, err
	}
	if len(result) == 0 {
		return core.Payload{}, core.Metadata{}, core.ErrNotFound
	}

	meta := core.Metadata{Format: result[fieldFormat]}
	data, format, err := decompress(meta.Format, []byte(result[fieldData]))
	if err != nil {
		return core.Payload{}, core.Metadata{}, err
	}
	if versionStr, ok := result[fieldVersion]; ok {
		if version, err := strconv.ParseInt(versionStr, 10, 64); err == nil {
			meta.Version = version
		}
	}
	if origin, ok := result[fieldOrigin]; ok {
		meta.Headers = map[string]string{fieldOrigin: origin}
	}

	ttl, err := b.client.TTL(ctx, key).Result()
	if err == nil && ttl > 0 {
		meta.TTL = ttl
	}

	return core.Payload{Format: format, Data: data}, meta, nil
}

// Delete removes a key from Redis.
func (b *Backend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Publish sends a message to subscribers about an update/invalidation.
func (b *Backend) Publish(ctx context.Context, key string, msg core.Message) error {
	payload, err := json.Marshal(wireMessage{
		Key:     key,
		Type:    string(msg.Type),
		Version: msg.Version,
		Format:  msg.Format,
		Origin:  msg.Origin,
	})
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, b.channelName(key), payload).Err()
}

// Subscribe listens for messages on the key-specific channel. It returns once
// Redis has confirmed the subscription, so a publish that follows is seen.
func (b *Backend) Subscribe(ctx context.Context, key string) (core.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channelName(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisbackend: subscribe %s: %w", key, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan core.Message),
		cancel: cancel,
		logger: b.logger,
	}

	go sub.forward(subCtx)
	return sub, nil
}

// Client exposes the underlying redis client.
func (b *Backend) Client() redis.UniversalClient {
	return b.client
}

func (b *Backend) channelName(key string) string {
	if strings.Contains(key, " ") {
		key = strings.ReplaceAll(key, " ", "_")
	}
	return b.channelPrefix + key
}

type wireMessage struct {
	Key     string `json:"key"`
	Type    string `json:"type"`
	Version int64  `json:"version"`
	Format  string `json:"format,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan core.Message
	logger zerolog.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *redisSubscription) Channel() <-chan core.Message {
	return s.ch
}

// Close stops forwarding; the channel is closed once the forwarder exits.
func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) forward(ctx context.Context) {
	defer close(s.ch)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var wire wireMessage
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				s.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("redisbackend: dropping malformed message")
				continue
			}
			select {
			case s.ch <- core.Message{
				Key:     wire.Key,
				Type:    core.MessageType(wire.Type),
				Version: wire.Version,
				Format:  wire.Format,
				Origin:  wire.Origin,
			}:
			case <-ctx.Done():
				return
			}
		}
	}
}

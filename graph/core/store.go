package core

import (
	"context"
	"errors"
	"time"
)

const (
	// FormatJSON identifies uncompressed graph JSON payloads.
	FormatJSON = "json"
)

// Payload is an encoded graph plus the format needed to decode it.
type Payload struct {
	Format string
	Data   []byte
}

// Codec converts live graphs to and from stored payloads.
type Codec interface {
	Format() string
	EncodePayload(ctx context.Context, value any) (Payload, error)
	DecodePayload(ctx context.Context, payload Payload, out any) error
}

// Metadata carries auxiliary information about a stored graph.
type Metadata struct {
	TTL     time.Duration
	Version int64
	Format  string
	Headers map[string]string
}

// MessageType identifies the kind of change notification emitted by a store.
type MessageType string

const (
	// MessageTypeUpdate indicates the stored graph has been replaced.
	MessageTypeUpdate MessageType = "update"
	// MessageTypeInvalidate indicates the graph has been removed or expired.
	MessageTypeInvalidate MessageType = "invalidate"
)

// Message is a change notification for one key. Origin identifies the
// publishing process so it can ignore its own echoes.
type Message struct {
	Key     string
	Type    MessageType
	Version int64
	Format  string
	Origin  string
}

// ErrNotFound indicates the key does not exist in the store.
var ErrNotFound = errors.New("core: graph not found")

// Subscription provides a stream of change notifications.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store abstracts the persistence and notification operations the runtime
// needs regardless of backend.
type Store interface {
	Set(ctx context.Context, key string, payload Payload, meta Metadata) error
	Get(ctx context.Context, key string) (Payload, Metadata, error)
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, key string, msg Message) error
	Subscribe(ctx context.Context, key string) (Subscription, error)
}

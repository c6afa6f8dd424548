package core

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
)

// DefaultMaxDepth bounds nesting while reading and writing.
const DefaultMaxDepth = 10000

// Options holds the tunables that can come from configuration files.
type Options struct {
	MetadataHandling MetadataHandling `mapstructure:"metadata_handling"`
	TypeNameHandling TypeNameHandling `mapstructure:"type_name_handling"`
	MaxDepth         int              `mapstructure:"max_depth"`
}

// DefaultOptions returns the options used by New.
func DefaultOptions() Options {
	return Options{
		MetadataHandling: MetadataDefault,
		TypeNameHandling: TypeNamesAuto,
		MaxDepth:         DefaultMaxDepth,
	}
}

// DecodeOptions reads Options from a generic map such as a parsed YAML or
// JSON config section. Enum values may be given by name.
func DecodeOptions(raw map[string]any) (Options, error) {
	opts := DefaultOptions()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return Options{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Options{}, fmt.Errorf("core: decode options: %w", err)
	}
	if opts.MaxDepth <= 0 {
		return Options{}, fmt.Errorf("core: max_depth must be positive, got %d", opts.MaxDepth)
	}
	return opts, nil
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithConverters registers converters in order; later ones take precedence.
func WithConverters(converters ...Converter) Option {
	return func(s *Serializer) {
		for _, c := range converters {
			s.registry.Register(c)
		}
	}
}

// WithMetadataHandling selects how object metadata is located while reading.
func WithMetadataHandling(mode MetadataHandling) Option {
	return func(s *Serializer) {
		s.opts.MetadataHandling = mode
	}
}

// WithTypeNameHandling selects when $type is written.
func WithTypeNameHandling(mode TypeNameHandling) Option {
	return func(s *Serializer) {
		s.opts.TypeNameHandling = mode
	}
}

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) Option {
	return func(s *Serializer) {
		if depth > 0 {
			s.opts.MaxDepth = depth
		}
	}
}

// WithOptions applies a decoded Options value.
func WithOptions(opts Options) Option {
	return func(s *Serializer) {
		s.opts.MetadataHandling = opts.MetadataHandling
		s.opts.TypeNameHandling = opts.TypeNameHandling
		if opts.MaxDepth > 0 {
			s.opts.MaxDepth = opts.MaxDepth
		}
	}
}

// WithErrorHandler installs a hook consulted for recoverable member errors.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Serializer) {
		s.onError = h
	}
}

// WithLogger sets the logger used for handled member errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Serializer) {
		s.logger = logger
	}
}

// WithType binds a $type name to the type of sample. Conflicts are logged;
// use RegisterType to observe them.
func WithType(name string, sample any) Option {
	return func(s *Serializer) {
		if err := s.binder.Register(name, sample); err != nil {
			s.logger.Warn().Err(err).Str("name", name).Msg("core: type registration failed")
		}
	}
}

// WithInstances supplies existing instances for objects being read.
func WithInstances(src InstanceSource) Option {
	return func(s *Serializer) {
		s.instances = src
	}
}

// InstanceSource lets callers hand out pre-existing instances instead of
// allocating new ones while reading. Existing receives the struct type and the
// payload $id, which may be empty.
type InstanceSource interface {
	Existing(t reflect.Type, id string) (reflect.Value, bool)
}

// InstanceMap is an InstanceSource keyed by payload $id. Values must be
// non-nil struct pointers.
type InstanceMap map[string]any

// Existing implements InstanceSource.
func (m InstanceMap) Existing(t reflect.Type, id string) (reflect.Value, bool) {
	if id == "" {
		return reflect.Value{}, false
	}
	inst, ok := m[id]
	if !ok {
		return reflect.Value{}, false
	}
	v := reflect.ValueOf(inst)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Type().Elem() != t {
		return reflect.Value{}, false
	}
	return v, true
}

package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/rs/zerolog"
)

// Serializer writes and reads object graphs. It is safe for concurrent use;
// each call gets its own reference tracker.
type Serializer struct {
	registry  *Registry
	binder    *TypeBinder
	opts      Options
	onError   ErrorHandler
	instances InstanceSource
	logger    zerolog.Logger
}

// New constructs a Serializer.
func New(opts ...Option) *Serializer {
	s := &Serializer{
		registry: NewRegistry(),
		binder:   NewTypeBinder(),
		opts:     DefaultOptions(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a converter that takes precedence over all earlier ones.
func (s *Serializer) Register(c Converter) {
	s.registry.Register(c)
}

// RegisterType binds a $type name to the type of sample.
func (s *Serializer) RegisterType(name string, sample any) error {
	return s.binder.Register(name, sample)
}

// Registry exposes the converter registry.
func (s *Serializer) Registry() *Registry { return s.registry }

// Binder exposes the type name binder.
func (s *Serializer) Binder() *TypeBinder { return s.binder }

// Options returns the effective options.
func (s *Serializer) Options() Options { return s.opts }

// converterFor picks the converter for a pointer-stripped type: registered
// converters first, then the built-in one for the contract kind. Interfaces
// have no converter.
func (s *Serializer) converterFor(t reflect.Type) (Converter, error) {
	if c := s.registry.Resolve(t); c != nil {
		if _, ok := c.(ObjectConverter); ok && t.Kind() != reflect.Struct {
			return nil, &ContractError{Type: t, Reason: "object converter for non-struct type"}
		}
		if _, ok := c.(ValueConverter); !ok {
			if _, ok := c.(ObjectConverter); !ok {
				return nil, &ContractError{Type: t, Reason: fmt.Sprintf("converter %T reads and writes nothing", c)}
			}
		}
		return c, nil
	}

	contract, err := GetContract(t)
	if err != nil {
		return nil, err
	}
	switch contract.Kind {
	case KindPrimitive:
		if contract.Atomic {
			return marshalerConv, nil
		}
		return primitiveConv, nil
	case KindArray:
		return sliceConv, nil
	case KindDictionary:
		return mapConv, nil
	case KindObject:
		return structConv, nil
	default:
		return nil, &ContractError{Type: t, Reason: "no converter for " + contract.Kind.String()}
	}
}

// handle consults the error hook.
func (s *Serializer) handle(ec *ErrorContext) bool {
	if s.onError == nil || !s.onError(ec) {
		return false
	}
	s.logger.Debug().
		Str("path", ec.Path).
		Str("member", ec.Member).
		Bool("reading", ec.Reading).
		Err(ec.Err).
		Msg("core: member error handled")
	return true
}

// Serialize writes root to tw.
func (s *Serializer) Serialize(tw TokenWriter, root any) error {
	if tw == nil {
		return errors.New("core: nil token writer")
	}
	w := newWriter(s, tw)
	if err := w.WriteValue(reflect.ValueOf(root), nil); err != nil {
		return err
	}
	if err := tw.Err(); err != nil {
		return fmt.Errorf("core: write: %w", err)
	}
	return nil
}

// Deserialize reads a fresh value of type t from tr.
func (s *Serializer) Deserialize(tr TokenReader, t reflect.Type) (any, error) {
	if tr == nil || t == nil {
		return nil, errors.New("core: nil token reader or type")
	}
	dst := reflect.New(t).Elem()
	if err := s.read(tr, dst); err != nil {
		return nil, err
	}
	return dst.Interface(), nil
}

// DeserializeInto populates the value existing points to, reusing nested
// pointers, slices and maps it already holds. The same pointer is returned.
func (s *Serializer) DeserializeInto(tr TokenReader, existing any) (any, error) {
	if tr == nil {
		return nil, errors.New("core: nil token reader")
	}
	rv := reflect.ValueOf(existing)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, ErrNilTarget
	}
	if err := s.read(tr, rv.Elem()); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *Serializer) read(tr TokenReader, dst reflect.Value) error {
	r := newReader(s, tr)
	if err := r.ReadInto(dst); err != nil {
		return err
	}
	if err := tr.Err(); err != nil {
		return &MalformedInputError{Path: "$", Reason: "invalid json", cause: err}
	}
	return nil
}

// Marshal returns the graph rooted at v as JSON.
func (s *Serializer) Marshal(v any) ([]byte, error) {
	sw := NewStreamWriter(nil)
	if err := s.Serialize(sw, v); err != nil {
		return nil, err
	}
	return append([]byte(nil), sw.Bytes()...), nil
}

// Unmarshal reads data into the value target points to.
func (s *Serializer) Unmarshal(data []byte, target any) error {
	_, err := s.DeserializeInto(NewBytesReader(data), target)
	return err
}

// Encode writes the graph rooted at v to out.
func (s *Serializer) Encode(out io.Writer, v any) error {
	sw := NewStreamWriter(out)
	if err := s.Serialize(sw, v); err != nil {
		return err
	}
	return sw.Flush()
}

// Decode reads one graph from in into the value target points to.
func (s *Serializer) Decode(in io.Reader, target any) error {
	_, err := s.DeserializeInto(NewStreamReader(in), target)
	return err
}

// Format implements Codec.
func (s *Serializer) Format() string { return FormatJSON }

// EncodePayload implements Codec.
func (s *Serializer) EncodePayload(ctx context.Context, value any) (Payload, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Payload{}, err
		}
	}
	if value == nil {
		return Payload{}, errors.New("core: cannot encode nil value")
	}

	data, err := s.Marshal(value)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Format: FormatJSON, Data: data}, nil
}

// DecodePayload implements Codec. An empty payload leaves out untouched.
func (s *Serializer) DecodePayload(ctx context.Context, payload Payload, out any) error {
	if payload.Format != "" && payload.Format != FormatJSON {
		return fmt.Errorf("core: unsupported format %q for graph codec", payload.Format)
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if out == nil {
		return ErrNilTarget
	}
	if len(bytes.TrimSpace(payload.Data)) == 0 {
		return nil
	}
	return s.Unmarshal(payload.Data, out)
}

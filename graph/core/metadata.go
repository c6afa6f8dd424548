package core

import (
	"fmt"
	"strings"
)

// Reserved wire properties.
const (
	TypeProperty  = "$type"
	IDProperty    = "$id"
	RefProperty   = "$ref"
	ValueProperty = "$value"
)

func isMetadataProperty(name string) bool {
	switch name {
	case TypeProperty, IDProperty, RefProperty, ValueProperty:
		return true
	}
	return false
}

// MetadataHandling selects how the reader locates metadata properties.
type MetadataHandling int

const (
	// MetadataDefault reads metadata inline and expects it before data properties.
	MetadataDefault MetadataHandling = iota
	// MetadataReadAhead buffers each object so metadata may appear in any position.
	MetadataReadAhead
	// MetadataIgnore treats metadata properties as unknown members.
	MetadataIgnore
)

func (m MetadataHandling) String() string {
	switch m {
	case MetadataDefault:
		return "default"
	case MetadataReadAhead:
		return "read_ahead"
	case MetadataIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("MetadataHandling(%d)", int(m))
	}
}

func (m *MetadataHandling) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "default":
		*m = MetadataDefault
	case "read_ahead", "readahead":
		*m = MetadataReadAhead
	case "ignore":
		*m = MetadataIgnore
	default:
		return fmt.Errorf("core: unknown metadata handling %q", text)
	}
	return nil
}

// TypeNameHandling selects when the writer emits $type.
type TypeNameHandling int

const (
	// TypeNamesAuto writes $type only when the runtime type differs from the declared one.
	TypeNamesAuto TypeNameHandling = iota
	// TypeNamesObjects writes $type for every object, including the root.
	TypeNamesObjects
)

func (h TypeNameHandling) String() string {
	switch h {
	case TypeNamesAuto:
		return "auto"
	case TypeNamesObjects:
		return "objects"
	default:
		return fmt.Sprintf("TypeNameHandling(%d)", int(h))
	}
}

func (h *TypeNameHandling) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "auto":
		*h = TypeNamesAuto
	case "objects":
		*h = TypeNamesObjects
	default:
		return fmt.Errorf("core: unknown type name handling %q", text)
	}
	return nil
}

// objectMeta holds the metadata read from the head of an object.
type objectMeta struct {
	typeName string
	id       string
	ref      string
	hasRef   bool

	// value is set when $value was found; in inline mode the reader is
	// positioned on it, in read-ahead mode raw holds its bytes.
	hasValue bool
	valueRaw []byte
}

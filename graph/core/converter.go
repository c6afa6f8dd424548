package core

import (
	"encoding/base64"
	"math"
	"reflect"
	"strconv"

	json "github.com/goccy/go-json"
)

// Converter is a pluggable unit claiming a set of types. CanConvert receives
// the pointer-stripped type.
type Converter interface {
	CanConvert(t reflect.Type) bool
}

// ValueConverter reads and writes self-contained values. Values handled by a
// ValueConverter never take part in reference tracking.
type ValueConverter interface {
	Converter
	// WriteValue emits exactly one JSON value for v.
	WriteValue(w *Writer, v reflect.Value) error
	// ReadValue consumes exactly one JSON value and stores it in dst, which is
	// settable and addressable.
	ReadValue(r *Reader, dst reflect.Value) error
}

// ObjectConverter drives the create, register, populate pipeline for struct
// types. The engine writes the object delimiters and metadata; the converter
// only deals with data properties.
type ObjectConverter interface {
	Converter
	// CreateInstance returns a pointer to a new instance of the struct type t.
	CreateInstance(t reflect.Type) (reflect.Value, error)
	// WriteProperties emits the data properties of the struct value v.
	WriteProperties(w *Writer, v reflect.Value) error
	// PopulateMember reads the value of the named property into v. It returns
	// false, without consuming anything, for names it does not own.
	PopulateMember(r *Reader, v reflect.Value, name string) (bool, error)
}

var (
	primitiveConv ValueConverter  = primitiveConverter{}
	marshalerConv ValueConverter  = marshalerConverter{}
	sliceConv     ValueConverter  = sliceConverter{}
	mapConv       ValueConverter  = mapConverter{}
	structConv    ObjectConverter = &StructConverter{}
)

// DefaultObjectConverter is the contract-driven converter used for structs
// without a registered converter. Object converters for narrower families
// typically delegate unhandled members to it.
func DefaultObjectConverter() ObjectConverter { return structConv }

type primitiveConverter struct{}

func (primitiveConverter) CanConvert(t reflect.Type) bool {
	c, err := GetContract(t)
	return err == nil && c.Kind == KindPrimitive && !c.Atomic
}

func (primitiveConverter) WriteValue(w *Writer, v reflect.Value) error {
	tw := w.Tokens()
	switch v.Kind() {
	case reflect.Bool:
		tw.WriteBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		tw.WriteInt64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		tw.WriteUint64(v.Uint())
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return w.Incompatible(v.Type(), "unsupported float value "+strconv.FormatFloat(f, 'g', -1, 64), nil)
		}
		if v.Kind() == reflect.Float32 {
			tw.WriteRaw(strconv.AppendFloat(nil, f, 'g', -1, 32))
		} else {
			tw.WriteFloat64(f)
		}
	case reflect.String:
		tw.WriteString(v.String())
	case reflect.Slice:
		if v.IsNil() {
			tw.WriteNull()
			return nil
		}
		tw.WriteString(base64.StdEncoding.EncodeToString(v.Bytes()))
	default:
		return w.Incompatible(v.Type(), "not a primitive", nil)
	}
	return nil
}

func (primitiveConverter) ReadValue(r *Reader, dst reflect.Value) error {
	tr := r.Tokens()
	kind := tr.Peek()
	if kind == TokenNull {
		if dst.Kind() == reflect.Slice {
			tr.ReadNull()
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		return r.Incompatible(dst.Type(), "null into non-nullable", nil)
	}

	switch dst.Kind() {
	case reflect.Bool:
		if kind != TokenBool {
			return r.Incompatible(dst.Type(), kind.String()+" into bool", nil)
		}
		dst.SetBool(tr.ReadBool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if kind != TokenNumber {
			return r.Incompatible(dst.Type(), kind.String()+" into integer", nil)
		}
		n, err := parseInt(tr.ReadNumber())
		if err != nil || dst.OverflowInt(n) {
			return r.Incompatible(dst.Type(), "integer out of range", err)
		}
		dst.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if kind != TokenNumber {
			return r.Incompatible(dst.Type(), kind.String()+" into unsigned integer", nil)
		}
		n, err := parseUint(tr.ReadNumber())
		if err != nil || dst.OverflowUint(n) {
			return r.Incompatible(dst.Type(), "unsigned integer out of range", err)
		}
		dst.SetUint(n)
	case reflect.Float32, reflect.Float64:
		if kind != TokenNumber {
			return r.Incompatible(dst.Type(), kind.String()+" into float", nil)
		}
		f, err := strconv.ParseFloat(tr.ReadNumber(), dst.Type().Bits())
		if err != nil || dst.OverflowFloat(f) {
			return r.Incompatible(dst.Type(), "float out of range", err)
		}
		dst.SetFloat(f)
	case reflect.String:
		if kind != TokenString {
			return r.Incompatible(dst.Type(), kind.String()+" into string", nil)
		}
		dst.SetString(tr.ReadString())
	case reflect.Slice:
		if kind != TokenString {
			return r.Incompatible(dst.Type(), kind.String()+" into bytes", nil)
		}
		b, err := base64.StdEncoding.DecodeString(tr.ReadString())
		if err != nil {
			return r.Incompatible(dst.Type(), "invalid base64", err)
		}
		dst.SetBytes(b)
	default:
		return r.Incompatible(dst.Type(), "not a primitive", nil)
	}
	return nil
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return n, nil
	}
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, err
	}
	return int64(f), nil
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err == nil {
		return n, nil
	}
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
		return 0, err
	}
	return uint64(f), nil
}

// marshalerConverter handles types that encode themselves.
type marshalerConverter struct{}

func (marshalerConverter) CanConvert(t reflect.Type) bool { return isAtomic(t) }

func (marshalerConverter) WriteValue(w *Writer, v reflect.Value) error {
	ptr := v
	if v.CanAddr() {
		ptr = v.Addr()
	} else {
		ptr = reflect.New(v.Type())
		ptr.Elem().Set(v)
	}

	raw, err := json.Marshal(ptr.Interface())
	if err != nil {
		return w.Incompatible(v.Type(), "marshal failed", err)
	}
	w.Tokens().WriteRaw(raw)
	return nil
}

func (marshalerConverter) ReadValue(r *Reader, dst reflect.Value) error {
	raw := r.Tokens().Capture()
	if err := r.Tokens().Err(); err != nil {
		return r.Malformed("invalid value", err)
	}
	if err := json.Unmarshal(raw, dst.Addr().Interface()); err != nil {
		return r.Incompatible(dst.Type(), "unmarshal failed", err)
	}
	return nil
}

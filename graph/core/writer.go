package core

import (
	"reflect"
	"strconv"
	"strings"
)

// Writer walks an object graph and emits it to a TokenWriter. A Writer is
// created per Serialize call and handed to converters.
type Writer struct {
	s      *Serializer
	tokens TokenWriter
	refs   *ReferenceTracker
	path   []string
	depth  int
	owner  reflect.Type
}

func newWriter(s *Serializer, tw TokenWriter) *Writer {
	return &Writer{s: s, tokens: tw, refs: NewReferenceTracker()}
}

// Tokens exposes the underlying token writer.
func (w *Writer) Tokens() TokenWriter { return w.tokens }

// References exposes the reference tracker of the current call.
func (w *Writer) References() *ReferenceTracker { return w.refs }

// Path returns the location currently being written, e.g. "$.owner.pets[2]".
func (w *Writer) Path() string { return formatPath(w.path) }

// Incompatible builds an IncompatibleTypeError at the current path.
func (w *Writer) Incompatible(t reflect.Type, reason string, cause error) error {
	return &IncompatibleTypeError{Path: w.Path(), Type: t, Reason: reason, cause: cause}
}

// WriteProperty writes a property name followed by v. When an error handler
// is installed and accepts a recoverable failure, partial output is discarded
// and the property is written as null.
func (w *Writer) WriteProperty(name string, v reflect.Value, declared reflect.Type) error {
	w.path = append(w.path, "."+name)
	defer w.popPath()

	if w.s.onError == nil {
		w.tokens.WritePropertyName(name)
		return w.WriteValue(v, declared)
	}

	sw, canRollback := w.tokens.(*StreamWriter)
	var cp writerCheckpoint
	if canRollback {
		cp = sw.checkpoint()
	}
	mark := w.refs.mark()

	w.tokens.WritePropertyName(name)
	err := w.WriteValue(v, declared)
	if err == nil || !canRollback || !recoverable(err) {
		return err
	}

	ec := &ErrorContext{Path: w.Path(), Member: name, Owner: w.owner, Err: err}
	if !w.s.handle(ec) {
		return err
	}
	sw.rollback(cp)
	w.refs.rollback(mark)
	w.tokens.WritePropertyName(name)
	w.tokens.WriteNull()
	return nil
}

// WriteElement writes the i-th element of an array.
func (w *Writer) WriteElement(i int, v reflect.Value, declared reflect.Type) error {
	w.path = append(w.path, "["+strconv.Itoa(i)+"]")
	defer w.popPath()
	return w.WriteValue(v, declared)
}

func (w *Writer) popPath() { w.path = w.path[:len(w.path)-1] }

// WriteValue writes v, which was found in a location of type declared. A nil
// declared type means the location accepts exactly the runtime type.
func (w *Writer) WriteValue(v reflect.Value, declared reflect.Type) error {
	if w.depth >= w.s.opts.MaxDepth {
		return &IncompatibleTypeError{Path: w.Path(), Reason: "maximum depth exceeded"}
	}
	w.depth++
	defer func() { w.depth-- }()

	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			break
		}
		v = v.Elem()
	}
	if !v.IsValid() || (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) && v.IsNil() {
		w.tokens.WriteNull()
		return nil
	}

	rt := v.Type()
	// Collapse pointer chains down to a single pointer over the value.
	for v.Kind() == reflect.Pointer && v.Elem().Kind() == reflect.Pointer {
		v = v.Elem()
		if v.IsNil() {
			w.tokens.WriteNull()
			return nil
		}
	}

	base := resolveBaseType(rt)
	conv, err := w.s.converterFor(base)
	if err != nil {
		return err
	}

	switch c := conv.(type) {
	case ObjectConverter:
		return w.writeObject(c, v, rt, base, declared)
	case ValueConverter:
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
		}
		if !w.needsType(rt, declared, false) {
			return c.WriteValue(w, v)
		}
		w.tokens.WriteStartObject()
		w.tokens.WritePropertyName(TypeProperty)
		w.tokens.WriteString(w.s.binder.NameOf(base))
		w.tokens.WritePropertyName(ValueProperty)
		if err := c.WriteValue(w, v); err != nil {
			return err
		}
		w.tokens.WriteEndObject()
		return nil
	default:
		return &ContractError{Type: base, Reason: "no converter"}
	}
}

func (w *Writer) writeObject(c ObjectConverter, v reflect.Value, rt, base, declared reflect.Type) error {
	var id string
	if v.Kind() == reflect.Pointer {
		contract, err := GetContract(base)
		if err != nil {
			return err
		}
		if w.refs.ShouldWriteAsReference(v, contract) {
			ref, _ := w.refs.GetOrAssignID(v)
			w.tokens.WriteStartObject()
			w.tokens.WritePropertyName(RefProperty)
			w.tokens.WriteString(ref)
			w.tokens.WriteEndObject()
			return nil
		}
		// The id is assigned before members are visited so cycles resolve.
		id, _ = w.refs.GetOrAssignID(v)
		v = v.Elem()
	}

	w.tokens.WriteStartObject()
	if w.needsType(rt, declared, true) {
		w.tokens.WritePropertyName(TypeProperty)
		w.tokens.WriteString(w.s.binder.NameOf(base))
	}
	if id != "" {
		w.tokens.WritePropertyName(IDProperty)
		w.tokens.WriteString(id)
	}
	owner := w.owner
	w.owner = v.Type()
	err := c.WriteProperties(w, v)
	w.owner = owner
	if err != nil {
		return err
	}
	w.tokens.WriteEndObject()
	return nil
}

// needsType reports whether a value of runtime type rt stored in a location of
// type declared must carry $type to be read back.
func (w *Writer) needsType(rt, declared reflect.Type, object bool) bool {
	if object && w.s.opts.TypeNameHandling == TypeNamesObjects {
		return true
	}
	if declared == nil || declared.Kind() != reflect.Interface {
		return false
	}
	// Natural JSON values decode into an empty interface unaided.
	if declared.NumMethod() == 0 && isNaturalType(rt) {
		return false
	}
	return true
}

var (
	anySliceType = reflect.TypeOf([]any(nil))
	anyMapType   = reflect.TypeOf(map[string]any(nil))
)

func isNaturalType(t reflect.Type) bool {
	switch t {
	case anySliceType, anyMapType:
		return true
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String, reflect.Float64:
		return t.PkgPath() == ""
	}
	return false
}

func formatPath(segments []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range segments {
		b.WriteString(s)
	}
	return b.String()
}

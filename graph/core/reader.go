package core

import (
	"reflect"
	"strconv"

	"github.com/tidwall/gjson"
)

// readFrame is one token source together with the object-head state left
// behind by inline metadata reading.
type readFrame struct {
	tokens     TokenReader
	pending    string
	hasPending bool
	ended      bool
}

// Reader materializes an object graph from a TokenReader. A Reader is created
// per Deserialize call and handed to converters.
type Reader struct {
	s     *Serializer
	cur   *readFrame
	stack []*readFrame
	refs  *ReferenceTracker
	path  []string
	depth int
	owner reflect.Type
}

func newReader(s *Serializer, tr TokenReader) *Reader {
	return &Reader{s: s, cur: &readFrame{tokens: tr}, refs: NewReferenceTracker()}
}

// Tokens exposes the active token reader.
func (r *Reader) Tokens() TokenReader { return r.cur.tokens }

// References exposes the reference tracker of the current call.
func (r *Reader) References() *ReferenceTracker { return r.refs }

// Path returns the location currently being read.
func (r *Reader) Path() string { return formatPath(r.path) }

// Incompatible builds an IncompatibleTypeError at the current path.
func (r *Reader) Incompatible(t reflect.Type, reason string, cause error) error {
	return &IncompatibleTypeError{Path: r.Path(), Type: t, Reason: reason, cause: cause}
}

// Malformed builds a MalformedInputError at the current path.
func (r *Reader) Malformed(reason string, cause error) error {
	return &MalformedInputError{Path: r.Path(), Reason: reason, cause: cause}
}

func (r *Reader) pushPath(seg string) { r.path = append(r.path, seg) }
func (r *Reader) popPath()            { r.path = r.path[:len(r.path)-1] }

// withTokens runs fn against tr, restoring the previous source afterwards.
func (r *Reader) withTokens(tr TokenReader, fn func() error) error {
	r.stack = append(r.stack, r.cur)
	r.cur = &readFrame{tokens: tr}
	defer func() {
		r.cur = r.stack[len(r.stack)-1]
		r.stack = r.stack[:len(r.stack)-1]
	}()

	if err := fn(); err != nil {
		return err
	}
	if err := tr.Err(); err != nil {
		return r.Malformed("invalid json", err)
	}
	return nil
}

// NextProperty returns the next property name of the object being read,
// including a name that was already consumed while scanning metadata.
func (r *Reader) NextProperty() (string, bool) {
	f := r.cur
	if f.hasPending {
		f.hasPending = false
		return f.pending, true
	}
	if f.ended {
		f.ended = false
		return "", false
	}
	return f.tokens.NextProperty()
}

// skipRest drains the remaining properties of the current object.
func (r *Reader) skipRest() {
	for _, ok := r.NextProperty(); ok; _, ok = r.NextProperty() {
		r.cur.tokens.Skip()
	}
}

// ReadElement reads the i-th array element into dst.
func (r *Reader) ReadElement(i int, dst reflect.Value) error {
	r.pushPath("[" + strconv.Itoa(i) + "]")
	defer r.popPath()
	return r.ReadInto(dst)
}

// ReadInto reads the next value into dst, which must be settable. Existing
// pointers, slices and maps in dst are reused.
func (r *Reader) ReadInto(dst reflect.Value) error {
	if r.depth >= r.s.opts.MaxDepth {
		return r.Malformed("maximum depth exceeded", nil)
	}
	r.depth++
	defer func() { r.depth-- }()

	if r.cur.tokens.Peek() == TokenInvalid {
		return r.Malformed("unexpected token", r.cur.tokens.Err())
	}

	t := dst.Type()
	if t.Kind() == reflect.Interface {
		return r.readInterface(dst)
	}

	base := resolveBaseType(t)
	if base.Kind() == reflect.Interface {
		return r.readPointer(dst, r.ReadInto)
	}

	conv, err := r.s.converterFor(base)
	if err != nil {
		return err
	}

	switch c := conv.(type) {
	case ObjectConverter:
		return r.readObject(dst, c)
	case ValueConverter:
		if t.Kind() == reflect.Pointer {
			return r.readPointer(dst, r.ReadInto)
		}
		return c.ReadValue(r, dst)
	default:
		return &ContractError{Type: base, Reason: "no converter"}
	}
}

// readPointer handles null for pointer targets and allocates on demand.
func (r *Reader) readPointer(dst reflect.Value, read func(reflect.Value) error) error {
	if r.cur.tokens.Peek() == TokenNull {
		r.cur.tokens.ReadNull()
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.IsNil() {
		dst.Set(reflect.New(dst.Type().Elem()))
	}
	return read(dst.Elem())
}

// beginObject reads the metadata at the head of the object under the cursor.
// In read-ahead mode the object is captured whole and the returned release
// function must be called once the object has been consumed.
func (r *Reader) beginObject() (objectMeta, func(), error) {
	noop := func() {}
	switch r.s.opts.MetadataHandling {
	case MetadataIgnore:
		return objectMeta{}, noop, nil
	case MetadataReadAhead:
		return r.readAheadMetadata()
	default:
		meta, err := r.readInlineMetadata()
		return meta, noop, err
	}
}

// readInlineMetadata consumes leading metadata properties. The first data
// property name is kept pending for the populate loop.
func (r *Reader) readInlineMetadata() (objectMeta, error) {
	var meta objectMeta
	f := r.cur
	for {
		name, ok := f.tokens.NextProperty()
		if !ok {
			if err := f.tokens.Err(); err != nil {
				return meta, r.Malformed("invalid object", err)
			}
			f.ended = true
			return meta, nil
		}

		switch name {
		case TypeProperty:
			if f.tokens.Peek() != TokenString {
				return meta, r.Malformed("$type must be a string", nil)
			}
			meta.typeName = f.tokens.ReadString()
		case IDProperty:
			id, err := r.readIdentifier(f.tokens, name)
			if err != nil {
				return meta, err
			}
			meta.id = id
		case RefProperty:
			id, err := r.readIdentifier(f.tokens, name)
			if err != nil {
				return meta, err
			}
			meta.ref, meta.hasRef = id, true
		case ValueProperty:
			meta.hasValue = true
			return meta, nil
		default:
			f.pending, f.hasPending = name, true
			return meta, nil
		}
	}
}

func (r *Reader) readIdentifier(tr TokenReader, prop string) (string, error) {
	switch tr.Peek() {
	case TokenString:
		return tr.ReadString(), nil
	case TokenNumber:
		return tr.ReadNumber(), nil
	default:
		return "", r.Malformed(prop+" must be a string", nil)
	}
}

// readAheadMetadata captures the whole object and scans it for metadata in
// any position. The object's data properties are replayed from the capture.
func (r *Reader) readAheadMetadata() (objectMeta, func(), error) {
	var meta objectMeta
	noop := func() {}

	raw := r.cur.tokens.Capture()
	if err := r.cur.tokens.Err(); err != nil {
		return meta, noop, r.Malformed("invalid object", err)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return meta, noop, r.Malformed("expected object", nil)
	}

	var scanErr error
	doc.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case TypeProperty:
			if value.Type != gjson.String {
				scanErr = r.Malformed("$type must be a string", nil)
				return false
			}
			meta.typeName = value.String()
		case IDProperty, RefProperty:
			if value.Type != gjson.String && value.Type != gjson.Number {
				scanErr = r.Malformed(key.String()+" must be a string", nil)
				return false
			}
			id := value.String()
			if value.Type == gjson.Number {
				id = value.Raw
			}
			if key.String() == IDProperty {
				meta.id = id
			} else {
				meta.ref, meta.hasRef = id, true
			}
		case ValueProperty:
			meta.hasValue = true
			meta.valueRaw = []byte(value.Raw)
		}
		return true
	})
	if scanErr != nil {
		return meta, noop, scanErr
	}
	if meta.hasRef || meta.hasValue {
		return meta, noop, nil
	}

	r.stack = append(r.stack, r.cur)
	r.cur = &readFrame{tokens: NewBytesReader(raw)}
	return meta, func() {
		r.cur = r.stack[len(r.stack)-1]
		r.stack = r.stack[:len(r.stack)-1]
	}, nil
}

// finishObject consumes whatever remains of an object whose metadata was
// read inline.
func (r *Reader) finishObject() {
	if r.s.opts.MetadataHandling == MetadataReadAhead {
		return
	}
	r.skipRest()
}

// readWrapped reads the $value of a wrapper object into dst.
func (r *Reader) readWrapped(dst reflect.Value, meta objectMeta) error {
	if meta.valueRaw != nil {
		return r.withTokens(NewBytesReader(meta.valueRaw), func() error {
			return r.ReadInto(dst)
		})
	}
	if err := r.ReadInto(dst); err != nil {
		return err
	}
	r.finishObject()
	return nil
}

func (r *Reader) resolveRef(meta objectMeta) (reflect.Value, error) {
	inst, ok := r.refs.Resolve(meta.ref)
	if !ok {
		return reflect.Value{}, &DanglingReferenceError{Path: r.Path(), ID: meta.ref}
	}
	r.finishObject()
	return inst, nil
}

// readObject reads an object into a struct or pointer-to-struct target.
func (r *Reader) readObject(dst reflect.Value, conv ObjectConverter) error {
	tr := r.cur.tokens
	switch tr.Peek() {
	case TokenStartObject:
	case TokenNull:
		if dst.Kind() != reflect.Pointer {
			return r.Incompatible(dst.Type(), "null into non-nullable", nil)
		}
		tr.ReadNull()
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	default:
		return r.Malformed("expected object, got "+tr.Peek().String(), nil)
	}

	meta, release, err := r.beginObject()
	defer release()
	if err != nil {
		return err
	}
	return r.readObjectWithMeta(dst, conv, meta)
}

func (r *Reader) readObjectWithMeta(dst reflect.Value, conv ObjectConverter, meta objectMeta) error {
	base := resolveBaseType(dst.Type())

	if meta.hasRef {
		inst, err := r.resolveRef(meta)
		if err != nil {
			return err
		}
		return r.assignInstance(dst, inst)
	}

	// The name the writer emits for the static target needs no registration.
	if meta.typeName != "" && meta.typeName != r.s.binder.NameOf(base) {
		t, ok := r.s.binder.Resolve(meta.typeName)
		if !ok {
			return &UnresolvableTypeError{Path: r.Path(), TypeName: meta.typeName, Target: dst.Type()}
		}
		if resolveBaseType(t) != base {
			return r.Incompatible(dst.Type(), "payload type "+meta.typeName+" does not match", nil)
		}
	}

	if meta.hasValue {
		return r.readWrapped(dst, meta)
	}

	// Walk pointer chains to the pointer that owns the struct.
	for dst.Kind() == reflect.Pointer && dst.Type().Elem().Kind() == reflect.Pointer {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		dst = dst.Elem()
	}

	// A live instance already populated for another object of this read is
	// not reused; the slot gets a fresh instance instead.
	var ptr reflect.Value
	if dst.Kind() == reflect.Pointer {
		if dst.IsNil() || !r.refs.Claim(dst) {
			inst, err := r.newInstance(conv, base, meta.id)
			if err != nil {
				return err
			}
			dst.Set(inst)
		}
		ptr = dst
	} else {
		ptr = dst.Addr()
		r.refs.Claim(ptr)
	}

	// Register before populating so members can refer back to the object.
	if meta.id != "" && !r.refs.RegisterRead(meta.id, ptr) {
		return r.Malformed("duplicate $id "+strconv.Quote(meta.id), nil)
	}
	return r.populate(ptr.Elem(), conv)
}

func (r *Reader) newInstance(conv ObjectConverter, t reflect.Type, id string) (reflect.Value, error) {
	if src := r.s.instances; src != nil {
		if inst, ok := src.Existing(t, id); ok {
			if inst.Kind() == reflect.Pointer && inst.Type().Elem() == t && !inst.IsNil() && r.refs.Claim(inst) {
				return inst, nil
			}
		}
	}

	inst, err := conv.CreateInstance(t)
	if err != nil {
		return reflect.Value{}, err
	}
	if inst.Kind() != reflect.Pointer || inst.Type().Elem() != t {
		return reflect.Value{}, &ContractError{Type: t, Reason: "converter created " + typeString(inst.Type())}
	}
	r.refs.Claim(inst)
	return inst, nil
}

// assignInstance stores a previously materialized instance in dst. Struct
// value targets receive a copy.
func (r *Reader) assignInstance(dst, inst reflect.Value) error {
	switch {
	case inst.Type().AssignableTo(dst.Type()):
		dst.Set(inst)
	case inst.Kind() == reflect.Pointer && inst.Type().Elem().AssignableTo(dst.Type()):
		dst.Set(inst.Elem())
	case dst.Kind() == reflect.Pointer && dst.Type().Elem().Kind() == reflect.Pointer:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return r.assignInstance(dst.Elem(), inst)
	default:
		return r.Incompatible(dst.Type(), "reference to "+typeString(inst.Type()), nil)
	}
	return nil
}

// populate feeds every data property of the current object to conv.
func (r *Reader) populate(v reflect.Value, conv ObjectConverter) error {
	owner := r.owner
	r.owner = v.Type()
	defer func() { r.owner = owner }()

	readAhead := r.s.opts.MetadataHandling == MetadataReadAhead
	for name, ok := r.NextProperty(); ok; name, ok = r.NextProperty() {
		if readAhead && isMetadataProperty(name) {
			r.cur.tokens.Skip()
			continue
		}

		r.pushPath("." + name)
		err := r.populateMember(v, conv, name)
		r.popPath()
		if err != nil {
			return err
		}
	}
	if err := r.cur.tokens.Err(); err != nil {
		return r.Malformed("invalid object", err)
	}
	return nil
}

func (r *Reader) populateMember(v reflect.Value, conv ObjectConverter, name string) error {
	if r.s.onError == nil {
		return r.readMember(v, conv, name)
	}

	// With a handler installed every member is read from its own capture so
	// the outer stream stays aligned when a failure is swallowed.
	raw := r.cur.tokens.Capture()
	if err := r.cur.tokens.Err(); err != nil {
		return r.Malformed("invalid member", err)
	}
	err := r.withTokens(NewBytesReader(raw), func() error {
		return r.readMember(v, conv, name)
	})
	if err == nil || !recoverable(err) {
		return err
	}

	ec := &ErrorContext{Path: r.Path(), Member: name, Owner: v.Type(), Reading: true, Err: err}
	if !r.s.handle(ec) {
		return err
	}
	clearMember(v, name)
	return nil
}

// clearMember resets the field serialized as name, so a member whose failure
// was handled reads as null instead of half populated. Members a converter
// synthesizes without a backing field are left alone.
func clearMember(v reflect.Value, name string) {
	if v.Kind() != reflect.Struct {
		return
	}
	c, err := GetContract(v.Type())
	if err != nil || c.Kind != KindObject {
		return
	}
	m, ok := c.Member(name)
	if !ok {
		return
	}
	field, err := v.FieldByIndexErr(m.Index)
	if err != nil || !field.CanSet() {
		return
	}
	field.Set(reflect.Zero(field.Type()))
}

func (r *Reader) readMember(v reflect.Value, conv ObjectConverter, name string) error {
	handled, err := conv.PopulateMember(r, v, name)
	if err != nil {
		return err
	}
	if !handled {
		r.cur.tokens.Skip()
	}
	return nil
}

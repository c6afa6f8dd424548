package core

import (
	"reflect"
	"strconv"
)

// readInterface reads a value into an interface-typed location. The concrete
// type comes from $type, from the value already stored in dst, or, for the
// empty interface, from the shape of the JSON itself.
func (r *Reader) readInterface(dst reflect.Value) error {
	tr := r.cur.tokens
	iface := dst.Type()
	empty := iface.NumMethod() == 0

	var current reflect.Value
	if !dst.IsNil() {
		current = dst.Elem()
	}

	switch tr.Peek() {
	case TokenNull:
		tr.ReadNull()
		dst.Set(reflect.Zero(iface))
		return nil
	case TokenStartObject:
	default:
		if current.IsValid() && !isNaturalType(current.Type()) {
			return r.readConcrete(dst, current.Type(), current, objectMeta{}, false)
		}
		if !empty {
			return &UnresolvableTypeError{Path: r.Path(), Target: iface}
		}
		v, err := r.readNatural()
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(&v).Elem())
		return nil
	}

	if r.s.opts.MetadataHandling == MetadataIgnore {
		switch {
		case current.IsValid() && current.Type() != anyMapType:
			return r.readConcrete(dst, current.Type(), current, objectMeta{}, false)
		case empty:
			return r.readNaturalObject(dst, objectMeta{})
		default:
			return &UnresolvableTypeError{Path: r.Path(), Target: iface}
		}
	}

	meta, release, err := r.beginObject()
	defer release()
	if err != nil {
		return err
	}

	if meta.hasRef {
		inst, err := r.resolveRef(meta)
		if err != nil {
			return err
		}
		if !inst.Type().AssignableTo(iface) {
			return r.Incompatible(iface, "reference to "+typeString(inst.Type()), nil)
		}
		dst.Set(inst)
		return nil
	}

	if meta.typeName == "" {
		switch {
		case current.IsValid() && current.Type() != anyMapType:
			return r.readConcrete(dst, current.Type(), current, meta, true)
		case empty:
			return r.readNaturalObject(dst, meta)
		default:
			return &UnresolvableTypeError{Path: r.Path(), Target: iface}
		}
	}

	t, ok := r.s.binder.Resolve(meta.typeName)
	if !ok {
		return &UnresolvableTypeError{Path: r.Path(), TypeName: meta.typeName, Target: iface}
	}
	// An object written with an $id came from a pointer and is read back
	// behind one. Without an $id the struct was stored by value and stays a
	// value whenever that satisfies the interface.
	concrete := t
	if t.Kind() == reflect.Struct && reflect.PointerTo(t).AssignableTo(iface) {
		conv, err := r.s.converterFor(t)
		if err != nil {
			return err
		}
		_, isObject := conv.(ObjectConverter)
		if !t.AssignableTo(iface) || (isObject && meta.id != "") {
			concrete = reflect.PointerTo(t)
		}
	}
	if !concrete.AssignableTo(iface) {
		return r.Incompatible(iface, meta.typeName+" does not implement "+iface.String(), nil)
	}

	var reuse reflect.Value
	if current.IsValid() && current.Type() == concrete {
		reuse = current
	}
	return r.readConcrete(dst, concrete, reuse, meta, true)
}

// readConcrete reads into a fresh variable of type t, seeded from reuse when
// valid, and stores it in the interface dst. When started is set the object
// head has already been consumed and meta describes it.
func (r *Reader) readConcrete(dst reflect.Value, t reflect.Type, reuse reflect.Value, meta objectMeta, started bool) error {
	tmp := reflect.New(t).Elem()
	if reuse.IsValid() {
		tmp.Set(reuse)
	}

	var err error
	switch {
	case !started:
		err = r.ReadInto(tmp)
	case meta.hasValue:
		err = r.readWrapped(tmp, meta)
	default:
		err = r.readStartedObject(tmp, meta)
	}
	if err != nil {
		return err
	}
	dst.Set(tmp)
	return nil
}

// readStartedObject continues reading an object whose metadata was consumed
// by readInterface.
func (r *Reader) readStartedObject(dst reflect.Value, meta objectMeta) error {
	base := resolveBaseType(dst.Type())
	conv, err := r.s.converterFor(base)
	if err != nil {
		return err
	}

	switch c := conv.(type) {
	case ObjectConverter:
		return r.readObjectWithMeta(dst, c, meta)
	case ValueConverter:
		if base.Kind() != reflect.Map {
			return r.Malformed("expected $value for "+typeString(base), nil)
		}
		// Maps travel as plain objects when the runtime type is known.
		for dst.Kind() == reflect.Pointer {
			if dst.IsNil() {
				dst.Set(reflect.New(dst.Type().Elem()))
			}
			dst = dst.Elem()
		}
		return r.readMapEntries(dst)
	default:
		return &ContractError{Type: base, Reason: "no converter"}
	}
}

// readMapEntries fills a map from the remaining properties of the current
// object.
func (r *Reader) readMapEntries(dst reflect.Value) error {
	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}
	keyType, elemType := dst.Type().Key(), dst.Type().Elem()
	readAhead := r.s.opts.MetadataHandling == MetadataReadAhead
	for name, ok := r.NextProperty(); ok; name, ok = r.NextProperty() {
		if readAhead && isMetadataProperty(name) {
			r.cur.tokens.Skip()
			continue
		}
		key, err := decodeMapKey(name, keyType)
		if err != nil {
			return r.Incompatible(keyType, "invalid map key "+strconv.Quote(name), err)
		}
		elem := reflect.New(elemType).Elem()
		if cur := dst.MapIndex(key); cur.IsValid() {
			elem.Set(cur)
		}
		r.pushPath("." + name)
		err = r.ReadInto(elem)
		r.popPath()
		if err != nil {
			return err
		}
		dst.SetMapIndex(key, elem)
	}
	return nil
}

// readNaturalObject reads an untyped object into an empty interface as
// map[string]any.
func (r *Reader) readNaturalObject(dst reflect.Value, meta objectMeta) error {
	if meta.hasValue {
		var v any
		if err := r.readWrapped(reflect.ValueOf(&v).Elem(), meta); err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(&v).Elem())
		return nil
	}

	m := reflect.ValueOf(map[string]any{})
	if err := r.readMapEntries(m); err != nil {
		return err
	}
	dst.Set(m)
	return nil
}

// readNatural reads a non-object JSON value in its natural Go form.
func (r *Reader) readNatural() (any, error) {
	tr := r.cur.tokens
	switch tr.Peek() {
	case TokenBool:
		return tr.ReadBool(), nil
	case TokenNumber:
		s := tr.ReadNumber()
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, r.Malformed("invalid number "+s, err)
		}
		return f, nil
	case TokenString:
		return tr.ReadString(), nil
	case TokenStartArray:
		out := make([]any, 0)
		for i := 0; tr.NextElement(); i++ {
			var v any
			if err := r.ReadElement(i, reflect.ValueOf(&v).Elem()); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, r.Malformed("unexpected "+tr.Peek().String(), tr.Err())
	}
}

package core

import (
	"encoding"
	"reflect"
	"sort"
	"strconv"
)

// sliceConverter handles slices and fixed-size arrays. Elements are written
// against the declared element type so interface elements carry $type.
type sliceConverter struct{}

func (sliceConverter) CanConvert(t reflect.Type) bool {
	c, err := GetContract(t)
	return err == nil && c.Kind == KindArray
}

func (sliceConverter) WriteValue(w *Writer, v reflect.Value) error {
	if v.Kind() == reflect.Slice && v.IsNil() {
		w.Tokens().WriteNull()
		return nil
	}

	elemType := v.Type().Elem()
	w.Tokens().WriteStartArray()
	for i := 0; i < v.Len(); i++ {
		if err := w.WriteElement(i, v.Index(i), elemType); err != nil {
			return err
		}
	}
	w.Tokens().WriteEndArray()
	return nil
}

func (sliceConverter) ReadValue(r *Reader, dst reflect.Value) error {
	tr := r.Tokens()
	switch tr.Peek() {
	case TokenStartArray:
	case TokenNull:
		if dst.Kind() == reflect.Slice {
			tr.ReadNull()
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		return r.Incompatible(dst.Type(), "null into non-nullable", nil)
	default:
		return r.Incompatible(dst.Type(), tr.Peek().String()+" into array", nil)
	}

	if dst.Kind() == reflect.Array {
		i := 0
		for tr.NextElement() {
			if i >= dst.Len() {
				tr.Skip()
				continue
			}
			if err := r.ReadElement(i, dst.Index(i)); err != nil {
				return err
			}
			i++
		}
		for ; i < dst.Len(); i++ {
			dst.Index(i).Set(reflect.Zero(dst.Type().Elem()))
		}
		return nil
	}

	// Existing elements are handed to the element reader so pointer elements
	// keep their identity when deserializing into a live value.
	elemType := dst.Type().Elem()
	existing := dst.Len()
	out := reflect.MakeSlice(dst.Type(), 0, existing)
	for i := 0; tr.NextElement(); i++ {
		elem := reflect.New(elemType).Elem()
		if i < existing {
			elem.Set(dst.Index(i))
		}
		if err := r.ReadElement(i, elem); err != nil {
			return err
		}
		out = reflect.Append(out, elem)
	}
	dst.Set(out)
	return nil
}

// mapConverter handles maps keyed by strings, integers or text marshalers.
// Keys are written in sorted order so output is deterministic.
type mapConverter struct{}

func (mapConverter) CanConvert(t reflect.Type) bool {
	c, err := GetContract(t)
	return err == nil && c.Kind == KindDictionary
}

type mapEntry struct {
	key   string
	value reflect.Value
}

func (mapConverter) WriteValue(w *Writer, v reflect.Value) error {
	if v.IsNil() {
		w.Tokens().WriteNull()
		return nil
	}

	entries := make([]mapEntry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, err := encodeMapKey(iter.Key())
		if err != nil {
			return w.Incompatible(v.Type(), "unsupported map key", err)
		}
		entries = append(entries, mapEntry{key: key, value: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	elemType := v.Type().Elem()
	w.Tokens().WriteStartObject()
	for _, e := range entries {
		if err := w.WriteProperty(e.key, e.value, elemType); err != nil {
			return err
		}
	}
	w.Tokens().WriteEndObject()
	return nil
}

func (mapConverter) ReadValue(r *Reader, dst reflect.Value) error {
	tr := r.Tokens()
	switch tr.Peek() {
	case TokenStartObject:
	case TokenNull:
		tr.ReadNull()
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	default:
		return r.Incompatible(dst.Type(), tr.Peek().String()+" into map", nil)
	}

	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}

	keyType, elemType := dst.Type().Key(), dst.Type().Elem()
	for name, ok := r.NextProperty(); ok; name, ok = r.NextProperty() {
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

func encodeMapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		b, err := tm.MarshalText()
		return string(b), err
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", &ContractError{Type: k.Type(), Reason: "unsupported map key type"}
}

func decodeMapKey(s string, t reflect.Type) (reflect.Value, error) {
	key := reflect.New(t)
	if tu, ok := key.Interface().(encoding.TextUnmarshaler); ok && t.Kind() != reflect.String {
		if err := tu.UnmarshalText([]byte(s)); err != nil {
			return reflect.Value{}, err
		}
		return key.Elem(), nil
	}

	switch t.Kind() {
	case reflect.String:
		key.Elem().SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, t.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		key.Elem().SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(s, 10, t.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		key.Elem().SetUint(n)
	default:
		return reflect.Value{}, &ContractError{Type: t, Reason: "unsupported map key type"}
	}
	return key.Elem(), nil
}

package core

import "reflect"

// StructConverter serializes structs member by member according to their
// contract. Its zero value is ready to use.
type StructConverter struct{}

// CanConvert claims every struct type that does not encode itself.
func (*StructConverter) CanConvert(t reflect.Type) bool {
	c, err := GetContract(t)
	return err == nil && c.Kind == KindObject
}

// CreateInstance returns a pointer to a zero value of t.
func (*StructConverter) CreateInstance(t reflect.Type) (reflect.Value, error) {
	if t.Kind() != reflect.Struct {
		return reflect.Value{}, &ContractError{Type: t, Reason: "not a struct"}
	}
	return reflect.New(t), nil
}

// WriteProperties writes every contract member of v in declaration order.
func (*StructConverter) WriteProperties(w *Writer, v reflect.Value) error {
	c, err := GetContract(v.Type())
	if err != nil {
		return err
	}

	for i := range c.Members {
		m := &c.Members[i]
		field := m.Field(v)
		if m.OmitEmpty && isEmptyValue(field) {
			continue
		}
		if err := w.WriteProperty(m.SerializedName, field, m.Type); err != nil {
			return err
		}
	}
	return nil
}

// PopulateMember reads the named member into v. Unknown names are left for
// the caller to skip.
func (*StructConverter) PopulateMember(r *Reader, v reflect.Value, name string) (bool, error) {
	c, err := GetContract(v.Type())
	if err != nil {
		return false, err
	}

	m, ok := c.Member(name)
	if !ok {
		return false, nil
	}
	field := m.Field(v)
	if !field.CanSet() {
		return false, nil
	}
	return true, r.ReadInto(field)
}

package converters

import (
	"fmt"
	"reflect"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/entitycache/graphjson/graph/core"
)

// Vector2 is a point or direction in the plane.
type Vector2 struct {
	X, Y float64
}

// Vector3 is a point or direction in space.
type Vector3 struct {
	X, Y, Z float64
}

// Color is a linear RGBA color.
type Color struct {
	R, G, B, A float32
}

// Tuple writes small all-numeric structs as JSON arrays, e.g. a Vector3 as
// [x,y,z]. Tuples are values and never carry an $id.
type Tuple struct {
	types mapset.Set[reflect.Type]
}

// NewTuple claims the types of samples. With no samples it claims Vector2,
// Vector3 and Color.
func NewTuple(samples ...any) (*Tuple, error) {
	if len(samples) == 0 {
		samples = []any{Vector2{}, Vector3{}, Color{}}
	}

	types := mapset.NewSet[reflect.Type]()
	for _, s := range samples {
		t := reflect.TypeOf(s)
		for t != nil && t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if err := checkTuple(t); err != nil {
			return nil, err
		}
		types.Add(t)
	}
	return &Tuple{types: types}, nil
}

func checkTuple(t reflect.Type) error {
	if t == nil || t.Kind() != reflect.Struct || t.NumField() == 0 {
		return fmt.Errorf("converters: %v is not a tuple struct", t)
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			return fmt.Errorf("converters: %v.%s is unexported", t, f.Name)
		}
		switch f.Type.Kind() {
		case reflect.Float32, reflect.Float64,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return fmt.Errorf("converters: %v.%s is not numeric", t, f.Name)
		}
	}
	return nil
}

func (c *Tuple) CanConvert(t reflect.Type) bool { return c.types.Contains(t) }

func (c *Tuple) WriteValue(w *core.Writer, v reflect.Value) error {
	w.Tokens().WriteStartArray()
	for i := 0; i < v.NumField(); i++ {
		if err := w.WriteElement(i, v.Field(i), nil); err != nil {
			return err
		}
	}
	w.Tokens().WriteEndArray()
	return nil
}

func (c *Tuple) ReadValue(r *core.Reader, dst reflect.Value) error {
	tr := r.Tokens()
	if tr.Peek() != core.TokenStartArray {
		return r.Incompatible(dst.Type(), tr.Peek().String()+" into tuple", nil)
	}

	n := dst.NumField()
	i := 0
	for tr.NextElement() {
		if i >= n {
			return r.Incompatible(dst.Type(), fmt.Sprintf("more than %d components", n), nil)
		}
		if err := r.ReadElement(i, dst.Field(i)); err != nil {
			return err
		}
		i++
	}
	if i != n {
		return r.Incompatible(dst.Type(), fmt.Sprintf("expected %d components, got %d", n, i), nil)
	}
	return nil
}

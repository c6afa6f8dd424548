package converters

import (
	"reflect"
	"strconv"

	"github.com/entitycache/graphjson/graph/core"
)

// Toggler is implemented by objects that can be switched on and off.
type Toggler interface {
	Enabled() bool
	SetEnabled(bool)
}

// Tagger is implemented by objects carrying a free-form tag.
type Tagger interface {
	Tag() string
	SetTag(string)
}

var (
	togglerType = reflect.TypeOf((*Toggler)(nil)).Elem()
	taggerType  = reflect.TypeOf((*Tagger)(nil)).Elem()
	boolType    = reflect.TypeOf(false)
	stringType  = reflect.TypeOf("")
)

// Layer is an object converter that delegates to another one.
type Layer interface {
	core.ObjectConverter
	BaseConverter() core.ObjectConverter
}

// Chain lists c followed by every converter it delegates to.
func Chain(c core.ObjectConverter) []core.ObjectConverter {
	var out []core.ObjectConverter
	for c != nil {
		out = append(out, c)
		l, ok := c.(Layer)
		if !ok {
			break
		}
		c = l.BaseConverter()
	}
	return out
}

// implementsOnPointer reports whether *t implements iface for struct t.
func implementsOnPointer(t, iface reflect.Type) bool {
	return t.Kind() == reflect.Struct && reflect.PointerTo(t).Implements(iface)
}

// pointerTo returns a pointer through which methods of v can be called.
// Unaddressable values are copied first; callers only read through it.
func pointerTo(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v.Addr()
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return p
}

// clash rejects a struct whose contract already declares the member a
// converter synthesizes, since both would be written under one key.
func clash(t reflect.Type, name string) error {
	c, err := core.GetContract(t)
	if err != nil {
		return err
	}
	if _, ok := c.Member(name); ok {
		return &core.ContractError{Type: t, Reason: "member " + strconv.Quote(name) + " clashes with a synthesized property"}
	}
	return nil
}

// Behaviour handles objects implementing Toggler. It writes the state behind
// Enabled as the "enabled" member and hands everything else to Base.
type Behaviour struct {
	Base core.ObjectConverter
}

// NewBehaviour layers a Behaviour over the default struct converter.
func NewBehaviour() *Behaviour {
	return &Behaviour{Base: core.DefaultObjectConverter()}
}

func (c *Behaviour) BaseConverter() core.ObjectConverter { return c.Base }

func (c *Behaviour) CanConvert(t reflect.Type) bool {
	return implementsOnPointer(t, togglerType)
}

func (c *Behaviour) CreateInstance(t reflect.Type) (reflect.Value, error) {
	return c.Base.CreateInstance(t)
}

func (c *Behaviour) WriteProperties(w *core.Writer, v reflect.Value) error {
	if err := clash(v.Type(), "enabled"); err != nil {
		return err
	}
	on := pointerTo(v).Interface().(Toggler).Enabled()
	if err := w.WriteProperty("enabled", reflect.ValueOf(on), boolType); err != nil {
		return err
	}
	return c.Base.WriteProperties(w, v)
}

func (c *Behaviour) PopulateMember(r *core.Reader, v reflect.Value, name string) (bool, error) {
	if name != "enabled" {
		return c.Base.PopulateMember(r, v, name)
	}

	if err := clash(v.Type(), "enabled"); err != nil {
		return true, err
	}
	var on bool
	if err := r.ReadInto(reflect.ValueOf(&on).Elem()); err != nil {
		return true, err
	}
	v.Addr().Interface().(Toggler).SetEnabled(on)
	return true, nil
}

// Component narrows Behaviour to objects that also implement Tagger, adding
// the "tag" member.
type Component struct {
	Base core.ObjectConverter
}

// NewComponent layers a Component over a fresh Behaviour.
func NewComponent() *Component {
	return &Component{Base: NewBehaviour()}
}

func (c *Component) BaseConverter() core.ObjectConverter { return c.Base }

func (c *Component) CanConvert(t reflect.Type) bool {
	return implementsOnPointer(t, taggerType) && c.Base.CanConvert(t)
}

func (c *Component) CreateInstance(t reflect.Type) (reflect.Value, error) {
	return c.Base.CreateInstance(t)
}

func (c *Component) WriteProperties(w *core.Writer, v reflect.Value) error {
	if err := clash(v.Type(), "tag"); err != nil {
		return err
	}
	tag := pointerTo(v).Interface().(Tagger).Tag()
	if tag != "" {
		if err := w.WriteProperty("tag", reflect.ValueOf(tag), stringType); err != nil {
			return err
		}
	}
	return c.Base.WriteProperties(w, v)
}

func (c *Component) PopulateMember(r *core.Reader, v reflect.Value, name string) (bool, error) {
	if name != "tag" {
		return c.Base.PopulateMember(r, v, name)
	}

	if err := clash(v.Type(), "tag"); err != nil {
		return true, err
	}
	var tag string
	if err := r.ReadInto(reflect.ValueOf(&tag).Elem()); err != nil {
		return true, err
	}
	v.Addr().Interface().(Tagger).SetTag(tag)
	return true, nil
}

// Install registers the converters of this package on s, generic ones first.
func Install(s *core.Serializer) error {
	tuple, err := NewTuple()
	if err != nil {
		return err
	}
	s.Register(Time{})
	s.Register(Duration{})
	s.Register(tuple)
	s.Register(NewBehaviour())
	s.Register(NewComponent())
	return nil
}

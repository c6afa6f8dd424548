package core

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	graphTagKey = "graph"
	jsonTagKey  = "json"
)

// ContractKind classifies how a type is shaped on the wire.
type ContractKind int

const (
	KindPrimitive ContractKind = iota + 1
	KindArray
	KindDictionary
	KindObject
	KindDynamic
)

func (k ContractKind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindArray:
		return "array"
	case KindDictionary:
		return "dictionary"
	case KindObject:
		return "object"
	case KindDynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("ContractKind(%d)", int(k))
	}
}

// Contract captures serialization information for a type. Contracts are keyed
// by the pointer-stripped type and are immutable once built.
type Contract struct {
	Kind ContractKind
	Type reflect.Type

	// Atomic is set for primitives that encode themselves (json.Marshaler,
	// encoding.TextMarshaler, time.Time).
	Atomic bool

	// Elem is the element type of Array and Dictionary contracts; Key the key
	// type of Dictionary contracts.
	Elem reflect.Type
	Key  reflect.Type

	// Members lists the serialized fields of an Object contract in declaration order.
	Members []Member
	byName  map[string]int
}

// Member stores metadata for an individual serialized struct field.
type Member struct {
	Name           string
	SerializedName string
	Index          []int
	Type           reflect.Type
	OmitEmpty      bool
}

// Field returns the member's field within the struct value v.
func (m *Member) Field(v reflect.Value) reflect.Value {
	return v.FieldByIndex(m.Index)
}

// Member looks up a member by serialized name.
func (c *Contract) Member(name string) (*Member, bool) {
	i, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return &c.Members[i], true
}

// OptIn, when embedded in a struct, restricts serialization to fields carrying
// an explicit graph tag.
type OptIn struct{}

var (
	contractCache sync.Map // map[reflect.Type]*Contract

	optInType         = reflect.TypeOf(OptIn{})
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// GetContract returns the cached contract for t, building it on first use.
// Pointer types share the contract of their element type.
func GetContract(t reflect.Type) (*Contract, error) {
	if t == nil {
		return nil, &ContractError{Reason: "nil type"}
	}
	t = resolveBaseType(t)

	if c, ok := contractCache.Load(t); ok {
		return c.(*Contract), nil
	}

	c, err := buildContract(t)
	if err != nil {
		return nil, err
	}

	actual, _ := contractCache.LoadOrStore(t, c)
	return actual.(*Contract), nil
}

// ResetContractCache clears computed contracts; primarily intended for tests.
func ResetContractCache() {
	contractCache.Range(func(key, _ any) bool {
		contractCache.Delete(key)
		return true
	})
}

func buildContract(t reflect.Type) (*Contract, error) {
	if isAtomic(t) {
		return &Contract{Kind: KindPrimitive, Type: t, Atomic: true}, nil
	}

	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return &Contract{Kind: KindPrimitive, Type: t}, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 && !isAtomic(t.Elem()) {
			return &Contract{Kind: KindPrimitive, Type: t}, nil
		}
		return &Contract{Kind: KindArray, Type: t, Elem: t.Elem()}, nil
	case reflect.Array:
		return &Contract{Kind: KindArray, Type: t, Elem: t.Elem()}, nil
	case reflect.Map:
		if !validMapKey(t.Key()) {
			return nil, &ContractError{Type: t, Reason: "unsupported map key type " + t.Key().String()}
		}
		return &Contract{Kind: KindDictionary, Type: t, Key: t.Key(), Elem: t.Elem()}, nil
	case reflect.Interface:
		return &Contract{Kind: KindDynamic, Type: t}, nil
	case reflect.Struct:
		return buildObjectContract(t)
	default:
		return nil, &ContractError{Type: t, Reason: "unsupported kind " + t.Kind().String()}
	}
}

type memberCandidate struct {
	member Member
	depth  int
}

func buildObjectContract(t reflect.Type) (*Contract, error) {
	optIn := false
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.Anonymous && f.Type == optInType {
			optIn = true
			break
		}
	}

	var candidates []memberCandidate
	if err := collectMembers(t, nil, 0, optIn, &candidates); err != nil {
		return nil, err
	}

	// Shallower fields shadow promoted ones; equal depth is a conflict.
	byName := make(map[string][]memberCandidate, len(candidates))
	for _, c := range candidates {
		byName[c.member.SerializedName] = append(byName[c.member.SerializedName], c)
	}

	conflicts := mapset.NewThreadUnsafeSet[string]()
	winners := make(map[string]memberCandidate, len(byName))
	for name, group := range byName {
		best := group[0]
		tie := false
		for _, c := range group[1:] {
			switch {
			case c.depth < best.depth:
				best, tie = c, false
			case c.depth == best.depth:
				tie = true
			}
		}
		if tie {
			conflicts.Add(name)
			continue
		}
		winners[name] = best
	}

	if conflicts.Cardinality() > 0 {
		names := conflicts.ToSlice()
		sort.Strings(names)
		return nil, &ContractError{Type: t, Reason: "duplicate serialized names " + strings.Join(names, ", ")}
	}

	c := &Contract{
		Kind:    KindObject,
		Type:    t,
		Members: make([]Member, 0, len(winners)),
		byName:  make(map[string]int, len(winners)),
	}
	for _, cand := range candidates {
		w, ok := winners[cand.member.SerializedName]
		if !ok || !sameIndex(w.member.Index, cand.member.Index) {
			continue
		}
		c.byName[cand.member.SerializedName] = len(c.Members)
		c.Members = append(c.Members, cand.member)
	}
	return c, nil
}

func collectMembers(t reflect.Type, index []int, depth int, optIn bool, out *[]memberCandidate) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Type == optInType {
			continue
		}

		name, omitEmpty, tagged, skip := parseMemberTag(field)
		if skip {
			continue
		}

		fieldIndex := make([]int, len(index)+1)
		copy(fieldIndex, index)
		fieldIndex[len(index)] = i

		if field.Anonymous && !tagged && field.Type.Kind() == reflect.Struct && !isAtomic(field.Type) {
			if err := collectMembers(field.Type, fieldIndex, depth+1, optIn, out); err != nil {
				return err
			}
			continue
		}

		if !field.IsExported() {
			continue
		}
		if optIn && field.Tag.Get(graphTagKey) == "" {
			continue
		}
		if name == "" {
			name = field.Name
		}

		*out = append(*out, memberCandidate{
			member: Member{
				Name:           field.Name,
				SerializedName: name,
				Index:          fieldIndex,
				Type:           field.Type,
				OmitEmpty:      omitEmpty,
			},
			depth: depth,
		})
	}
	return nil
}

// parseMemberTag reads the graph tag, falling back to the json tag.
func parseMemberTag(field reflect.StructField) (name string, omitEmpty, tagged, skip bool) {
	tag, ok := field.Tag.Lookup(graphTagKey)
	if !ok {
		tag, ok = field.Tag.Lookup(jsonTagKey)
	}
	if !ok {
		return "", false, false, false
	}
	if tag == "-" {
		return "", false, false, true
	}

	parts := strings.Split(tag, ",")
	name = strings.TrimSpace(parts[0])
	for _, opt := range parts[1:] {
		if strings.TrimSpace(opt) == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, name != "", false
}

func sameIndex(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func resolveBaseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func isAtomic(t reflect.Type) bool {
	if t.Kind() == reflect.Interface {
		return false
	}
	if t.Implements(jsonMarshalerType) || reflect.PointerTo(t).Implements(jsonMarshalerType) {
		return true
	}
	if t.Implements(textMarshalerType) || reflect.PointerTo(t).Implements(textMarshalerType) {
		return true
	}

	// Special-case common stdlib types with private fields.
	if t.PkgPath() == "time" && t.Name() == "Time" {
		return true
	}
	return false
}

func validMapKey(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return t.Implements(textMarshalerType) && reflect.PointerTo(t).Implements(reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem())
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

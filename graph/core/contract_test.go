package core

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

type testAddress struct {
	Street   string
	City     string
	PostCode string `graph:"zip"`
	Secret   string `graph:"-"` // excluded
	Expires  time.Time
}

type testProfile struct {
	ID            string
	Count         int64
	CreatedAt     time.Time
	Nickname      *string `graph:"alias"`
	Address       testAddress
	AddressPtr    *testAddress
	Tags          []string
	Addresses     []testAddress
	AddressPtrSet []*testAddress
	Ignored       string         `graph:"-"`
	Scores        map[string]int `json:"scores,omitempty"`
}

type embeddedBase struct {
	ID   string `graph:"id"`
	Kind string
}

type embeddedDerived struct {
	embeddedBase
	Kind  string
	Extra int
}

type clashLeft struct{ Name string }
type clashRight struct{ Name string }

type clashing struct {
	clashLeft
	clashRight
}

type optInRecord struct {
	OptIn
	Keep string `graph:"keep"`
	Drop string
}

func TestGetContract(t *testing.T) {
	ResetContractCache()

	c, err := GetContract(reflect.TypeOf(testProfile{}))
	if err != nil {
		t.Fatalf("GetContract returned error: %v", err)
	}
	if c.Kind != KindObject {
		t.Fatalf("expected object contract, got %s", c.Kind)
	}
	if len(c.Members) != 10 { // Ignored field is skipped.
		t.Fatalf("expected 10 members, got %d", len(c.Members))
	}

	alias, ok := c.Member("alias")
	if !ok {
		t.Fatalf("expected alias member")
	}
	if alias.Name != "Nickname" {
		t.Errorf("expected alias to map to Nickname, got %s", alias.Name)
	}
	if _, ok := c.Member("Ignored"); ok {
		t.Errorf("expected Ignored to be excluded")
	}

	scores, ok := c.Member("scores")
	if !ok || !scores.OmitEmpty {
		t.Fatalf("expected json tag fallback with omitempty, got %+v", scores)
	}

	addr, err := GetContract(reflect.TypeOf(&testAddress{}))
	if err != nil {
		t.Fatalf("GetContract(*testAddress) returned error: %v", err)
	}
	if _, ok := addr.Member("zip"); !ok {
		t.Fatalf("expected zip member in address contract")
	}
	if _, ok := addr.Member("Secret"); ok {
		t.Fatalf("expected Secret to be excluded")
	}
}

func TestGetContractCachesByBaseType(t *testing.T) {
	ResetContractCache()

	a, err := GetContract(reflect.TypeOf(testAddress{}))
	if err != nil {
		t.Fatalf("GetContract returned error: %v", err)
	}
	b, err := GetContract(reflect.TypeOf(&testAddress{}))
	if err != nil {
		t.Fatalf("GetContract returned error: %v", err)
	}
	if a != b {
		t.Fatalf("expected pointer and value types to share a contract")
	}
}

func TestGetContractKinds(t *testing.T) {
	cases := []struct {
		name   string
		sample any
		kind   ContractKind
		atomic bool
	}{
		{"int", 0, KindPrimitive, false},
		{"string", "", KindPrimitive, false},
		{"bytes", []byte{}, KindPrimitive, false},
		{"time", time.Time{}, KindPrimitive, true},
		{"slice", []int{}, KindArray, false},
		{"array", [3]string{}, KindArray, false},
		{"map", map[string]int{}, KindDictionary, false},
		{"int map", map[int]string{}, KindDictionary, false},
		{"struct", testAddress{}, KindObject, false},
		{"interface", reflect.TypeOf((*any)(nil)).Elem(), KindDynamic, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			typ, ok := tc.sample.(reflect.Type)
			if !ok {
				typ = reflect.TypeOf(tc.sample)
			}
			c, err := GetContract(typ)
			if err != nil {
				t.Fatalf("GetContract returned error: %v", err)
			}
			if c.Kind != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, c.Kind)
			}
			if c.Atomic != tc.atomic {
				t.Fatalf("expected atomic=%v", tc.atomic)
			}
		})
	}
}

func TestGetContractEmbeddedShadowing(t *testing.T) {
	c, err := GetContract(reflect.TypeOf(embeddedDerived{}))
	if err != nil {
		t.Fatalf("GetContract returned error: %v", err)
	}

	var names []string
	for _, m := range c.Members {
		names = append(names, m.SerializedName)
	}
	if !reflect.DeepEqual(names, []string{"id", "Kind", "Extra"}) {
		t.Fatalf("unexpected members %v", names)
	}

	kind, _ := c.Member("Kind")
	if len(kind.Index) != 1 {
		t.Fatalf("expected outer Kind to shadow the promoted one, got index %v", kind.Index)
	}

	v := embeddedDerived{embeddedBase: embeddedBase{ID: "x", Kind: "inner"}, Kind: "outer"}
	id, _ := c.Member("id")
	if got := id.Field(reflect.ValueOf(v)).String(); got != "x" {
		t.Fatalf("expected promoted id field, got %q", got)
	}
}

func TestGetContractDuplicateNames(t *testing.T) {
	_, err := GetContract(reflect.TypeOf(clashing{}))
	if err == nil {
		t.Fatalf("expected duplicate member error")
	}
	if !errors.Is(err, ErrContract) {
		t.Fatalf("expected ErrContract, got %v", err)
	}
}

func TestGetContractOptIn(t *testing.T) {
	c, err := GetContract(reflect.TypeOf(optInRecord{}))
	if err != nil {
		t.Fatalf("GetContract returned error: %v", err)
	}
	if len(c.Members) != 1 || c.Members[0].SerializedName != "keep" {
		t.Fatalf("expected only the tagged member, got %+v", c.Members)
	}
}

func TestGetContractUnsupported(t *testing.T) {
	for _, sample := range []any{make(chan int), func() {}, map[[2]int]string{}} {
		if _, err := GetContract(reflect.TypeOf(sample)); !errors.Is(err, ErrContract) {
			t.Fatalf("expected ErrContract for %T, got %v", sample, err)
		}
	}
}

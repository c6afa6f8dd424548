package core

import (
	"reflect"
	"testing"
)

type trackedOuter struct {
	Inner trackedInner
}

type trackedInner struct {
	N int
}

func TestReferenceTrackerAssignsMonotonicIDs(t *testing.T) {
	tr := NewReferenceTracker()
	a, b := &trackedInner{N: 1}, &trackedInner{N: 2}

	id, seen := tr.GetOrAssignID(reflect.ValueOf(a))
	if id != "1" || seen {
		t.Fatalf("expected fresh id 1, got %q seen=%v", id, seen)
	}
	id, seen = tr.GetOrAssignID(reflect.ValueOf(b))
	if id != "2" || seen {
		t.Fatalf("expected fresh id 2, got %q seen=%v", id, seen)
	}
	id, seen = tr.GetOrAssignID(reflect.ValueOf(a))
	if id != "1" || !seen {
		t.Fatalf("expected existing id 1, got %q seen=%v", id, seen)
	}
}

func TestReferenceTrackerIdentityRules(t *testing.T) {
	tr := NewReferenceTracker()

	if id, _ := tr.GetOrAssignID(reflect.ValueOf(trackedInner{})); id != "" {
		t.Fatalf("expected struct values to carry no identity, got %q", id)
	}
	var nilPtr *trackedInner
	if id, _ := tr.GetOrAssignID(reflect.ValueOf(nilPtr)); id != "" {
		t.Fatalf("expected nil pointers to carry no identity, got %q", id)
	}
	n := 4
	if id, _ := tr.GetOrAssignID(reflect.ValueOf(&n)); id != "" {
		t.Fatalf("expected primitive pointers to carry no identity, got %q", id)
	}

	// An outer struct and its first field share an address but not an identity.
	outer := &trackedOuter{}
	idOuter, _ := tr.GetOrAssignID(reflect.ValueOf(outer))
	idInner, seen := tr.GetOrAssignID(reflect.ValueOf(&outer.Inner))
	if idOuter == idInner || seen {
		t.Fatalf("expected distinct ids for outer and inner, got %q and %q", idOuter, idInner)
	}
}

func TestReferenceTrackerShouldWriteAsReference(t *testing.T) {
	tr := NewReferenceTracker()
	v := reflect.ValueOf(&trackedInner{})
	c, err := GetContract(v.Type())
	if err != nil {
		t.Fatalf("GetContract returned error: %v", err)
	}

	if tr.ShouldWriteAsReference(v, c) {
		t.Fatalf("expected first encounter to be written in full")
	}
	tr.GetOrAssignID(v)
	if !tr.ShouldWriteAsReference(v, c) {
		t.Fatalf("expected second encounter to be a reference")
	}
	if tr.ShouldWriteAsReference(v, &Contract{Kind: KindPrimitive}) {
		t.Fatalf("expected non-object contracts to never be references")
	}
}

func TestReferenceTrackerRegisterRead(t *testing.T) {
	tr := NewReferenceTracker()
	inst := reflect.ValueOf(&trackedInner{N: 7})

	if !tr.RegisterRead("1", inst) {
		t.Fatalf("expected first registration to succeed")
	}
	if tr.RegisterRead("1", reflect.ValueOf(&trackedInner{})) {
		t.Fatalf("expected duplicate id to be rejected")
	}

	got, ok := tr.Resolve("1")
	if !ok || got.Pointer() != inst.Pointer() {
		t.Fatalf("expected registered instance back")
	}
	if _, ok := tr.Resolve("2"); ok {
		t.Fatalf("expected unknown id to be unresolved")
	}
}

func TestReferenceTrackerRollback(t *testing.T) {
	tr := NewReferenceTracker()
	a, b := &trackedInner{}, &trackedInner{}

	tr.GetOrAssignID(reflect.ValueOf(a))
	mark := tr.mark()
	tr.GetOrAssignID(reflect.ValueOf(b))
	tr.rollback(mark)

	id, seen := tr.GetOrAssignID(reflect.ValueOf(b))
	if id != "2" || seen {
		t.Fatalf("expected rolled back id to be reissued, got %q seen=%v", id, seen)
	}
	if id, _ := tr.GetOrAssignID(reflect.ValueOf(a)); id != "1" {
		t.Fatalf("expected ids before the mark to survive, got %q", id)
	}
}

func TestReferenceTrackerClaim(t *testing.T) {
	tr := NewReferenceTracker()
	inst := reflect.ValueOf(&trackedInner{})

	if !tr.Claim(inst) {
		t.Fatalf("expected first claim to succeed")
	}
	if tr.Claim(inst) {
		t.Fatalf("expected second claim of the same instance to fail")
	}
	if !tr.Claim(reflect.ValueOf(&trackedInner{})) {
		t.Fatalf("expected a distinct instance to be claimable")
	}
	n := 3
	if !tr.Claim(reflect.ValueOf(&n)) || !tr.Claim(reflect.ValueOf(&n)) {
		t.Fatalf("expected values without identity to always be accepted")
	}
}

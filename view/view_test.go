package view

import "testing"

func TestCoordinatorIsFirstMember(t *testing.T) {
	a, b := NewAddress("A"), NewAddress("B")
	v := View{ID: 1, Members: []Address{a, b}}
	if v.Coordinator() != a {
		t.Fatalf("expected coordinator %v, got %v", a, v.Coordinator())
	}
}

func TestCoordinatorEmptyView(t *testing.T) {
	v := View{}
	if !v.Coordinator().IsZero() {
		t.Fatalf("expected zero address for empty view")
	}
}

func TestViewAfter(t *testing.T) {
	v1 := View{ID: 1}
	v2 := View{ID: 2}
	if !v2.After(v1) {
		t.Fatalf("expected v2 to be after v1")
	}
	if v1.After(v2) {
		t.Fatalf("expected v1 to not be after v2")
	}
}

func TestViewContains(t *testing.T) {
	a, b, c := NewAddress("A"), NewAddress("B"), NewAddress("C")
	v := View{Members: []Address{a, b}}
	if !v.Contains(a) || !v.Contains(b) {
		t.Fatalf("expected view to contain its members")
	}
	if v.Contains(c) {
		t.Fatalf("expected view to not contain non-member")
	}
}

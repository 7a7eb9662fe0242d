// Package view holds the membership types shared by every layer of the
// stack: the opaque per-member Address and the totally-ordered View a
// node is delivered on every membership change.
package view

import "fmt"

// Address is an opaque, hashable, totally orderable identity of a group
// member, generated by the transport layer at connect time.
type Address struct {
	id string
}

// NewAddress wraps an already-unique identifier (as produced by a
// transport) into an Address.
func NewAddress(id string) Address {
	return Address{id: id}
}

func (a Address) String() string {
	return a.id
}

// Less gives Address a total order, by comparing identifiers.
func (a Address) Less(other Address) bool {
	return a.id < other.id
}

// IsZero reports whether a is the zero Address (unset).
func (a Address) IsZero() bool {
	return a.id == ""
}

// View is an ordered sequence of member addresses plus a monotonically
// increasing identifier. The first member is the coordinator by
// convention (spec.md §3).
type View struct {
	ID      uint64
	Creator Address
	Members []Address
}

// Coordinator returns the first member of the view, or the zero Address
// if the view is empty.
func (v View) Coordinator() Address {
	if len(v.Members) == 0 {
		return Address{}
	}
	return v.Members[0]
}

// Contains reports whether addr is a member of v.
func (v View) Contains(addr Address) bool {
	for _, m := range v.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// After reports whether v is a legal successor of prev: strictly
// greater id, per the invariant in spec.md §8 ("V2.id > V1.id").
func (v View) After(prev View) bool {
	return v.ID > prev.ID
}

func (v View) String() string {
	return fmt.Sprintf("View{id=%d, members=%v}", v.ID, v.Members)
}

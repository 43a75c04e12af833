// Package xrefs implements the cross-reference store: a shared table mapping
// source addresses to target addresses with a kind tag.
package xrefs

import (
	"sort"

	"github.com/mewmew/cfa/bin"
)

// Kind is the kind of a cross-reference.
type Kind uint8

// Cross-reference kinds.
const (
	// Code is a jump reference.
	Code Kind = iota
	// Call is a call reference.
	Call
	// Data is a data access reference.
	Data
)

// kindNames maps cross-reference kinds to their string representation.
var kindNames = [...]string{
	Code: "code",
	Call: "call",
	Data: "data",
}

// String returns the string representation of the cross-reference kind.
func (kind Kind) String() string {
	if int(kind) < len(kindNames) {
		return kindNames[kind]
	}
	return "unknown"
}

// Ref is a cross-reference from a source address to a target address.
type Ref struct {
	// Source address of the reference.
	From bin.Addr
	// Target address of the reference.
	To bin.Addr
	// Kind of the reference.
	Kind Kind
}

// Store is an in-memory cross-reference store.
type Store struct {
	// Maps from source address to the references issued at that address.
	refs map[bin.Addr]map[Ref]bool
}

// NewStore returns an empty cross-reference store.
func NewStore() *Store {
	return &Store{
		refs: make(map[bin.Addr]map[Ref]bool),
	}
}

// Set records a reference of the given kind from one address to another.
// Recording an existing reference is a no-op.
func (s *Store) Set(from, to bin.Addr, kind Kind) {
	if s.refs[from] == nil {
		s.refs[from] = make(map[Ref]bool)
	}
	s.refs[from][Ref{From: from, To: to, Kind: kind}] = true
}

// Delete removes the reference of the given kind from one address to
// another, if present.
func (s *Store) Delete(from, to bin.Addr, kind Kind) {
	delete(s.refs[from], Ref{From: from, To: to, Kind: kind})
}

// From returns the references issued at addr, sorted by target address.
func (s *Store) From(addr bin.Addr) []Ref {
	var rs []Ref
	for ref := range s.refs[addr] {
		rs = append(rs, ref)
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].To != rs[j].To {
			return rs[i].To < rs[j].To
		}
		return rs[i].Kind < rs[j].Kind
	})
	return rs
}

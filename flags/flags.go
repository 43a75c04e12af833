// Package flags implements the flag and symbol oracle: a store of named
// markers attached to addresses of an executable image.
package flags

import (
	"sort"
	"strings"

	"github.com/mewmew/cfa/bin"
)

// Flag is a named marker at an address.
type Flag struct {
	// Flag name (e.g. "sym.main", "case.0x3000.2").
	Name string
	// Address the flag is attached to.
	Addr bin.Addr
	// Size in bytes of the flagged item.
	Size uint64
}

// Store is an in-memory flag store.
type Store struct {
	// Maps from address to the flags attached at that address.
	byAddr map[bin.Addr][]*Flag
	// Sorted flagged addresses, for closest-match queries.
	addrs bin.Addrs
}

// NewStore returns an empty flag store.
func NewStore() *Store {
	return &Store{
		byAddr: make(map[bin.Addr][]*Flag),
	}
}

// Set registers a flag with the given name, address and size. Setting an
// existing name at the same address updates its size.
func (s *Store) Set(name string, addr bin.Addr, size uint64) {
	for _, f := range s.byAddr[addr] {
		if f.Name == name {
			f.Size = size
			return
		}
	}
	f := &Flag{Name: name, Addr: addr, Size: size}
	if len(s.byAddr[addr]) == 0 {
		i := sort.Search(len(s.addrs), func(i int) bool {
			return s.addrs[i] >= addr
		})
		s.addrs = append(s.addrs, 0)
		copy(s.addrs[i+1:], s.addrs[i:])
		s.addrs[i] = addr
	}
	s.byAddr[addr] = append(s.byAddr[addr], f)
}

// GetAt returns a flag attached at addr, or nil if absent. With closest set,
// the flag attached at the closest preceding address is returned instead of
// nil.
func (s *Store) GetAt(addr bin.Addr, closest bool) *Flag {
	if fs := s.byAddr[addr]; len(fs) > 0 {
		return fs[0]
	}
	if !closest {
		return nil
	}
	i := sort.Search(len(s.addrs), func(i int) bool {
		return s.addrs[i] > addr
	})
	if i == 0 {
		return nil
	}
	return s.byAddr[s.addrs[i-1]][0]
}

// ExistAt reports whether a flag whose name starts with prefix exists at
// addr.
func (s *Store) ExistAt(prefix string, addr bin.Addr) bool {
	for _, f := range s.byAddr[addr] {
		if strings.HasPrefix(f.Name, prefix) {
			return true
		}
	}
	return false
}

// ### [ Helper functions ] ####################################################

// Names returns the names of every flag in the store, sorted.
func (s *Store) Names() []string {
	var names []string
	for _, fs := range s.byAddr {
		for _, f := range fs {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

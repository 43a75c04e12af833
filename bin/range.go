package bin

import "sort"

// AddrRange is a half-open address interval [Start, End).
type AddrRange struct {
	// Start address of the range (inclusive).
	Start Addr
	// End address of the range (exclusive).
	End Addr
}

// Contains reports whether addr lies within the range.
func (r AddrRange) Contains(addr Addr) bool {
	return r.Start <= addr && addr < r.End
}

// Len returns the byte length of the range.
func (r AddrRange) Len() uint64 {
	return uint64(r.End - r.Start)
}

// Ranges is a compact sorted set of address ranges, used for fast containment
// queries over the block ranges of a function.
type Ranges []AddrRange

// Add appends the range [start, end) to rs, keeping rs sorted by start
// address.
func (rs *Ranges) Add(start, end Addr) {
	r := AddrRange{Start: start, End: end}
	i := sort.Search(len(*rs), func(i int) bool {
		return (*rs)[i].Start >= start
	})
	*rs = append(*rs, AddrRange{})
	copy((*rs)[i+1:], (*rs)[i:])
	(*rs)[i] = r
}

// Contains reports whether addr lies within any range of rs.
func (rs Ranges) Contains(addr Addr) bool {
	// Binary search for the last range starting at or before addr, then scan
	// left while ranges may still cover addr.
	i := sort.Search(len(rs), func(i int) bool {
		return rs[i].Start > addr
	})
	for i--; i >= 0; i-- {
		if rs[i].Contains(addr) {
			return true
		}
	}
	return false
}

// Reset removes every range from rs.
func (rs *Ranges) Reset() {
	*rs = (*rs)[:0]
}

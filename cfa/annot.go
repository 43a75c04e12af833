package cfa

import (
	"bytes"
	"fmt"

	"github.com/mewmew/cfa/bin"
)

// Annotations is the line-oriented command stream appended to throughout
// analysis; a side channel consumed by the host for UI annotation.
type Annotations struct {
	buf bytes.Buffer
}

// Block appends a block declaration: `afb+ <fcn> <addr> <size>`.
func (an *Annotations) Block(fcn, addr bin.Addr, size uint64) {
	fmt.Fprintf(&an.buf, "afb+ 0x%x 0x%x %d\n", uint64(fcn), uint64(addr), size)
}

// Edge appends a block edge declaration: `afbe <from> <to>`.
func (an *Annotations) Edge(from, to bin.Addr) {
	fmt.Fprintf(&an.buf, "afbe 0x%x 0x%x\n", uint64(from), uint64(to))
}

// CodeXref appends a code xref declaration: `axc <target> <site>`.
func (an *Annotations) CodeXref(target, site bin.Addr) {
	fmt.Fprintf(&an.buf, "axc 0x%x 0x%x\n", uint64(target), uint64(site))
}

// Datum appends a datum annotation of the given byte width:
// `Cd <size> @ <addr>`.
func (an *Annotations) Datum(size int, addr bin.Addr) {
	fmt.Fprintf(&an.buf, "Cd %d @ 0x%08x\n", size, uint64(addr))
}

// Flag appends a flag registration: `f <name> <size> @ <addr>`.
func (an *Annotations) Flag(name string, size uint64, addr bin.Addr) {
	fmt.Fprintf(&an.buf, "f %s %d @ 0x%08x\n", name, size, uint64(addr))
}

// Comment appends a user comment: `CCu <text> @ <addr>`.
func (an *Annotations) Comment(text string, addr bin.Addr) {
	fmt.Fprintf(&an.buf, "CCu %s @ 0x%08x\n", text, uint64(addr))
}

// String returns the accumulated command stream.
func (an *Annotations) String() string {
	return an.buf.String()
}

// Reset discards the accumulated command stream.
func (an *Annotations) Reset() {
	an.buf.Reset()
}

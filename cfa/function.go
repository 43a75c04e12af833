package cfa

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/mewmew/cfa/bin"
)

// FuncType is a bitfield classifying a discovered function. Queries filter
// on a mask of types; the zero mask matches every type.
type FuncType uint8

// Function types.
const (
	// FuncFcn is an ordinary discovered function.
	FuncFcn FuncType = 1 << iota
	// FuncLoc is a location: a code region discovered through a jump rather
	// than a call.
	FuncLoc
	// FuncSym is a function named by a symbol.
	FuncSym
	// FuncImp is an imported function.
	FuncImp
	// FuncInt is an interrupt handler.
	FuncInt
	// FuncRoot requests exact entry-address matching in queries.
	FuncRoot
	// FuncAny matches every function type in queries.
	FuncAny FuncType = 0
)

// funcTypeNames maps function types to their string representation.
var funcTypeNames = map[FuncType]string{
	FuncFcn:  "fcn",
	FuncLoc:  "loc",
	FuncSym:  "sym",
	FuncImp:  "imp",
	FuncInt:  "int",
	FuncRoot: "root",
}

// String returns the string representation of the function type.
func (typ FuncType) String() string {
	if s, ok := funcTypeNames[typ]; ok {
		return s
	}
	return "unk"
}

// Function is a discovered function: its entry address, display name, owned
// basic blocks, and aggregate statistics.
type Function struct {
	// Entry address of the function; unique across live functions.
	Addr bin.Addr
	// Display name of the function.
	Name string
	// Classification of the function.
	Type FuncType
	// Basic blocks owned by the function, in discovery order.
	Blocks []*BasicBlock
	// Current and maximal stack pointer delta observed.
	Stack, MaxStack int64
	// Total number of instructions across blocks.
	NInstr int
	// Stored extent in bytes of the function's address range.
	size uint64
	// Sorted interval set over the block ranges, for fast containment.
	bbr bin.Ranges
	// Purity cache.
	pure       bool
	hasChanged bool
}

// NewFunction returns a new function with the given entry address and a
// defaulted display name.
func NewFunction(addr bin.Addr) *Function {
	f := &Function{
		Addr:       addr,
		Type:       FuncFcn,
		hasChanged: true,
	}
	f.Name = f.DefaultName()
	return f
}

// DefaultName returns the default display name of the function, derived
// from its entry address.
func (f *Function) DefaultName() string {
	return fmt.Sprintf("fcn.%08x", uint64(f.Addr))
}

// Size returns the stored extent in bytes of the function.
func (f *Function) Size() uint64 {
	return f.size
}

// End returns the address one past the stored extent of the function.
func (f *Function) End() bin.Addr {
	return f.Addr + bin.Addr(f.size)
}

// UpdateRanges rebuilds the block interval set of the function. It must be
// called after any structural mutation of the block set.
func (f *Function) UpdateRanges() {
	f.bbr.Reset()
	for _, bb := range f.sortedBlocks() {
		f.bbr.Add(bb.Addr, bb.End())
	}
}

// In reports whether addr lies within any block of the function.
func (f *Function) In(addr bin.Addr) bool {
	return f.bbr.Contains(addr)
}

// Contains reports whether addr belongs to the function: within a block, or
// within the stored extent for functions without blocks.
func (f *Function) Contains(addr bin.Addr) bool {
	if len(f.Blocks) == 0 {
		return f.Addr <= addr && addr < f.End()
	}
	return f.In(addr)
}

// BlockAt returns the block of the function starting exactly at addr, or
// nil if absent.
func (f *Function) BlockAt(addr bin.Addr) *BasicBlock {
	if addr == bin.NoAddr {
		return nil
	}
	for _, bb := range f.Blocks {
		if bb.Addr == addr {
			return bb
		}
	}
	return nil
}

// BlockIn returns the block of the function covering addr, or nil if none
// does.
func (f *Function) BlockIn(addr bin.Addr) *BasicBlock {
	if addr == bin.NoAddr {
		return nil
	}
	for _, bb := range f.Blocks {
		if bb.Contains(addr) {
			return bb
		}
	}
	return nil
}

// RealSize returns the sum of the block sizes of the function.
func (f *Function) RealSize() uint64 {
	var n uint64
	for _, bb := range f.Blocks {
		n += bb.Size
	}
	return n
}

// ContSize returns the contiguous size of the function: the sum of the
// sizes of blocks at or after the entry address.
func (f *Function) ContSize() uint64 {
	var n uint64
	for _, bb := range f.Blocks {
		if bb.Addr >= f.Addr {
			n += bb.Size
		}
	}
	return n
}

// String returns the string representation of the function.
func (f *Function) String() string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "%s (%v, %d bytes) {\n", f.Name, f.Addr, f.size)
	for _, bb := range f.sortedBlocks() {
		fmt.Fprintf(buf, "\t%v\n", bb)
	}
	buf.WriteString("}")
	return buf.String()
}

// ### [ Helper functions ] ####################################################

// sortedBlocks returns the blocks of the function in ascending address
// order. Blocks is kept in discovery order; callers requiring address order
// sort on demand.
func (f *Function) sortedBlocks() []*BasicBlock {
	bbs := make([]*BasicBlock, len(f.Blocks))
	copy(bbs, f.Blocks)
	sort.Slice(bbs, func(i, j int) bool {
		return bbs[i].Addr < bbs[j].Addr
	})
	return bbs
}

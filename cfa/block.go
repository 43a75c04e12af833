package cfa

import (
	"bytes"
	"fmt"

	"github.com/mewmew/cfa/bin"
)

// BlockType is a bitfield describing the position of a basic block within
// its function.
type BlockType uint8

// Basic block types.
const (
	// BlockHead is the first part of a split block.
	BlockHead BlockType = 1 << iota
	// BlockBody is a block in the middle of its function.
	BlockBody
	// BlockTail is the last part of a split block.
	BlockTail
)

// SwitchOp describes a recognized switch dispatch terminating a basic block,
// as populated by the jump table analyzer.
type SwitchOp struct {
	// Address of the indirect jump instruction.
	Addr bin.Addr
	// Start address of the jump table.
	Table bin.Addr
	// Size in bytes of a table entry.
	EntrySize int
	// Number of table entries walked.
	Count uint64
	// Default case target; bin.NoAddr when no guard was found.
	Default bin.Addr
	// Case target addresses, in table order.
	Cases []bin.Addr
}

// BasicBlock is a linear run of instructions with at most two successors.
type BasicBlock struct {
	// Start address of the block.
	Addr bin.Addr
	// Size in bytes of the block.
	Size uint64
	// Jump successor address; bin.NoAddr when the block falls off the end.
	Jump bin.Addr
	// Fail successor address; set only when the block ends with a
	// conditional branch.
	Fail bin.Addr
	// Number of instructions in the block.
	NInstr int
	// Position of the block within its function.
	Type BlockType
	// Stack pointer delta at the end of the block.
	StackPtr int64
	// The terminating branch is conditional.
	Conditional bool
	// Switch descriptor of a recognized jump table dispatch, if any.
	Switch *SwitchOp
	// Byte offsets of each instruction relative to Addr; opPos[0] is 0.
	opPos []uint16
}

// newBlock returns a new basic block at the given address with no
// successors.
func newBlock(addr bin.Addr) *BasicBlock {
	return &BasicBlock{
		Addr: addr,
		Jump: bin.NoAddr,
		Fail: bin.NoAddr,
	}
}

// End returns the address one past the last byte of the block.
func (bb *BasicBlock) End() bin.Addr {
	return bb.Addr + bin.Addr(bb.Size)
}

// Contains reports whether addr lies within the block.
func (bb *BasicBlock) Contains(addr bin.Addr) bool {
	return bb.Addr <= addr && addr < bb.End()
}

// InstrOff returns the byte offset of the i:th instruction of the block
// relative to the block start.
func (bb *BasicBlock) InstrOff(i int) uint16 {
	if i < 0 || i >= len(bb.opPos) {
		return 0
	}
	return bb.opPos[i]
}

// setInstrOff records the byte offset of the i:th instruction of the block,
// growing the offset table as needed.
func (bb *BasicBlock) setInstrOff(i int, off uint16) {
	for i >= len(bb.opPos) {
		bb.opPos = append(bb.opPos, 0)
	}
	bb.opPos[i] = off
}

// OpStartsAt reports whether an instruction of the block starts at addr.
func (bb *BasicBlock) OpStartsAt(addr bin.Addr) bool {
	if !bb.Contains(addr) {
		return false
	}
	off := uint16(addr - bb.Addr)
	for i := 0; i < bb.NInstr; i++ {
		if bb.InstrOff(i) == off {
			return true
		}
	}
	return false
}

// String returns the string representation of the basic block.
func (bb *BasicBlock) String() string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "block %v (%d bytes, %d instrs)", bb.Addr, bb.Size, bb.NInstr)
	if bb.Jump != bin.NoAddr {
		fmt.Fprintf(buf, " jump %v", bb.Jump)
	}
	if bb.Fail != bin.NoAddr {
		fmt.Fprintf(buf, " fail %v", bb.Fail)
	}
	return buf.String()
}

// SplitBlock splits the given block of fcn at addr, which must lie within
// the block. The head keeps the instructions preceding addr and falls
// through to the tail, which inherits the successors. Splitting at the block
// start address is a no-op and returns nil.
func (a *Analyzer) SplitBlock(fcn *Function, bbi *BasicBlock, addr bin.Addr) *BasicBlock {
	if addr == bin.NoAddr || addr == bbi.Addr {
		return nil
	}
	bb := a.appendBlock(fcn, addr)
	bb.Size = uint64(bbi.End() - addr)
	bb.Jump = bbi.Jump
	bb.Fail = bbi.Fail
	bb.Conditional = bbi.Conditional
	bb.Switch = bbi.Switch
	a.fitSize(fcn, bb)
	bbi.Size = uint64(addr - bbi.Addr)
	bbi.Jump = addr
	bbi.Fail = bin.NoAddr
	bbi.Conditional = false
	bbi.Switch = nil
	if bbi.Type&BlockHead != 0 {
		bb.Type = bbi.Type &^ BlockHead
		bbi.Type = BlockHead
	} else {
		bb.Type = bbi.Type
		bbi.Type = BlockBody
	}
	// Redistribute the instruction offsets of both halves.
	i := 0
	for i < bbi.NInstr && uint64(bbi.InstrOff(i)) < bbi.Size {
		i++
	}
	headInstr := i
	if uint64(bb.Addr-bbi.Addr) == uint64(bbi.InstrOff(i)) {
		bb.NInstr = 0
		for i < bbi.NInstr {
			off := bbi.InstrOff(i)
			if uint64(off) >= bbi.Size+bb.Size {
				break
			}
			bb.setInstrOff(bb.NInstr, off-uint16(bbi.Size))
			bb.NInstr++
			i++
		}
	}
	bbi.NInstr = headInstr
	fcn.hasChanged = true
	return bb
}

// appendBlock creates a fresh basic block at addr and attaches it to fcn.
func (a *Analyzer) appendBlock(fcn *Function, addr bin.Addr) *BasicBlock {
	bb := newBlock(addr)
	fcn.Blocks = append(fcn.Blocks, bb)
	fcn.hasChanged = true
	return bb
}

// blockIn returns the block of fcn covering addr, or nil if none does. With
// the mid-jump policy active on x86, only blocks with an instruction
// starting at addr qualify.
func (a *Analyzer) blockIn(fcn *Function, addr bin.Addr) *BasicBlock {
	jmpmid := a.Opts.JmpMid && a.isX86()
	for _, bb := range fcn.Blocks {
		zeroSized := bb.Size == 0 && addr == bb.Addr
		if (zeroSized || bb.Contains(addr)) && (!jmpmid || bb.OpStartsAt(addr)) {
			return bb
		}
	}
	return nil
}

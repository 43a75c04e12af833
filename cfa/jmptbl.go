package cfa

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/disasm"
	"github.com/mewmew/cfa/xrefs"
)

// Jump table analysis bounds.
const (
	// Maximum number of table entries walked absent a tighter compare
	// immediate.
	maxJmpTblSize = 512
	// Scan window in bytes after a candidate LEA for the terminating
	// indirect jump of a delta table idiom.
	leaSearchSize = 64
	// Envelope in bytes around the function entry that table entries must
	// fall within.
	maxTableFcnSize = 4096
)

// walkPointerTable walks a jump table of native- or delta-width pointers at
// tblLoc, queueing an annotation, a code xref, a block edge and a case flag
// for every case, and recursing on each case target. Entries that read as
// signed 32-bit deltas resolve against tblOff. ret0 is the running outcome
// of the enclosing block walk, threaded through the case recursions.
func (a *Analyzer) walkPointerTable(fcn *Function, bb *BasicBlock, depth int, ip, tblLoc, tblOff bin.Addr, sz int, tblSize uint64, defaultCase bin.Addr, ret0 Result) Result {
	ret := ret0
	if tblSize == 0 || tblSize > maxJmpTblSize {
		tblSize = maxJmpTblSize
	}
	if tblLoc == bin.NoAddr {
		return ret
	}
	data := make([]byte, tblSize*uint64(sz))
	a.Mem.ReadAt(tblLoc, data)

	// Vet the leading entries before walking: each must resolve to a mapped
	// address outside linker stub sections, within the function size
	// envelope.
	for i := 0; i < 3 && uint64(i) < tblSize; i++ {
		dst, ok := a.resolveEntry(readEntry(data[i*sz:], sz), tblOff)
		if !ok {
			return ret
		}
		if inStubSection(a.Mem.SectionAt(dst)) {
			return ret
		}
		if !a.inTableEnvelope(fcn, dst) {
			return ret
		}
	}

	var cases []bin.Addr
	offs := uint64(0)
	for ; offs+uint64(sz)-1 < tblSize*uint64(sz); offs += uint64(sz) {
		if a.interrupted() {
			break
		}
		entry := readEntry(data[offs:], sz)
		// A zero entry would resolve to the table base itself; treat it as
		// the end of the table.
		if entry == 0 {
			break
		}
		dst, ok := a.resolveEntry(entry, tblOff)
		if !ok {
			break
		}
		a.queueCase(ip, dst, offs/uint64(sz), tblLoc+bin.Addr(offs), sz)
		cases = append(cases, dst)
		r, _ := a.recurseAt(fcn, dst, depth)
		ret = r
	}
	if offs > 0 {
		a.finishTable(bb, ip, tblLoc, sz, cases, defaultCase)
	}
	return ret
}

// walkARMTable walks an "add pc, pc, r, lsl 2" style jump table, where the
// entry size equals the instruction width and each table slot is itself the
// branch instruction reached by the dispatch.
func (a *Analyzer) walkARMTable(fcn *Function, bb *BasicBlock, depth int, ip, tblLoc bin.Addr, sz int, tblSize uint64, defaultCase bin.Addr, ret0 Result) Result {
	ret := ret0
	if tblSize == 0 || tblSize > maxJmpTblSize {
		tblSize = maxJmpTblSize
	}
	if tblLoc == bin.NoAddr {
		return ret
	}
	var cases []bin.Addr
	offs := uint64(0)
	for ; offs+uint64(sz)-1 < tblSize*uint64(sz); offs += uint64(sz) {
		if a.interrupted() {
			break
		}
		dst := tblLoc + bin.Addr(offs)
		a.queueCase(ip, dst, offs/uint64(sz), dst, sz)
		cases = append(cases, dst)
		r, _ := a.recurseAt(fcn, dst, depth)
		ret = r
	}
	if offs > 0 {
		a.finishTable(bb, ip, tblLoc, sz, cases, defaultCase)
	}
	return ret
}

// isDeltaPointerTable recognizes the RVA table idiom
//
//	lea  reg1, [base]
//	mov  reg2, [reg1 + idx*4 + off]
//	add  reg2, reg1
//	jmp  reg2
//
// scanning ahead from the LEA at addr for the terminating indirect jump. On
// success it returns the table address and the decoded jump.
func (a *Analyzer) isDeltaPointerTable(fcn *Function, addr, leaPtr bin.Addr) (bin.Addr, *disasm.Op, bool) {
	if leaPtr == bin.NoAddr {
		return 0, nil, false
	}
	var buf [leaSearchSize]byte
	a.ReadAhead(addr, buf[:])
	var movOp, addOp, jmpOp *disasm.Op
	for i := 0; i+8 < leaSearchSize; {
		at := addr + bin.Addr(i)
		op, err := a.Dec.Decode(at, buf[i:])
		if err != nil {
			i++
			continue
		}
		if isIndirectJmp(op) {
			jmpOp = op
			break
		}
		switch op.Kind {
		case disasm.KindMov:
			movOp = op
		case disasm.KindAdd:
			addOp = op
		}
		i += op.Size
	}
	if jmpOp == nil {
		return 0, nil, false
	}
	tblAddr := leaPtr
	// MSVC style tables load through an extra table offset.
	if movOp != nil && addOp != nil && movOp.Addr < addOp.Addr && addOp.Addr < jmpOp.Addr &&
		movOp.Ptr != bin.NoAddr && movOp.Ptr != 0 {
		tblAddr += movOp.Ptr
	}
	// The first few entries interpreted as signed 32-bit deltas from the LEA
	// base must resolve inside the function envelope.
	var tbl [12]byte
	a.ReadAhead(tblAddr, tbl[:])
	for i := 0; i < 3; i++ {
		delta := int32(binary.LittleEndian.Uint32(tbl[i*4:]))
		dst := leaPtr + bin.Addr(int64(delta))
		if !a.Mem.IsValidAddr(dst, false) {
			return 0, nil, false
		}
		if !a.inTableEnvelope(fcn, dst) {
			return 0, nil, false
		}
	}
	return tblAddr, jmpOp, true
}

// jmpTblInfo derives the table size and default case of the switch dispatch
// at addr from the conditional jump guarding myBB: the non-table edge of
// the guard is the default case, and the immediate of the compare preceding
// the guard bounds the table.
func (a *Analyzer) jmpTblInfo(fcn *Function, addr bin.Addr, myBB *BasicBlock) (uint64, bin.Addr, bool) {
	// Indirect jumps inside linker stub sections are not switch dispatches.
	if inStubSection(a.Mem.SectionAt(addr)) {
		return 0, 0, false
	}
	// Search for the predecessor block; it must end in a conditional jump.
	var prev *BasicBlock
	for _, bb := range fcn.Blocks {
		if bb.Jump == myBB.Addr || bb.Fail == myBB.Addr {
			prev = bb
			break
		}
	}
	if prev == nil || prev.Jump == bin.NoAddr || prev.Fail == bin.NoAddr {
		if a.Opts.Verbose {
			warn.Printf("missing predecessor cjmp block at %v", addr)
		}
		return 0, 0, false
	}
	defaultCase := prev.Fail
	if prev.Jump != myBB.Addr {
		defaultCase = prev.Jump
	}
	// Search the predecessor for a compare with a reasonable immediate.
	data := make([]byte, prev.Size)
	a.Mem.ReadAt(prev.Addr, data)
	for i := 0; i < prev.NInstr; i++ {
		off := uint64(prev.InstrOff(i))
		if off >= prev.Size {
			continue
		}
		op, err := a.Dec.Decode(prev.Addr+bin.Addr(off), data[off:])
		if err != nil || op.Kind != disasm.KindCmp {
			continue
		}
		if op.Val == disasm.NoVal {
			// No immediate; let the walker bound the table.
			return 0, defaultCase, true
		}
		if op.Val >= 0x200 {
			if a.Opts.Verbose {
				warn.Printf("overlarge compare constant %d at %v", op.Val, op.Addr)
			}
			return 0, 0, false
		}
		return op.Val + 1, defaultCase, true
	}
	return 0, 0, false
}

// deltaJmpTblInfo derives the table size and default case of a delta table
// dispatch by scanning [leaAddr, jmpAddr) for the bounding compare and the
// conditional jump that follows it.
func (a *Analyzer) deltaJmpTblInfo(jmpAddr, leaAddr bin.Addr) (uint64, bin.Addr, bool) {
	if leaAddr > jmpAddr {
		return 0, 0, false
	}
	n := int(jmpAddr - leaAddr)
	data := make([]byte, n)
	a.Mem.ReadAt(leaAddr, data)
	var size uint64
	defaultCase := bin.NoAddr
	valid, foundCmp := false, false
	for i := 0; i+8 < n; {
		op, err := a.Dec.Decode(leaAddr+bin.Addr(i), data[i:])
		if err != nil {
			i++
			continue
		}
		if foundCmp {
			if isCondJmp(op) {
				defaultCase = op.Jump
				break
			}
		} else if op.Kind == disasm.KindCmp {
			if op.Val == disasm.NoVal {
				valid = true
				size = 0
			} else {
				valid = op.Val < 0x200
				size = op.Val + 1
			}
			foundCmp = true
		}
		i += op.Size
	}
	if !valid {
		return 0, 0, false
	}
	return size, defaultCase, true
}

// ### [ Helper functions ] ####################################################

// queueCase enqueues the UI annotations, code xref and block edge of a
// single switch case.
func (a *Analyzer) queueCase(switchAddr, caseAddr bin.Addr, id uint64, loc bin.Addr, entrySize int) {
	a.Annots.Datum(entrySize, loc)
	a.Annots.CodeXref(caseAddr, switchAddr)
	a.Annots.Edge(switchAddr, caseAddr)
	a.Annots.Flag(fmt.Sprintf("case.0x%x.%d", uint64(switchAddr), id), 1, caseAddr)
	if a.Xrefs != nil {
		a.Xrefs.Set(switchAddr, caseAddr, xrefs.Code)
	}
}

// finishTable records the switch descriptor on the dispatching block and
// emits the table comment and flags.
func (a *Analyzer) finishTable(bb *BasicBlock, ip, tblLoc bin.Addr, sz int, cases []bin.Addr, defaultCase bin.Addr) {
	a.Annots.Comment(fmt.Sprintf("switch table (%d cases) at 0x%x", len(cases), uint64(tblLoc)), ip)
	a.Annots.Flag(fmt.Sprintf("switch.0x%08x", uint64(ip)), 1, ip)
	if defaultCase != 0 && defaultCase != bin.NoAddr {
		a.Annots.Flag(fmt.Sprintf("case.default.0x%x", uint64(defaultCase)), 1, defaultCase)
	}
	bb.Switch = &SwitchOp{
		Addr:      ip,
		Table:     tblLoc,
		EntrySize: sz,
		Count:     uint64(len(cases)),
		Default:   defaultCase,
		Cases:     cases,
	}
}

// resolveEntry resolves a raw table entry to a mapped address: directly, or
// as a signed 32-bit delta against the table offset for tables using sign
// extended loads.
func (a *Analyzer) resolveEntry(entry uint64, tblOff bin.Addr) (bin.Addr, bool) {
	dst := bin.Addr(entry)
	if a.Mem.IsValidAddr(dst, false) {
		return dst, true
	}
	delta := int32(entry)
	dst = tblOff + bin.Addr(int64(delta))
	if a.Mem.IsValidAddr(dst, false) {
		return dst, true
	}
	return 0, false
}

// inTableEnvelope reports whether a table entry target falls within the
// accepted envelope around the function entry. Targets preceding the entry
// are accepted only under the JmpAbove policy.
func (a *Analyzer) inTableEnvelope(fcn *Function, dst bin.Addr) bool {
	if dst > fcn.Addr+maxTableFcnSize {
		return false
	}
	if dst >= fcn.Addr {
		return true
	}
	if !a.Opts.JmpAbove {
		return false
	}
	low := bin.Addr(0)
	if fcn.Addr > maxTableFcnSize {
		low = fcn.Addr - maxTableFcnSize
	}
	return dst >= low
}

// inStubSection reports whether sect is a linker generated trampoline
// section (.plt, or _stubs for mach0).
func inStubSection(sect *bin.Section) bool {
	if sect == nil || sect.Name == "" {
		return false
	}
	return strings.Contains(sect.Name, ".plt") || strings.Contains(sect.Name, "_stubs")
}

// readEntry reads one little-endian table entry of the given byte width.
func readEntry(data []byte, sz int) uint64 {
	switch sz {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	default:
		return binary.LittleEndian.Uint64(data)
	}
}

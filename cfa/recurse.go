package cfa

import (
	"fmt"
	"strings"

	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/disasm"
	"github.com/mewmew/cfa/xrefs"
)

// Size in bytes of the per-instruction decode buffer; enough to hold any
// instruction.
const instrBufSize = 32

// delayState is the two-pass branch delay slot counter. The first encounter
// of a delaying branch records its index and continues straight ahead; once
// the slot instructions are accounted for, the walk rewinds to re-process
// the branch, deducting the already-counted slot bytes.
type delayState struct {
	// Remaining slot instructions to pass.
	cnt int
	// Buffer index of the delaying branch.
	idx int
	// Buffer index of the instruction after the last slot instruction.
	after int
	// A delaying branch is pending re-processing.
	pending bool
	// Deduct the branch from the block on re-processing (set when the block
	// was not overlapped at first encounter).
	adjust bool
	// Buffer index past the current instruction, unaffected by rewinds.
	unIdx int
}

// recurse walks one basic block starting at addr, growing fcn, and recurses
// on every discovered successor. Outcomes and their errors are recovered
// locally by the caller: an Error outcome stops the failing branch but keeps
// what has been discovered.
func (a *Analyzer) recurse(fcn *Function, addr bin.Addr, depth int) (Result, error) {
	if a.interrupted() {
		return End, nil
	}
	a.throttle()
	if depth < 1 {
		return Error, ErrTooDeep
	}
	if !a.Opts.NonCode && !a.Mem.IsValidAddr(addr, true) {
		return End, nil
	}
	if !a.Mem.IsValidAddr(addr, false) {
		if a.Opts.Verbose && addr != bin.NoAddr {
			warn.Printf("invalid address %v", addr)
		}
		return Error, ErrInvalidMemory
	}
	if other := a.FcnAt(addr, FuncRoot); other != nil && other != fcn {
		return Error, ErrDuplicate
	}
	if bbi := a.blockIn(fcn, addr); bbi != nil {
		a.SplitBlock(fcn, bbi, addr)
		if a.Opts.ReCont {
			return End, nil
		}
		return Error, ErrDuplicate
	}

	bb := a.appendBlock(fcn, addr)
	if a.Opts.Verbose {
		dbg.Printf("append block at %v (fcn %v)", addr, fcn.Addr)
	}

	var (
		ret        = End
		retErr     error
		overlapped = false
		delay      delayState
		cmpval     = disasm.NoVal
		leaddr     = bin.NoAddr
		// Tracked table base of "mov reg, [base + idx*scale]" forms.
		movptr       = bin.NoAddr
		lastPush     = false
		lastPushAddr = bin.NoAddr
		lastMovLRPC  = false
		buf          [instrBufSize]byte
		idx          int
	)

scan:
	for idx < a.Opts.BBMaxSize {
		if a.interrupted() {
			break
		}
		at := addr + bin.Addr(idx)
		a.ReadAhead(at, buf[:])
		if invalidMemory(buf[:]) {
			if a.Opts.Verbose {
				warn.Printf("all-ones opcode at %v", at)
			}
			ret, retErr = Error, ErrDataStream
			break
		}
		op, err := a.Dec.Decode(at, buf[:])
		if err != nil {
			// Count surrounding 0xFF bytes; two or more reads as data.
			ffs := 0
			for _, b := range buf[:4] {
				if b == 0xff {
					ffs++
				}
			}
			if ffs >= 2 && a.Opts.Verbose {
				warn.Printf("undecodable instruction at %v; assuming data", at)
			}
			break
		}
		oplen := op.Size

		if idx > 0 && !overlapped {
			if bbg := a.blockIn(fcn, at); bbg != nil && bbg != bb {
				bb.Jump = at
				if a.Opts.JmpMid && a.isX86() {
					a.SplitBlock(fcn, bbg, at)
				}
				overlapped = true
				if a.Opts.Verbose {
					dbg.Printf("overlap at %v", at)
				}
			}
		}
		if !overlapped {
			bb.setInstrOff(bb.NInstr, uint16(at-bb.Addr))
			bb.NInstr++
			bb.Size += uint64(oplen)
			fcn.NInstr++
		}
		idx += oplen
		delay.unIdx = idx

		if op.Delay > 0 && !delay.pending {
			// First pass through a delaying branch: remember it and keep
			// going straight ahead.
			delay.idx = idx - oplen
			delay.cnt = op.Delay
			delay.pending = true
			delay.adjust = !overlapped
			continue
		}
		if delay.cnt > 0 {
			delay.cnt--
			if delay.cnt == 0 {
				// Slot bytes accounted for; rewind to the branch.
				delay.after = idx
				idx = delay.idx
			}
		} else if op.Delay > 0 && delay.pending {
			// Second pass of the delaying branch: it was already counted, so
			// deduct it before processing its successors.
			if delay.adjust {
				bb.Size -= uint64(oplen)
				bb.NInstr--
				fcn.NInstr--
				if !a.fitSize(fcn, bb) {
					return Error, ErrOverflow
				}
			}
			idx = delay.after
			delay = delayState{unIdx: delay.unIdx}
		}

		switch op.StackOp {
		case disasm.StackInc:
			if abs64(op.StackPtr) < 8096 {
				fcn.Stack += op.StackPtr
				if fcn.Stack > fcn.MaxStack {
					fcn.MaxStack = fcn.Stack
				}
			}
			bb.StackPtr += op.StackPtr
		case disasm.StackReset:
			bb.StackPtr = 0
		}
		if a.Xrefs != nil && op.Ptr != bin.NoAddr && op.Ptr != 0 && op.Ptr != 0xffffffff {
			a.Xrefs.Set(op.Addr, op.Ptr, xrefs.Data)
		}

		switch {
		case op.Kind == disasm.KindMov:
			if a.isARM() && op.Hint == "pc,lr,=" {
				lastMovLRPC = true
			}
			if a.Opts.JmpTbl && op.Scale != 0 && op.IReg != "" {
				movptr = op.Ptr
			}
			if a.Opts.HPSkip && hairpin(op) {
				switch a.skipEntryPattern(fcn, bb, addr, oplen, delay.unIdx, &idx, true) {
				case skipped:
					continue scan
				case skippedBefore:
					return End, nil
				}
			}

		case op.Kind == disasm.KindLea:
			// Record a candidate delta table base when the pointed bytes look
			// like an RVA table.
			if op.Ptr != bin.NoAddr {
				var p [4]byte
				a.Mem.ReadAt(op.Ptr, p[:])
				if p[2] == 0xff && p[3] == 0xff {
					leaddr = op.Ptr
				}
			}
			if a.Opts.HPSkip && hairpin(op) {
				switch a.skipEntryPattern(fcn, bb, addr, oplen, delay.unIdx, &idx, true) {
				case skipped:
					continue scan
				case skippedBefore:
					return End, nil
				}
			}
			if a.Opts.JmpTbl {
				if tblAddr, jmpOp, ok := a.isDeltaPointerTable(fcn, op.Addr, op.Ptr); ok {
					size, def, ok := a.jmpTblInfo(fcn, jmpOp.Addr, bb)
					if !ok {
						size, def, ok = a.deltaJmpTblInfo(jmpOp.Addr, op.Addr)
					}
					if ok {
						ret = a.walkPointerTable(fcn, bb, depth, jmpOp.Addr, tblAddr, op.Ptr, 4, size, def, ret)
					}
				}
			}

		case op.Kind == disasm.KindAdd:
			// A valid but unused "add [rax], al" followed by zero bytes marks
			// the end of code.
			if a.Opts.IJmp && op.Size+4 <= len(buf) && allZero(buf[op.Size:op.Size+4]) {
				bb.Size -= uint64(oplen)
				ret = End
				break scan
			}

		case op.Kind == disasm.KindIll:
			if a.Opts.NopSkip && allZero(buf[:4]) {
				if a.skipEntryPad(fcn, bb, addr, oplen, delay.unIdx, &idx) {
					continue scan
				}
				bb.Size -= uint64(oplen)
			}
			ret = End
			break scan

		case op.Kind == disasm.KindTrap:
			if a.Opts.NopSkip && buf[0] == 0xcc {
				if a.skipEntryPad(fcn, bb, addr, oplen, delay.unIdx, &idx) {
					continue scan
				}
			}
			ret = End
			break scan

		case op.Kind == disasm.KindNop:
			if a.Opts.NopSkip {
				if a.isMIPS() {
					// Do not skip nops when a symbol flags the entry.
					fi := a.flagAt(addr, false)
					if fi == nil || !strings.HasPrefix(fi.Name, "sym.") {
						if a.skipEntryPad(fcn, bb, addr, oplen, delay.unIdx, &idx) {
							continue scan
						}
					}
				} else {
					if fi := a.flagAt(fcn.Addr, false); fi == nil {
						switch a.skipEntryPattern(fcn, bb, addr, oplen, delay.unIdx, &idx, true) {
						case skipped:
							continue scan
						case skippedBefore:
							return End, nil
						}
					}
				}
			}

		case isDirectJmp(op):
			if op.Jump == bin.NoAddr {
				ret = End
				break scan
			}
			if fi := a.flagAt(op.Jump, false); fi != nil && strings.Contains(fi.Name, "imp.") {
				ret = End
				break scan
			}
			if a.interrupted() {
				return End, nil
			}
			if a.Opts.JmpRef && a.Xrefs != nil {
				a.Xrefs.Set(op.Addr, op.Jump, xrefs.Code)
			}
			if !a.Opts.JmpAbove && op.Jump < fcn.Addr {
				ret = End
				break scan
			}
			if a.noReturnAt(op.Jump) {
				ret = End
				break scan
			}
			mustEOB := a.Opts.EOBJmp
			if !mustEOB {
				if m := a.Mem.MapAt(addr); m != nil {
					mustEOB = !m.Contains(op.Jump)
				} else {
					mustEOB = true
				}
			}
			if mustEOB {
				// EOBJmp is set or the jump crosses the current memory
				// map; end the block without following.
				if !a.fitSize(fcn, bb) {
					return Error, ErrOverflow
				}
				return End, nil
			}
			if !overlapped {
				bb.Jump = op.Jump
				bb.Fail = bin.NoAddr
			}
			ret, _ = a.recurseAt(fcn, op.Jump, depth)
			if !a.fitSize(fcn, bb) {
				return Error, ErrOverflow
			}
			break scan

		case op.Kind == disasm.KindSub:
			if op.Val != disasm.NoVal && op.Val > 0 {
				cmpval = op.Val
			}

		case op.Kind == disasm.KindCmp:
			if op.Val != disasm.NoVal {
				cmpval = op.Val
			}

		case isCondJmp(op):
			if a.Opts.CJmpRef && a.Xrefs != nil {
				a.Xrefs.Set(op.Addr, op.Jump, xrefs.Code)
			}
			if !overlapped {
				bb.Jump = op.Jump
				bb.Fail = op.Fail
				bb.Conditional = true
			}
			jump, fail := op.Jump, op.Fail
			if a.Opts.JmpTbl && op.Ptr != bin.NoAddr && cmpval != disasm.NoVal &&
				fail != bin.NoAddr && (op.Reg != "" || op.IReg != "") {
				size := cmpval + 1
				if op.IReg != "" {
					ret = a.walkPointerTable(fcn, bb, depth, op.Addr, op.Ptr, op.Ptr, a.bits/8, size, fail, ret)
				} else {
					ret = a.walkARMTable(fcn, bb, depth, op.Addr, op.Ptr, a.bits/8, size, fail, ret)
				}
				// A successor equal to the table pointer is the table
				// location, not a code target.
				if jump == op.Ptr {
					jump = bin.NoAddr
				} else if fail == op.Ptr {
					fail = bin.NoAddr
				}
				cmpval = disasm.NoVal
			}
			if a.Opts.AfterJmp {
				ret, _ = a.recurseAt(fcn, jump, depth)
				ret, _ = a.recurseAt(fcn, fail, depth)
			} else if a.Opts.EOBJmp {
				if !overlapped {
					bb.Jump = jump
					bb.Fail = bin.NoAddr
				}
				if !a.fitSize(fcn, bb) {
					return Error, ErrOverflow
				}
				a.recurseAt(fcn, jump, depth)
				a.recurseAt(fcn, fail, depth)
				return End, nil
			} else {
				ret, _ = a.recurseAt(fcn, jump, depth)
				ret, _ = a.recurseAt(fcn, fail, depth)
				// A jump before the function entry breaks the function.
				if jump < fcn.Addr {
					if !overlapped {
						bb.Jump = jump
						bb.Fail = bin.NoAddr
					}
					if !a.fitSize(fcn, bb) {
						return Error, ErrOverflow
					}
					return End, nil
				}
			}
			break scan

		case op.Kind == disasm.KindCall && op.IsIndirect():
			if a.Xrefs != nil && op.Ptr != bin.NoAddr {
				a.Xrefs.Set(op.Addr, op.Ptr, xrefs.Call)
			}
			if op.Ptr != bin.NoAddr && a.noReturnAt(op.Ptr) {
				ret = End
				break scan
			}

		case op.Kind == disasm.KindCall:
			if a.Xrefs != nil && op.Jump != bin.NoAddr {
				a.Xrefs.Set(op.Addr, op.Jump, xrefs.Call)
			}
			if a.noReturnAt(op.Jump) {
				ret = End
				break scan
			}

		case isIndirectJmp(op):
			if a.isARM() && lastMovLRPC && op.Mod&disasm.ModReg != 0 {
				// mov lr, pc followed by a register jump is a call idiom, not
				// a block terminator.
				break
			}
			if a.Opts.IJmp && a.symbolNext(op) {
				ret = End
				break scan
			}
			if a.Opts.JmpTbl {
				switch {
				case op.Ptr != bin.NoAddr && op.IReg != "":
					if size, def, ok := a.jmpTblInfo(fcn, op.Addr, bb); ok {
						ret = a.walkPointerTable(fcn, bb, depth, op.Addr, op.Ptr, op.Ptr, a.bits/8, size, def, ret)
					}
				case op.Ptr != bin.NoAddr && op.Reg != "":
					if size, def, ok := a.jmpTblInfo(fcn, op.Addr, bb); ok {
						ret = a.walkPointerTable(fcn, bb, depth, op.Addr, op.Ptr, op.Ptr, a.bits/8, size, def, ret)
					}
				case movptr == 0:
					if leaddr != bin.NoAddr && cmpval != disasm.NoVal {
						ret = a.walkPointerTable(fcn, bb, depth, op.Addr, leaddr, leaddr, 4, cmpval+1, bin.NoAddr, ret)
					}
				case movptr != bin.NoAddr:
					if size, def, ok := a.jmpTblInfo(fcn, op.Addr, bb); ok {
						ret = a.walkPointerTable(fcn, bb, depth, op.Addr, movptr, movptr, a.bits/8, size, def, ret)
					}
					movptr = bin.NoAddr
				}
			}
			if a.Opts.IJmp {
				finish := false
				if a.Opts.AfterJmp {
					a.recurseAt(fcn, op.Jump, depth)
					a.recurseAt(fcn, op.Fail, depth)
					finish = overlapped
				}
				if !finish && a.noReturnAt(op.Jump) {
					finish = true
				}
				if finish {
					ret = End
					break scan
				}
			} else {
				ret = End
				break scan
			}

		case op.Kind == disasm.KindPush:
			lastPush = true
			lastPushAddr = bin.NoAddr
			if op.Val != disasm.NoVal {
				lastPushAddr = bin.Addr(op.Val)
				if a.Xrefs != nil && a.Mem.IsValidAddr(lastPushAddr, true) {
					a.Xrefs.Set(op.Addr, lastPushAddr, xrefs.Data)
				}
			}

		case op.Kind == disasm.KindRet:
			if op.Family == disasm.FamilyPriv {
				fcn.Type = FuncInt
			}
			if lastPush && a.Opts.PushRet && lastPushAddr != bin.NoAddr {
				// push addr; ret is a jump in disguise.
				bb.Jump = lastPushAddr
				ret, _ = a.recurseAt(fcn, lastPushAddr, depth)
				break scan
			}
			if !op.IsCond() {
				if a.Opts.Verbose {
					dbg.Printf("ret at %v", addr+bin.Addr(delay.unIdx-oplen))
				}
				ret = End
				break scan
			}
		}

		if op.Kind != disasm.KindPush {
			lastPush = false
		}
		if a.isARM() && op.Kind != disasm.KindMov {
			lastMovLRPC = false
		}
	}

	if !a.fitSize(fcn, bb) {
		return Error, ErrOverflow
	}
	return ret, retErr
}

// recurseAt recurses discovery at addr, decrementing the depth budget and
// refreshing the block interval set and index augmentation of fcn.
func (a *Analyzer) recurseAt(fcn *Function, addr bin.Addr, depth int) (Result, error) {
	res, err := a.recurse(fcn, addr, depth-1)
	fcn.UpdateRanges()
	a.SetSize(fcn, fcn.Size())
	return res, err
}

// Outcomes of skipEntryPattern.
type skipResult int

const (
	notSkipped skipResult = iota
	skipped
	skippedBefore
)

// skipEntryPattern skips a harmless pattern at the function entry by moving
// the entry past it, marking the spot with a skip flag so a later
// re-encounter terminates instead of recursing forever.
func (a *Analyzer) skipEntryPattern(fcn *Function, bb *BasicBlock, addr bin.Addr, oplen, unIdx int, idx *int, mark bool) skipResult {
	if addr+bin.Addr(unIdx-oplen) != fcn.Addr {
		return notSkipped
	}
	if mark && a.Flags != nil {
		if a.Flags.ExistAt("skip", addr) {
			return skippedBefore
		}
		a.Flags.Set(fmt.Sprintf("skip.%d", uint64(addr)), addr, uint64(oplen))
	}
	fcn.Addr += bin.Addr(oplen)
	bb.Addr += bin.Addr(oplen)
	bb.Size -= uint64(oplen)
	bb.NInstr--
	fcn.NInstr--
	*idx = unIdx
	return skipped
}

// skipEntryPad skips a pad instruction at the function entry without
// flagging it.
func (a *Analyzer) skipEntryPad(fcn *Function, bb *BasicBlock, addr bin.Addr, oplen, unIdx int, idx *int) bool {
	return a.skipEntryPattern(fcn, bb, addr, oplen, unIdx, idx, false) == skipped
}

// symbolNext reports whether the instruction after op carries a symbol
// flag, which marks the start of another routine.
func (a *Analyzer) symbolNext(op *disasm.Op) bool {
	fi := a.flagAt(op.Addr+bin.Addr(op.Size), false)
	if fi == nil {
		return false
	}
	return strings.Contains(fi.Name, "imp.") || strings.Contains(fi.Name, "sym.") ||
		strings.Contains(fi.Name, "entry") || strings.Contains(fi.Name, "main")
}

// ### [ Helper functions ] ####################################################

// isDirectJmp reports whether op is an unconditional direct jump.
func isDirectJmp(op *disasm.Op) bool {
	return op.Kind == disasm.KindJmp && op.Mod == 0
}

// isCondJmp reports whether op is a conditional jump of any form.
func isCondJmp(op *disasm.Op) bool {
	return op.Kind == disasm.KindJmp && op.Mod&disasm.ModCond != 0
}

// isIndirectJmp reports whether op is an unconditional indirect jump.
func isIndirectJmp(op *disasm.Op) bool {
	return op.Kind == disasm.KindJmp && op.IsIndirect() && op.Mod&disasm.ModCond == 0
}

// hairpin reports whether op moves a register onto itself.
func hairpin(op *disasm.Op) bool {
	return op.SrcReg != "" && op.SrcReg == op.DstReg
}

// invalidMemory reports whether the buffer starts with the all-ones
// pattern, which reads as unmapped memory.
func invalidMemory(buf []byte) bool {
	n := 4
	if len(buf) < n {
		n = len(buf)
	}
	for _, b := range buf[:n] {
		if b != 0xff {
			return false
		}
	}
	return n > 0
}

// allZero reports whether every byte of buf is zero.
func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// abs64 returns the absolute value of x.
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

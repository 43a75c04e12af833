// Package x86 implements an instruction oracle for the x86 architecture,
// backed by the x86asm decoder.
package x86

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/disasm"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Decoder decodes x86 instructions into the disasm instruction model. It
// implements the disasm.Decoder and disasm.Arch interfaces.
type Decoder struct {
	// Processor mode (16, 32 or 64-bit execution mode).
	Mode int
}

// New returns a new x86 instruction decoder for the given processor mode.
func New(mode int) *Decoder {
	return &Decoder{Mode: mode}
}

// ArchName returns the name of the decoded architecture.
func (d *Decoder) ArchName() string {
	return "x86"
}

// PtrBits returns the width in bits of a native pointer.
func (d *Decoder) PtrBits() int {
	return d.Mode
}

// Decode decodes the leading bytes in buf as a single x86 instruction at the
// given address.
func (d *Decoder) Decode(addr bin.Addr, buf []byte) (*disasm.Op, error) {
	inst, err := x86asm.Decode(buf, d.Mode)
	if err == nil && inst.Op == 0 {
		// x86asm reports a truncated encoding as a bare prefix byte without
		// an operation.
		err = errors.New("truncated instruction")
	}
	if err != nil {
		end := 16
		if end > len(buf) {
			end = len(buf)
		}
		fmt.Fprintln(os.Stderr, hex.Dump(buf[:end]))
		return nil, errors.Errorf("unable to parse instruction at address %v; %v", addr, err)
	}
	op := &disasm.Op{
		Addr: addr,
		Size: inst.Len,
		Kind: disasm.KindOther,
		Jump: bin.NoAddr,
		Fail: bin.NoAddr,
		Ptr:  bin.NoAddr,
		Val:  disasm.NoVal,
	}
	d.classify(op, &inst)
	return op, nil
}

// classify fills in the kind, modifiers, targets and stack effects of op from
// the decoded instruction.
func (d *Decoder) classify(op *disasm.Op, inst *x86asm.Inst) {
	switch inst.Op {
	case x86asm.JMP:
		op.Kind = disasm.KindJmp
		d.branchTarget(op, inst, false)
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		op.Kind = disasm.KindJmp
		op.Mod |= disasm.ModCond
		d.branchTarget(op, inst, true)
	case x86asm.CALL, x86asm.LCALL:
		op.Kind = disasm.KindCall
		d.branchTarget(op, inst, false)
		op.StackOp = disasm.StackInc
		op.StackPtr = int64(d.Mode / 8)
	case x86asm.RET, x86asm.LRET:
		op.Kind = disasm.KindRet
		op.StackOp = disasm.StackInc
		op.StackPtr = -int64(d.Mode / 8)
	case x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		op.Kind = disasm.KindRet
		op.Family = disasm.FamilyPriv
	case x86asm.PUSH:
		op.Kind = disasm.KindPush
		if imm, ok := immArg(inst); ok {
			op.Val = uint64(imm)
		}
		op.StackOp = disasm.StackInc
		op.StackPtr = int64(d.Mode / 8)
	case x86asm.POP:
		op.Kind = disasm.KindPop
		op.StackOp = disasm.StackInc
		op.StackPtr = -int64(d.Mode / 8)
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		op.Kind = disasm.KindMov
		d.memOperand(op, inst)
		regOperands(op, inst)
	case x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE, x86asm.CMOVE,
		x86asm.CMOVG, x86asm.CMOVGE, x86asm.CMOVL, x86asm.CMOVLE, x86asm.CMOVNE,
		x86asm.CMOVNO, x86asm.CMOVNP, x86asm.CMOVNS, x86asm.CMOVO, x86asm.CMOVP,
		x86asm.CMOVS:
		op.Kind = disasm.KindMov
		op.Mod |= disasm.ModCond
		d.memOperand(op, inst)
		regOperands(op, inst)
	case x86asm.LEA:
		op.Kind = disasm.KindLea
		d.memOperand(op, inst)
		regOperands(op, inst)
	case x86asm.ADD:
		op.Kind = disasm.KindAdd
		if imm, ok := immArg(inst); ok {
			op.Val = uint64(imm)
			if isStackReg(inst.Args[0]) {
				op.StackOp = disasm.StackInc
				op.StackPtr = -imm
			}
		}
		d.memOperand(op, inst)
	case x86asm.SUB:
		op.Kind = disasm.KindSub
		if imm, ok := immArg(inst); ok {
			op.Val = uint64(imm)
			if isStackReg(inst.Args[0]) {
				op.StackOp = disasm.StackInc
				op.StackPtr = imm
			}
		}
	case x86asm.CMP, x86asm.TEST:
		op.Kind = disasm.KindCmp
		if imm, ok := immArg(inst); ok {
			op.Val = uint64(imm)
		}
	case x86asm.NOP, x86asm.FNOP:
		op.Kind = disasm.KindNop
	case x86asm.INT, x86asm.INTO, x86asm.UD1, x86asm.UD2:
		op.Kind = disasm.KindTrap
	case x86asm.HLT, x86asm.CLI, x86asm.STI, x86asm.IN, x86asm.OUT,
		x86asm.RDMSR, x86asm.WRMSR:
		op.Kind = disasm.KindOther
		op.Family = disasm.FamilyPriv
		if inst.Op == x86asm.HLT {
			op.Kind = disasm.KindTrap
		}
	case x86asm.LEAVE:
		op.Kind = disasm.KindOther
		op.StackOp = disasm.StackReset
	default:
		op.Kind = disasm.KindOther
		d.memOperand(op, inst)
	}
}

// branchTarget derives the jump (and for conditional branches, fail) target
// of a branch instruction, marking indirect forms with modifiers.
func (d *Decoder) branchTarget(op *disasm.Op, inst *x86asm.Inst, cond bool) {
	next := op.Addr + bin.Addr(inst.Len)
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		op.Jump = next + bin.Addr(int64(arg))
	case x86asm.Reg:
		op.Mod |= disasm.ModReg
		op.Reg = arg.String()
	case x86asm.Mem:
		if arg.Index != 0 {
			op.Mod |= disasm.ModMem
			op.Scale = int(arg.Scale)
			op.IReg = arg.Index.String()
		} else {
			op.Mod |= disasm.ModInd
		}
		op.Ptr = d.memAddr(op.Addr, inst, arg)
	}
	if cond {
		op.Fail = next
	}
}

// memOperand records the address, scale and index register of the first
// memory operand of inst, if any.
func (d *Decoder) memOperand(op *disasm.Op, inst *x86asm.Inst) {
	for _, arg := range inst.Args {
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		if mem.Index != 0 {
			op.Scale = int(mem.Scale)
			op.IReg = mem.Index.String()
		}
		op.Ptr = d.memAddr(op.Addr, inst, mem)
		return
	}
}

// memAddr resolves the address of a memory operand. RIP-relative operands
// resolve to an absolute address; all other forms expose the raw
// displacement, which doubles as the table base of scaled-index operands.
func (d *Decoder) memAddr(addr bin.Addr, inst *x86asm.Inst, mem x86asm.Mem) bin.Addr {
	if mem.Base == x86asm.RIP {
		return addr + bin.Addr(inst.Len) + bin.Addr(mem.Disp)
	}
	if mem.Disp == 0 {
		return bin.NoAddr
	}
	return bin.Addr(mem.Disp)
}

// ### [ Helper functions ] ####################################################

// immArg returns the value of the first immediate operand of inst.
func immArg(inst *x86asm.Inst) (int64, bool) {
	for _, arg := range inst.Args {
		if imm, ok := arg.(x86asm.Imm); ok {
			return int64(imm), true
		}
	}
	return 0, false
}

// regOperands records source and destination register names of a
// register-to-register instruction; a move onto the own register is the
// hairpin pattern skipped at function entries.
func regOperands(op *disasm.Op, inst *x86asm.Inst) {
	dst, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return
	}
	op.DstReg = dst.String()
	if src, ok := inst.Args[1].(x86asm.Reg); ok {
		op.SrcReg = src.String()
	}
}

// isStackReg reports whether the argument is the stack pointer register.
func isStackReg(arg x86asm.Arg) bool {
	reg, ok := arg.(x86asm.Reg)
	if !ok {
		return false
	}
	return reg == x86asm.SP || reg == x86asm.ESP || reg == x86asm.RSP
}

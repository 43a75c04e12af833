package cfa

import (
	"encoding/binary"

	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/disasm"
	"github.com/pkg/errors"
)

// testISA is a synthetic instruction oracle with fixed-form encodings, used
// to drive the recursor deterministically without a real disassembler.
//
//	0x90       nop
//	0x01       other
//	0x02       add reg2, reg1
//	0x50       push reg
//	0x68 imm32 push imm
//	0x89 xx    mov reg, reg
//	0x3D imm32 cmp reg, imm
//	0xC3       ret
//	0xCC       trap
//	0xE8 rel32 call rel
//	0xE9 rel32 jmp rel
//	0x74 rel8  je rel
//	0xA0 imm32 lea reg, [imm]
//	0xF0 imm32 jmp [imm + idx*8]
//	0xF2       jmp reg
//	0xF5 imm32 mov reg2, [reg1 + idx*4 + imm]
//	0xD0 rel8  beq rel with one branch delay slot
type testISA struct {
	arch string
	bits int
}

func newTestISA() *testISA {
	return &testISA{arch: "x86", bits: 64}
}

func (isa *testISA) ArchName() string { return isa.arch }
func (isa *testISA) PtrBits() int     { return isa.bits }

func (isa *testISA) Decode(addr bin.Addr, buf []byte) (*disasm.Op, error) {
	if len(buf) < 1 {
		return nil, errors.New("empty buffer")
	}
	op := &disasm.Op{
		Addr: addr,
		Size: 1,
		Kind: disasm.KindOther,
		Jump: bin.NoAddr,
		Fail: bin.NoAddr,
		Ptr:  bin.NoAddr,
		Val:  disasm.NoVal,
	}
	switch buf[0] {
	case 0x90:
		op.Kind = disasm.KindNop
	case 0x01:
		op.Kind = disasm.KindOther
	case 0x02:
		op.Kind = disasm.KindAdd
	case 0x50:
		op.Kind = disasm.KindPush
		op.StackOp = disasm.StackInc
		op.StackPtr = 8
	case 0x68:
		op.Kind = disasm.KindPush
		op.Size = 5
		op.Val = uint64(binary.LittleEndian.Uint32(buf[1:]))
		op.StackOp = disasm.StackInc
		op.StackPtr = 8
	case 0x89:
		op.Kind = disasm.KindMov
		op.Size = 2
		op.SrcReg, op.DstReg = "rbx", "rax"
	case 0x3d:
		op.Kind = disasm.KindCmp
		op.Size = 5
		op.Val = uint64(binary.LittleEndian.Uint32(buf[1:]))
	case 0xc3:
		op.Kind = disasm.KindRet
	case 0xcc:
		op.Kind = disasm.KindTrap
	case 0xe8:
		op.Kind = disasm.KindCall
		op.Size = 5
		rel := int32(binary.LittleEndian.Uint32(buf[1:]))
		op.Jump = addr + 5 + bin.Addr(int64(rel))
	case 0xe9:
		op.Kind = disasm.KindJmp
		op.Size = 5
		rel := int32(binary.LittleEndian.Uint32(buf[1:]))
		op.Jump = addr + 5 + bin.Addr(int64(rel))
	case 0x74:
		op.Kind = disasm.KindJmp
		op.Mod = disasm.ModCond
		op.Size = 2
		op.Jump = addr + 2 + bin.Addr(int64(int8(buf[1])))
		op.Fail = addr + 2
	case 0xa0:
		op.Kind = disasm.KindLea
		op.Size = 5
		op.Ptr = bin.Addr(binary.LittleEndian.Uint32(buf[1:]))
	case 0xf0:
		op.Kind = disasm.KindJmp
		op.Mod = disasm.ModMem
		op.Size = 5
		op.Ptr = bin.Addr(binary.LittleEndian.Uint32(buf[1:]))
		op.Scale = 8
		op.IReg = "rcx"
	case 0xf2:
		op.Kind = disasm.KindJmp
		op.Mod = disasm.ModReg
		op.Reg = "rax"
	case 0xf5:
		op.Kind = disasm.KindMov
		op.Size = 5
		op.Scale = 4
		op.IReg = "rcx"
	case 0xd0:
		op.Kind = disasm.KindJmp
		op.Mod = disasm.ModCond
		op.Size = 2
		op.Delay = 1
		op.Jump = addr + 2 + bin.Addr(int64(int8(buf[1])))
		op.Fail = addr + 3
	default:
		return nil, errors.Errorf("invalid opcode %#x at %v", buf[0], addr)
	}
	if op.Size > len(buf) {
		return nil, errors.Errorf("truncated instruction at %v", addr)
	}
	return op, nil
}

// testImage builds an image with a .text section holding code at base and a
// .rodata section holding data at dataBase.
func testImage(base bin.Addr, code []byte, dataBase bin.Addr, data []byte) *bin.Image {
	img := &bin.Image{}
	img.AddSection(".text", base, code, true)
	if data != nil {
		img.AddSection(".rodata", dataBase, data, false)
	}
	return img
}

// le32 encodes x as 4 little-endian bytes.
func le32(x uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	return b[:]
}

// le64 encodes x as 8 little-endian bytes.
func le64(x uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return b[:]
}

// asm flattens byte sequences into one code buffer.
func asm(parts ...[]byte) []byte {
	var out []byte
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

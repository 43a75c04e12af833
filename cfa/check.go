package cfa

import (
	"bytes"

	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/disasm"
)

// preludes are classic x86 function prologue byte patterns.
var preludes = [][]byte{
	{0x55, 0x89, 0xe5},       // push ebp; mov ebp, esp
	{0x55, 0x8b, 0xec},       // push ebp; mov ebp, esp
	{0x8b, 0xff},             // mov edi, edi
	{0x55, 0x48, 0x89, 0xe5}, // push rbp; mov rbp, rsp
	{0x55, 0x48, 0x8b, 0xec}, // push rbp; mov rbp, rsp
}

// CheckFcn reports whether the bytes at addr plausibly start a function: a
// known prologue pattern, or a leading sweep dominated by push, move and
// branch instructions whose branch targets stay within [low, high).
func (a *Analyzer) CheckFcn(addr, low, high bin.Addr) bool {
	var buf [96]byte
	n := a.ReadAhead(addr, buf[:])
	if n < 10 {
		return false
	}
	for _, prelude := range preludes {
		if bytes.HasPrefix(buf[:n], prelude) {
			return true
		}
	}
	pushcnt, movcnt, brcnt := 0, 0, 0
	for i, opcnt := 0, 0; i < n && opcnt < 10; opcnt++ {
		op, err := a.Dec.Decode(addr+bin.Addr(i), buf[i:n])
		if err != nil {
			return false
		}
		switch {
		case op.Kind == disasm.KindPush:
			pushcnt++
		case op.Kind == disasm.KindMov:
			movcnt++
		case (op.Kind == disasm.KindJmp || op.Kind == disasm.KindCall) && !op.IsIndirect():
			if op.Jump < low || op.Jump >= high {
				return false
			}
			brcnt++
		case op.Kind == disasm.KindUnknown:
			return false
		}
		i += op.Size
	}
	return pushcnt+movcnt+brcnt > 5
}

// AnalyzeCase linearly sweeps the switch case at caseAddr until the first
// trap, return or direct jump, declaring the covered block and the edge
// from the dispatch site on the annotation stream. It returns the number of
// bytes covered.
func (a *Analyzer) AnalyzeCase(fcn *Function, switchAddr, caseAddr bin.Addr, n int) int {
	idx := 0
	for idx < n {
		if n-idx < 5 {
			break
		}
		var buf [instrBufSize]byte
		a.ReadAhead(caseAddr+bin.Addr(idx), buf[:])
		op, err := a.Dec.Decode(caseAddr+bin.Addr(idx), buf[:])
		if err != nil {
			return 0
		}
		switch {
		case op.Kind == disasm.KindTrap, op.Kind == disasm.KindRet, isDirectJmp(op):
			a.Annots.Block(fcn.Addr, caseAddr, uint64(idx+op.Size))
			a.Annots.Edge(switchAddr, caseAddr)
			return idx + op.Size
		}
		idx += op.Size
	}
	return idx
}

package cfa

import (
	"testing"

	"github.com/mewmew/cfa/bin"
	"github.com/stretchr/testify/require"
)

func TestCheckFcnPrelude(t *testing.T) {
	// A classic prologue byte pattern is accepted without decoding.
	const entry = bin.Addr(0x1000)
	code := asm([]byte{0x55, 0x89, 0xe5}, make([]byte, 16))
	a := newTestAnalyzer(testImage(entry, code, 0, nil))
	require.True(t, a.CheckFcn(entry, entry, entry+0x100))
}

func TestCheckFcnSweep(t *testing.T) {
	const entry = bin.Addr(0x1000)
	// Ten ops dominated by push/mov/call, with an in-range call target.
	code := asm(
		[]byte{0x50, 0x50, 0x50}, // push x3
		[]byte{0x89, 0x00},       // mov
		[]byte{0x89, 0x00},       // mov
		[]byte{0xe8}, le32(0xfffffff4), // call entry
		[]byte{0x50, 0x50, 0x50, 0x50}, // push x4
		make([]byte, 16),
	)
	a := newTestAnalyzer(testImage(entry, code, 0, nil))
	require.True(t, a.CheckFcn(entry, entry, entry+0x100))

	// The same sweep fails when the branch target leaves the window.
	require.False(t, a.CheckFcn(entry, entry+0x50, entry+0x100))
}

func TestCheckFcnRejectsShort(t *testing.T) {
	const entry = bin.Addr(0x1000)
	a := newTestAnalyzer(testImage(entry, []byte{0xc3}, 0, nil))
	require.False(t, a.CheckFcn(entry, entry, entry+0x100))
}

func TestAnalyzeCase(t *testing.T) {
	const (
		entry    = bin.Addr(0x1000)
		caseAddr = bin.Addr(0x1010)
	)
	code := asm(
		make([]byte, 0x10),
		[]byte{0x90, 0x90, 0xc3}, // 0x1010: nop; nop; ret
		make([]byte, 16),
	)
	a := newTestAnalyzer(testImage(entry, code, 0, nil))
	fcn := NewFunction(entry)
	n := a.AnalyzeCase(fcn, entry, caseAddr, 16)
	require.Equal(t, 3, n)
	annots := a.Annots.String()
	require.Contains(t, annots, "afb+ 0x1000 0x1010 3")
	require.Contains(t, annots, "afbe 0x1000 0x1010")
}

package cfa

import (
	"testing"

	"github.com/kr/pretty"
	"github.com/mewmew/cfa/bin"
)

// addBlock attaches a block of the given geometry to fcn.
func addBlock(a *Analyzer, fcn *Function, addr bin.Addr, size uint64, ninstr int) *BasicBlock {
	bb := a.appendBlock(fcn, addr)
	bb.Size = size
	bb.NInstr = ninstr
	for i := 0; i < ninstr; i++ {
		bb.setInstrOff(i, uint16(i))
	}
	fcn.UpdateRanges()
	return bb
}

func TestResizeTrimsBlocks(t *testing.T) {
	a := newTestAnalyzer(testImage(0x1000, []byte{0xc3}, 0, nil))
	fcn := NewFunction(0x1000)
	b1 := addBlock(a, fcn, 0x1000, 0x10, 2)
	b1.Jump = 0x1010
	b2 := addBlock(a, fcn, 0x1010, 0x10, 2)
	b2.Jump = 0x1030
	addBlock(a, fcn, 0x1030, 0x10, 2)
	a.SetSize(fcn, 0x40)

	if !a.Resize(fcn, 0x18) {
		t.Fatal("resize failed")
	}
	if fcn.Size() != 0x18 {
		t.Errorf("expected size 0x18, got %#x", fcn.Size())
	}
	if len(fcn.Blocks) != 2 {
		t.Fatalf("expected 2 blocks after resize, got %d", len(fcn.Blocks))
	}
	if b2.Size != 0x8 {
		t.Errorf("straddling block not trimmed; size %#x", b2.Size)
	}
	if b2.Jump != bin.NoAddr {
		t.Errorf("out-of-range jump not cleared: %v", b2.Jump)
	}
	if b1.Jump != 0x1010 {
		t.Errorf("in-range jump clobbered: %v", b1.Jump)
	}
	if a.Resize(fcn, 0) {
		t.Error("resize to zero must fail")
	}
}

func TestAddResizeCommutes(t *testing.T) {
	// Adding a block then resizing yields the same blocks and size as
	// setting the size then adding the block.
	img := testImage(0x1000, []byte{0xc3}, 0, nil)

	a1 := newTestAnalyzer(img)
	f1 := NewFunction(0x1000)
	addBlock(a1, f1, 0x1000, 0x10, 1)
	a1.Resize(f1, 0x20)

	a2 := newTestAnalyzer(img)
	f2 := NewFunction(0x1000)
	a2.SetSize(f2, 0x20)
	addBlock(a2, f2, 0x1000, 0x10, 1)
	f2.UpdateRanges()

	if f1.Size() != f2.Size() {
		t.Errorf("size mismatch: %#x vs %#x", f1.Size(), f2.Size())
	}
	if len(f1.Blocks) != len(f2.Blocks) {
		t.Fatalf("block count mismatch: %d vs %d", len(f1.Blocks), len(f2.Blocks))
	}
	for i := range f1.Blocks {
		b1, b2 := f1.Blocks[i], f2.Blocks[i]
		if b1.Addr != b2.Addr || b1.Size != b2.Size {
			t.Errorf("block %d differs:\n%s", i, pretty.Diff(b1, b2))
		}
	}
}

func TestFitOverlaps(t *testing.T) {
	a := newTestAnalyzer(testImage(0x1000, []byte{0xc3}, 0, nil))
	f1 := mkFcn(0x1000, 0x100)
	addBlock(a, f1, 0x1000, 0x100, 1)
	a.SetSize(f1, 0x100)
	f2 := mkFcn(0x1080, 0x40)
	a.Insert(f1)
	a.Insert(f2)

	a.FitOverlaps(nil)
	if f1.Size() != 0x80 {
		t.Errorf("expected straddling function shrunk to 0x80, got %#x", f1.Size())
	}
	if f2.Size() != 0x40 {
		t.Errorf("later function resized: %#x", f2.Size())
	}
}

func TestFunctionMetrics(t *testing.T) {
	a := newTestAnalyzer(testImage(0x1000, []byte{0xc3}, 0, nil))
	fcn := NewFunction(0x1000)
	b1 := addBlock(a, fcn, 0x1000, 0x10, 4)
	b1.Jump = 0x1020
	b1.Fail = 0x1010
	b2 := addBlock(a, fcn, 0x1010, 0x10, 4)
	b2.Jump = 0x1000 // back edge
	addBlock(a, fcn, 0x1020, 0x10, 2)

	if got := fcn.Loops(); got != 1 {
		t.Errorf("expected 1 loop, got %d", got)
	}
	edges, exits := fcn.CountEdges()
	if edges != 3 || exits != 1 {
		t.Errorf("expected 3 edges and 1 exit, got %d and %d", edges, exits)
	}
	if got := a.Complexity(fcn); got != 3-3+2*1 {
		t.Errorf("unexpected cyclomatic complexity %d", got)
	}
	if got := fcn.RealSize(); got != 0x30 {
		t.Errorf("expected real size 0x30, got %#x", got)
	}
}

func TestFcnInQueries(t *testing.T) {
	a := newTestAnalyzer(testImage(0x1000, []byte{0xc3}, 0, nil))
	f1 := mkFcn(0x1000, 0x20)
	addBlock(a, f1, 0x1000, 0x20, 1)
	f2 := mkFcn(0x2000, 0x20)
	f2.Type = FuncLoc
	addBlock(a, f2, 0x2000, 0x20, 1)
	a.Insert(f1)
	a.Insert(f2)

	if got := a.FcnIn(0x1010, FuncAny); got != f1 {
		t.Errorf("FcnIn(0x1010): expected f1, got %v", got)
	}
	if got := a.FcnIn(0x2010, FuncFcn); got != nil {
		t.Errorf("FcnIn with mask must filter locations, got %v", got)
	}
	if got := a.FcnAt(0x2000, FuncLoc); got != f2 {
		t.Errorf("FcnAt(0x2000): expected f2, got %v", got)
	}
	if got := a.Next(0x1000); got != f2 {
		t.Errorf("Next(0x1000): expected f2, got %v", got)
	}
	if got := a.CountBetween(0x0, 0x3000); got != 2 {
		t.Errorf("CountBetween: expected 2, got %d", got)
	}
	if got := a.FindName(f1.Name); got != f1 {
		t.Errorf("FindName(%q): expected f1, got %v", f1.Name, got)
	}
}

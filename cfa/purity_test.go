package cfa

import (
	"testing"

	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/xrefs"
)

// purityFixture builds a catalogue of single-block functions at the given
// addresses, each 0x10 bytes with one instruction at offset 0.
func purityFixture(t *testing.T, addrs ...bin.Addr) (*Analyzer, map[bin.Addr]*Function) {
	t.Helper()
	a := newTestAnalyzer(testImage(0x1000, []byte{0xc3}, 0, nil))
	fns := make(map[bin.Addr]*Function)
	for _, addr := range addrs {
		f := mkFcn(addr, 0x10)
		addBlock(a, f, addr, 0x10, 1)
		if !a.Insert(f) {
			t.Fatalf("insert of %v failed", addr)
		}
		fns[addr] = f
	}
	return a, fns
}

func TestPurity(t *testing.T) {
	a, fns := purityFixture(t, 0x1000, 0x2000, 0x3000)
	// f1 calls f2; f2 calls f3; f3 touches data.
	a.Xrefs.Set(0x1000, 0x2000, xrefs.Call)
	a.Xrefs.Set(0x2000, 0x3000, xrefs.Call)
	a.Xrefs.Set(0x3000, 0x9000, xrefs.Data)

	if a.IsPure(fns[0x3000]) {
		t.Error("function with a data reference must be impure")
	}
	if a.IsPure(fns[0x2000]) {
		t.Error("caller of an impure function must be impure")
	}
	if a.IsPure(fns[0x1000]) {
		t.Error("impurity must propagate transitively")
	}
}

func TestPurityPure(t *testing.T) {
	a, fns := purityFixture(t, 0x1000, 0x2000)
	a.Xrefs.Set(0x1000, 0x2000, xrefs.Call)
	if !a.IsPure(fns[0x2000]) {
		t.Error("leaf function without references must be pure")
	}
	if !a.IsPure(fns[0x1000]) {
		t.Error("caller of pure functions must be pure")
	}
}

func TestPuritySelfRecursive(t *testing.T) {
	// Self-recursion alone does not break purity.
	a, fns := purityFixture(t, 0x1000)
	a.Xrefs.Set(0x1000, 0x1000, xrefs.Call)
	if !a.IsPure(fns[0x1000]) {
		t.Error("self-recursive function without side effects must be pure")
	}
}

func TestPurityCycle(t *testing.T) {
	// Mutual recursion with one impure participant taints the cycle.
	a, fns := purityFixture(t, 0x1000, 0x2000)
	a.Xrefs.Set(0x1000, 0x2000, xrefs.Call)
	a.Xrefs.Set(0x2000, 0x1000, xrefs.Call)
	a.Xrefs.Set(0x2000, 0x9000, xrefs.Data)

	if a.IsPure(fns[0x2000]) {
		t.Error("function with a data reference must be impure")
	}
	if a.IsPure(fns[0x1000]) {
		t.Error("cycle member calling an impure function must be impure")
	}
}

func TestPurityInvalidation(t *testing.T) {
	a, fns := purityFixture(t, 0x1000)
	f := fns[0x1000]
	if !a.IsPure(f) {
		t.Fatal("expected pure function")
	}
	// A structural mutation invalidates the cache; a new data reference
	// flips the verdict.
	a.Xrefs.Set(0x1000, 0x9000, xrefs.Data)
	addBlock(a, f, 0x1010, 0x10, 1)
	a.SetSize(f, 0x20)
	if a.IsPure(f) {
		t.Error("mutated function must be re-checked and found impure")
	}
}

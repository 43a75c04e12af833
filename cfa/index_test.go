package cfa

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/mewmew/cfa/bin"
)

// mkFcn returns a function with the given entry and extent, bypassing
// discovery.
func mkFcn(addr bin.Addr, size uint64) *Function {
	f := NewFunction(addr)
	f.size = size
	return f
}

// checkAugmentation verifies that every node carries the maximum of
// addr+size-1 over its subtree.
func checkAugmentation(t *testing.T, n *treeNode) bin.Addr {
	t.Helper()
	if n == nil {
		return 0
	}
	want := endAddr(n.fcn)
	if n.left != nil {
		if m := checkAugmentation(t, n.left); m > want {
			want = m
		}
	}
	if n.right != nil {
		if m := checkAugmentation(t, n.right); m > want {
			want = m
		}
	}
	if n.max != want {
		t.Errorf("stale augmentation at node %v; expected max %v, got %v", n.fcn.Addr, want, n.max)
	}
	return n.max
}

// intersecting drains an interval iterator.
func intersecting(idx *Index, from, to bin.Addr) []*Function {
	var fns []*Function
	it := idx.Intersect(from, to)
	for fcn := it.Next(); fcn != nil; fcn = it.Next() {
		fns = append(fns, fcn)
	}
	return fns
}

func TestIndexFindAt(t *testing.T) {
	idx := NewIndex()
	fns := []*Function{
		mkFcn(0x1000, 0x100),
		mkFcn(0x2000, 0x80),
		mkFcn(0x3000, 0x10),
	}
	for _, f := range fns {
		idx.Insert(f)
	}
	for _, f := range fns {
		if got := idx.FindAt(f.Addr); got != f {
			t.Errorf("FindAt(%v): expected %v, got %v", f.Addr, f, got)
		}
	}
	if got := idx.FindAt(0x1001); got != nil {
		t.Errorf("FindAt(0x1001): expected nil, got %v", got)
	}
}

func TestIndexInsertIdempotent(t *testing.T) {
	idx := NewIndex()
	f := mkFcn(0x1000, 0x100)
	idx.Insert(f)
	idx.Insert(f)
	if idx.Count() != 1 {
		t.Errorf("expected 1 function after re-insert, got %d", idx.Count())
	}
}

func TestIndexDelete(t *testing.T) {
	idx := NewIndex()
	f1 := mkFcn(0x1000, 0x100)
	f2 := mkFcn(0x2000, 0x100)
	idx.Insert(f1)
	idx.Insert(f2)
	if !idx.Delete(f1) {
		t.Fatal("Delete(f1) failed")
	}
	if idx.Delete(f1) {
		t.Fatal("double delete succeeded")
	}
	if idx.FindAt(0x1000) != nil {
		t.Error("deleted function still indexed")
	}
	if idx.FindAt(0x2000) != f2 {
		t.Error("unrelated function lost on delete")
	}
	checkAugmentation(t, idx.root)
}

func TestIndexUpdateSize(t *testing.T) {
	idx := NewIndex()
	fns := []*Function{
		mkFcn(0x1000, 0x10),
		mkFcn(0x2000, 0x10),
		mkFcn(0x3000, 0x10),
	}
	for _, f := range fns {
		idx.Insert(f)
	}
	// Grow the middle function and fix the augmentation path.
	fns[1].size = 0x4000
	idx.UpdateSize(fns[1])
	checkAugmentation(t, idx.root)

	got := intersecting(idx, 0x5000, 0x5001)
	if len(got) != 1 || got[0] != fns[1] {
		t.Errorf("expected grown function to intersect 0x5000, got %v", got)
	}
}

func TestIndexIntersectSoundness(t *testing.T) {
	// The iterator yields every function whose range intersects the query
	// and no others, in ascending entry order.
	prng := rand.New(rand.NewSource(7))
	idx := NewIndex()
	var fns []*Function
	used := make(map[bin.Addr]bool)
	for i := 0; i < 300; i++ {
		addr := bin.Addr(prng.Intn(1 << 16))
		if used[addr] {
			continue
		}
		used[addr] = true
		f := mkFcn(addr, uint64(1+prng.Intn(0x200)))
		fns = append(fns, f)
		idx.Insert(f)
	}
	if idx.Count() != len(fns) {
		t.Fatalf("expected %d indexed functions, got %d", len(fns), idx.Count())
	}
	checkAugmentation(t, idx.root)

	for trial := 0; trial < 200; trial++ {
		from := bin.Addr(prng.Intn(1 << 16))
		to := from + bin.Addr(1+prng.Intn(0x400))
		var want []*Function
		for _, f := range fns {
			if f.Addr < to && from < f.Addr+bin.Addr(f.size) {
				want = append(want, f)
			}
		}
		sort.Slice(want, func(i, j int) bool { return want[i].Addr < want[j].Addr })
		got := intersecting(idx, from, to)
		if len(got) != len(want) {
			t.Fatalf("[%v, %v): expected %d functions, got %d", from, to, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("[%v, %v): mismatch at %d: expected %v, got %v", from, to, i, want[i].Addr, got[i].Addr)
			}
		}
	}

	// Delete half and re-verify.
	for i, f := range fns {
		if i%2 == 0 {
			if !idx.Delete(f) {
				t.Fatalf("Delete(%v) failed", f.Addr)
			}
		}
	}
	checkAugmentation(t, idx.root)
	for trial := 0; trial < 50; trial++ {
		from := bin.Addr(prng.Intn(1 << 16))
		to := from + bin.Addr(1+prng.Intn(0x400))
		var want []*Function
		for i, f := range fns {
			if i%2 == 0 {
				continue
			}
			if f.Addr < to && from < f.Addr+bin.Addr(f.size) {
				want = append(want, f)
			}
		}
		got := intersecting(idx, from, to)
		if len(got) != len(want) {
			t.Fatalf("after delete [%v, %v): expected %d functions, got %d", from, to, len(want), len(got))
		}
	}
}

func TestIndexListConsistency(t *testing.T) {
	// A function is in the index iff it is in the top-level list.
	a := newTestAnalyzer(testImage(0x1000, []byte{0xc3}, 0, nil))
	f1 := mkFcn(0x1000, 1)
	f2 := mkFcn(0x2000, 1)
	if !a.Insert(f1) || !a.Insert(f2) {
		t.Fatal("insert failed")
	}
	if a.Insert(mkFcn(0x1000, 4)) {
		t.Fatal("duplicate entry insert must fail")
	}
	for _, f := range a.Funcs {
		if a.Index.FindAt(f.Addr) != f {
			t.Errorf("function %v in list but not in index", f.Addr)
		}
	}
	a.Delete(0x1000)
	if len(a.Funcs) != 1 || a.Index.FindAt(0x1000) != nil {
		t.Error("delete left index and list inconsistent")
	}
	if a.Index.Count() != len(a.Funcs) {
		t.Errorf("index count %d != list length %d", a.Index.Count(), len(a.Funcs))
	}
}

package cfa

import (
	"github.com/mewmew/cfa/bin"
)

// Index is an augmented order-statistic tree over functions, keyed on
// (addr, addr+size), where every node carries the maximum of addr+size-1
// over its subtree. The augmentation permits enumeration of functions whose
// range intersects a query interval in O(log n + k).
//
// The index holds non-owning references to functions owned by the top-level
// function list of the analyzer.
type Index struct {
	root  *treeNode
	count int
}

// treeNode is a node of the AVL tree backing the index.
type treeNode struct {
	fcn         *Function
	left, right *treeNode
	height      int
	// Maximum of fcn.Addr+fcn.Size()-1 over the subtree rooted here.
	max bin.Addr
}

// NewIndex returns an empty function index.
func NewIndex() *Index {
	return &Index{}
}

// Count returns the number of functions in the index.
func (idx *Index) Count() int {
	return idx.count
}

// Insert places fcn at its sort key, recomputing the augmented maximum along
// the insertion path. Insert is idempotent by key.
func (idx *Index) Insert(fcn *Function) {
	idx.root = idx.insert(idx.root, fcn)
}

// Delete removes fcn from the index and rebalances. It reports whether the
// function was present.
func (idx *Index) Delete(fcn *Function) bool {
	var deleted bool
	idx.root, deleted = idx.delete(idx.root, fcn)
	if deleted {
		idx.count--
	}
	return deleted
}

// UpdateSize refreshes the augmented maxima on the path to fcn after its
// extent has changed. Unknown functions are ignored.
func (idx *Index) UpdateSize(fcn *Function) {
	updatePath(idx.root, fcn.Addr)
}

// FindAt returns the function whose entry address is exactly addr, or nil
// if absent.
func (idx *Index) FindAt(addr bin.Addr) *Function {
	n := idx.root
	for n != nil {
		if n.fcn.Addr == addr {
			return n.fcn
		}
		if n.fcn.Addr < addr {
			n = n.right
		} else {
			n = n.left
		}
	}
	return nil
}

// ### [ Interval iteration ] ##################################################

// IndexIter enumerates the functions whose range intersects a query
// interval, in ascending entry address order. The iterator keeps an explicit
// path stack so each step is O(1) amortized, bounded by tree height.
type IndexIter struct {
	from, to bin.Addr
	cur      *treeNode
	path     []*treeNode
}

// Intersect returns an iterator over every function whose range
// [addr, addr+size) intersects [from, to).
func (idx *Index) Intersect(from, to bin.Addr) *IndexIter {
	it := &IndexIter{from: from, to: to}
	if idx.root != nil && from <= idx.root.max {
		it.cur = it.probe(idx.root)
	}
	return it
}

// Next returns the next intersecting function, or nil when the iteration is
// exhausted.
func (it *IndexIter) Next() *Function {
	if it.cur == nil {
		return nil
	}
	n := it.cur
	it.advance()
	return n.fcn
}

// probe descends from x to the first node whose interval intersects
// [from, to), pushing the nodes still to revisit onto the path stack.
func (it *IndexIter) probe(x *treeNode) *treeNode {
	for {
		if y := x.left; y != nil && it.from <= y.max {
			it.path = append(it.path, x)
			x = y
			continue
		}
		if x.fcn.Addr <= it.to-1 {
			if it.from <= endAddr(x.fcn) {
				return x
			}
			if y := x.right; y != nil {
				x = y
				if it.from <= x.max {
					continue
				}
			}
		}
		return nil
	}
}

// advance moves the iterator to the next intersecting node.
func (it *IndexIter) advance() {
	x := it.cur
	for {
		if y := x.right; y != nil && it.from <= y.max {
			it.cur = it.probe(y)
			return
		}
		if len(it.path) == 0 {
			it.cur = nil
			return
		}
		x = it.path[len(it.path)-1]
		it.path = it.path[:len(it.path)-1]
		if it.to-1 < x.fcn.Addr {
			it.cur = nil
			return
		}
		if it.from <= endAddr(x.fcn) {
			it.cur = x
			return
		}
	}
}

// ### [ AVL internals ] #######################################################

// cmpFcn orders functions by (addr, addr+size-1). Equal intervals compare
// equal.
func cmpFcn(a, b *Function) int {
	switch {
	case a.Addr < b.Addr:
		return -1
	case a.Addr > b.Addr:
		return 1
	}
	aEnd, bEnd := endAddr(a), endAddr(b)
	switch {
	case aEnd < bEnd:
		return -1
	case aEnd > bEnd:
		return 1
	}
	return 0
}

// endAddr returns the maximum address covered by the function; the entry
// address itself for zero-sized functions.
func endAddr(f *Function) bin.Addr {
	if f.size == 0 {
		return f.Addr
	}
	return f.Addr + bin.Addr(f.size) - 1
}

func (idx *Index) insert(n *treeNode, fcn *Function) *treeNode {
	if n == nil {
		idx.count++
		return &treeNode{fcn: fcn, height: 1, max: endAddr(fcn)}
	}
	switch c := cmpFcn(fcn, n.fcn); {
	case c < 0:
		n.left = idx.insert(n.left, fcn)
	case c > 0:
		n.right = idx.insert(n.right, fcn)
	default:
		n.fcn = fcn
		n.update()
		return n
	}
	return rebalance(n)
}

func (idx *Index) delete(n *treeNode, fcn *Function) (*treeNode, bool) {
	if n == nil {
		return nil, false
	}
	var deleted bool
	switch c := cmpFcn(fcn, n.fcn); {
	case c < 0:
		n.left, deleted = idx.delete(n.left, fcn)
	case c > 0:
		n.right, deleted = idx.delete(n.right, fcn)
	default:
		deleted = true
		if n.left == nil {
			return n.right, true
		}
		if n.right == nil {
			return n.left, true
		}
		// Replace with the in-order successor.
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.fcn = succ.fcn
		n.right, _ = idx.delete(n.right, succ.fcn)
	}
	return rebalance(n), deleted
}

// update refreshes the height and augmented maximum of n from its children.
// It is the hook invoked on every structural rotation.
func (n *treeNode) update() {
	n.height = 1
	n.max = endAddr(n.fcn)
	if n.left != nil {
		if n.left.height+1 > n.height {
			n.height = n.left.height + 1
		}
		if n.left.max > n.max {
			n.max = n.left.max
		}
	}
	if n.right != nil {
		if n.right.height+1 > n.height {
			n.height = n.right.height + 1
		}
		if n.right.max > n.max {
			n.max = n.right.max
		}
	}
}

func height(n *treeNode) int {
	if n == nil {
		return 0
	}
	return n.height
}

func balance(n *treeNode) int {
	return height(n.left) - height(n.right)
}

func rebalance(n *treeNode) *treeNode {
	n.update()
	switch b := balance(n); {
	case b > 1:
		if balance(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case b < -1:
		if balance(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

func rotateLeft(n *treeNode) *treeNode {
	r := n.right
	n.right = r.left
	r.left = n
	n.update()
	r.update()
	return r
}

func rotateRight(n *treeNode) *treeNode {
	l := n.left
	n.left = l.right
	l.right = n
	n.update()
	l.update()
	return l
}

// updatePath walks from the root towards the node holding addr, refreshing
// the augmented maxima on unwind.
func updatePath(n *treeNode, addr bin.Addr) bool {
	if n == nil {
		return false
	}
	found := false
	switch {
	case n.fcn.Addr == addr:
		found = true
	case n.fcn.Addr < addr:
		found = updatePath(n.right, addr)
	default:
		found = updatePath(n.left, addr)
	}
	if found {
		n.update()
	}
	return found
}

package cfa

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/xrefs"
)

// IsPure reports whether fcn is pure: it performs no data reference and
// every function it reaches through call and code references is itself
// pure. The result is cached on the function and recomputed after
// structural mutation.
//
// Cycles are tolerated: a function under analysis reads as tentatively pure,
// so self-recursion alone does not break purity; any reachable impurity
// still propagates.
func (a *Analyzer) IsPure(fcn *Function) bool {
	if fcn.hasChanged {
		checked := mapset.NewThreadUnsafeSet[bin.Addr]()
		a.checkPurity(checked, fcn)
		// The verdict of the root of the walk is exact.
		fcn.hasChanged = false
	}
	return fcn.pure
}

// checkPurity recomputes the purity of fcn, memoizing visited functions in
// checked. The function is inserted before recursion so an in-progress
// entry reads as tentatively pure. An impure verdict is final and cached; a
// pure verdict may rest on a tentatively pure entry, so it stays uncached
// until the function itself is queried.
func (a *Analyzer) checkPurity(checked mapset.Set[bin.Addr], fcn *Function) {
	checked.Add(fcn.Addr)
	fcn.pure = true
	fcn.hasChanged = true
	for _, ref := range a.refs(fcn) {
		switch ref.Kind {
		case xrefs.Call, xrefs.Code:
			callee := a.FcnIn(ref.To, FuncAny)
			if callee == nil {
				continue
			}
			if !checked.Contains(callee.Addr) {
				a.checkPurity(checked, callee)
			}
			if !callee.pure {
				fcn.pure = false
				fcn.hasChanged = false
				return
			}
		case xrefs.Data:
			fcn.pure = false
			fcn.hasChanged = false
			return
		}
	}
}

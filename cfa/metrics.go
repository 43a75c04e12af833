package cfa

import (
	"github.com/mewmew/cfa/bin"
)

// Loops returns the number of back edges of the function: successor edges
// pointing before their own block.
func (f *Function) Loops() int {
	loops := 0
	for _, bb := range f.Blocks {
		if bb.Jump != bin.NoAddr && bb.Jump < bb.Addr {
			loops++
		}
		if bb.Fail != bin.NoAddr && bb.Fail < bb.Addr {
			loops++
		}
	}
	return loops
}

// CountEdges returns the number of successor edges of the function and the
// number of exit blocks (blocks with no successors).
func (f *Function) CountEdges() (edges, exits int) {
	for _, bb := range f.Blocks {
		if bb.Jump == bin.NoAddr && bb.Fail == bin.NoAddr {
			exits++
			continue
		}
		if bb.Jump != bin.NoAddr {
			edges++
		}
		if bb.Fail != bin.NoAddr {
			edges++
		}
	}
	return edges, exits
}

// Complexity returns the cyclomatic complexity of the function:
//
//	CC = E - N + 2P
//
// with E the number of edges, N the number of blocks and P the number of
// exit blocks. Switch dispatches contribute one edge per case.
func (a *Analyzer) Complexity(fcn *Function) int {
	e, n, p := 0, 0, 0
	for _, bb := range fcn.Blocks {
		n++
		if a.Opts.Verbose && bb.Jump == bin.NoAddr && bb.Fail != bin.NoAddr {
			warn.Printf("invalid jump/fail pair of block %v (fcn %v)", bb.Addr, fcn.Addr)
		}
		if bb.Jump == bin.NoAddr && bb.Fail == bin.NoAddr {
			p++
		} else {
			e++
			if bb.Fail != bin.NoAddr {
				e++
			}
		}
		if bb.Switch != nil {
			e += len(bb.Switch.Cases)
		}
	}
	result := e - n + 2*p
	if result < 1 && a.Opts.Verbose {
		warn.Printf("degenerate cyclomatic complexity %d = E(%d) - N(%d) + 2P(%d) at %v", result, e, n, p, fcn.Addr)
	}
	return result
}

// The cfa tool discovers functions and reconstructs control flow graphs of
// binary executables.
//
// Separation of concern is handled through reliance on oracles, which
// provide instruction decoding, memory access and symbol information.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"sort"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/binutil"
	"github.com/mewmew/cfa/cfa"
	"github.com/mewmew/cfa/disasm/x86"
	"github.com/mewmew/cfa/flags"
	"github.com/mewmew/cfa/xrefs"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "cfa:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("cfa:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func usage() {
	const use = `
Discover functions and reconstruct control flow graphs of binary executables.

Usage:

	cfa [OPTION]... FILE...

Flags:
`
	fmt.Fprint(os.Stderr, use[1:])
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments.
	var (
		// quiet specifies whether to suppress non-error messages.
		quiet bool
		// verbose specifies whether to enable analysis diagnostics.
		verbose bool
		// mode specifies the processor mode in bits.
		mode int
		// entry specifies an explicit analysis entry point.
		entry bin.Addr = bin.NoAddr
		// annots specifies whether to print the annotation stream.
		annots bool
	)
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.BoolVar(&verbose, "v", false, "enable analysis diagnostics")
	flag.IntVar(&mode, "mode", 64, "processor mode (16, 32 or 64)")
	flag.Var(&entry, "entry", "analysis entry point address")
	flag.BoolVar(&annots, "annots", false, "print the annotation stream")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	// Skip debug output if -q is set.
	if quiet {
		dbg.SetOutput(ioutil.Discard)
	}

	// Analyze binary executables.
	for _, binPath := range flag.Args() {
		if err := analyze(binPath, mode, entry, verbose, annots); err != nil {
			log.Fatalf("%+v", err)
		}
	}
}

// analyze discovers the functions of the given binary executable, starting
// from its entry point and any hint addresses, and prints the result to
// standard output.
func analyze(binPath string, mode int, entry bin.Addr, verbose, annots bool) error {
	dbg.Printf("analyze(binPath = %q)", binPath)
	img, imgEntry, err := binutil.Load(binPath)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := img.Validate(); err != nil {
		return errors.WithStack(err)
	}
	if entry == bin.NoAddr {
		entry = imgEntry
	}

	a := cfa.NewAnalyzer(img, x86.New(mode), flags.NewStore(), xrefs.NewStore())
	a.Opts.Verbose = verbose

	// Seed analysis with the entry point and the hint addresses.
	seeds := bin.Addrs{entry}
	funcAddrs, err := parseHints("funcs.json")
	if err != nil {
		return errors.WithStack(err)
	}
	seeds = append(seeds, funcAddrs...)
	sort.Sort(seeds)

	for _, addr := range seeds {
		if a.FcnAt(addr, cfa.FuncRoot) != nil {
			continue
		}
		if addr != entry && !a.CheckFcn(addr, addr, bin.NoAddr) {
			warn.Printf("hint address %v does not look like a function; skipping", addr)
			continue
		}
		fcn := cfa.NewFunction(addr)
		if _, err := a.Analyze(fcn, addr, xrefs.Call); err != nil {
			warn.Printf("analysis of %v stopped early: %v", addr, err)
		}
		if fcn.Size() == 0 && len(fcn.Blocks) == 0 {
			continue
		}
		a.Insert(fcn)
	}
	a.FitOverlaps(nil)

	// Print discovered functions in address order.
	fcns := make([]*cfa.Function, len(a.Funcs))
	copy(fcns, a.Funcs)
	sort.Slice(fcns, func(i, j int) bool {
		return fcns[i].Addr < fcns[j].Addr
	})
	for _, fcn := range fcns {
		fmt.Println(fcn)
	}
	if annots {
		fmt.Print(a.Annots.String())
	}
	return nil
}

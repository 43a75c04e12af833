// Package cfa implements function discovery and control flow graph
// reconstruction over executable images. Given a starting address, it
// identifies the extent of a function, decomposes it into basic blocks,
// discovers successors through direct jumps, conditional jumps, calls, jump
// tables and returns, and maintains an indexed catalogue of all discovered
// functions queryable by address and by containment.
//
// Separation of concern is handled through reliance on oracles: instruction
// decoding, memory access, and flag/symbol lookup are consumed through
// narrow interfaces, and cross-references and UI annotations are produced
// through equally narrow sinks.
package cfa

import (
	"log"
	"os"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/cfa/bin"
	"github.com/mewmew/cfa/disasm"
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

// Maximum size in bytes of a function; discovery past this cap truncates
// the function and reports overflow.
const maxFcnSize = 256 * 1024

// Alignment gap in bytes tolerated between contiguous blocks by the
// end-of-function size pass.
const blockAlign = 0x10

// Result is the outcome of a discovery step.
type Result int8

// Discovery outcomes.
const (
	// End is normal termination of a branch of discovery.
	End Result = iota
	// New signals that a new block was recorded and discovery continues.
	New
	// Error signals that the branch was abandoned; the accompanying error
	// describes why.
	Error
)

// Errors reported by the recursor. All are recovered locally: the caller
// stops growing the failing branch and keeps what has been discovered.
var (
	// ErrTooDeep is reported when the recursion depth budget is exhausted.
	ErrTooDeep = errors.New("cfa: recursion too deep")
	// ErrInvalidMemory is reported for unmapped or unreadable addresses.
	ErrInvalidMemory = errors.New("cfa: invalid memory address")
	// ErrDuplicate is reported when an address is already owned by another
	// function.
	ErrDuplicate = errors.New("cfa: address owned by another function")
	// ErrOverflow is reported when a function exceeds the size cap.
	ErrOverflow = errors.New("cfa: function size overflow")
	// ErrDataStream is reported when the instruction stream decodes as data.
	ErrDataStream = errors.New("cfa: instruction stream decodes as data")
)

// Flags is the flag and symbol oracle consumed during analysis.
type Flags interface {
	// GetAt returns a flag at addr (or the closest preceding flag), or nil.
	GetAt(addr bin.Addr, closest bool) *flags.Flag
	// Set registers a flag.
	Set(name string, addr bin.Addr, size uint64)
	// ExistAt reports whether a flag with the given name prefix exists at
	// addr.
	ExistAt(prefix string, addr bin.Addr) bool
}

// Xrefs is the cross-reference sink produced into during analysis.
type Xrefs interface {
	// Set records a reference.
	Set(from, to bin.Addr, kind xrefs.Kind)
	// Delete removes a reference.
	Delete(from, to bin.Addr, kind xrefs.Kind)
	// From returns the references issued at addr.
	From(addr bin.Addr) []xrefs.Ref
}

// Options holds the recognized analysis options.
type Options struct {
	// AfterJmp follows both the fall-through and the target after a
	// conditional jump.
	AfterJmp bool
	// NonCode analyzes regions marked non-executable.
	NonCode bool
	// JmpMid allows a jump to land mid-instruction (x86 only).
	JmpMid bool
	// JmpAbove allows discovered blocks to precede the entry.
	JmpAbove bool
	// ReCont continues after encountering an existing block.
	ReCont bool
	// EOBJmp ends the block at every unconditional direct jump without
	// following its target. Direct jumps out of the current memory map end
	// the block without it as well.
	EOBJmp bool
	// JmpTbl enables jump table analysis.
	JmpTbl bool
	// JmpRef emits code xrefs on direct jumps.
	JmpRef bool
	// CJmpRef emits code xrefs on conditional jumps.
	CJmpRef bool
	// HPSkip skips harmless mov-to-self patterns at the entry.
	HPSkip bool
	// NopSkip skips nop and pad patterns at the entry.
	NopSkip bool
	// PushRet rewrites a push-then-ret trampoline as a direct jump.
	PushRet bool
	// IJmp attempts indirect jump analysis.
	IJmp bool
	// EndSize trims the function extent to its contiguous block run at the
	// end of discovery.
	EndSize bool
	// Depth is the recursion depth budget.
	Depth int
	// BBMaxSize is the ceiling on basic block byte length.
	BBMaxSize int
	// Verbose enables diagnostic warnings.
	Verbose bool
	// Sleep throttles analysis by sleeping at every polling point.
	Sleep time.Duration
}

// DefaultOptions returns the default analysis options.
func DefaultOptions() Options {
	return Options{
		AfterJmp:  true,
		JmpMid:    true,
		JmpAbove:  true,
		JmpTbl:    true,
		JmpRef:    true,
		NopSkip:   true,
		EndSize:   true,
		Depth:     64,
		BBMaxSize: 16 * 1024,
	}
}

// Analyzer drives function discovery over one executable image. Analyzers
// are single-threaded cooperative: multiple analyses must be serialized by
// the host.
type Analyzer struct {
	// Mem is the memory oracle.
	Mem bin.Memory
	// Dec is the instruction oracle.
	Dec disasm.Decoder
	// Flags is the flag/symbol oracle; may be nil.
	Flags Flags
	// Xrefs is the cross-reference sink; may be nil.
	Xrefs Xrefs
	// Opts are the analysis options.
	Opts Options
	// Interrupt is polled for cooperative cancellation at the head of every
	// recursor entry, every per-instruction iteration, and before each jump
	// table case recursion; may be nil.
	Interrupt func() bool
	// Funcs is the top-level list of discovered functions, in discovery
	// order. The function list owns the functions; the index holds
	// references.
	Funcs []*Function
	// Index is the function index over Funcs.
	Index *Index
	// Annots is the annotation stream produced during analysis.
	Annots Annotations

	arch  string
	bits  int
	noret mapset.Set[bin.Addr]
	cache readCache
}

// NewAnalyzer returns an analyzer over the given memory and instruction
// oracles. The flag oracle and xref sink may be nil, in which case flag
// queries come up empty and references are dropped.
func NewAnalyzer(mem bin.Memory, dec disasm.Decoder, fl Flags, xr Xrefs) *Analyzer {
	a := &Analyzer{
		Mem:   mem,
		Dec:   dec,
		Flags: fl,
		Xrefs: xr,
		Opts:  DefaultOptions(),
		Index: NewIndex(),
		noret: mapset.NewThreadUnsafeSet[bin.Addr](),
		bits:  64,
	}
	if arch, ok := dec.(disasm.Arch); ok {
		a.arch = arch.ArchName()
		a.bits = arch.PtrBits()
	}
	return a
}

// Analyze discovers the function reachable from addr, growing fcn block by
// block. The reference kind describes how addr was reached: a CODE
// reference yields a location, anything else an ordinary function. After
// normal termination, the end-of-function pass trims the extent to the
// contiguous block run and drops dangling jump references.
func (a *Analyzer) Analyze(fcn *Function, addr bin.Addr, kind xrefs.Kind) (Result, error) {
	a.SetSize(fcn, 0)
	if kind == xrefs.Code {
		fcn.Type = FuncLoc
	} else {
		fcn.Type = FuncFcn
	}
	if fcn.Addr == bin.NoAddr {
		fcn.Addr = addr
	}
	fcn.MaxStack = 0
	res, err := a.recurse(fcn, addr, a.Opts.Depth)
	fcn.UpdateRanges()
	if a.Opts.EndSize && res == End && fcn.Size() > 0 {
		endAddr := fcn.Addr
	loop:
		for _, bb := range fcn.sortedBlocks() {
			switch {
			case endAddr == bb.Addr:
				endAddr += bin.Addr(bb.Size)
			case (endAddr < bb.Addr && bb.Addr-endAddr < blockAlign) ||
				(a.Opts.JmpMid && a.isX86() && endAddr > bb.Addr && bb.End() > endAddr):
				endAddr = bb.End()
			default:
				break loop
			}
		}
		a.Resize(fcn, uint64(endAddr-fcn.Addr))
		a.TrimJmpRefs(fcn)
	}
	return res, err
}

// Insert registers fcn with the catalogue: the top-level function list and
// the function index. Insertion fails if a live function already has the
// same entry address.
func (a *Analyzer) Insert(fcn *Function) bool {
	if a.FcnAt(fcn.Addr, FuncRoot) != nil {
		return false
	}
	if fcn.Name == "" {
		fcn.Name = fcn.DefaultName()
	}
	a.Funcs = append(a.Funcs, fcn)
	a.Index.Insert(fcn)
	if a.Flags != nil {
		a.Flags.Set(fcn.Name, fcn.Addr, fcn.Size())
	}
	return true
}

// Delete removes every function containing or starting at addr from the
// catalogue.
func (a *Analyzer) Delete(addr bin.Addr) {
	keep := a.Funcs[:0]
	for _, fcn := range a.Funcs {
		if fcn.Contains(addr) || fcn.Addr == addr {
			a.Index.Delete(fcn)
			continue
		}
		keep = append(keep, fcn)
	}
	a.Funcs = keep
}

// DeleteLocsIn removes every location function contained in the function
// owning addr, then removes that function itself.
func (a *Analyzer) DeleteLocsIn(addr bin.Addr) bool {
	f := a.FcnIn(addr, FuncRoot)
	if f == nil {
		return false
	}
	keep := a.Funcs[:0]
	for _, fcn := range a.Funcs {
		if fcn.Type == FuncLoc && f.Contains(fcn.Addr) {
			a.Index.Delete(fcn)
			continue
		}
		keep = append(keep, fcn)
	}
	a.Funcs = keep
	a.Delete(addr)
	return true
}

// FcnAt returns the function whose entry address is addr, filtered on the
// given type mask. The FuncRoot mask requests exact entry matching over the
// index.
func (a *Analyzer) FcnAt(addr bin.Addr, typ FuncType) *Function {
	if typ == FuncRoot {
		return a.Index.FindAt(addr)
	}
	it := a.Index.Intersect(addr, addr+1)
	for fcn := it.Next(); fcn != nil; fcn = it.Next() {
		if typ == FuncAny || fcn.Type&typ != 0 {
			if fcn.Addr == addr {
				return fcn
			}
		}
	}
	return nil
}

// FcnIn returns the function containing addr, filtered on the given type
// mask.
func (a *Analyzer) FcnIn(addr bin.Addr, typ FuncType) *Function {
	if typ == FuncRoot {
		return a.Index.FindAt(addr)
	}
	it := a.Index.Intersect(addr, addr+1)
	for fcn := it.Next(); fcn != nil; fcn = it.Next() {
		if typ == FuncAny || fcn.Type&typ != 0 {
			if fcn.In(addr) || fcn.Addr == addr {
				return fcn
			}
		}
	}
	return nil
}

// FindName returns the function with the given display name, or nil.
func (a *Analyzer) FindName(name string) *Function {
	for _, fcn := range a.Funcs {
		if fcn.Name == name {
			return fcn
		}
	}
	return nil
}

// Next returns the function with the closest entry address after addr, or
// nil.
func (a *Analyzer) Next(addr bin.Addr) *Function {
	var closer *Function
	for _, fcn := range a.Funcs {
		if fcn.Addr > addr && (closer == nil || fcn.Addr < closer.Addr) {
			closer = fcn
		}
	}
	return closer
}

// CountBetween returns the number of functions whose entry address lies in
// [from, to).
func (a *Analyzer) CountBetween(from, to bin.Addr) int {
	n := 0
	for _, fcn := range a.Funcs {
		if from <= fcn.Addr && fcn.Addr < to {
			n++
		}
	}
	return n
}

// SetSize directly sets the stored extent of fcn, refreshing the index
// augmentation when fcn is catalogued.
func (a *Analyzer) SetSize(fcn *Function, size uint64) {
	fcn.size = size
	a.Index.UpdateSize(fcn)
}

// Resize shrinks or grows the stored extent of fcn to size, dropping blocks
// beyond the new end, trimming the straddling block, and clearing
// out-of-range successor addresses.
func (a *Analyzer) Resize(fcn *Function, size uint64) bool {
	if size < 1 {
		return false
	}
	a.SetSize(fcn, size)
	eof := fcn.End()
	keep := fcn.Blocks[:0]
	for _, bb := range fcn.Blocks {
		if bb.Addr >= eof {
			fcn.hasChanged = true
			continue
		}
		if bb.End() >= eof {
			bb.Size = uint64(eof - bb.Addr)
		}
		if bb.Jump != bin.NoAddr && bb.Jump >= eof {
			bb.Jump = bin.NoAddr
		}
		if bb.Fail != bin.NoAddr && bb.Fail >= eof {
			bb.Fail = bin.NoAddr
		}
		keep = append(keep, bb)
	}
	fcn.Blocks = keep
	fcn.UpdateRanges()
	return true
}

// FitOverlaps shrinks fcn if it straddles the entry of a later discovered
// function. With a nil fcn, the sweep applies to every catalogued function.
func (a *Analyzer) FitOverlaps(fcn *Function) {
	if fcn != nil {
		a.fit(fcn)
		return
	}
	for _, f := range a.Funcs {
		a.fit(f)
	}
}

// TrimJmpRefs deletes code references of fcn that point at addresses now
// outside the function. On x86, references issued from within the function
// are preserved.
func (a *Analyzer) TrimJmpRefs(fcn *Function) {
	if a.Xrefs == nil {
		return
	}
	for _, ref := range a.refs(fcn) {
		if ref.Kind == xrefs.Code && !fcn.Contains(ref.To) &&
			(!a.isX86() || !fcn.Contains(ref.From)) {
			a.Xrefs.Delete(ref.From, ref.To, ref.Kind)
		}
	}
}

// DelJmpRefs deletes every code reference issued from within fcn.
func (a *Analyzer) DelJmpRefs(fcn *Function) {
	if a.Xrefs == nil {
		return
	}
	for _, ref := range a.refs(fcn) {
		if ref.Kind == xrefs.Code {
			a.Xrefs.Delete(ref.From, ref.To, ref.Kind)
		}
	}
}

// SetNoReturn marks addr as the entry of a function known never to return.
func (a *Analyzer) SetNoReturn(addr bin.Addr) {
	a.noret.Add(addr)
}

// ### [ Helper functions ] ####################################################

// fit shrinks f when it extends past the entry of the next catalogued
// function.
func (a *Analyzer) fit(f *Function) {
	next := a.Next(f.Addr)
	if next == nil {
		return
	}
	if f.End() > next.Addr {
		a.Resize(f, uint64(next.Addr-f.Addr))
	}
}

// refs returns every reference issued from an instruction of fcn, in
// ascending source address order.
func (a *Analyzer) refs(fcn *Function) []xrefs.Ref {
	if a.Xrefs == nil {
		return nil
	}
	var rs []xrefs.Ref
	for _, bb := range fcn.Blocks {
		for i := 0; i < bb.NInstr; i++ {
			at := bb.Addr + bin.Addr(bb.InstrOff(i))
			rs = append(rs, a.Xrefs.From(at)...)
		}
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].From != rs[j].From {
			return rs[i].From < rs[j].From
		}
		return rs[i].To < rs[j].To
	})
	return rs
}

// interrupted polls the cooperative cancellation probe.
func (a *Analyzer) interrupted() bool {
	return a.Interrupt != nil && a.Interrupt()
}

// throttle honors the configured analysis throttle.
func (a *Analyzer) throttle() {
	if a.Opts.Sleep > 0 {
		time.Sleep(a.Opts.Sleep)
	}
}

// isX86 reports whether the decoded architecture is x86.
func (a *Analyzer) isX86() bool {
	return strings.HasPrefix(a.arch, "x86")
}

// isARM reports whether the decoded architecture is ARM.
func (a *Analyzer) isARM() bool {
	return strings.HasPrefix(a.arch, "arm")
}

// isMIPS reports whether the decoded architecture is MIPS.
func (a *Analyzer) isMIPS() bool {
	return strings.HasPrefix(a.arch, "mips")
}

// flagAt returns the flag at addr, tolerating an absent flag oracle.
func (a *Analyzer) flagAt(addr bin.Addr, closest bool) *flags.Flag {
	if a.Flags == nil {
		return nil
	}
	return a.Flags.GetAt(addr, closest)
}

// noReturnAt reports whether the function at addr is known never to return:
// seeded as noreturn, catalogued as an import, or flagged with a well-known
// noreturn import name.
func (a *Analyzer) noReturnAt(addr bin.Addr) bool {
	if addr == bin.NoAddr {
		return false
	}
	if a.noret.Contains(addr) {
		return true
	}
	if f := a.FcnAt(addr, FuncAny); f != nil && f.Type == FuncImp {
		return true
	}
	fi := a.flagAt(addr, false)
	if fi == nil {
		return false
	}
	for _, name := range noReturnNames {
		if strings.HasSuffix(fi.Name, name) {
			return true
		}
	}
	return false
}

// noReturnNames are well-known symbol names of functions that never return.
var noReturnNames = []string{
	"exit",
	"_exit",
	"abort",
	"__stack_chk_fail",
	"__assert_fail",
	"longjmp",
	"siglongjmp",
}

// fitSize grows the stored extent of fcn to cover bb. It reports false when
// the function exceeds the size cap, in which case the extent is truncated
// to zero.
func (a *Analyzer) fitSize(fcn *Function, bb *BasicBlock) bool {
	n := int64(bb.End()) - int64(fcn.Addr)
	if n >= 0 && fcn.Size() < uint64(n) {
		a.SetSize(fcn, uint64(n))
	}
	if fcn.Size() > maxFcnSize {
		a.SetSize(fcn, 0)
		return false
	}
	return true
}

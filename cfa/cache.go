package cfa

import (
	"github.com/mewmew/cfa/bin"
)

// Size in bytes of the read-ahead cache line.
const cacheLineSize = 1024

// readCache is a single-line read-ahead cache in front of the memory
// oracle. It carries no coherence protocol: program bytes are treated as
// immutable for the duration of analysis. The cache is a field of the
// analyzer, so concurrent analyzers do not alias cache lines.
type readCache struct {
	line  [cacheLineSize]byte
	addr  bin.Addr
	valid bool
}

// ReadAhead reads len(buf) bytes at addr through the read-ahead cache and
// returns the number of bytes read. Requests that fall fully inside the
// current line are served from RAM; otherwise the line is refilled at addr.
// Requests larger than the line bypass the cache but still update it with
// the leading line. Only a completely read line is kept for later hits.
func (a *Analyzer) ReadAhead(addr bin.Addr, buf []byte) int {
	c := &a.cache
	if len(buf) < 1 {
		return 0
	}
	if len(buf) > cacheLineSize {
		n := a.Mem.ReadAt(addr, buf)
		copy(c.line[:], buf[:cacheLineSize])
		c.addr = addr
		c.valid = n >= cacheLineSize
		return n
	}
	end := addrEnd(addr, uint64(len(buf)))
	lineEnd := addrEnd(c.addr, cacheLineSize)
	if c.valid && addr != bin.NoAddr && addr >= c.addr && end < lineEnd {
		copy(buf, c.line[addr-c.addr:])
		return len(buf)
	}
	n := a.Mem.ReadAt(addr, c.line[:])
	for i := n; i < cacheLineSize; i++ {
		c.line[i] = 0
	}
	copy(buf, c.line[:len(buf)])
	c.addr = addr
	c.valid = n == cacheLineSize
	if n < len(buf) {
		return n
	}
	return len(buf)
}

// addrEnd returns addr+n, saturating at the address space limit.
func addrEnd(addr bin.Addr, n uint64) bin.Addr {
	if addr > bin.NoAddr-bin.Addr(n) {
		return bin.NoAddr
	}
	return addr + bin.Addr(n)
}

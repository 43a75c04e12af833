package cfa

import (
	"testing"

	"github.com/mewmew/cfa/bin"
)

// countingMem wraps a memory oracle, counting reads issued to it.
type countingMem struct {
	*bin.Image
	reads int
}

func (m *countingMem) ReadAt(addr bin.Addr, buf []byte) int {
	m.reads++
	return m.Image.ReadAt(addr, buf)
}

func TestReadAheadCaching(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	img := &bin.Image{}
	img.AddSection(".text", 0x1000, data, true)
	mem := &countingMem{Image: img}
	a := NewAnalyzer(mem, newTestISA(), nil, nil)

	// First read fills the line.
	var buf [16]byte
	a.ReadAhead(0x1000, buf[:])
	if mem.reads != 1 {
		t.Fatalf("expected 1 oracle read, got %d", mem.reads)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("wrong byte %d at offset %d", buf[i], i)
		}
	}

	// Requests inside the line are served from RAM.
	a.ReadAhead(0x1100, buf[:])
	if mem.reads != 1 {
		t.Errorf("in-line request hit the oracle; reads = %d", mem.reads)
	}
	if buf[0] != data[0x100] {
		t.Errorf("wrong cached byte %#x", buf[0])
	}

	// A request past the line refills at the new address.
	a.ReadAhead(0x1000+cacheLineSize, buf[:])
	if mem.reads != 2 {
		t.Errorf("expected refill, reads = %d", mem.reads)
	}

	// Requests larger than the line bypass the cache but update it.
	big := make([]byte, cacheLineSize+16)
	a.ReadAhead(0x1000, big)
	if mem.reads != 3 {
		t.Errorf("expected bypass read, reads = %d", mem.reads)
	}
	a.ReadAhead(0x1004, buf[:])
	if mem.reads != 3 {
		t.Errorf("bypass did not refresh the line; reads = %d", mem.reads)
	}

	// A zero-length request is a no-op.
	if n := a.ReadAhead(0x1000, nil); n != 0 {
		t.Errorf("expected 0 bytes for empty request, got %d", n)
	}
}

func TestReadAheadBoundary(t *testing.T) {
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i * 3)
	}
	img := &bin.Image{}
	img.AddSection(".text", 0x2000, data, true)
	mem := &countingMem{Image: img}
	a := NewAnalyzer(mem, newTestISA(), nil, nil)

	var buf [32]byte
	a.ReadAhead(0x2000, buf[:])
	// A request straddling the line end must refill, not serve a short line.
	a.ReadAhead(0x2000+cacheLineSize-8, buf[:])
	if mem.reads != 2 {
		t.Errorf("straddling request served from stale line; reads = %d", mem.reads)
	}
	for i := 0; i < 8; i++ {
		want := data[cacheLineSize-8+i]
		if buf[i] != want {
			t.Errorf("wrong byte at straddle offset %d: expected %#x, got %#x", i, want, buf[i])
		}
	}
}

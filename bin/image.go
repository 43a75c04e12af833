package bin

import (
	"sort"

	"github.com/pkg/errors"
)

// Memory is the memory oracle consumed during analysis; it provides byte
// reads, address validity checks, and map and section queries against an
// executable image.
type Memory interface {
	// ReadAt reads len(buf) bytes starting at addr into buf and returns the
	// number of bytes read.
	ReadAt(addr Addr, buf []byte) int
	// IsValidAddr reports whether addr is mapped; with exec set, whether addr
	// is mapped executable.
	IsValidAddr(addr Addr, exec bool) bool
	// MapAt returns the memory map containing addr, or nil if addr is
	// unmapped.
	MapAt(addr Addr) *Map
	// SectionAt returns the section containing addr, or nil if addr lies
	// outside every section.
	SectionAt(addr Addr) *Section
}

// Map is a contiguous memory mapping of an executable image.
type Map struct {
	// Start address of the mapping.
	Addr Addr
	// Size in bytes of the mapping.
	Size uint64
}

// Contains reports whether addr lies within the mapping.
func (m *Map) Contains(addr Addr) bool {
	return m.Addr <= addr && addr < m.Addr+Addr(m.Size)
}

// Section is a named section of an executable image.
type Section struct {
	// Section name (e.g. ".text", ".plt").
	Name string
	// Start address of the section.
	Addr Addr
	// Size in bytes of the section.
	Size uint64
	// Executable section.
	Exec bool
	// Raw contents of the section; shorter than Size for sections with
	// uninitialized tails.
	Data []byte
}

// Contains reports whether addr lies within the section.
func (sect *Section) Contains(addr Addr) bool {
	return sect.Addr <= addr && addr < sect.Addr+Addr(sect.Size)
}

// Image is an in-memory executable image assembled from sections. It
// implements the Memory interface.
type Image struct {
	// Sections of the image, sorted by start address.
	Sections []*Section
	// Memory mappings of the image, sorted by start address. When left empty,
	// each section doubles as a mapping of its own.
	Maps []*Map
}

// AddSection adds a section with the given contents to the image.
func (img *Image) AddSection(name string, addr Addr, data []byte, exec bool) *Section {
	sect := &Section{
		Name: name,
		Addr: addr,
		Size: uint64(len(data)),
		Exec: exec,
		Data: data,
	}
	img.Sections = append(img.Sections, sect)
	sort.Slice(img.Sections, func(i, j int) bool {
		return img.Sections[i].Addr < img.Sections[j].Addr
	})
	return sect
}

// AddMap adds an explicit memory mapping to the image.
func (img *Image) AddMap(addr Addr, size uint64) {
	img.Maps = append(img.Maps, &Map{Addr: addr, Size: size})
	sort.Slice(img.Maps, func(i, j int) bool {
		return img.Maps[i].Addr < img.Maps[j].Addr
	})
}

// ReadAt reads len(buf) bytes starting at addr into buf and returns the
// number of bytes read. Bytes beyond the containing section read as zero up
// to the section size; reads from unmapped memory return 0.
func (img *Image) ReadAt(addr Addr, buf []byte) int {
	n := 0
	for n < len(buf) {
		sect := img.SectionAt(addr + Addr(n))
		if sect == nil {
			break
		}
		off := uint64(addr + Addr(n) - sect.Addr)
		for ; n < len(buf) && off < sect.Size; off++ {
			if off < uint64(len(sect.Data)) {
				buf[n] = sect.Data[off]
			} else {
				buf[n] = 0
			}
			n++
		}
	}
	return n
}

// IsValidAddr reports whether addr is contained in any section; with exec
// set, whether the containing section is executable.
func (img *Image) IsValidAddr(addr Addr, exec bool) bool {
	sect := img.SectionAt(addr)
	if sect == nil {
		return false
	}
	return !exec || sect.Exec
}

// MapAt returns the mapping containing addr, or nil if addr is unmapped.
func (img *Image) MapAt(addr Addr) *Map {
	for _, m := range img.Maps {
		if m.Contains(addr) {
			return m
		}
	}
	// Without explicit mappings, sections double as maps.
	if len(img.Maps) == 0 {
		if sect := img.SectionAt(addr); sect != nil {
			return &Map{Addr: sect.Addr, Size: sect.Size}
		}
	}
	return nil
}

// SectionAt returns the section containing addr, or nil if addr lies outside
// every section.
func (img *Image) SectionAt(addr Addr) *Section {
	i := sort.Search(len(img.Sections), func(i int) bool {
		return img.Sections[i].Addr > addr
	})
	for i--; i >= 0; i-- {
		if img.Sections[i].Contains(addr) {
			return img.Sections[i]
		}
	}
	return nil
}

// Validate checks that no two sections of the image overlap.
func (img *Image) Validate() error {
	for i := 1; i < len(img.Sections); i++ {
		prev, cur := img.Sections[i-1], img.Sections[i]
		if prev.Addr+Addr(prev.Size) > cur.Addr {
			return errors.Errorf("section %q overlaps section %q at %v", prev.Name, cur.Name, cur.Addr)
		}
	}
	return nil
}

// Package binutil loads executable images from ELF and PE files into the
// uniform representation consumed by analysis.
package binutil

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/mewmew/cfa/bin"
	"github.com/pkg/errors"
)

// Load parses the executable at path and returns its image and entry point.
// ELF and PE formats are recognized.
func Load(path string) (*bin.Image, bin.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	defer f.Close()
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	defer data.Unmap()
	r := bytes.NewReader(data)
	if img, entry, err := loadELF(r); err == nil {
		return img, entry, nil
	}
	img, entry, err := loadPE(r)
	if err != nil {
		return nil, 0, errors.Errorf("unable to parse %q as ELF or PE", path)
	}
	return img, entry, nil
}

// loadELF builds an image from the allocated sections of an ELF file.
func loadELF(r *bytes.Reader) (*bin.Image, bin.Addr, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	img := &bin.Image{}
	for _, sect := range f.Sections {
		if sect.Flags&elf.SHF_ALLOC == 0 || sect.Addr == 0 {
			continue
		}
		var data []byte
		if sect.Type != elf.SHT_NOBITS {
			data, err = sect.Data()
			if err != nil {
				return nil, 0, errors.WithStack(err)
			}
		} else {
			data = make([]byte, sect.Size)
		}
		exec := sect.Flags&elf.SHF_EXECINSTR != 0
		img.AddSection(sect.Name, bin.Addr(sect.Addr), data, exec)
	}
	return img, bin.Addr(f.Entry), nil
}

// loadPE builds an image from the sections of a PE file.
func loadPE(r *bytes.Reader) (*bin.Image, bin.Addr, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	var base, entry bin.Addr
	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		base = bin.Addr(hdr.ImageBase)
		entry = base + bin.Addr(hdr.AddressOfEntryPoint)
	case *pe.OptionalHeader64:
		base = bin.Addr(hdr.ImageBase)
		entry = base + bin.Addr(hdr.AddressOfEntryPoint)
	default:
		return nil, 0, errors.New("missing PE optional header")
	}
	img := &bin.Image{}
	for _, sect := range f.Sections {
		data, err := sect.Data()
		if err != nil {
			return nil, 0, errors.WithStack(err)
		}
		img.AddSection(sect.Name, base+bin.Addr(sect.VirtualAddress), data, isExec(sect))
	}
	return img, entry, nil
}

// ### [ Helper functions ] ####################################################

// isExec reports whether the given section is executable.
func isExec(sect *pe.Section) bool {
	const codeMask = 0x00000020
	return sect.Characteristics&codeMask != 0
}

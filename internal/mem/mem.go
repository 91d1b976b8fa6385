// Package mem models guest physical memory as 4 KiB pages and resolves
// guest virtual addresses through x64 four level page tables.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PageSize is the size of a guest physical page.
const PageSize = 0x1000

// Page is one page of guest physical memory.
type Page [PageSize]byte

// Translation errors.
var (
	ErrPML4ENotPresent = errors.New("pml4 entry not present")
	ErrPDPTENotPresent = errors.New("pdpt entry not present")
	ErrPDENotPresent   = errors.New("pd entry not present")
	ErrPTENotPresent   = errors.New("pt entry not present")
	ErrSpanningPage    = errors.New("access spans a page boundary")
)

// MissingPageError is returned when a physical page is absent from the dump.
type MissingPageError struct {
	Base uint64
}

func (e *MissingPageError) Error() string {
	return fmt.Sprintf("missing physical page %#x", e.Base)
}

// PhysicalSpace reads and writes guest physical memory within a single page.
type PhysicalSpace interface {
	ReadPhysical(gpa uint64, buf []byte) error
	WritePhysical(gpa uint64, data []byte) error
}

// PageOff splits a physical address into its page base and page offset.
func PageOff(gpa uint64) (uint64, int) {
	return gpa &^ 0xfff, int(gpa & 0xfff)
}

func pml4Index(gva uint64) uint64 { return gva >> (12 + 9*3) & 0x1ff }
func pdptIndex(gva uint64) uint64 { return gva >> (12 + 9*2) & 0x1ff }
func pdIndex(gva uint64) uint64   { return gva >> (12 + 9) & 0x1ff }
func ptIndex(gva uint64) uint64   { return gva >> 12 & 0x1ff }

// baseFlags splits a table entry into the next level's base and its low flags.
func baseFlags(entry uint64) (uint64, uint64) {
	return entry &^ 0xfff & 0x000f_ffff_ffff_ffff, entry & 0x1ff
}

func pteFlags(pte uint64) (uint64, uint64) {
	return pte &^ 0xfff & 0x000f_ffff_ffff_ffff, pte & 0xfff
}

const (
	flagPresent  = 1
	flagPageSize = 1 << 7
)

func readU64(space PhysicalSpace, gpa uint64) (uint64, error) {
	var buf [8]byte
	if err := space.ReadPhysical(gpa, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Translate resolves gva to a physical address using the tables rooted at cr3.
// 1 GiB and 2 MiB mappings are honoured.
func Translate(space PhysicalSpace, cr3, gva uint64) (uint64, error) {
	pml4Base, _ := baseFlags(cr3)

	pml4e, err := readU64(space, pml4Base+pml4Index(gva)*8)
	if err != nil {
		return 0, err
	}
	pdptBase, flags := baseFlags(pml4e)
	if flags&flagPresent == 0 {
		return 0, ErrPML4ENotPresent
	}

	pdpte, err := readU64(space, pdptBase+pdptIndex(gva)*8)
	if err != nil {
		return 0, err
	}
	pdBase, flags := baseFlags(pdpte)
	if flags&flagPresent == 0 {
		return 0, ErrPDPTENotPresent
	}
	if flags&flagPageSize != 0 {
		return pdBase + gva&0x3fff_ffff, nil
	}

	pde, err := readU64(space, pdBase+pdIndex(gva)*8)
	if err != nil {
		return 0, err
	}
	ptBase, flags := baseFlags(pde)
	if flags&flagPresent == 0 {
		return 0, ErrPDENotPresent
	}
	if flags&flagPageSize != 0 {
		return ptBase + gva&0x1f_ffff, nil
	}

	pte, err := readU64(space, ptBase+ptIndex(gva)*8)
	if err != nil {
		return 0, err
	}
	pageBase, flags := pteFlags(pte)
	if flags&flagPresent == 0 {
		return 0, ErrPTENotPresent
	}
	return pageBase + gva&0xfff, nil
}

// Chunk is a page bounded piece of a larger virtual access.
type Chunk struct {
	Start uint64
	Size  int
}

// Chunked splits [start, start+size) at page boundaries.
func Chunked(start uint64, size int) []Chunk {
	var chunks []Chunk
	for size > 0 {
		n := size
		if room := int(PageSize - start&0xfff); n > room {
			n = room
		}
		chunks = append(chunks, Chunk{Start: start, Size: n})
		start += uint64(n)
		size -= n
	}
	return chunks
}

// ReadVirtual fills buf from guest virtual memory.
func ReadVirtual(space PhysicalSpace, cr3, gva uint64, buf []byte) error {
	off := 0
	for _, c := range Chunked(gva, len(buf)) {
		gpa, err := Translate(space, cr3, c.Start)
		if err != nil {
			return fmt.Errorf("translate %#x: %w", c.Start, err)
		}
		if err := space.ReadPhysical(gpa, buf[off:off+c.Size]); err != nil {
			return err
		}
		off += c.Size
	}
	return nil
}

// WriteVirtual copies data into guest virtual memory.
func WriteVirtual(space PhysicalSpace, cr3, gva uint64, data []byte) error {
	off := 0
	for _, c := range Chunked(gva, len(data)) {
		gpa, err := Translate(space, cr3, c.Start)
		if err != nil {
			return fmt.Errorf("translate %#x: %w", c.Start, err)
		}
		if err := space.WritePhysical(gpa, data[off:off+c.Size]); err != nil {
			return err
		}
		off += c.Size
	}
	return nil
}

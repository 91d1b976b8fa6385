package mem

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Physical is a sparse set of guest physical pages keyed by page base.
type Physical struct {
	pages map[uint64]*Page
}

// NewPhysical returns an empty physical memory.
func NewPhysical() *Physical {
	return &Physical{pages: make(map[uint64]*Page)}
}

// AddPage stores page at the base containing gpa.
func (p *Physical) AddPage(gpa uint64, page *Page) {
	base, _ := PageOff(gpa)
	p.pages[base] = page
}

// Page returns the page containing gpa.
func (p *Physical) Page(gpa uint64) (*Page, bool) {
	base, _ := PageOff(gpa)
	page, ok := p.pages[base]
	return page, ok
}

// Len returns the number of pages held.
func (p *Physical) Len() int {
	return len(p.pages)
}

func (p *Physical) ReadPhysical(gpa uint64, buf []byte) error {
	return readPage(p.Page, gpa, buf)
}

// WritePhysical fails on pages absent from the dump instead of creating them.
func (p *Physical) WritePhysical(gpa uint64, data []byte) error {
	if err := checkSpan(gpa, len(data)); err != nil {
		return err
	}
	page, ok := p.Page(gpa)
	if !ok {
		base, _ := PageOff(gpa)
		return &MissingPageError{Base: base}
	}
	_, off := PageOff(gpa)
	copy(page[off:], data)
	return nil
}

func checkSpan(gpa uint64, n int) error {
	base, _ := PageOff(gpa)
	if gpa+uint64(n) > base+PageSize {
		return ErrSpanningPage
	}
	return nil
}

func readPage(lookup func(uint64) (*Page, bool), gpa uint64, buf []byte) error {
	if err := checkSpan(gpa, len(buf)); err != nil {
		return err
	}
	page, ok := lookup(gpa)
	if !ok {
		base, _ := PageOff(gpa)
		return &MissingPageError{Base: base}
	}
	_, off := PageOff(gpa)
	copy(buf, page[off:off+len(buf)])
	return nil
}

// Overlay is a copy-on-write view over a read-only Physical.
// Writes land in private page copies that Reset discards.
type Overlay struct {
	base  *Physical
	dirty map[uint64]*Page
}

// NewOverlay returns a clean overlay over base.
func NewOverlay(base *Physical) *Overlay {
	return &Overlay{base: base, dirty: make(map[uint64]*Page)}
}

func (o *Overlay) page(gpa uint64) (*Page, bool) {
	b, _ := PageOff(gpa)
	if page, ok := o.dirty[b]; ok {
		return page, true
	}
	return o.base.Page(gpa)
}

func (o *Overlay) ReadPhysical(gpa uint64, buf []byte) error {
	return readPage(o.page, gpa, buf)
}

func (o *Overlay) WritePhysical(gpa uint64, data []byte) error {
	if err := checkSpan(gpa, len(data)); err != nil {
		return err
	}
	b, off := PageOff(gpa)
	page, ok := o.dirty[b]
	if !ok {
		orig, present := o.base.Page(gpa)
		if !present {
			return &MissingPageError{Base: b}
		}
		cp := *orig
		page = &cp
		o.dirty[b] = page
	}
	copy(page[off:], data)
	return nil
}

// Reset drops every private page.
func (o *Overlay) Reset() {
	o.dirty = make(map[uint64]*Page)
}

// DirtyPage is a modified page and its physical base.
type DirtyPage struct {
	GPA  uint64
	Data *Page
}

// Dirty returns the modified pages ordered by address.
func (o *Overlay) Dirty() []DirtyPage {
	pages := make([]DirtyPage, 0, len(o.dirty))
	for gpa, page := range o.dirty {
		pages = append(pages, DirtyPage{GPA: gpa, Data: page})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].GPA < pages[j].GPA })
	return pages
}

// ReadPageFile decodes a page file: a sequence of records, each a little
// endian uint64 physical base followed by one page of contents.
func ReadPageFile(r io.Reader) (*Physical, error) {
	br := bufio.NewReader(r)
	p := NewPhysical()
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return p, nil
			}
			return nil, fmt.Errorf("page record %d header: %w", p.Len(), err)
		}
		gpa := binary.LittleEndian.Uint64(hdr[:])
		if gpa&0xfff != 0 {
			return nil, fmt.Errorf("page record %d: base %#x is not page aligned", p.Len(), gpa)
		}
		page := new(Page)
		if _, err := io.ReadFull(br, page[:]); err != nil {
			return nil, fmt.Errorf("page record %d (%#x): %w", p.Len(), gpa, err)
		}
		p.AddPage(gpa, page)
	}
}

// WritePageFile encodes p in the ReadPageFile format, ordered by address.
func WritePageFile(w io.Writer, p *Physical) error {
	bases := make([]uint64, 0, len(p.pages))
	for b := range p.pages {
		bases = append(bases, b)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	bw := bufio.NewWriter(w)
	for _, b := range bases {
		var hdr [8]byte
		binary.LittleEndian.PutUint64(hdr[:], b)
		if _, err := bw.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := bw.Write(p.pages[b][:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

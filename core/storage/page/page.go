// Package page defines the fixed-size page abstraction shared by the
// pager and the B-tree layer. A page is the unit of file I/O, caching
// and checkpointing.
package page

import (
	"encoding/binary"
	"fmt"
)

// PageID identifies a page by its position in the database file.
// Page 0 holds the file header and is never handed out by the pager,
// so 0 doubles as the invalid/unallocated marker.
type PageID uint32

const InvalidPageID PageID = 0

// Type tags the on-disk role of a page. It is stored in the first byte
// of every page except page 0; the pager and B-tree dispatch on it
// explicitly rather than through a type hierarchy.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeHeader
	TypeInterior
	TypeLeaf
	TypeFreelist
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeInterior:
		return "interior"
	case TypeLeaf:
		return "leaf"
	case TypeFreelist:
		return "freelist"
	default:
		return "invalid"
	}
}

// Layout offsets common to all non-header pages.
const (
	// TagOffset is where the page Type byte lives.
	TagOffset = 0
	// FreelistNextOffset is where a freelist page stores the PageID of
	// the next free page (little-endian uint32, InvalidPageID at the
	// end of the chain).
	FreelistNextOffset = 1
)

// Page is an in-memory copy of a disk page.
type Page struct {
	id    PageID
	data  []byte
	dirty bool
}

// New creates a zeroed page of the given size.
func New(id PageID, size int) *Page {
	return &Page{id: id, data: make([]byte, size)}
}

// FromData wraps an existing buffer. The page takes ownership of data.
func FromData(id PageID, data []byte) *Page {
	return &Page{id: id, data: data}
}

func (p *Page) ID() PageID      { return p.id }
func (p *Page) Data() []byte    { return p.data }
func (p *Page) IsDirty() bool   { return p.dirty }
func (p *Page) SetDirty(d bool) { p.dirty = d }
func (p *Page) SetID(id PageID) { p.id = id }
func (p *Page) Size() int       { return len(p.data) }

// Tag returns the page type stored in the page body.
func (p *Page) Tag() Type {
	if len(p.data) == 0 {
		return TypeInvalid
	}
	t := Type(p.data[TagOffset])
	if t > TypeFreelist {
		return TypeInvalid
	}
	return t
}

// SetTag stamps the page type byte and marks the page dirty.
func (p *Page) SetTag(t Type) {
	p.data[TagOffset] = byte(t)
	p.dirty = true
}

// FreelistNext reads the next-free pointer of a freelist page.
func (p *Page) FreelistNext() (PageID, error) {
	if p.Tag() != TypeFreelist {
		return InvalidPageID, fmt.Errorf("page %d is %s, not freelist", p.id, p.Tag())
	}
	return PageID(binary.LittleEndian.Uint32(p.data[FreelistNextOffset:])), nil
}

// SetFreelistNext stamps the page as a freelist link pointing at next.
func (p *Page) SetFreelistNext(next PageID) {
	p.data[TagOffset] = byte(TypeFreelist)
	binary.LittleEndian.PutUint32(p.data[FreelistNextOffset:], uint32(next))
	p.dirty = true
}

// Clone returns a deep copy. The pager hands clones to callers so the
// cached image can never be mutated behind its back.
func (p *Page) Clone() *Page {
	data := make([]byte, len(p.data))
	copy(data, p.data)
	return &Page{id: p.id, data: data, dirty: p.dirty}
}

// Reset zeroes the page for reuse.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.dirty = false
	for i := range p.data {
		p.data[i] = 0
	}
}

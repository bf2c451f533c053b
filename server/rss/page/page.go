// Package page implements a slotted-page abstraction: a fixed-size
// byte buffer with a header, a slot directory of variable-length
// items, and a flags word. The exact byte layout is intentionally
// opaque above this package; callers address slots by index and let
// this package manage offsets and free space.
//
// Modelled on the shape of storage/wrapper/page.DataPageImpl (slot
// directory, flags, space-map page number already live there)
// without inheriting its InnoDB-specific record format.
package page

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/simpledbm/rss/server/rss/wal"
)

// ID identifies a page by its container and page number.
type ID struct {
	ContainerID uint32
	PageNumber  uint32
}

func (id ID) String() string { return fmt.Sprintf("(%d,%d)", id.ContainerID, id.PageNumber) }

// Type distinguishes what a page is used for.
type Type byte

const (
	TypeFree Type = iota
	TypeBTreeNode
	TypeSpaceMap
)

// Flag bits stored in a page's flags field. B-tree-specific flags
// (leaf, unique, deallocated) are interpreted by the btree package;
// the page itself just carries the bits.
type Flag uint16

// slotOverhead is the constant per-slot directory bookkeeping cost
// GetSlotOverhead reports; it does not correspond to any literal byte
// layout since none is specified.
const slotOverhead = 8

// Page is one fixed-size slotted page.
type Page struct {
	id                 ID
	pageType           Type
	pageLSN            wal.LSN
	flags              Flag
	spaceMapPageNumber uint32
	size               int
	slots              [][]byte
}

func New(id ID, pageType Type, size int) *Page {
	return &Page{id: id, pageType: pageType, size: size}
}

func (p *Page) ID() ID         { return p.id }
func (p *Page) Type() Type     { return p.pageType }
func (p *Page) Size() int      { return p.size }

// NumSlots reports the number of slots currently in the directory,
// including slot 0 (the B-tree node header slot, by convention) and
// any deleted-but-not-purged slots.
func (p *Page) NumSlots() int { return len(p.slots) }

// Get returns slot's bytes, or nil if the slot is deleted or out of range.
func (p *Page) Get(slot int) []byte {
	if slot < 0 || slot >= len(p.slots) {
		return nil
	}
	return p.slots[slot]
}

// InsertAt places item at slot. If replace is true and the slot
// exists, its contents are overwritten in place; otherwise item is
// inserted before the current occupant of slot, shifting everything
// from slot onward to the right (growing the directory by one).
func (p *Page) InsertAt(slot int, item []byte, replace bool) error {
	if slot < 0 || slot > len(p.slots) {
		return fmt.Errorf("page: slot %d out of range (have %d)", slot, len(p.slots))
	}
	cp := append([]byte(nil), item...)
	if replace && slot < len(p.slots) {
		p.slots[slot] = cp
		return nil
	}
	p.slots = append(p.slots, nil)
	copy(p.slots[slot+1:], p.slots[slot:])
	p.slots[slot] = cp
	return nil
}

// ResetSlots empties the slot directory entirely, used when a
// structure modification's redo record carries a full post-image of a
// page and recovery needs to overwrite it wholesale rather than
// patching individual slots.
func (p *Page) ResetSlots() { p.slots = nil }

// Purge removes slot from the directory entirely, shifting everything
// after it left by one.
func (p *Page) Purge(slot int) error {
	if slot < 0 || slot >= len(p.slots) {
		return fmt.Errorf("page: slot %d out of range (have %d)", slot, len(p.slots))
	}
	p.slots = append(p.slots[:slot], p.slots[slot+1:]...)
	return nil
}

func (p *Page) SetFlags(f Flag)         { p.flags = f }
func (p *Page) GetFlags() Flag          { return p.flags }
func (p *Page) HasFlag(f Flag) bool     { return p.flags&f != 0 }
func (p *Page) SetFlag(f Flag, on bool) {
	if on {
		p.flags |= f
	} else {
		p.flags &^= f
	}
}

func (p *Page) SetSpaceMapPageNumber(n uint32) { p.spaceMapPageNumber = n }
func (p *Page) GetSpaceMapPageNumber() uint32  { return p.spaceMapPageNumber }

// GetFreeSpace estimates remaining capacity: total size minus a fixed
// page header allowance minus each live slot's length and overhead.
func (p *Page) GetFreeSpace() int {
	used := pageHeaderSize
	for _, s := range p.slots {
		if s != nil {
			used += len(s) + slotOverhead
		}
	}
	free := p.size - used
	if free < 0 {
		return 0
	}
	return free
}

const pageHeaderSize = 32

func (p *Page) GetSlotLength(slot int) int {
	if slot < 0 || slot >= len(p.slots) || p.slots[slot] == nil {
		return 0
	}
	return len(p.slots[slot])
}

func (p *Page) IsSlotDeleted(slot int) bool {
	return slot < 0 || slot >= len(p.slots) || p.slots[slot] == nil
}

func (p *Page) GetSlotOverhead() int { return slotOverhead }

func (p *Page) GetPageLsn() wal.LSN    { return p.pageLSN }
func (p *Page) SetPageLsn(lsn wal.LSN) { p.pageLSN = lsn }

// wireFormat is what Serialize/Deserialize exchange with storage;
// pages have no mandated on-disk byte layout, unlike the log and
// anchor files, so gob encoding is free to evolve.
type wireFormat struct {
	ID                 ID
	PageType           Type
	PageLSN            wal.LSN
	Flags              Flag
	SpaceMapPageNumber uint32
	Size               int
	Slots              [][]byte
}

func (p *Page) Serialize() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(wireFormat{
		ID: p.id, PageType: p.pageType, PageLSN: p.pageLSN, Flags: p.flags,
		SpaceMapPageNumber: p.spaceMapPageNumber, Size: p.size, Slots: p.slots,
	})
	return buf.Bytes()
}

func Deserialize(raw []byte) (*Page, error) {
	var w wireFormat
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&w); err != nil {
		return nil, fmt.Errorf("page: deserialize: %w", err)
	}
	return &Page{
		id: w.ID, pageType: w.PageType, pageLSN: w.PageLSN, flags: w.Flags,
		spaceMapPageNumber: w.SpaceMapPageNumber, size: w.Size, slots: w.Slots,
	}, nil
}

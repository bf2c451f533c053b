package btree

import "encoding/binary"

// noSibling marks the absence of a left/right sibling pointer (the
// rightmost or leftmost page in a level).
const noSibling = ^uint32(0)

// Flag bits interpreted out of a page's own flags field: leaf,
// unique, deallocated.
const (
	FlagLeaf        = 1 << 0
	FlagUnique      = 1 << 1
	FlagDeallocated = 1 << 2
)

// nodeHeader is the B-Tree node header — keyFactoryType,
// locationFactoryType, leftSibling, rightSibling, keyCount — stored in
// slot 0 of every btree page. Fields are exported so smoRecord
// (record.go) can gob-encode it directly as part of a structure
// modification's physical redo image.
type nodeHeader struct {
	KeyCodecID   byte
	LocCodecID   byte
	LeftSibling  uint32
	RightSibling uint32
	KeyCount     uint16
}

func encodeHeader(h nodeHeader) []byte {
	buf := make([]byte, 12)
	buf[0] = h.KeyCodecID
	buf[1] = h.LocCodecID
	binary.BigEndian.PutUint32(buf[2:6], h.LeftSibling)
	binary.BigEndian.PutUint32(buf[6:10], h.RightSibling)
	binary.BigEndian.PutUint16(buf[10:12], h.KeyCount)
	return buf
}

func decodeHeader(buf []byte) nodeHeader {
	return nodeHeader{
		KeyCodecID:   buf[0],
		LocCodecID:   buf[1],
		LeftSibling:  binary.BigEndian.Uint32(buf[2:6]),
		RightSibling: binary.BigEndian.Uint32(buf[6:10]),
		KeyCount:     binary.BigEndian.Uint16(buf[10:12]),
	}
}

// itemFlags bits for an encoded index item.
const (
	itemInfinity    byte = 1 << 0
	itemHasLocation byte = 1 << 1
)

// indexItem is one entry in a btree node. isLeaf/isUnique are node-level
// properties, not per-item ones; what an item actually carries is its
// key (or the infinity marker, for a page's high-key sentinel), its
// location (present on every leaf item, and on non-leaf items only for
// a non-unique index, to disambiguate duplicate separator keys), and
// its child page number (meaningful only on non-leaf nodes).
type indexItem struct {
	Key             interface{}
	Infinity        bool
	Location        interface{}
	HasLocation     bool
	ChildPageNumber uint32
}

func encodeItem(it indexItem, kc KeyCodec, lc LocationCodec) []byte {
	var keyBytes []byte
	if !it.Infinity {
		keyBytes = kc.Encode(it.Key)
	}
	var locBytes []byte
	if it.HasLocation {
		locBytes = lc.Encode(it.Location)
	}
	flags := byte(0)
	if it.Infinity {
		flags |= itemInfinity
	}
	if it.HasLocation {
		flags |= itemHasLocation
	}
	buf := make([]byte, 1+2+len(keyBytes)+2+len(locBytes)+4)
	i := 0
	buf[i] = flags
	i++
	binary.BigEndian.PutUint16(buf[i:i+2], uint16(len(keyBytes)))
	i += 2
	copy(buf[i:i+len(keyBytes)], keyBytes)
	i += len(keyBytes)
	binary.BigEndian.PutUint16(buf[i:i+2], uint16(len(locBytes)))
	i += 2
	copy(buf[i:i+len(locBytes)], locBytes)
	i += len(locBytes)
	binary.BigEndian.PutUint32(buf[i:i+4], it.ChildPageNumber)
	return buf
}

func decodeItem(buf []byte, kc KeyCodec, lc LocationCodec) indexItem {
	flags := buf[0]
	i := 1
	keyLen := int(binary.BigEndian.Uint16(buf[i : i+2]))
	i += 2
	keyBytes := buf[i : i+keyLen]
	i += keyLen
	locLen := int(binary.BigEndian.Uint16(buf[i : i+2]))
	i += 2
	locBytes := buf[i : i+locLen]
	i += locLen
	child := binary.BigEndian.Uint32(buf[i : i+4])

	it := indexItem{ChildPageNumber: child}
	if flags&itemInfinity != 0 {
		it.Infinity = true
	} else {
		it.Key = kc.Decode(keyBytes)
	}
	if flags&itemHasLocation != 0 {
		it.HasLocation = true
		it.Location = lc.Decode(locBytes)
	}
	return it
}

// compareItems orders two items: infinity sorts last, then key, then
// — only when both carry a location — location.
func compareItems(a, b indexItem, kc KeyCodec, lc LocationCodec) int {
	if a.Infinity && b.Infinity {
		return 0
	}
	if a.Infinity {
		return 1
	}
	if b.Infinity {
		return -1
	}
	if c := kc.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	if a.HasLocation && b.HasLocation {
		return lc.Compare(a.Location, b.Location)
	}
	return 0
}

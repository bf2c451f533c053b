// Package btree implements a B-link tree index manager: concurrent
// insert/delete/scan with structure modifications under latch
// coupling, next-key locking for phantom prevention, and logical undo.
//
// Modelled on manager.DefaultBPlusTreeManager (node cache keyed by
// page number, dirty tracking, RWMutex-guarded traversal) generalised
// from its in-memory-only node cache to pages fixed through
// server/rss/buffer, with its P/Q/R latch-coupling cursor and the
// shape of each structure modification cross-checked against
// BTreeImpl's Java implementation of the same protocol.
package btree

import (
	"encoding/binary"

	"github.com/shopspring/decimal"
)

// KeyCodec turns a domain key into a byte encoding and back. Equal
// keys must encode to equal bytes; ordering always goes through
// Compare (byte order of the encoding matches it for Int64Codec and
// VarcharCodec, not for DecimalCodec).
type KeyCodec interface {
	ID() byte
	Encode(key interface{}) []byte
	Decode(buf []byte) interface{}
	Compare(a, b interface{}) int
}

// LocationCodec encodes the row identifier carried by leaf items.
type LocationCodec interface {
	ID() byte
	Encode(loc interface{}) []byte
	Decode(buf []byte) interface{}
	Compare(a, b interface{}) int
}

const (
	CodecInt64   byte = 1
	CodecVarchar byte = 2
	CodecDecimal byte = 3
)

// Int64Codec orders keys as signed 64-bit integers.
type Int64Codec struct{}

func (Int64Codec) ID() byte { return CodecInt64 }
func (Int64Codec) Encode(key interface{}) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(key.(int64))+1<<63)
	return buf
}
func (Int64Codec) Decode(buf []byte) interface{} {
	return int64(binary.BigEndian.Uint64(buf) - 1<<63)
}
func (Int64Codec) Compare(a, b interface{}) int {
	x, y := a.(int64), b.(int64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// VarcharCodec orders keys as raw byte strings, length-prefixed only
// in the sense that Encode returns the string's bytes verbatim — safe
// because keys never span slot boundaries.
type VarcharCodec struct{}

func (VarcharCodec) ID() byte                    { return CodecVarchar }
func (VarcharCodec) Encode(key interface{}) []byte { return []byte(key.(string)) }
func (VarcharCodec) Decode(buf []byte) interface{} { return string(buf) }
func (VarcharCodec) Compare(a, b interface{}) int {
	x, y := a.(string), b.(string)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// DecimalCodec orders keys as shopspring/decimal.Decimal values,
// encoded via their own canonical string form rather than a custom
// fixed-point binary format. Byte order of that form does not follow
// numeric order ("10" sorts before "9"); Compare does.
type DecimalCodec struct{}

func (DecimalCodec) ID() byte { return CodecDecimal }
func (DecimalCodec) Encode(key interface{}) []byte {
	return []byte(key.(decimal.Decimal).String())
}
func (DecimalCodec) Decode(buf []byte) interface{} {
	d, _ := decimal.NewFromString(string(buf))
	return d
}
func (DecimalCodec) Compare(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// RowIDLocation is the default location type: a leaf record's
// physical home, (containerID, pageNumber, slot).
type RowIDLocation struct {
	ContainerID uint32
	PageNumber  uint32
	Slot        uint16
}

type RowIDCodec struct{}

func (RowIDCodec) ID() byte { return 1 }
func (RowIDCodec) Encode(loc interface{}) []byte {
	l := loc.(RowIDLocation)
	buf := make([]byte, 10)
	binary.BigEndian.PutUint32(buf[0:4], l.ContainerID)
	binary.BigEndian.PutUint32(buf[4:8], l.PageNumber)
	binary.BigEndian.PutUint16(buf[8:10], l.Slot)
	return buf
}
func (RowIDCodec) Decode(buf []byte) interface{} {
	return RowIDLocation{
		ContainerID: binary.BigEndian.Uint32(buf[0:4]),
		PageNumber:  binary.BigEndian.Uint32(buf[4:8]),
		Slot:        binary.BigEndian.Uint16(buf[8:10]),
	}
}
func (RowIDCodec) Compare(a, b interface{}) int {
	x, y := a.(RowIDLocation), b.(RowIDLocation)
	if x.ContainerID != y.ContainerID {
		if x.ContainerID < y.ContainerID {
			return -1
		}
		return 1
	}
	if x.PageNumber != y.PageNumber {
		if x.PageNumber < y.PageNumber {
			return -1
		}
		return 1
	}
	if x.Slot != y.Slot {
		if x.Slot < y.Slot {
			return -1
		}
		return 1
	}
	return 0
}

func keyCodecByID(id byte) KeyCodec {
	switch id {
	case CodecVarchar:
		return VarcharCodec{}
	case CodecDecimal:
		return DecimalCodec{}
	default:
		return Int64Codec{}
	}
}

// locCodecByID resolves a node header's stored location-codec ID back
// to a concrete LocationCodec. RowIDCodec is the only one that ships
// today; the indirection exists so a second location type never needs
// a format change to the node header.
func locCodecByID(id byte) LocationCodec {
	return RowIDCodec{}
}

package wal

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
)

// Category is a bitmask tagging what a log record means to recovery.
// A record can be both Compensation and MultiPageRedo (a structure
// modification's CLR), so this is a mask, not an enum; Go's nearest
// idiomatic equivalent for an open set of orthogonal flags is a
// bitmask, tested with bitwise AND by the code that reads it.
type Category uint8

const (
	Redoable      Category = 1 << 0
	Compensation  Category = 1 << 1
	Undoable      Category = 1 << 2
	LogicalUndo   Category = 1 << 3
	MultiPageRedo Category = 1 << 4
)

func (c Category) Has(f Category) bool { return c&f != 0 }

// fixedHeaderSize is everything in a serialized record before the
// variable-length payload: totalLen(4) + lsn(8) + prevLsn(8) +
// category(1) + undoNextLsn(8) + payloadLen(4).
const fixedHeaderSize = 4 + 8 + 8 + 1 + 8 + 4

// checksumSize is the trailing xxhash64 over header+payload.
const checksumSize = 8

// Record is a single WAL entry: {length, lsn, prevLsn, payload,
// checksum}, plus the category mask and (for CLRs) undoNextLsn.
type Record struct {
	LSN         LSN
	PrevLSN     LSN
	Category    Category
	UndoNextLSN LSN // only meaningful when Category.Has(Compensation)
	Payload     []byte
}

// IsEOF reports whether this is the zero-length marker record written
// at the end of a file before a log switch.
func (r *Record) IsEOF() bool { return len(r.Payload) == 0 && r.Category == 0 }

func (r *Record) encodedLen() int {
	return fixedHeaderSize + len(r.Payload) + checksumSize
}

// encode serializes r into buf (which must be encodedLen() bytes) and
// writes the checksum over header+payload into the trailing 8 bytes.
func (r *Record) encode(buf []byte) {
	total := int32(r.encodedLen())
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.LSN.FileIndex))
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.LSN.Offset))
	binary.BigEndian.PutUint32(buf[12:16], uint32(r.PrevLSN.FileIndex))
	binary.BigEndian.PutUint32(buf[16:20], uint32(r.PrevLSN.Offset))
	buf[20] = byte(r.Category)
	binary.BigEndian.PutUint32(buf[21:25], uint32(r.UndoNextLSN.FileIndex))
	binary.BigEndian.PutUint32(buf[25:29], uint32(r.UndoNextLSN.Offset))
	binary.BigEndian.PutUint32(buf[29:33], uint32(len(r.Payload)))
	copy(buf[fixedHeaderSize:fixedHeaderSize+len(r.Payload)], r.Payload)

	h := xxhash.New64()
	_, _ = h.Write(buf[:fixedHeaderSize+len(r.Payload)])
	binary.BigEndian.PutUint64(buf[fixedHeaderSize+len(r.Payload):], h.Sum64())
}

// decode parses a record out of buf, verifying the checksum and that
// the LSN embedded in the header matches the LSN the reader expected
// to find at this position, failing with ErrCorrupt on either mismatch.
func decode(buf []byte, expect LSN) (*Record, error) {
	if len(buf) < fixedHeaderSize {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: truncated record header")
	}
	total := int32(binary.BigEndian.Uint32(buf[0:4]))
	if int(total) > len(buf) || total < fixedHeaderSize+checksumSize {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: invalid record length")
	}
	r := &Record{
		LSN:      LSN{int32(binary.BigEndian.Uint32(buf[4:8])), int32(binary.BigEndian.Uint32(buf[8:12]))},
		PrevLSN:  LSN{int32(binary.BigEndian.Uint32(buf[12:16])), int32(binary.BigEndian.Uint32(buf[16:20]))},
		Category: Category(buf[20]),
		UndoNextLSN: LSN{
			int32(binary.BigEndian.Uint32(buf[21:25])),
			int32(binary.BigEndian.Uint32(buf[25:29])),
		},
	}
	payloadLen := int(binary.BigEndian.Uint32(buf[29:33]))
	if fixedHeaderSize+payloadLen+checksumSize != int(total) {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: payload length mismatch")
	}
	r.Payload = make([]byte, payloadLen)
	copy(r.Payload, buf[fixedHeaderSize:fixedHeaderSize+payloadLen])

	h := xxhash.New64()
	_, _ = h.Write(buf[:fixedHeaderSize+payloadLen])
	wantSum := h.Sum64()
	gotSum := binary.BigEndian.Uint64(buf[fixedHeaderSize+payloadLen : total])
	if wantSum != gotSum {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: checksum mismatch")
	}
	if !expect.IsNull() && !r.IsEOF() && !r.LSN.Equal(expect) {
		return nil, errors.Wrapf(errs.ErrCorrupt, "wal: lsn mismatch, expected %s got %s", expect, r.LSN)
	}
	return r, nil
}

func eofRecord(lsn LSN) *Record {
	return &Record{LSN: lsn, PrevLSN: NullLSN}
}

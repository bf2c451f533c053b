package btree

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/simpledbm/rss/server/rss/page"
)

// Op codes for the ModuleBTree log records this package emits.
const (
	OpInsert     byte = 1 // logical: a key was added to a leaf
	OpDelete     byte = 2 // logical: a key was removed from a leaf
	OpUndoInsert byte = 3 // CLR: physically removes what OpInsert added
	OpUndoDelete byte = 4 // CLR: physically reinserts what OpDelete removed
	OpSMO        byte = 5 // nested-top-action CLR: full post-image of every page a structure modification touched
)

// kvRecord is the logical payload for OpInsert/OpDelete and their
// undo CLRs. Undo is logical because by the time it runs the key's
// page may have moved, but PageID still records where the operation
// was originally (or, for a CLR, most recently) applied, letting redo
// stay purely physical while undo falls back to a key search when
// PageID no longer covers the key.
type kvRecord struct {
	PageID     page.ID
	KeyCodecID byte
	LocCodecID byte
	KeyBytes   []byte
	LocBytes   []byte
}

func encodeKVRecord(r kvRecord) []byte {
	buf := make([]byte, 4+4+1+1+2+len(r.KeyBytes)+2+len(r.LocBytes))
	i := 0
	binary.BigEndian.PutUint32(buf[i:], r.PageID.ContainerID)
	i += 4
	binary.BigEndian.PutUint32(buf[i:], r.PageID.PageNumber)
	i += 4
	buf[i] = r.KeyCodecID
	i++
	buf[i] = r.LocCodecID
	i++
	binary.BigEndian.PutUint16(buf[i:], uint16(len(r.KeyBytes)))
	i += 2
	copy(buf[i:], r.KeyBytes)
	i += len(r.KeyBytes)
	binary.BigEndian.PutUint16(buf[i:], uint16(len(r.LocBytes)))
	i += 2
	copy(buf[i:], r.LocBytes)
	return buf
}

func decodeKVRecord(buf []byte) kvRecord {
	i := 0
	containerID := binary.BigEndian.Uint32(buf[i:])
	i += 4
	pageNumber := binary.BigEndian.Uint32(buf[i:])
	i += 4
	keyCodecID := buf[i]
	i++
	locCodecID := buf[i]
	i++
	keyLen := int(binary.BigEndian.Uint16(buf[i:]))
	i += 2
	keyBytes := buf[i : i+keyLen]
	i += keyLen
	locLen := int(binary.BigEndian.Uint16(buf[i:]))
	i += 2
	locBytes := buf[i : i+locLen]
	return kvRecord{
		PageID:     page.ID{ContainerID: containerID, PageNumber: pageNumber},
		KeyCodecID: keyCodecID,
		LocCodecID: locCodecID,
		KeyBytes:   keyBytes,
		LocBytes:   locBytes,
	}
}

// smoPageState is one page's complete post-image after a structure
// modification, and smoRecordT is the full set touched by one such
// modification, logged as a single Compensation + MultiPageRedo
// record. Carrying full post-images rather than a logical description
// of the split/merge/redistribute/link/unlink keeps the redo side
// trivially idempotent (overwrite if stale, skip otherwise) at the
// cost of a larger log record — the same trade checkpoint records
// make elsewhere (full dirty-page list rather than a diff).
type smoPageState struct {
	ID     page.ID
	Header nodeHeader
	Items  [][]byte
}

type smoRecordT struct {
	Pages []smoPageState
}

func encodeSMORecord(r smoRecordT) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(r)
	return buf.Bytes()
}

func decodeSMORecord(buf []byte) (smoRecordT, error) {
	var r smoRecordT
	err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&r)
	return r, err
}

// rawItems collects a node's raw encoded item bytes, in slot order,
// for inclusion in an smoPageState.
func rawItems(n *nodeView) [][]byte {
	items := make([][]byte, n.KeyCount())
	for i := 1; i <= n.KeyCount(); i++ {
		items[i-1] = n.pg.Get(i)
	}
	return items
}

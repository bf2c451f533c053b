// Package space implements a page-allocation bitmap, the space map: a
// bitmap page recording allocated/free status of each page in a
// container.
//
// Modelled on manager.ExtentManager (free-list-first allocation,
// stats) and storage/wrapper/page.DataPageImpl's SpaceMapPageNumber
// field, collapsed from InnoDB's extent/segment hierarchy to one flat
// per-container bitmap.
//
// AllocatePage is itself logged as undoable, so a structure
// modification's own CLR jumps over the page allocation it performed
// on abort; FreePage is logged redo-only. Both log through the narrow
// Logger interface so this package has no dependency on the
// transaction manager.
package space

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
	"github.com/simpledbm/rss/server/rss/page"
	"github.com/simpledbm/rss/server/rss/storage"
	"github.com/simpledbm/rss/server/rss/wal"
)

// Logger is the subset of the transaction manager's logging API the
// space map needs. Callers typically pass a *txn.Transaction.
type Logger interface {
	LogRedoOnly(payload []byte) (wal.LSN, error)
	LogUndoable(payload []byte) (wal.LSN, error)
}

// OpCode distinguishes allocate from free in a logged space-map record.
type OpCode byte

const (
	OpAllocate OpCode = 1
	OpFree     OpCode = 2
)

// Record is the redo payload for a space-map bit flip: which
// container, which page number, and which way the bit moved. Applying
// it twice is idempotent (redo just sets the bit to the recorded
// target state).
type Record struct {
	ContainerID uint32
	PageNumber  uint32
	Op          OpCode
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint32(buf[0:4], r.ContainerID)
	binary.BigEndian.PutUint32(buf[4:8], r.PageNumber)
	buf[8] = byte(r.Op)
	return buf
}

// DecodeRecord parses a space-map log payload, used by redo during
// restart recovery.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) != 9 {
		return Record{}, errors.Wrap(errs.ErrCorrupt, "space: malformed record")
	}
	return Record{
		ContainerID: binary.BigEndian.Uint32(buf[0:4]),
		PageNumber:  binary.BigEndian.Uint32(buf[4:8]),
		Op:          OpCode(buf[8]),
	}, nil
}

// mapPageNumber is the single space-map page for a container; page 0
// of every container is reserved for it, and a data page's own
// setSpaceMapPageNumber field points back at its governing bitmap
// page.
const mapPageNumber = 0

// bitsPerByte is how many pages one byte of the bitmap tracks: one bit
// per page.
const bitsPerByte = 8

// Map is the bitmap cursor for one container.
type Map struct {
	mu          sync.Mutex
	storage     *storage.Manager
	containerID uint32
	bitmap      []byte
	nextHint    uint32
}

// Open loads (or, if absent, creates) the space-map page for
// containerID and returns a cursor over it.
func Open(store *storage.Manager, containerID uint32) (*Map, error) {
	raw, err := store.ReadPage(containerID, mapPageNumber)
	if err != nil {
		return nil, err
	}
	m := &Map{storage: store, containerID: containerID}
	if p, perr := page.Deserialize(raw); perr == nil && p.Type() == page.TypeSpaceMap {
		if b := p.Get(0); b != nil {
			m.bitmap = append([]byte(nil), b...)
		}
	}
	if m.bitmap == nil {
		m.bitmap = make([]byte, store.PageSize())
		setBit(m.bitmap, mapPageNumber) // the space-map page itself is always allocated
	}
	return m, nil
}

func setBit(bitmap []byte, n uint32) {
	bitmap[n/bitsPerByte] |= 1 << (n % bitsPerByte)
}

func clearBit(bitmap []byte, n uint32) {
	bitmap[n/bitsPerByte] &^= 1 << (n % bitsPerByte)
}

func testBit(bitmap []byte, n uint32) bool {
	return bitmap[n/bitsPerByte]&(1<<(n%bitsPerByte)) != 0
}

// persist writes the bitmap page back to its container, stamping
// pageLSN with the LSN of the record that justified the write.
func (m *Map) persist(lsn wal.LSN) error {
	p := page.New(page.ID{ContainerID: m.containerID, PageNumber: mapPageNumber}, page.TypeSpaceMap, m.storage.PageSize())
	p.SetPageLsn(lsn)
	if err := p.InsertAt(0, m.bitmap, false); err != nil {
		return err
	}
	return m.storage.WritePage(m.containerID, mapPageNumber, p.Serialize())
}

// AllocatePage finds a free page (searching forward from the map's
// nextHint and wrapping around), logs the
// allocation as an undoable redo record (so an aborting transaction
// gives the page back), marks it allocated, and returns its number.
func (m *Map) AllocatePage(logger Logger) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pageNumber, err := m.findFree()
	if err != nil {
		return 0, err
	}

	lsn, err := logger.LogUndoable(encodeRecord(Record{ContainerID: m.containerID, PageNumber: pageNumber, Op: OpAllocate}))
	if err != nil {
		return 0, err
	}
	setBit(m.bitmap, pageNumber)
	m.nextHint = pageNumber + 1
	if err := m.persist(lsn); err != nil {
		return 0, err
	}
	return pageNumber, nil
}

// FreePage logs the deallocation as a separately logged redo-only
// record, avoiding holding a space-map latch across the structure
// modification that triggered it, rather than folding the free into
// that modification's own undo chain — then clears the bit.
func (m *Map) FreePage(logger Logger, pageNumber uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lsn, err := logger.LogRedoOnly(encodeRecord(Record{ContainerID: m.containerID, PageNumber: pageNumber, Op: OpFree}))
	if err != nil {
		return err
	}
	clearBit(m.bitmap, pageNumber)
	return m.persist(lsn)
}

// Redo reapplies a logged space-map record during restart recovery,
// without going through the logger (the record is already durable).
func (m *Map) Redo(rec Record, lsn wal.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch rec.Op {
	case OpAllocate:
		setBit(m.bitmap, rec.PageNumber)
	case OpFree:
		clearBit(m.bitmap, rec.PageNumber)
	}
	return m.persist(lsn)
}

// Undo reverses a logged allocation during transaction rollback,
// invoked by the txn manager's undo handler via a CLR.
func (m *Map) Undo(rec Record, clrLSN wal.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Op == OpAllocate {
		clearBit(m.bitmap, rec.PageNumber)
	}
	return m.persist(clrLSN)
}

func (m *Map) IsAllocated(pageNumber uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return testBit(m.bitmap, pageNumber)
}

func (m *Map) findFree() (uint32, error) {
	total := uint32(len(m.bitmap)) * bitsPerByte
	for i := uint32(0); i < total; i++ {
		n := (m.nextHint + i) % total
		if n == mapPageNumber {
			continue
		}
		if !testBit(m.bitmap, n) {
			return n, nil
		}
	}
	return 0, errors.Wrap(errs.ErrStorage, "space: container exhausted")
}

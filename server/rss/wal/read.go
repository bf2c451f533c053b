package wal

import (
	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
)

// Read fetches the record at lsn from buffers, current files, or
// archives.
func (m *Manager) Read(lsn LSN) (*Record, error) {
	if err := m.checkErrored(); err != nil {
		return nil, err
	}

	m.bufMu.Lock()
	for _, rec := range m.buffer {
		if rec.LSN.Equal(lsn) {
			cp := *rec
			m.bufMu.Unlock()
			return &cp, nil
		}
	}
	m.bufMu.Unlock()

	rec, err := m.readFromDisk(lsn)
	if err == nil {
		return rec, nil
	}

	raw, aerr := readArchived(m.cfg.ArchivePath, lsn.FileIndex, lsn.Offset)
	if aerr != nil {
		return nil, errors.Wrapf(errs.ErrCorrupt, "wal: read %s: %v / %v", lsn, err, aerr)
	}
	return decode(raw, lsn)
}

// readFromDisk reads directly from a group's online file ring,
// without consulting the in-memory buffer or archives. Used during
// scanToEof (before any buffer exists) and as Read's first disk
// fallback.
func (m *Manager) readFromDisk(lsn LSN) (*Record, error) {
	g := m.groups[0]
	f := g.ringSlot(lsn.FileIndex)

	// A record never spans files, and its encoded length is embedded
	// in its first 4 bytes, so peek the length first, then read the
	// full record.
	head := make([]byte, 4)
	if _, err := f.readAt(head, int64(lsn.Offset)); err != nil {
		return nil, errors.Wrap(errs.ErrStorage, "wal: read record header")
	}
	total := int(be32(head))
	if total < fixedHeaderSize+checksumSize || total > int(m.cfg.FileSize) {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: implausible record length")
	}
	buf := make([]byte, total)
	if _, err := f.readAt(buf, int64(lsn.Offset)); err != nil {
		return nil, errors.Wrap(errs.ErrStorage, "wal: read record body")
	}
	return decode(buf, lsn)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

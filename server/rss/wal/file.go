package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
)

// fileStatus is one of the four statuses an online log file carries:
// unused, current, full, invalid.
type fileStatus int

const (
	statusUnused fileStatus = iota
	statusCurrent
	statusFull
	statusInvalid
)

// fileHeaderSize is the on-disk header {groupId: u16, fileIndex: i32},
// padded so the first record starts at a round offset.
const fileHeaderSize = 16

// onlineFile is one pre-allocated file within a group's ring.
type onlineFile struct {
	mu      sync.RWMutex // per-file read latch; exclusive held by the archiver while it flips status
	path    string
	groupID int
	index   int32
	status  fileStatus
	size    int64
}

func newOnlineFile(dir string, groupID int, index int32, size int64) *onlineFile {
	return &onlineFile{
		path:    filepath.Join(dir, fmt.Sprintf("log_%d.dat", index)),
		groupID: groupID,
		index:   index,
		status:  statusUnused,
		size:    size,
	}
}

func (f *onlineFile) writeHeader(groupID uint16, index int32) error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(errs.ErrStorage, "wal: create online file %s: %v", f.path, err)
	}
	defer file.Close()

	hdr := make([]byte, fileHeaderSize)
	binary.BigEndian.PutUint16(hdr[0:2], groupID)
	binary.BigEndian.PutUint32(hdr[2:6], uint32(index))
	if _, err := file.WriteAt(hdr, 0); err != nil {
		return errors.Wrap(errs.ErrStorage, "wal: write online file header")
	}
	// Pre-extend the file to its configured size so subsequent
	// WriteAt calls never grow it mid-flush.
	if err := file.Truncate(f.size); err != nil {
		return errors.Wrap(errs.ErrStorage, "wal: truncate online file")
	}
	return file.Sync()
}

// readAt and writeAt operate relative to the start of the file,
// including the header — callers pass absolute offsets.
func (f *onlineFile) writeAt(b []byte, off int64) error {
	file, err := os.OpenFile(f.path, os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(errs.ErrStorage, "wal: open online file for write")
	}
	defer file.Close()
	if _, err := file.WriteAt(b, off); err != nil {
		return errors.Wrap(errs.ErrStorage, "wal: write online file")
	}
	return file.Sync()
}

func (f *onlineFile) readAt(b []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	file, err := os.Open(f.path)
	if err != nil {
		return 0, errors.Wrap(errs.ErrStorage, "wal: open online file for read")
	}
	defer file.Close()
	return file.ReadAt(b, off)
}

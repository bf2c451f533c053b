package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
	"github.com/simpledbm/rss/logger"
)

func archiveFilePath(base string, index int32) string {
	return filepath.Join(base, fmt.Sprintf("%d.log", index))
}

// archiveFile copies group 0's ring slot for index into a single
// lz4-compressed archive file (archived logs are read far less often
// than online ones, so it is a reasonable place to spend the
// compression dependency), then flips each group's file status to
// unused and releases the free-file semaphore.
func (m *LogManager) archiveFile(index int32) error {
	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()

	src := m.groups[0].ringSlot(index)
	src.mu.Lock()
	raw, err := os.ReadFile(src.path)
	src.mu.Unlock()
	if err != nil {
		return errors.Wrapf(errs.ErrStorage, "wal: read online file for archive: %v", err)
	}

	dst := archiveFilePath(m.cfg.ArchivePath, index)
	if err := os.MkdirAll(m.cfg.ArchivePath, 0755); err != nil {
		return errors.Wrap(errs.ErrStorage, "wal: mkdir archive path")
	}
	f, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(errs.ErrStorage, "wal: create archive file %s: %v", dst, err)
	}
	zw := lz4.NewWriter(f)
	if _, err := zw.Write(raw); err != nil {
		f.Close()
		return errors.Wrap(errs.ErrStorage, "wal: compress archive file")
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return errors.Wrap(errs.ErrStorage, "wal: close archive writer")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(errs.ErrStorage, "wal: close archive file")
	}

	for _, g := range m.groups {
		of := g.ringSlot(index)
		of.mu.Lock()
		of.status = statusUnused
		of.mu.Unlock()
	}

	logger.Debugf("wal: archived file %d to %s", index, dst)

	select {
	case m.freeFileSem <- struct{}{}:
	default:
	}
	return nil
}

// readArchived decompresses archive file `index` and returns the
// record found at the given byte offset.
func readArchived(archivePath string, index int32, offset int32) ([]byte, error) {
	path := archiveFilePath(archivePath, index)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrStorage, "wal: open archive %s: %v", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, errors.Wrap(errs.ErrStorage, "wal: decompress archive")
	}
	if int(offset) > len(raw) {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: archive offset out of range")
	}
	return raw[offset:], nil
}

// CleanupArchives deletes archive files whose index is older than
// oldestInterestingLsn.FileIndex-1, keeping just enough archived log
// to redo every still-dirty page. A no-op until something has gone
// through the buffer pool (null oldestInterestingLsn).
func (m *LogManager) CleanupArchives() error {
	m.anchorMu.RLock()
	oldest := m.oldestInterestingLSN
	m.anchorMu.RUnlock()
	if oldest.IsNull() {
		return nil
	}
	entries, err := os.ReadDir(m.cfg.ArchivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errs.ErrStorage, "wal: read archive dir")
	}
	cutoff := oldest.FileIndex - 1
	for _, e := range entries {
		var idx int32
		if _, err := fmt.Sscanf(e.Name(), "%d.log", &idx); err != nil {
			continue
		}
		if idx < cutoff {
			_ = os.Remove(filepath.Join(m.cfg.ArchivePath, e.Name()))
			logger.Debugf("wal: removed archive %s (older than oldest-interesting %s)", e.Name(), oldest)
		}
	}
	return nil
}

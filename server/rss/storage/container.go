// Package storage implements a minimal file-backed page container:
// read/write a page-sized block by (containerId, pageNumber).
//
// Modelled on storage/store/ibd.IBD_File and its underlying
// blocks.BlockFile (ReadPageByNumber/WriteContentByPage), stripped of
// InnoDB tablespace bookkeeping and rewritten to return errors instead
// of calling log.Fatal on I/O failure.
package storage

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
)

// Manager owns one on-disk file per container, all sized in units of
// a fixed page size.
type Manager struct {
	basePath string
	pageSize int

	mu         sync.RWMutex
	containers map[uint32]*container
}

type container struct {
	mu   sync.RWMutex
	file *os.File
}

func New(basePath string, pageSize int) (*Manager, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(errs.ErrStorage, err.Error())
	}
	return &Manager{
		basePath:   basePath,
		pageSize:   pageSize,
		containers: make(map[uint32]*container),
	}, nil
}

func (m *Manager) PageSize() int { return m.pageSize }

func (m *Manager) containerPath(id uint32) string {
	return filepath.Join(m.basePath, filenameFor(id))
}

func filenameFor(id uint32) string {
	return "container_" + itoa(id) + ".dat"
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Open creates the container's file if absent and returns it, caching
// the open *os.File for subsequent calls.
func (m *Manager) open(id uint32) (*container, error) {
	m.mu.RLock()
	c, ok := m.containers[id]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.containers[id]; ok {
		return c, nil
	}
	f, err := os.OpenFile(m.containerPath(id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrStorage, "storage: open container %d: %v", id, err)
	}
	c = &container{file: f}
	m.containers[id] = c
	return c, nil
}

// CreateContainer ensures a container exists and is pre-extended to
// hold at least numPages pages, writing zero bytes as InnoDB's
// BlockFile.CreateFile does via Truncate.
func (m *Manager) CreateContainer(id uint32, numPages int) error {
	c, err := m.open(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	want := int64(numPages) * int64(m.pageSize)
	st, err := c.file.Stat()
	if err != nil {
		return errors.Wrapf(errs.ErrStorage, "storage: stat container %d: %v", id, err)
	}
	if st.Size() >= want {
		return nil
	}
	return c.file.Truncate(want)
}

// ReadPage reads exactly one page-sized block at pageNumber. Reading
// past the current file end returns a zero-filled page, matching
// blocks.BlockFile.ReadPageByNumber's "ReadAt beyond length reads
// zeros" behavior.
func (m *Manager) ReadPage(containerID uint32, pageNumber uint32) ([]byte, error) {
	c, err := m.open(containerID)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := make([]byte, m.pageSize)
	_, err = c.file.ReadAt(buf, int64(pageNumber)*int64(m.pageSize))
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(errs.ErrStorage, "storage: read container %d page %d: %v", containerID, pageNumber, err)
	}
	return buf, nil
}

// WritePage writes data (truncated or zero-padded to one page) at
// pageNumber.
func (m *Manager) WritePage(containerID uint32, pageNumber uint32, data []byte) error {
	c, err := m.open(containerID)
	if err != nil {
		return err
	}
	buf := make([]byte, m.pageSize)
	copy(buf, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.file.WriteAt(buf, int64(pageNumber)*int64(m.pageSize)); err != nil {
		return errors.Wrapf(errs.ErrStorage, "storage: write container %d page %d: %v", containerID, pageNumber, err)
	}
	return nil
}

// Sync forces the container's file to stable storage.
func (m *Manager) Sync(containerID uint32) error {
	c, err := m.open(containerID)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.file.Sync(); err != nil {
		return errors.Wrap(errs.ErrStorage, err.Error())
	}
	return nil
}

// NumPages reports the current extent of the container in pages.
func (m *Manager) NumPages(containerID uint32) (int, error) {
	c, err := m.open(containerID)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	fi, err := c.file.Stat()
	if err != nil {
		return 0, errors.Wrap(errs.ErrStorage, err.Error())
	}
	return int(fi.Size()) / m.pageSize, nil
}

// Close releases all open container files.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, c := range m.containers {
		if err := c.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

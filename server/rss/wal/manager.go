// Package wal implements a write-ahead log: an append-only, durable,
// logically-infinite sequence of records physically realised as a
// ring of pre-allocated online files per mirrored group, with full
// files archived before reuse.
//
// Modelled on manager.RedoLogManager (single file, buffered append,
// background flush ticker) generalized to a group/ring/archive model,
// with the exact sequencing of a log switch cross-checked against
// LogManagerImpl's Java implementation of the same protocol.
package wal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/simpledbm/rss/logger"
	"github.com/simpledbm/rss/server/rss/errs"
)

// Manager is the write-ahead log. All public methods are safe for
// concurrent use.
type Manager struct {
	cfg Config

	bufMu   sync.Mutex
	bufCond *sync.Cond
	buffer  []*Record

	flushMu   sync.Mutex
	archiveMu sync.Mutex

	anchorMu      sync.RWMutex
	anchorWriteMu sync.Mutex
	anchorDirty   bool

	groups []*group

	currentFileIndex int32
	currentOffset    int32
	currentLSN       LSN // next LSN to be assigned
	durableLSN       LSN
	maxLSN           LSN
	checkpointLSN    LSN
	oldestInterestingLSN LSN

	freeFileSem chan struct{}
	archiveReq  chan int32

	stopCh chan struct{}
	wg     sync.WaitGroup

	errored int32
	lastErr atomic.Value
}

// LogManager is an alias so call sites read naturally (wal.LogManager).
type LogManager = Manager

const eofReserve = fixedHeaderSize + checksumSize

// NewLogManager creates or reopens a log under cfg. On reopen it
// trusts the control file for bookkeeping but re-derives the true end
// of the log with scanToEof, tolerating a crash between a log switch
// and the anchor update.
func NewLogManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if len(cfg.GroupPaths) == 0 {
		return nil, errors.New("wal: at least one log group path is required")
	}

	m := &Manager{
		cfg:         cfg,
		archiveReq:  make(chan int32, 64),
		stopCh:      make(chan struct{}),
		freeFileSem: make(chan struct{}, cfg.FilesPerGroup),
	}
	m.bufCond = sync.NewCond(&m.bufMu)

	for i, dir := range cfg.GroupPaths {
		g, err := newGroup(i, dir, cfg.FilesPerGroup, cfg.FileSize)
		if err != nil {
			return nil, err
		}
		m.groups = append(m.groups, g)
	}

	if a, err := tryLoadAnchor(cfg.CtlFiles); err == nil && a != nil {
		m.restoreFromAnchor(a)
		if err := m.scanToEof(); err != nil {
			return nil, err
		}
	} else {
		if err := m.initFresh(); err != nil {
			return nil, err
		}
	}

	for i := 1; i < cfg.FilesPerGroup; i++ {
		m.freeFileSem <- struct{}{}
	}

	m.wg.Add(2)
	go m.backgroundFlush()
	go m.backgroundArchiver()

	return m, nil
}

func tryLoadAnchor(paths []string) (*anchor, error) {
	for _, p := range paths {
		if a, err := readAnchorFile(p); err == nil {
			return a, nil
		}
	}
	return nil, errors.New("wal: no readable control file")
}

func (m *Manager) restoreFromAnchor(a *anchor) {
	m.currentFileIndex = a.CurrentFileIndex
	m.currentOffset = a.CurrentOffset
	m.currentLSN = a.CurrentLSN
	m.durableLSN = a.DurableLSN
	m.maxLSN = a.MaxLSN
	m.checkpointLSN = a.CheckpointLSN
	m.oldestInterestingLSN = a.OldestInterestingLSN
	for _, g := range m.groups {
		g.ringSlot(a.CurrentFileIndex).status = statusCurrent
	}
}

func (m *Manager) initFresh() error {
	m.currentFileIndex = 0
	m.currentOffset = fileHeaderSize
	m.currentLSN = LSN{0, fileHeaderSize}
	m.durableLSN = m.currentLSN
	m.maxLSN = LSN{0, int32(m.cfg.FileSize)}
	for _, g := range m.groups {
		f := g.ringSlot(0)
		if err := f.writeHeader(uint16(g.id), 0); err != nil {
			return err
		}
		f.status = statusCurrent
	}
	return m.writeAnchorLocked()
}

// scanToEof reads forward from the anchor's recorded durable LSN
// until a record fails to parse, re-locating the true end of the log
// — used to tolerate the crash window between a log switch and the
// anchor update.
func (m *Manager) scanToEof() error {
	cursor := m.durableLSN
	for {
		rec, err := m.readFromDisk(cursor)
		if err != nil {
			break
		}
		if rec.IsEOF() {
			cursor = LSN{cursor.FileIndex + 1, fileHeaderSize}
			continue
		}
		cursor = LSN{cursor.FileIndex, cursor.Offset + int32(rec.encodedLen())}
	}
	m.currentFileIndex = cursor.FileIndex
	m.currentOffset = cursor.Offset
	m.currentLSN = cursor
	m.durableLSN = cursor
	for _, g := range m.groups {
		g.ringSlot(cursor.FileIndex).status = statusCurrent
	}
	return nil
}

func (m *Manager) setErrored(err error) {
	// lastErr must be visible before errored flips, or a concurrent
	// checkErrored can observe errored==1 and call LastError on a nil value.
	m.lastErr.Store(err)
	atomic.StoreInt32(&m.errored, 1)
	logger.Errorf("wal: entering errored state: %v", err)
}

// LastError returns the most recent background flush/archive error, if
// any, so callers can surface failures that happen off the request path.
func (m *Manager) LastError() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (m *Manager) checkErrored() error {
	if atomic.LoadInt32(&m.errored) != 0 {
		return errors.Wrap(errs.ErrLogClosed, m.LastError().Error())
	}
	return nil
}

// Insert appends rec into the in-memory log buffer and assigns it an
// LSN. Fails with ErrRecordTooLarge when the record exceeds both the
// buffer size and the usable space of one file. Blocks when the live
// buffer count exceeds MaxBuffers, and when a log switch has to wait
// for a free online file.
func (m *Manager) Insert(rec *Record) (LSN, error) {
	if err := m.checkErrored(); err != nil {
		return NullLSN, err
	}

	recLen := rec.encodedLen()
	usablePerFile := int(m.cfg.FileSize) - fileHeaderSize - eofReserve
	if recLen > m.cfg.BufferSize && recLen > usablePerFile {
		return NullLSN, errors.Wrapf(errs.ErrRecordTooLarge, "wal: record of %d bytes", recLen)
	}

	m.bufMu.Lock()
	defer m.bufMu.Unlock()

	if int(m.currentOffset)+recLen > int(m.cfg.FileSize)-eofReserve {
		if err := m.switchFileLocked(); err != nil {
			return NullLSN, err
		}
	}

	lsn := LSN{m.currentFileIndex, m.currentOffset}
	rec.LSN = lsn
	m.currentOffset += int32(recLen)
	m.currentLSN = LSN{m.currentFileIndex, m.currentOffset}

	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	m.buffer = append(m.buffer, &cp)

	for len(m.buffer) > m.cfg.MaxBuffers {
		m.bufCond.Wait()
	}

	return lsn, nil
}

// switchFileLocked queues an EOF marker, waits for a free online file
// (may block on the archiver), and reinitialises the next file's
// header under the anchor-write latch. Called with bufMu held.
func (m *Manager) switchFileLocked() error {
	eofLSN := LSN{m.currentFileIndex, m.currentOffset}
	m.buffer = append(m.buffer, eofRecord(eofLSN))

	<-m.freeFileSem

	m.anchorWriteMu.Lock()
	defer m.anchorWriteMu.Unlock()

	oldIdx := m.currentFileIndex
	for _, g := range m.groups {
		g.ringSlot(oldIdx).status = statusFull
	}
	select {
	case m.archiveReq <- oldIdx:
	default:
		logger.Warnf("wal: archive request queue full, file %d will be picked up by next cycle", oldIdx)
	}

	m.currentFileIndex++
	m.currentOffset = fileHeaderSize
	m.currentLSN = LSN{m.currentFileIndex, m.currentOffset}
	m.maxLSN = LSN{m.currentFileIndex, int32(m.cfg.FileSize)}

	for _, g := range m.groups {
		f := g.ringSlot(m.currentFileIndex)
		if err := f.writeHeader(uint16(g.id), m.currentFileIndex); err != nil {
			m.setErrored(err)
			return err
		}
		f.status = statusCurrent
	}

	m.anchorMu.Lock()
	m.anchorDirty = true
	m.anchorMu.Unlock()
	return nil
}

// Flush forces all buffered records (ignoring upto, since every
// buffered record precedes the caller's commit LSN by construction)
// to durable storage of every group, then returns once the durable
// LSN covers upto.
func (m *Manager) Flush(upto LSN) error {
	if err := m.checkErrored(); err != nil {
		return err
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.bufMu.Lock()
	snapshot := m.buffer
	m.buffer = nil
	newDurable := m.currentLSN
	m.bufMu.Unlock()
	m.bufCond.Broadcast()

	if len(snapshot) > 0 {
		if err := m.writeSnapshot(snapshot); err != nil {
			m.setErrored(err)
			return err
		}
		m.anchorMu.Lock()
		m.durableLSN = newDurable
		m.anchorMu.Unlock()
	}

	m.anchorMu.RLock()
	dirty := m.anchorDirty
	m.anchorMu.RUnlock()
	if dirty {
		if err := m.writeAnchorLocked(); err != nil {
			m.setErrored(err)
			return err
		}
	}

	if !upto.IsNull() && upto.Greater(newDurable) {
		logger.Warnf("wal: flush requested past inserted end: upto=%s durable=%s", upto, newDurable)
	}
	return nil
}

func (m *Manager) writeSnapshot(snapshot []*Record) error {
	buf := make([]byte, 0, 4096)
	for _, g := range m.groups {
		for _, rec := range snapshot {
			n := rec.encodedLen()
			if cap(buf) < n {
				buf = make([]byte, n)
			} else {
				buf = buf[:n]
			}
			rec.encode(buf)
			f := g.ringSlot(rec.LSN.FileIndex)
			if err := f.writeAt(buf, int64(rec.LSN.Offset)); err != nil {
				return errors.Wrapf(err, "wal: group %d write failed", g.id)
			}
		}
	}
	return nil
}

func (m *Manager) writeAnchorLocked() error {
	m.anchorWriteMu.Lock()
	defer m.anchorWriteMu.Unlock()

	m.anchorMu.RLock()
	a := &anchor{
		CtlFilePaths:         m.cfg.CtlFiles,
		GroupPaths:           m.cfg.GroupPaths,
		NumFiles:             m.cfg.FilesPerGroup,
		FileSize:             m.cfg.FileSize,
		ArchivePath:          m.cfg.ArchivePath,
		BufferSize:           m.cfg.BufferSize,
		MaxBuffers:           m.cfg.MaxBuffers,
		FlushIntervalSeconds: int(m.cfg.FlushInterval / time.Second),
		CurrentFileIndex:     m.currentFileIndex,
		CurrentOffset:        m.currentOffset,
		CurrentLSN:           m.currentLSN,
		MaxLSN:               m.maxLSN,
		DurableLSN:           m.durableLSN,
		DurableCurrentLSN:    m.durableLSN,
		CheckpointLSN:        m.checkpointLSN,
		OldestInterestingLSN: m.oldestInterestingLSN,
	}
	m.anchorMu.RUnlock()

	for _, p := range m.cfg.CtlFiles {
		if err := writeAnchorFile(p, a); err != nil {
			return err
		}
	}
	m.anchorMu.Lock()
	m.anchorDirty = false
	m.anchorMu.Unlock()
	return nil
}

// DurableLSN returns the highest LSN known to be durable.
func (m *Manager) DurableLSN() LSN {
	m.anchorMu.RLock()
	defer m.anchorMu.RUnlock()
	return m.durableLSN
}

// SetCheckpointLsn records a new checkpoint LSN and the oldest LSN
// still of interest to recovery (the smallest first-dirty-page LSN in
// the buffer pool), marking the anchor dirty for the next flush.
func (m *Manager) SetCheckpointLsn(chkpt, oldestInteresting LSN) {
	m.anchorMu.Lock()
	m.checkpointLSN = chkpt
	m.oldestInterestingLSN = oldestInteresting
	m.anchorDirty = true
	m.anchorMu.Unlock()
}

func (m *Manager) backgroundFlush() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Flush(NullLSN); err != nil {
				logger.Errorf("wal: background flush failed: %v", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) backgroundArchiver() {
	defer m.wg.Done()
	for {
		select {
		case idx := <-m.archiveReq:
			if err := m.archiveFile(idx); err != nil {
				m.setErrored(err)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Close flushes outstanding records, stops background tasks and
// releases all open files.
func (m *Manager) Close() error {
	err := m.Flush(NullLSN)
	close(m.stopCh)
	m.wg.Wait()
	return err
}

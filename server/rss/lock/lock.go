// Package lock implements a hierarchical lock manager: acquire a
// resource in one of six modes (IS, IX, S, U, SIX, X) for one of three
// durations (instant, manual, commit-scoped), with deadlock detection
// over the wait-for graph. This is what gives btree its next-key
// locking and phantom prevention, since nothing else in this module
// provides it.
//
// Generalized from manager.LockManager's binary S/X mode and flat
// wait-for graph to the full hierarchical compatibility matrix.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/simpledbm/rss/logger"
	"github.com/simpledbm/rss/server/rss/errs"
)

// Mode is one of the six hierarchical lock modes.
type Mode int

const (
	ModeIS  Mode = iota // intention shared
	ModeIX              // intention exclusive
	ModeS                // shared
	ModeU                // update: compatible with shared readers, upgradable to exclusive
	ModeSIX              // shared + intention exclusive
	ModeX                // exclusive
)

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeU:
		return "U"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	default:
		return "?"
	}
}

// compatible[held][requested] reports whether a lock already held in
// mode held permits granting requested to a different transaction.
var compatible = [6][6]bool{
	//           IS    IX     S      U      SIX    X
	ModeIS:  {true, true, true, true, true, false},
	ModeIX:  {true, true, false, false, false, false},
	ModeS:   {true, false, true, true, false, false},
	ModeU:   {true, false, true, false, false, false},
	ModeSIX: {true, false, false, false, false, false},
	ModeX:   {false, false, false, false, false, false},
}

// supersedes reports whether mode a is at least as strong as b, used
// to decide whether a transaction re-requesting a lock it already
// holds needs an upgrade.
func supersedes(a, b Mode) bool {
	if a == b {
		return true
	}
	if b == ModeU {
		return a == ModeX || a == ModeSIX
	}
	return rank[a] >= rank[b]
}

var rank = map[Mode]int{ModeIS: 0, ModeU: 1, ModeS: 1, ModeIX: 2, ModeSIX: 3, ModeX: 4}

// Duration controls when a granted lock is released.
type Duration int

const (
	// DurationInstant locks are released the instant they are granted
	// (used to probe for concurrent activity without blocking later
	// operations on the same key).
	DurationInstant Duration = iota
	// DurationManual locks persist until Release is called explicitly.
	DurationManual
	// DurationCommit locks persist until the transaction calls
	// ReleaseAll at commit or abort.
	DurationCommit
)

type request struct {
	txnID    uint64
	mode     Mode
	granted  bool
	duration Duration
	ready    chan struct{}
}

type entry struct {
	key      interface{}
	requests []*request
}

// Manager is the lock table. All methods are safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	table map[interface{}]*entry
	// held indexes a transaction's granted locks by key for ReleaseAll
	// and by the mode actually in force (the strongest mode requested).
	held map[uint64]map[interface{}]Mode

	waitFor map[uint64]map[uint64]bool // waitFor[waiter][holder]

	deadlockCheckInterval time.Duration
	stopCh                chan struct{}
	wg                    sync.WaitGroup
}

func New() *Manager {
	m := &Manager{
		table:                 make(map[interface{}]*entry),
		held:                  make(map[uint64]map[interface{}]Mode),
		waitFor:               make(map[uint64]map[uint64]bool),
		deadlockCheckInterval: 500 * time.Millisecond,
		stopCh:                make(chan struct{}),
	}
	m.wg.Add(1)
	go m.deadlockDetectionLoop()
	return m
}

func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// Acquire blocks until lock key is granted to txnID in mode, or until
// ctx is done, or until deadlock detection aborts the wait.
func (m *Manager) Acquire(ctx context.Context, txnID uint64, key interface{}, mode Mode, duration Duration) error {
	m.mu.Lock()
	e, granted, waitFor, req := m.tryGrantLocked(txnID, key, mode, duration)
	if granted {
		m.mu.Unlock()
		return nil
	}
	m.waitFor[txnID] = waitFor
	m.mu.Unlock()

	select {
	case <-req.ready:
		m.mu.Lock()
		delete(m.waitFor, txnID)
		if duration == DurationInstant {
			_ = m.releaseLocked(txnID, key)
		}
		m.mu.Unlock()
		return nil
	case <-ctx.Done():
		m.cancelWait(e, req, txnID)
		return errors.Wrapf(errs.ErrLockTimeout, "lock: txn %d waiting for %v", txnID, key)
	case <-m.stopCh:
		m.cancelWait(e, req, txnID)
		return errors.Wrap(errs.ErrInvalidState, "lock manager closed")
	}
}

// AcquireConditional attempts the lock without blocking. Used by the
// B-link tree's next-key protocol: if the conditional acquire fails,
// the caller releases its page latches and falls back to a blocking
// Acquire instead of holding latches across a wait. Returns
// granted=false, err=nil when the lock would need to wait.
func (m *Manager) AcquireConditional(txnID uint64, key interface{}, mode Mode, duration Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, granted, _, _ := m.tryGrantLocked(txnID, key, mode, duration)
	return granted, nil
}

// tryGrantLocked attempts to grant immediately. If it cannot, it
// still registers the waiting request and returns the holder set for
// the caller to feed into deadlock detection. A DurationInstant grant
// that succeeds immediately leaves no trace in e.requests/held at
// all, since it is released the instant it is granted; one that has
// to wait is registered like any other and Acquire releases it the
// moment its ready channel fires (see Acquire).
func (m *Manager) tryGrantLocked(txnID uint64, key interface{}, mode Mode, duration Duration) (*entry, bool, map[uint64]bool, *request) {
	e, ok := m.table[key]
	if !ok {
		e = &entry{key: key}
		m.table[key] = e
	}

	for _, r := range e.requests {
		if r.txnID == txnID && r.granted {
			if supersedes(r.mode, mode) {
				m.recordHeld(txnID, key, r.mode)
				return e, true, nil, nil
			}
			mode = strongerOf(r.mode, mode)
			r.mode = mode
			m.recordHeld(txnID, key, mode)
			return e, true, nil, nil
		}
	}

	holders := map[uint64]bool{}
	blocked := false
	for _, r := range e.requests {
		if r.granted && r.txnID != txnID && !compatible[r.mode][mode] {
			holders[r.txnID] = true
			blocked = true
		}
	}

	if !blocked {
		if duration == DurationInstant {
			return e, true, nil, nil
		}
		req := &request{txnID: txnID, mode: mode, granted: true, duration: duration, ready: make(chan struct{})}
		e.requests = append(e.requests, req)
		m.recordHeld(txnID, key, mode)
		return e, true, nil, req
	}
	req := &request{txnID: txnID, mode: mode, duration: duration, ready: make(chan struct{})}
	e.requests = append(e.requests, req)
	return e, false, holders, req
}

func strongerOf(a, b Mode) Mode {
	if a == ModeU || b == ModeU {
		if a == ModeX || b == ModeX || a == ModeSIX || b == ModeSIX {
			if rank[a] >= rank[b] {
				return a
			}
			return b
		}
		return ModeU
	}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

func (m *Manager) recordHeld(txnID uint64, key interface{}, mode Mode) {
	locks, ok := m.held[txnID]
	if !ok {
		locks = make(map[interface{}]Mode)
		m.held[txnID] = locks
	}
	locks[key] = mode
}

func (m *Manager) cancelWait(e *entry, req *request, txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range e.requests {
		if r == req {
			e.requests = append(e.requests[:i], e.requests[i+1:]...)
			break
		}
	}
	delete(m.waitFor, txnID)
}

// Release drops one manual-duration lock held by txnID on key.
func (m *Manager) Release(txnID uint64, key interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(txnID, key)
}

func (m *Manager) releaseLocked(txnID uint64, key interface{}) error {
	e, ok := m.table[key]
	if !ok {
		return errors.Wrap(errs.ErrInvalidState, "lock: release of unheld key")
	}
	found := false
	var remaining []*request
	for _, r := range e.requests {
		if r.txnID == txnID && r.granted {
			found = true
			continue
		}
		remaining = append(remaining, r)
	}
	e.requests = remaining
	if locks := m.held[txnID]; locks != nil {
		delete(locks, key)
	}
	if !found {
		return errors.Wrap(errs.ErrInvalidState, "lock: release of unheld key")
	}
	m.grantWaitersLocked(e)
	if len(e.requests) == 0 {
		delete(m.table, key)
	}
	return nil
}

// ReleaseAll drops every lock held by txnID, honoring commit/abort
// semantics (manual and commit duration locks are all dropped; there
// should be no outstanding instant-duration locks since those are
// released synchronously at acquisition time).
func (m *Manager) ReleaseAll(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	locks := m.held[txnID]
	delete(m.held, txnID)
	for key := range locks {
		_ = m.releaseLocked(txnID, key)
	}
	delete(m.waitFor, txnID)
}

func (m *Manager) grantWaitersLocked(e *entry) {
	for _, r := range e.requests {
		if r.granted {
			continue
		}
		blocked := false
		for _, g := range e.requests {
			if g.granted && g.txnID != r.txnID && !compatible[g.mode][r.mode] {
				blocked = true
				break
			}
		}
		if !blocked {
			r.granted = true
			m.recordHeld(r.txnID, e.key, r.mode)
			close(r.ready)
		}
	}
}

// deadlockDetectionLoop periodically looks for a cycle in the wait-for
// graph and takes as victim the first transaction found on one (in map
// iteration order), handling at most one cycle per tick —
// modelled on manager.LockManager.deadlockDetection's ticker loop,
// substituting a proper cycle search over the recorded holder sets
// for its single-transaction DFS.
func (m *Manager) deadlockDetectionLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.deadlockCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.breakOneDeadlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) breakOneDeadlock() {
	m.mu.Lock()
	victim, cyclic := m.findCycleVictim()
	m.mu.Unlock()
	if cyclic {
		logger.Warnf("lock: deadlock detected, aborting waiter %d", victim)
		m.ReleaseAll(victim)
	}
}

func (m *Manager) findCycleVictim() (uint64, bool) {
	for start := range m.waitFor {
		visited := map[uint64]bool{}
		if m.hasPathBackTo(start, start, visited) {
			return start, true
		}
	}
	return 0, false
}

func (m *Manager) hasPathBackTo(from, target uint64, visited map[uint64]bool) bool {
	for holder := range m.waitFor[from] {
		if holder == target && from != target {
			return true
		}
		if visited[holder] {
			continue
		}
		visited[holder] = true
		if m.hasPathBackTo(holder, target, visited) {
			return true
		}
	}
	return false
}

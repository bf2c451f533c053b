package txn

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/simpledbm/rss/logger"
	"github.com/simpledbm/rss/server/rss/errs"
	"github.com/simpledbm/rss/server/rss/lock"
	"github.com/simpledbm/rss/server/rss/wal"
)

// State is a transaction's lifecycle stage: active, prepared,
// committed, or aborted.
type State int

const (
	StateActive State = iota
	StatePrepared
	StateCommitted
	StateAborted
)

// UndoHandler performs the module-specific inverse of one Undoable
// log record and is responsible for emitting its own CLR via
// t.LogCLR. Registered per module ID with RegisterUndoHandler.
type UndoHandler func(t *Transaction, original *wal.Record) error

// Dirtyable is the minimal capability LogInsert needs from a fixed
// page, satisfied by *buffer.FixHandle without this package importing
// buffer (buffer has no reason to know about transactions).
type Dirtyable interface {
	SetDirty(lsn wal.LSN)
}

// Manager is the transaction manager. All public methods are safe
// for concurrent use.
type Manager struct {
	log *wal.Manager

	mu           sync.Mutex
	active       map[uint64]*Transaction
	nextID       uint64
	handlers     map[byte]UndoHandler
	redoHandlers map[byte]RedoHandler
}

func NewManager(log *wal.Manager) *Manager {
	return &Manager{
		log:      log,
		active:   make(map[uint64]*Transaction),
		handlers: make(map[byte]UndoHandler),
	}
}

// RegisterUndoHandler wires moduleID's undo logic in. Called once at
// startup by each module that logs Undoable records (space, btree).
func (m *Manager) RegisterUndoHandler(moduleID byte, h UndoHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[moduleID] = h
}

// Transaction is one live (or, during recovery, reconstructed)
// transaction.
type Transaction struct {
	mgr   *Manager
	id    uint64
	state State

	mu         sync.Mutex
	lastLSN    wal.LSN
	firstLSN   wal.LSN
	savepoints []wal.LSN

	locker *lock.Manager
}

func (t *Transaction) ID() uint64    { return t.id }
func (t *Transaction) State() State  { return t.state }
func (t *Transaction) LastLSN() wal.LSN { t.mu.Lock(); defer t.mu.Unlock(); return t.lastLSN }

// Locker returns the lock manager this transaction acquires locks
// through, nil for a transaction reconstructed during loser-undo
// (which drives locking through its own fresh acquisitions instead).
// The btree package needs this for next-key locking; kept here rather
// than threading a *lock.Manager through every index call since locks
// belong to the owning transaction, not to the index.
func (t *Transaction) Locker() *lock.Manager { return t.locker }

// Begin starts a new transaction and logs its begin record, mirroring
// TransactionManager.Begin's active-transaction bookkeeping but adding
// the WAL record analysis needs to notice the transaction existed
// even if it crashes before its first data mutation.
func (m *Manager) Begin(locker *lock.Manager) (*Transaction, error) {
	m.mu.Lock()
	id := atomic.AddUint64(&m.nextID, 1)
	t := &Transaction{mgr: m, id: id, state: StateActive, locker: locker}
	m.active[id] = t
	m.mu.Unlock()

	payload := EncodePayload(Payload{TxnID: id, ModuleID: ModuleTxn, OpCode: OpTxnBegin})
	lsn, err := m.log.Insert(&wal.Record{Category: wal.Redoable, Payload: payload})
	if err != nil {
		return nil, err
	}
	t.lastLSN = lsn
	t.firstLSN = lsn
	return t, nil
}

// LogInsert stamps prevLsn, calls the log manager, advances lastLsn,
// and — if dirty is non-nil — stamps the page's LSN.
func (t *Transaction) LogInsert(moduleID, opCode byte, category wal.Category, body []byte, dirty Dirtyable) (wal.LSN, error) {
	payload := EncodePayload(Payload{TxnID: t.id, ModuleID: moduleID, OpCode: opCode, Body: body})
	return t.logRecord(category, wal.NullLSN, payload, dirty)
}

// LogCLR logs a compensation record during undo, wrapping undoNext —
// the LSN the undo walk should jump to next, skipping whatever the
// original action's own undo chain would otherwise visit.
func (t *Transaction) LogCLR(moduleID, opCode byte, body []byte, undoNext wal.LSN, dirty Dirtyable) (wal.LSN, error) {
	payload := EncodePayload(Payload{TxnID: t.id, ModuleID: moduleID, OpCode: opCode, Body: body})
	return t.logRecord(wal.Redoable|wal.Compensation|wal.MultiPageRedo, undoNext, payload, dirty)
}

// SpaceLogger adapts t to space.Logger, tagging every record it
// writes with ModuleSpace so recovery's redo/undo dispatch can route
// back to space.Map without that package knowing about transactions.
func (t *Transaction) SpaceLogger() spaceLoggerAdapter { return spaceLoggerAdapter{t} }

type spaceLoggerAdapter struct{ t *Transaction }

func (a spaceLoggerAdapter) LogUndoable(body []byte) (wal.LSN, error) {
	return a.t.LogInsert(ModuleSpace, 0, wal.Redoable|wal.Undoable, body, nil)
}

func (a spaceLoggerAdapter) LogRedoOnly(body []byte) (wal.LSN, error) {
	return a.t.LogInsert(ModuleSpace, 0, wal.Redoable, body, nil)
}

func (t *Transaction) logRecord(category wal.Category, undoNext wal.LSN, payload []byte, dirty Dirtyable) (wal.LSN, error) {
	t.mu.Lock()
	prev := t.lastLSN
	t.mu.Unlock()

	rec := &wal.Record{PrevLSN: prev, Category: category, UndoNextLSN: undoNext, Payload: payload}
	lsn, err := t.mgr.log.Insert(rec)
	if err != nil {
		return wal.NullLSN, err
	}

	t.mu.Lock()
	t.lastLSN = lsn
	if t.firstLSN.IsNull() {
		t.firstLSN = lsn
	}
	t.mu.Unlock()

	if dirty != nil {
		dirty.SetDirty(lsn)
	}
	return lsn, nil
}

// Savepoint records the current lastLsn as a rollback target and
// returns a token identifying it.
func (t *Transaction) Savepoint() wal.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.savepoints = append(t.savepoints, t.lastLSN)
	return t.lastLSN
}

// BeginNestedTopAction returns the current lastLsn, the anchor a
// nested-top-action remembers before a sequence of logged updates
// that must never be individually undone.
func (t *Transaction) BeginNestedTopAction() wal.LSN {
	return t.LastLSN()
}

// CompleteNestedTopAction emits the CLR whose undoNextLsn is L,
// causing the rollback walk to jump over the whole nested sequence.
func (t *Transaction) CompleteNestedTopAction(moduleID, opCode byte, l wal.LSN, body []byte) (wal.LSN, error) {
	return t.LogCLR(moduleID, opCode, body, l, nil)
}

// Commit writes a commit record, forces the log up to it, and
// releases all commit/manual duration locks.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return errors.Wrap(errs.ErrInvalidState, "txn: commit of non-active transaction")
	}
	t.mu.Unlock()

	payload := EncodePayload(Payload{TxnID: t.id, ModuleID: ModuleTxn, OpCode: OpTxnCommit})
	lsn, err := t.logRecord(wal.Redoable, wal.NullLSN, payload, nil)
	if err != nil {
		return err
	}
	if err := t.mgr.log.Flush(lsn); err != nil {
		return err
	}

	t.mu.Lock()
	t.state = StateCommitted
	t.mu.Unlock()

	if t.locker != nil {
		t.locker.ReleaseAll(t.id)
	}
	t.mgr.forget(t.id)
	return nil
}

// Abort rolls the transaction all the way back (RollbackToSavepoint
// with no savepoint argument) and releases its locks.
func (t *Transaction) Abort() error {
	return t.rollbackTo(wal.NullLSN)
}

// RollbackToSavepoint undoes everything logged after sp, leaving the
// transaction active so the caller may retry.
func (t *Transaction) RollbackToSavepoint(sp wal.LSN) error {
	return t.rollbackTo(sp)
}

// rollbackTo walks lastLsn backward, invoking each Undoable record's
// module handler, stopping when prevLsn is null or the walk passes sp.
func (t *Transaction) rollbackTo(sp wal.LSN) error {
	t.mu.Lock()
	cursor := t.lastLSN
	t.mu.Unlock()

	for !cursor.IsNull() {
		if !sp.IsNull() && cursor.LessOrEqual(sp) {
			break
		}
		rec, err := t.mgr.log.Read(cursor)
		if err != nil {
			return err
		}

		if rec.Category.Has(wal.Compensation) {
			cursor = rec.UndoNextLSN
			continue
		}

		if rec.Category.Has(wal.Undoable) {
			payload := DecodePayload(rec.Payload)
			t.mgr.mu.Lock()
			handler := t.mgr.handlers[payload.ModuleID]
			t.mgr.mu.Unlock()
			if handler != nil {
				if err := handler(t, rec); err != nil {
					return err
				}
			} else {
				logger.Warnf("txn: no undo handler registered for module %d, skipping", payload.ModuleID)
			}
		}
		cursor = rec.PrevLSN
	}

	t.mu.Lock()
	if sp.IsNull() {
		t.state = StateAborted
	}
	t.mu.Unlock()

	if t.locker != nil && sp.IsNull() {
		t.locker.ReleaseAll(t.id)
	}
	if sp.IsNull() {
		t.mgr.forget(t.id)
	}
	return nil
}

func (m *Manager) forget(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// ActiveTransactions returns a snapshot of currently active transaction IDs.
func (m *Manager) ActiveTransactions() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

package txn

import (
	"github.com/simpledbm/rss/logger"
	"github.com/simpledbm/rss/server/rss/wal"
)

// RedoHandler reapplies one Redoable record during the redo pass.
// Registered per module ID with RegisterRedoHandler; responsible for
// its own idempotency check against the target page's current LSN,
// replaying only when that page's on-disk LSN is strictly less than
// the record's LSN.
type RedoHandler func(rec *wal.Record, payload Payload) error

func (m *Manager) RegisterRedoHandler(moduleID byte, h RedoHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redoHandlers == nil {
		m.redoHandlers = make(map[byte]RedoHandler)
	}
	m.redoHandlers[moduleID] = h
}

// Recover runs the ARIES three-pass restart protocol, modelled on
// RecoveryManager's shape but without a checkpoint-driven dirty-page
// table: it first flushes the log so every record already inserted is
// visible to the scans, then analysis and redo each scan forward from
// startFrom (a null LSN starts at the first record of the log), and
// undo walks each loser's chain backward. No log-compacting checkpoint
// truncates history here.
func (m *Manager) Recover(startFrom wal.LSN) error {
	if err := m.log.Flush(wal.NullLSN); err != nil {
		return err
	}
	analysis, err := m.analyze(startFrom)
	if err != nil {
		return err
	}
	if err := m.redo(startFrom); err != nil {
		return err
	}
	return m.undoLosers(analysis)
}

type analysisResult struct {
	lastLSN   map[uint64]wal.LSN
	committed map[uint64]bool
}

// analyze walks forward once, recording each transaction's most
// recently seen LSN and whether a commit record was observed for it,
// reconstructing the active-transaction table as of the crash.
func (m *Manager) analyze(from wal.LSN) (*analysisResult, error) {
	res := &analysisResult{lastLSN: map[uint64]wal.LSN{}, committed: map[uint64]bool{}}
	scanner := m.log.ForwardScan(from)
	for {
		rec, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		payload := DecodePayload(rec.Payload)
		if payload.TxnID == 0 {
			continue
		}
		res.lastLSN[payload.TxnID] = rec.LSN
		if payload.ModuleID == ModuleTxn && payload.OpCode == OpTxnCommit {
			res.committed[payload.TxnID] = true
		}
	}
	return res, nil
}

// redo replays every Redoable record forward from the same starting
// point, dispatching by module ID to whichever handler that module
// registered.
func (m *Manager) redo(from wal.LSN) error {
	scanner := m.log.ForwardScan(from)
	for {
		rec, err := scanner.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if !rec.Category.Has(wal.Redoable) {
			continue
		}
		payload := DecodePayload(rec.Payload)
		m.mu.Lock()
		h := m.redoHandlers[payload.ModuleID]
		m.mu.Unlock()
		if h == nil {
			continue
		}
		if err := h(rec, payload); err != nil {
			return err
		}
	}
}

// undoLosers reconstructs a Transaction for every transaction that
// was never seen to commit and rolls each one back: for every
// still-active transaction, walk lastLsn backward, emitting CLRs,
// until all chains are exhausted.
func (m *Manager) undoLosers(a *analysisResult) error {
	for txnID, lastLSN := range a.lastLSN {
		if a.committed[txnID] {
			continue
		}
		t := &Transaction{mgr: m, id: txnID, state: StateActive, lastLSN: lastLSN}
		logger.Warnf("txn: rolling back loser transaction %d from %s", txnID, lastLSN)
		if err := t.rollbackTo(wal.NullLSN); err != nil {
			return err
		}
	}
	return nil
}

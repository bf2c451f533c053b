package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simpledbm/rss/server/rss/wal"
)

func TestRecoverUndoesUncommittedLoser(t *testing.T) {
	log := newTestLog(t)
	mgr := NewManager(log)

	var redone, undone int
	mgr.RegisterRedoHandler(ModuleBTree, func(rec *wal.Record, payload Payload) error {
		redone++
		return nil
	})
	mgr.RegisterUndoHandler(ModuleBTree, func(t *Transaction, original *wal.Record) error {
		undone++
		_, err := t.LogCLR(ModuleBTree, 1, nil, original.PrevLSN, nil)
		return err
	})

	winner, err := mgr.Begin(nil)
	require.NoError(t, err)
	_, err = winner.LogInsert(ModuleBTree, 1, wal.Redoable|wal.Undoable, []byte("winner-write"), nil)
	require.NoError(t, err)
	require.NoError(t, winner.Commit())

	loser, err := mgr.Begin(nil)
	require.NoError(t, err)
	_, err = loser.LogInsert(ModuleBTree, 1, wal.Redoable|wal.Undoable, []byte("loser-write"), nil)
	require.NoError(t, err)
	// loser never commits: simulates a crash.

	require.NoError(t, mgr.Recover(wal.LSN{FileIndex: 0, Offset: 16}))
	require.Equal(t, 2, redone)
	require.Equal(t, 1, undone)
}

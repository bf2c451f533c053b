package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simpledbm/rss/server/rss/lock"
	"github.com/simpledbm/rss/server/rss/wal"
)

func newTestLog(t *testing.T) *wal.Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := wal.Config{
		CtlFiles:      []string{dir + "/ctl0"},
		GroupPaths:    []string{dir + "/g0"},
		FilesPerGroup: 3,
		FileSize:      8192,
		BufferSize:    1024,
		MaxBuffers:    1000,
		FlushInterval: time.Hour,
		ArchivePath:   dir + "/archive",
	}
	m, err := wal.NewLogManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestBeginCommitReleasesLocks(t *testing.T) {
	log := newTestLog(t)
	locker := lock.New()
	defer locker.Close()
	mgr := NewManager(log)

	tx, err := mgr.Begin(locker)
	require.NoError(t, err)
	require.NoError(t, locker.Acquire(context.Background(), tx.ID(), "k1", lock.ModeX, lock.DurationCommit))

	_, err = tx.LogInsert(ModuleBTree, 1, wal.Redoable, []byte("data"), nil)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	require.Equal(t, StateCommitted, tx.State())

	granted, err := locker.AcquireConditional(99, "k1", lock.ModeX, lock.DurationManual)
	require.NoError(t, err)
	require.True(t, granted)
}

func TestAbortRunsRegisteredUndoHandler(t *testing.T) {
	log := newTestLog(t)
	mgr := NewManager(log)

	var undone []byte
	mgr.RegisterUndoHandler(ModuleBTree, func(t *Transaction, original *wal.Record) error {
		p := DecodePayload(original.Payload)
		undone = p.Body
		_, err := t.LogCLR(ModuleBTree, 1, nil, original.PrevLSN, nil)
		return err
	})

	tx, err := mgr.Begin(nil)
	require.NoError(t, err)
	_, err = tx.LogInsert(ModuleBTree, 1, wal.Redoable|wal.Undoable, []byte("payload-1"), nil)
	require.NoError(t, err)

	require.NoError(t, tx.Abort())
	require.Equal(t, []byte("payload-1"), undone)
	require.Equal(t, StateAborted, tx.State())
}

func TestSavepointRollbackStopsEarly(t *testing.T) {
	log := newTestLog(t)
	mgr := NewManager(log)

	var undoneCount int
	mgr.RegisterUndoHandler(ModuleBTree, func(t *Transaction, original *wal.Record) error {
		undoneCount++
		_, err := t.LogCLR(ModuleBTree, 1, nil, original.PrevLSN, nil)
		return err
	})

	tx, err := mgr.Begin(nil)
	require.NoError(t, err)
	_, err = tx.LogInsert(ModuleBTree, 1, wal.Redoable|wal.Undoable, []byte("a"), nil)
	require.NoError(t, err)
	sp := tx.Savepoint()
	_, err = tx.LogInsert(ModuleBTree, 1, wal.Redoable|wal.Undoable, []byte("b"), nil)
	require.NoError(t, err)

	require.NoError(t, tx.RollbackToSavepoint(sp))
	require.Equal(t, 1, undoneCount)
	require.Equal(t, StateActive, tx.State())
}

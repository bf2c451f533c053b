package btree

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simpledbm/rss/server/rss/errs"
	"github.com/simpledbm/rss/server/rss/lock"
	"github.com/simpledbm/rss/server/rss/wal"
)

// TestInsertInOrderThenScan inserts all 34 pairs each in its own
// transaction, then scans from (a1,10) and expects them back in order
// followed by INFINITY.
func TestInsertInOrderThenScan(t *testing.T) {
	h := newHarness(t)
	insertAll(t, h)

	trx := h.begin()
	s := h.idx.NewScan("a1", lock.ModeS)
	for i, want := range scenarioPairs {
		key, location, eof, err := s.FetchNext(trx)
		require.NoError(t, err)
		require.False(t, eof, "unexpected eof at pair %d", i)
		require.Equal(t, want.key, key)
		require.Equal(t, loc(want.loc), location)
	}
	_, _, eof, err := s.FetchNext(trx)
	require.NoError(t, err)
	require.True(t, eof)
	require.NoError(t, trx.Commit())
}

// TestSplitThenAbortLeavesSplitIntact checks that a split made as a
// nested top action by a committed insert stays in place when a later
// transaction inserts into the split tree and aborts: the abort undoes
// only that later insert, not the split.
func TestSplitThenAbortLeavesSplitIntact(t *testing.T) {
	h := newHarness(t)

	// Fill the root leaf with enough short keys (alphabetically before
	// "da") that it is full and the very next insert must split it.
	fillTrx := h.begin()
	for i := 0; i < 13; i++ {
		k := fmt.Sprintf("c%02d", i)
		require.NoError(t, h.idx.Insert(fillTrx, k, loc(1)))
	}
	require.NoError(t, fillTrx.Commit())

	rootBefore, err := h.pool.FixShared(h.idx.rootID())
	require.NoError(t, err)
	wasLeaf := loadNode(rootBefore.Page()).IsLeaf()
	rootBefore.Unfix()
	require.True(t, wasLeaf, "fill loop should not already have split the root")

	splitTrx := h.begin()
	require.NoError(t, h.idx.Insert(splitTrx, "da", loc(8)))
	require.NoError(t, splitTrx.Commit())

	rootAfter, err := h.pool.FixShared(h.idx.rootID())
	require.NoError(t, err)
	isLeafAfter := loadNode(rootAfter.Page()).IsLeaf()
	rootAfter.Unfix()
	require.False(t, isLeafAfter, "root should have grown a level once the split committed")

	abortTrx := h.begin()
	require.NoError(t, h.idx.Insert(abortTrx, "b1", loc(9)))
	require.NoError(t, abortTrx.Abort())

	readTrx := h.begin()
	keys := scanAll(t, h, readTrx)
	require.NoError(t, readTrx.Commit())

	require.Contains(t, keys, "da")
	require.NotContains(t, keys, "b1")
}

// TestUniqueViolationThenRetry checks that a duplicate-key insert is
// rejected while the original holder is still in-flight, and succeeds
// once both sides have aborted and the key is reinserted.
func TestUniqueViolationThenRetry(t *testing.T) {
	h := newHarness(t)

	first := h.begin()
	require.NoError(t, h.idx.Insert(first, "a1", loc(10)))

	second := h.begin()
	err := h.idx.Insert(second, "a1", loc(10))
	require.ErrorIs(t, err, errs.ErrUniqueConstraintViolation)
	require.NoError(t, second.Abort())

	require.NoError(t, first.Abort())

	retry := h.begin()
	require.NoError(t, h.idx.Insert(retry, "a1", loc(10)))
	require.NoError(t, retry.Commit())
}

// TestDeleteInsertSerialisation checks that T1 deleting (a1,10) and
// holding the lock blocks T2's insert of the same key until T1
// resolves. When T1 commits, T2 proceeds and succeeds because the key
// is now gone.
func TestDeleteInsertSerialisation(t *testing.T) {
	h := newHarness(t)
	seed := h.begin()
	require.NoError(t, h.idx.Insert(seed, "a1", loc(10)))
	require.NoError(t, seed.Commit())

	t1 := h.begin()
	require.NoError(t, h.idx.Delete(t1, "a1", loc(10)))

	var t2Err error
	unblocked := make(chan struct{})
	go func() {
		t2 := h.begin()
		t2Err = h.idx.Insert(t2, "a1", loc(10))
		if t2Err == nil {
			t2Err = t2.Commit()
		} else {
			t2.Abort()
		}
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("T2 should have blocked on T1's lock")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, t1.Commit())
	<-unblocked
	require.NoError(t, t2Err)
}

// TestScanVsDelete checks that a shared-mode scan blocks when it
// reaches a key another transaction is deleting, and observes the
// delete's outcome once that transaction resolves.
func TestScanVsDelete(t *testing.T) {
	h := newHarness(t)
	insertAll(t, h)

	t1 := h.begin()
	require.NoError(t, h.idx.Delete(t1, "f3", loc(63)))

	t2 := h.begin()
	s := h.idx.NewScan("a1", lock.ModeS)

	var mu sync.Mutex
	var keys []string
	blockedOnF3 := make(chan struct{})
	done := make(chan struct{})
	go func() {
		for {
			key, _, eof, err := s.FetchNext(t2)
			require.NoError(t, err)
			if eof {
				break
			}
			mu.Lock()
			keys = append(keys, key.(string))
			mu.Unlock()
			if key.(string) == "f2" {
				close(blockedOnF3)
			}
		}
		close(done)
	}()

	<-blockedOnF3
	select {
	case <-done:
		t.Fatal("scan should have blocked reaching f3")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, t1.Commit())
	<-done
	require.NoError(t, t2.Commit())

	require.NotContains(t, keys, "f3")
}

// TestCrashAndRestart checks that an in-flight transaction that
// scans-and-deletes every key, never committed or aborted, is rolled
// back by recovery on restart so a fresh scan sees the full original
// 34 pairs.
func TestCrashAndRestart(t *testing.T) {
	h := newHarness(t)
	insertAll(t, h)

	crashing := h.begin()
	s := h.idx.NewScan("a1", lock.ModeS)
	for {
		key, location, eof, err := s.FetchNext(crashing)
		require.NoError(t, err)
		if eof {
			break
		}
		require.NoError(t, h.idx.Delete(crashing, key.(string), location))
	}
	// crashing is deliberately left neither committed nor aborted.
	// Recover flushes the log, replays it against the same pool and
	// must undo every one of its deletes.
	require.NoError(t, h.trxMgr.Recover(wal.NullLSN))

	readTrx := h.begin()
	keys := scanAll(t, h, readTrx)
	require.NoError(t, readTrx.Commit())

	want := make([]string, 0, len(scenarioPairs))
	for _, p := range scenarioPairs {
		want = append(want, p.key)
	}
	require.Equal(t, want, keys)
}

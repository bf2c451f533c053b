package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simpledbm/rss/server/rss/page"
	"github.com/simpledbm/rss/server/rss/storage"
	"github.com/simpledbm/rss/server/rss/wal"
)

func newTestPool(t *testing.T, capacity int) (*Pool, *wal.Manager) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(dir+"/data", 512)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logCfg := wal.Config{
		CtlFiles:      []string{dir + "/ctl0"},
		GroupPaths:    []string{dir + "/g0"},
		FilesPerGroup: 2,
		FileSize:      4096,
		BufferSize:    1024,
		MaxBuffers:    1000,
		FlushInterval: time.Hour,
		ArchivePath:   dir + "/archive",
	}
	logMgr, err := wal.NewLogManager(logCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logMgr.Close() })

	require.NoError(t, store.CreateContainer(1, 8))
	return NewPool(store, logMgr, capacity), logMgr
}

func TestFixExclusiveNewThenFlush(t *testing.T) {
	pool, logMgr := newTestPool(t, 4)
	id := page.ID{ContainerID: 1, PageNumber: 1}

	h, err := pool.FixExclusive(id, true, page.TypeBTreeNode)
	require.NoError(t, err)
	require.NoError(t, h.Page().InsertAt(0, []byte("hdr"), false))

	lsn, err := logMgr.Insert(&wal.Record{Category: wal.Redoable, Payload: []byte("x")})
	require.NoError(t, err)
	h.SetDirty(lsn)
	h.Unfix()

	require.NoError(t, pool.FlushPage(id))
}

func TestFixSharedSeesCommittedContent(t *testing.T) {
	pool, logMgr := newTestPool(t, 4)
	id := page.ID{ContainerID: 1, PageNumber: 2}

	h, err := pool.FixExclusive(id, true, page.TypeBTreeNode)
	require.NoError(t, err)
	require.NoError(t, h.Page().InsertAt(0, []byte("payload"), false))
	lsn, err := logMgr.Insert(&wal.Record{Category: wal.Redoable, Payload: []byte("y")})
	require.NoError(t, err)
	h.SetDirty(lsn)
	h.Unfix()

	h2, err := pool.FixShared(id)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), h2.Page().Get(0))
	h2.Unfix()
}

func TestUpgradeThenDowngradeLatch(t *testing.T) {
	pool, _ := newTestPool(t, 4)
	id := page.ID{ContainerID: 1, PageNumber: 3}

	h, err := pool.FixForUpdate(id)
	require.NoError(t, err)
	h.UpgradeUpdateLatch()
	h.DowngradeExclusiveLatch()
	h.Unfix()
}

func TestOldestInterestingLSNTracksFirstDirty(t *testing.T) {
	pool, logMgr := newTestPool(t, 4)
	id := page.ID{ContainerID: 1, PageNumber: 4}

	require.True(t, pool.OldestInterestingLSN().IsNull())

	h, err := pool.FixExclusive(id, true, page.TypeBTreeNode)
	require.NoError(t, err)
	lsn, err := logMgr.Insert(&wal.Record{Category: wal.Redoable, Payload: []byte("z")})
	require.NoError(t, err)
	h.SetDirty(lsn)
	h.Unfix()

	require.Equal(t, lsn, pool.OldestInterestingLSN())
	require.NoError(t, pool.FlushPage(id))
	require.True(t, pool.OldestInterestingLSN().IsNull())
}

package btree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simpledbm/rss/server/rss/buffer"
	"github.com/simpledbm/rss/server/rss/lock"
	"github.com/simpledbm/rss/server/rss/space"
	"github.com/simpledbm/rss/server/rss/storage"
	"github.com/simpledbm/rss/server/rss/txn"
	"github.com/simpledbm/rss/server/rss/wal"
)

const testContainer = 1

// harness bundles one fresh storage+wal+buffer+lock+txn+space stack
// and a unique Varchar/RowID index on it, the plumbing every scenario
// test in this package needs — modelled on buffer.newTestPool and
// space's fakeLogger test setup, just carried one layer further up
// the stack.
type harness struct {
	t       *testing.T
	store   *storage.Manager
	log     *wal.Manager
	pool    *buffer.Pool
	locker  *lock.Manager
	trxMgr  *txn.Manager
	sm      *space.Map
	idx     *Index
}

// newHarness opens a small page size (512 bytes) deliberately, so the
// 34-pair scenario forces real splits instead of fitting in one leaf.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(dir+"/data", 512)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.CreateContainer(testContainer, 64))

	logCfg := wal.Config{
		CtlFiles:      []string{dir + "/ctl0"},
		GroupPaths:    []string{dir + "/g0"},
		FilesPerGroup: 2,
		FileSize:      1 << 20,
		BufferSize:    1 << 16,
		MaxBuffers:    4096,
		FlushInterval: time.Hour,
		ArchivePath:   dir + "/archive",
	}
	logMgr, err := wal.NewLogManager(logCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logMgr.Close() })

	pool := buffer.NewPool(store, logMgr, 64)
	locker := lock.New()
	t.Cleanup(locker.Close)
	trxMgr := txn.NewManager(logMgr)

	sm, err := space.Open(store, testContainer)
	require.NoError(t, err)

	trx, err := trxMgr.Begin(locker)
	require.NoError(t, err)
	idx, err := Create(pool, sm, testContainer, VarcharCodec{}, RowIDCodec{}, true, trx)
	require.NoError(t, err)
	require.NoError(t, trx.Commit())
	idx.RegisterHandlers(trxMgr)

	return &harness{t: t, store: store, log: logMgr, pool: pool, locker: locker, trxMgr: trxMgr, sm: sm, idx: idx}
}

func (h *harness) begin() *txn.Transaction {
	trx, err := h.trxMgr.Begin(h.locker)
	require.NoError(h.t, err)
	return trx
}

func loc(n uint32) RowIDLocation {
	return RowIDLocation{ContainerID: testContainer, PageNumber: n}
}

var scenarioPairs = []struct {
	key string
	loc uint32
}{
	{"a1", 10}, {"a2", 11}, {"b1", 21}, {"b2", 22}, {"b3", 23}, {"b4", 24},
	{"c1", 31}, {"c2", 32}, {"d1", 41}, {"d2", 42}, {"d3", 43}, {"d4", 44},
	{"e1", 51}, {"e2", 52}, {"e3", 53}, {"e4", 54}, {"f1", 61}, {"f2", 62},
	{"f3", 63}, {"f4", 64}, {"g1", 71}, {"g2", 72}, {"h1", 81}, {"h2", 82},
	{"h3", 83}, {"h4", 84}, {"i1", 91}, {"i2", 92}, {"j1", 101}, {"j2", 102},
	{"j3", 103}, {"j4", 104}, {"k1", 111}, {"k2", 112},
}

func insertAll(t *testing.T, h *harness) {
	t.Helper()
	for _, p := range scenarioPairs {
		trx := h.begin()
		require.NoError(t, h.idx.Insert(trx, p.key, loc(p.loc)))
		require.NoError(t, trx.Commit())
	}
}

func scanAll(t *testing.T, h *harness, trx *txn.Transaction) []string {
	t.Helper()
	s := h.idx.NewScan("a1", lock.ModeS)
	var keys []string
	for {
		k, _, eof, err := s.FetchNext(trx)
		require.NoError(t, err)
		if eof {
			break
		}
		keys = append(keys, k.(string))
	}
	return keys
}

// Command simpledbm-demo walks through an end-to-end scenario: build
// a fresh unique index, insert 34 (key, location) pairs in their own
// transactions, scan the whole tree back out, and show a duplicate
// insert rejected with a unique violation. Modelled on the cmd/demo_* programs: a
// single main() narrating each step with logger output rather than
// silent setup.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/simpledbm/rss/logger"
	"github.com/simpledbm/rss/server/rss/btree"
	"github.com/simpledbm/rss/server/rss/buffer"
	"github.com/simpledbm/rss/server/rss/config"
	"github.com/simpledbm/rss/server/rss/errs"
	"github.com/simpledbm/rss/server/rss/lock"
	"github.com/simpledbm/rss/server/rss/space"
	"github.com/simpledbm/rss/server/rss/storage"
	"github.com/simpledbm/rss/server/rss/txn"
	"github.com/simpledbm/rss/server/rss/wal"
)

// scenarioPairs is 34 (key, location) pairs, each inserted in its own
// transaction.
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

const containerID = 1

func main() {
	dir, err := os.MkdirTemp("", "simpledbm-demo-")
	if err != nil {
		logger.ErrorLogger.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Config{
		StorageBase: filepath.Join(dir, "data"),
		PageSize:    8192,
		PoolPages:   64,
		Log: wal.Config{
			CtlFiles:      []string{filepath.Join(dir, "log.ctl.0")},
			GroupPaths:    []string{filepath.Join(dir, "group0")},
			FilesPerGroup: 2,
			FileSize:      1 << 20,
			BufferSize:    1 << 16,
			MaxBuffers:    1024,
			ArchivePath:   filepath.Join(dir, "archive"),
		},
	}

	store, pool, lockMgr, trxMgr, _, idx, err := bootstrap(cfg)
	if err != nil {
		logger.ErrorLogger.Fatalf("bootstrap: %v", err)
	}
	defer store.Close()
	defer pool.Close()
	defer lockMgr.Close()

	logger.InfoLogger.Info("inserting 34 pairs, each in its own transaction")
	for _, p := range scenarioPairs {
		trx, err := trxMgr.Begin(lockMgr)
		if err != nil {
			logger.ErrorLogger.Fatalf("begin: %v", err)
		}
		loc := btree.RowIDLocation{ContainerID: containerID, PageNumber: p.loc}
		if err := idx.Insert(trx, p.key, loc); err != nil {
			logger.ErrorLogger.Fatalf("insert %s: %v", p.key, err)
		}
		if err := trx.Commit(); err != nil {
			logger.ErrorLogger.Fatalf("commit: %v", err)
		}
	}

	logger.InfoLogger.Info("scanning from (a1,10)")
	readTrx, err := trxMgr.Begin(lockMgr)
	if err != nil {
		logger.ErrorLogger.Fatalf("begin: %v", err)
	}
	scan := idx.NewScan("a1", lock.ModeS)
	count := 0
	for {
		key, loc, eof, err := scan.FetchNext(readTrx)
		if err != nil {
			logger.ErrorLogger.Fatalf("fetch: %v", err)
		}
		if eof {
			fmt.Println("scan reached INFINITY")
			break
		}
		count++
		fmt.Printf("  (%v, %v)\n", key, loc)
	}
	if err := readTrx.Commit(); err != nil {
		logger.ErrorLogger.Fatalf("commit: %v", err)
	}
	fmt.Printf("scan returned %d pairs (expected %d)\n", count, len(scenarioPairs))

	logger.InfoLogger.Info("demonstrating a unique violation")
	dupeTrx, err := trxMgr.Begin(lockMgr)
	if err != nil {
		logger.ErrorLogger.Fatalf("begin: %v", err)
	}
	err = idx.Insert(dupeTrx, "a1", btree.RowIDLocation{ContainerID: containerID, PageNumber: 10})
	if errors.Is(err, errs.ErrUniqueConstraintViolation) {
		fmt.Println("duplicate insert correctly rejected with ErrUniqueConstraintViolation")
	} else {
		logger.ErrorLogger.Fatalf("expected unique violation, got %v", err)
	}
	if err := dupeTrx.Abort(); err != nil {
		logger.ErrorLogger.Fatalf("abort: %v", err)
	}

	fmt.Println("demo complete")
}

// bootstrap wires storage -> wal -> buffer -> lock -> txn -> space ->
// btree exactly as a long-running process would at startup. The
// recovery pass runs only when the root page is already allocated (an
// existing database); a fresh database gets a newly created index
// instead.
func bootstrap(cfg config.Config) (*storage.Manager, *buffer.Pool, *lock.Manager, *txn.Manager, *space.Map, *btree.Index, error) {
	store, err := storage.New(cfg.StorageBase, cfg.PageSize)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	if err := store.CreateContainer(containerID, 0); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	logMgr, err := wal.NewLogManager(cfg.Log)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	pool := buffer.NewPool(store, logMgr, cfg.PoolPages)
	lockMgr := lock.New()
	trxMgr := txn.NewManager(logMgr)

	sm, err := space.Open(store, containerID)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	rootAlreadyAllocated := sm.IsAllocated(2)

	var idx *btree.Index
	if rootAlreadyAllocated {
		idx = btree.Open(pool, sm, containerID, btree.VarcharCodec{}, btree.RowIDCodec{}, true)
		idx.RegisterHandlers(trxMgr)
		if err := trxMgr.Recover(wal.NullLSN); err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
	} else {
		initTrx, err := trxMgr.Begin(lockMgr)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		idx, err = btree.Create(pool, sm, containerID, btree.VarcharCodec{}, btree.RowIDCodec{}, true, initTrx)
		if err != nil {
			initTrx.Abort()
			return nil, nil, nil, nil, nil, nil, err
		}
		if err := initTrx.Commit(); err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		idx.RegisterHandlers(trxMgr)
	}

	return store, pool, lockMgr, trxMgr, sm, idx, nil
}

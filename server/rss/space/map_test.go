package space

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simpledbm/rss/server/rss/storage"
	"github.com/simpledbm/rss/server/rss/wal"
)

type fakeLogger struct{ next int32 }

func (f *fakeLogger) LogRedoOnly(payload []byte) (wal.LSN, error) {
	f.next++
	return wal.LSN{FileIndex: 0, Offset: f.next}, nil
}

func (f *fakeLogger) LogUndoable(payload []byte) (wal.LSN, error) {
	return f.LogRedoOnly(payload)
}

func TestAllocateThenFree(t *testing.T) {
	store, err := storage.New(t.TempDir(), 256)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.CreateContainer(1, 4))

	m, err := Open(store, 1)
	require.NoError(t, err)

	logger := &fakeLogger{}
	p1, err := m.AllocatePage(logger)
	require.NoError(t, err)
	require.NotEqual(t, uint32(mapPageNumber), p1)
	require.True(t, m.IsAllocated(p1))

	require.NoError(t, m.FreePage(logger, p1))
	require.False(t, m.IsAllocated(p1))
}

func TestAllocateSkipsMapPageAndAvoidsReuseUntilFreed(t *testing.T) {
	store, err := storage.New(t.TempDir(), 256)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.CreateContainer(1, 4))

	m, err := Open(store, 1)
	require.NoError(t, err)
	logger := &fakeLogger{}

	seen := map[uint32]bool{}
	for i := 0; i < 5; i++ {
		p, err := m.AllocatePage(logger)
		require.NoError(t, err)
		require.False(t, seen[p])
		seen[p] = true
		require.NotEqual(t, uint32(mapPageNumber), p)
	}
}

func TestUndoReleasesAllocation(t *testing.T) {
	store, err := storage.New(t.TempDir(), 256)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.CreateContainer(1, 4))

	m, err := Open(store, 1)
	require.NoError(t, err)
	logger := &fakeLogger{}

	p1, err := m.AllocatePage(logger)
	require.NoError(t, err)
	require.NoError(t, m.Undo(Record{ContainerID: 1, PageNumber: p1, Op: OpAllocate}, wal.LSN{FileIndex: 0, Offset: 99}))
	require.False(t, m.IsAllocated(p1))
}

package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		CtlFiles:      []string{dir + "/ctl0"},
		GroupPaths:    []string{dir + "/g0"},
		FilesPerGroup: 3,
		FileSize:      4096,
		BufferSize:    1024,
		MaxBuffers:    1000,
		FlushInterval: time.Hour,
		ArchivePath:   dir + "/archive",
	}
	m, err := NewLogManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestInsertReadRoundTrip(t *testing.T) {
	m := newTestManager(t)

	rec := &Record{Category: Redoable, Payload: []byte("hello simpledbm")}
	lsn, err := m.Insert(rec)
	require.NoError(t, err)
	require.False(t, lsn.IsNull())

	require.NoError(t, m.Flush(lsn))

	got, err := m.Read(lsn)
	require.NoError(t, err)
	require.Equal(t, rec.Payload, got.Payload)
	require.Equal(t, lsn, got.LSN)
}

func TestLSNChainAndForwardScan(t *testing.T) {
	m := newTestManager(t)

	var prev LSN
	var lsns []LSN
	for i := 0; i < 5; i++ {
		rec := &Record{PrevLSN: prev, Category: Redoable, Payload: []byte{byte(i)}}
		lsn, err := m.Insert(rec)
		require.NoError(t, err)
		prev = lsn
		lsns = append(lsns, lsn)
	}
	require.NoError(t, m.Flush(prev))

	scanner := m.ForwardScan(lsns[0])
	var seen []LSN
	for {
		rec, err := scanner.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
		seen = append(seen, rec.LSN)
	}
	require.Equal(t, lsns, seen)
}

func TestLogSwitchAcrossFiles(t *testing.T) {
	m := newTestManager(t)

	payload := make([]byte, 200)
	var last LSN
	for i := 0; i < 40; i++ {
		rec := &Record{PrevLSN: last, Category: Redoable, Payload: payload}
		lsn, err := m.Insert(rec)
		require.NoError(t, err)
		last = lsn
	}
	require.NoError(t, m.Flush(last))
	require.Greater(t, m.currentFileIndex, int32(0))

	got, err := m.Read(last)
	require.NoError(t, err)
	require.Equal(t, payload, got.Payload)
}

func TestRecordTooLargeRejected(t *testing.T) {
	m := newTestManager(t)
	huge := make([]byte, 8192)
	_, err := m.Insert(&Record{Payload: huge})
	require.Error(t, err)
}

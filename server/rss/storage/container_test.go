package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	m, err := New(t.TempDir(), 512)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CreateContainer(1, 4))

	payload := make([]byte, 512)
	copy(payload, "hello page 2")
	require.NoError(t, m.WritePage(1, 2, payload))

	got, err := m.ReadPage(1, 2)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadPastEndReturnsZeros(t *testing.T) {
	m, err := New(t.TempDir(), 256)
	require.NoError(t, err)
	defer m.Close()

	got, err := m.ReadPage(7, 9)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 256), got)
}

func TestNumPagesGrowsWithCreateContainer(t *testing.T) {
	m, err := New(t.TempDir(), 128)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CreateContainer(3, 10))
	n, err := m.NumPages(3)
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestSeparateContainersAreIsolated(t *testing.T) {
	m, err := New(t.TempDir(), 64)
	require.NoError(t, err)
	defer m.Close()

	a := make([]byte, 64)
	a[0] = 'A'
	b := make([]byte, 64)
	b[0] = 'B'
	require.NoError(t, m.WritePage(1, 0, a))
	require.NoError(t, m.WritePage(2, 0, b))

	gotA, err := m.ReadPage(1, 0)
	require.NoError(t, err)
	gotB, err := m.ReadPage(2, 0)
	require.NoError(t, err)
	require.Equal(t, byte('A'), gotA[0])
	require.Equal(t, byte('B'), gotB[0])
}

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSharedLocksAreCompatible(t *testing.T) {
	m := New()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, "k1", ModeS, DurationCommit))
	require.NoError(t, m.Acquire(ctx, 2, "k1", ModeS, DurationCommit))
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := New()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, "k1", ModeX, DurationCommit))
	granted, err := m.AcquireConditional(2, "k1", ModeS, DurationManual)
	require.NoError(t, err)
	require.False(t, granted)
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	m := New()
	defer m.Close()

	require.NoError(t, m.Acquire(context.Background(), 1, "k1", ModeX, DurationManual))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(context.Background(), 2, "k1", ModeS, DurationManual)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Release(1, "k1"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never granted")
	}
}

func TestAcquireTimesOutOnContextCancel(t *testing.T) {
	m := New()
	defer m.Close()

	require.NoError(t, m.Acquire(context.Background(), 1, "k1", ModeX, DurationManual))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, 2, "k1", ModeS, DurationManual)
	require.Error(t, err)
}

func TestReleaseAllDropsEveryHeldLock(t *testing.T) {
	m := New()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, "k1", ModeX, DurationCommit))
	require.NoError(t, m.Acquire(ctx, 1, "k2", ModeX, DurationCommit))
	m.ReleaseAll(1)

	granted, err := m.AcquireConditional(2, "k1", ModeX, DurationManual)
	require.NoError(t, err)
	require.True(t, granted)
}

func TestDeadlockIsDetectedAndBreaksWaiting(t *testing.T) {
	m := New()
	m.deadlockCheckInterval = 10 * time.Millisecond
	defer m.Close()

	require.NoError(t, m.Acquire(context.Background(), 1, "a", ModeX, DurationManual))
	require.NoError(t, m.Acquire(context.Background(), 2, "b", ModeX, DurationManual))

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- m.Acquire(context.Background(), 1, "b", ModeX, DurationManual) }()
	time.Sleep(5 * time.Millisecond)
	go func() { errB <- m.Acquire(context.Background(), 2, "a", ModeX, DurationManual) }()

	select {
	case <-errA:
	case <-errB:
	case <-time.After(3 * time.Second):
		t.Fatal("deadlock detector never broke the cycle")
	}
}

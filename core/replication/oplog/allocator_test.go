package oplog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupAllocator(t *testing.T) *Allocator {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewAllocator(1, logger)
}

// TestNextOpTimeMonotonic verifies that reserved optimes strictly increase
// and carry the allocator's term.
func TestNextOpTimeMonotonic(t *testing.T) {
	alloc := setupAllocator(t)

	prev := OpTime{}
	for i := 0; i < 10; i++ {
		ot := alloc.NextOpTime()
		require.True(t, ot.After(prev), "optime %v should follow %v", ot, prev)
		require.Equal(t, int64(1), ot.Term)
		prev = ot
	}
}

// TestHolesGateAllCommitted verifies that an outstanding reservation holds
// the all-committed point below it until the slot is filled or released.
func TestHolesGateAllCommitted(t *testing.T) {
	alloc := setupAllocator(t)

	first := alloc.NextOpTime()
	second := alloc.NextOpTime()

	require.Equal(t, first.Ts-1, alloc.AllCommitted(),
		"all-committed must stay below the oldest hole")

	alloc.Fill(first.Ts)
	require.Equal(t, second.Ts-1, alloc.AllCommitted(),
		"all-committed must advance to just below the remaining hole")
	require.Equal(t, first.Ts, alloc.LastApplied())

	alloc.Release(second.Ts)
	require.Equal(t, second.Ts, alloc.AllCommitted(),
		"releasing the last hole must expose the full log")
}

// TestWaitUntilVisible verifies that a snapshot waiter blocks on a hole and
// wakes when the hole is filled.
func TestWaitUntilVisible(t *testing.T) {
	alloc := setupAllocator(t)
	slot := alloc.NextOpTime()

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		waitErr = alloc.WaitUntilVisible(context.Background(), slot.Ts)
	}()

	// Give the waiter a moment to block on the hole.
	time.Sleep(50 * time.Millisecond)
	alloc.Fill(slot.Ts)
	wg.Wait()
	require.NoError(t, waitErr)

	// A cancelled context must unblock a waiter on an unfilled hole.
	hole := alloc.NextOpTime()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := alloc.WaitUntilVisible(ctx, hole.Ts)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

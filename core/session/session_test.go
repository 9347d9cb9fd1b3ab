package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCatalog(t *testing.T) *Catalog {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewCatalog(logger)
}

// TestLockTxnNumberBlocksNewNumber verifies that a pinned transaction number
// rejects replacement with the lock reason, tolerates re-assignment of the
// same number, and accepts a new number after unlock.
func TestLockTxnNumberBlocksNewNumber(t *testing.T) {
	s := New()
	require.NoError(t, s.SetActiveTxnNumber(5))

	reason := errors.New("session has a prepared transaction")
	s.LockTxnNumber(reason)
	require.True(t, s.TxnNumberLocked())

	err := s.SetActiveTxnNumber(6)
	require.ErrorIs(t, err, reason)
	require.Equal(t, int64(5), s.ActiveTxnNumber())

	// Re-assigning the pinned number is allowed.
	require.NoError(t, s.SetActiveTxnNumber(5))

	s.UnlockTxnNumber()
	require.NoError(t, s.SetActiveTxnNumber(6))
}

// TestTxnNumberCannotRegress verifies the monotonicity of the session's
// transaction number.
func TestTxnNumberCannotRegress(t *testing.T) {
	s := New()
	require.NoError(t, s.SetActiveTxnNumber(10))
	require.Error(t, s.SetActiveTxnNumber(9))
	require.Equal(t, int64(10), s.ActiveTxnNumber())
}

// TestCatalogCheckoutMutualExclusion verifies that a second checkout of the
// same session blocks until the first is checked back in.
func TestCatalogCheckoutMutualExclusion(t *testing.T) {
	catalog := setupCatalog(t)
	id := uuid.New()

	first, err := catalog.CheckOutSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, first)

	var wg sync.WaitGroup
	wg.Add(1)
	var second *Session
	var secondErr error
	go func() {
		defer wg.Done()
		second, secondErr = catalog.CheckOutSession(context.Background(), id)
	}()

	// Give the goroutine a moment to block on the checkout.
	time.Sleep(50 * time.Millisecond)
	catalog.CheckInSession(id)
	wg.Wait()

	require.NoError(t, secondErr)
	require.Same(t, first, second, "both checkouts must observe the same session")
	catalog.CheckInSession(id)
}

// TestCatalogCheckoutRespectsContext verifies that a blocked checkout
// returns when its context is cancelled.
func TestCatalogCheckoutRespectsContext(t *testing.T) {
	catalog := setupCatalog(t)
	id := uuid.New()

	_, err := catalog.CheckOutSession(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = catalog.CheckOutSession(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestCatalogRange verifies that Range visits every live session.
func TestCatalogRange(t *testing.T) {
	catalog := setupCatalog(t)
	ids := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		id := uuid.New()
		catalog.GetOrCreateSession(id)
		ids[id] = false
	}

	catalog.Range(func(s *Session) bool {
		ids[s.ID()] = true
		return true
	})
	for id, seen := range ids {
		require.True(t, seen, "session %s not visited", id)
	}
	require.Equal(t, 3, catalog.Len())
}

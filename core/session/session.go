// Package session models logical sessions: the stable session ID, the active
// transaction number assigned at checkout, the transaction-number lock held
// while a transaction is prepared, and the reference to the operation
// currently running under the session.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb/core/operation"
)

// UninitializedTxnNumber is the transaction number of a session that has not
// started any transaction yet.
const UninitializedTxnNumber int64 = -1

// RefreshState is the durable per-session state observed by an external
// refresh from the transactions table. Refresh counts deduplicate repeated
// observations.
type RefreshState struct {
	RefreshCount uint64
	TxnNumber    int64
	IsCommitted  bool
}

// Session is one logical session. It outlives individual operations and is
// safe for concurrent use; per-session command execution is serialized by the
// catalog's checkout.
type Session struct {
	id uuid.UUID

	mu              sync.Mutex
	activeTxnNumber int64
	txnLockReason   error
	currentOp       *operation.Context
	lastRefresh     *RefreshState
}

// New creates a session with a fresh logical session ID.
func New() *Session {
	return &Session{
		id:              uuid.New(),
		activeTxnNumber: UninitializedTxnNumber,
	}
}

// ID returns the logical session ID.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// ActiveTxnNumber returns the session's current transaction number.
func (s *Session) ActiveTxnNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTxnNumber
}

// SetActiveTxnNumber advances the session's transaction number. It fails if
// the number would regress, or with the lock reason if the number is locked
// to a different value.
func (s *Session) SetActiveTxnNumber(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txnLockReason != nil && n != s.activeTxnNumber {
		return s.txnLockReason
	}
	if n < s.activeTxnNumber {
		return fmt.Errorf("cannot move transaction number on session %s back from %d to %d",
			s.id, s.activeTxnNumber, n)
	}
	s.activeTxnNumber = n
	return nil
}

// LockTxnNumber pins the current transaction number so it cannot be replaced
// until UnlockTxnNumber is called. Attempts to change it fail with reason.
func (s *Session) LockTxnNumber(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txnLockReason = reason
}

// UnlockTxnNumber releases the transaction-number lock.
func (s *Session) UnlockTxnNumber() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txnLockReason = nil
}

// TxnNumberLocked reports whether the transaction number is pinned.
func (s *Session) TxnNumberLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnLockReason != nil
}

// SetCurrentOperation records the operation currently running under the
// session.
func (s *Session) SetCurrentOperation(op *operation.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentOp = op
}

// ClearCurrentOperation clears the running-operation reference.
func (s *Session) ClearCurrentOperation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentOp = nil
}

// CurrentOperation returns the operation currently running under the
// session, if any.
func (s *Session) CurrentOperation() *operation.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentOp
}

// SetLastRefreshState records the newest externally refreshed state.
func (s *Session) SetLastRefreshState(state RefreshState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = &state
}

// LastRefreshState returns the newest externally refreshed state, if any.
func (s *Session) LastRefreshState() *RefreshState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRefresh == nil {
		return nil
	}
	state := *s.lastRefresh
	return &state
}

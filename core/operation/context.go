package operation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb/core/concurrency"
	"github.com/sushant-115/gojodb/core/replication/readconcern"
	"github.com/sushant-115/gojodb/core/storage_engine/storage"
)

// UninitializedTxnNumber is the transaction number of an operation that is
// not running under a transaction.
const UninitializedTxnNumber int64 = -1

// Context is the state of one operation: cancellation, the owning client,
// the logical session binding, and the execution resources (locker, recovery
// unit, write unit of work, read concern). A Context is used by one
// goroutine at a time; resource swaps take the client mutex so concurrent
// observers (e.g. currentOp) see a consistent bundle.
type Context struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	client *Client

	sessionID    uuid.UUID
	hasSessionID bool
	txnNumber    int64

	killMu  sync.Mutex
	killErr error

	locker      *concurrency.Locker
	ru          storage.RecoveryUnit
	ruState     storage.RecoveryUnitState
	wuow        *storage.WriteUnitOfWork
	readConcern readconcern.Args
}

// NewContext creates an operation context bound to client with the given
// locker and recovery unit installed.
func NewContext(parent context.Context, client *Client, locker *concurrency.Locker, ru storage.RecoveryUnit) *Context {
	ctx, cancel := context.WithCancelCause(parent)
	return &Context{
		ctx:       ctx,
		cancel:    cancel,
		client:    client,
		txnNumber: UninitializedTxnNumber,
		locker:    locker,
		ru:        ru,
		ruState:   storage.RecoveryUnitStateNotInUnitOfWork,
	}
}

// Context returns the cancellation context of the operation.
func (o *Context) Context() context.Context {
	return o.ctx
}

// Client returns the owning client.
func (o *Context) Client() *Client {
	return o.client
}

// SetSessionID binds the operation to a logical session.
func (o *Context) SetSessionID(id uuid.UUID) {
	o.sessionID = id
	o.hasSessionID = true
}

// SessionID returns the bound logical session, if any.
func (o *Context) SessionID() (uuid.UUID, bool) {
	return o.sessionID, o.hasSessionID
}

// SetTxnNumber binds the operation to a transaction number.
func (o *Context) SetTxnNumber(n int64) {
	o.txnNumber = n
}

// TxnNumber returns the bound transaction number, or UninitializedTxnNumber.
func (o *Context) TxnNumber() int64 {
	return o.txnNumber
}

// HasTxnNumber reports whether the operation carries a transaction number.
func (o *Context) HasTxnNumber() bool {
	return o.txnNumber != UninitializedTxnNumber
}

// Kill interrupts the operation with the given cause. The operation observes
// the kill at its next interruption point.
func (o *Context) Kill(cause error) {
	o.killMu.Lock()
	if o.killErr == nil {
		o.killErr = cause
	}
	o.killMu.Unlock()
	o.cancel(cause)
}

// KilledError returns the cause the operation was killed with, if any.
func (o *Context) KilledError() error {
	o.killMu.Lock()
	defer o.killMu.Unlock()
	return o.killErr
}

// CheckForInterrupt returns the kill cause once the operation has been
// killed, and nil otherwise.
func (o *Context) CheckForInterrupt() error {
	select {
	case <-o.ctx.Done():
		return context.Cause(o.ctx)
	default:
		return nil
	}
}

// Locker returns the lock-manager handle installed on the operation.
func (o *Context) Locker() *concurrency.Locker {
	o.client.mu.Lock()
	defer o.client.mu.Unlock()
	return o.locker
}

// SwapLocker installs nl and returns the previous locker. The client mutex
// guards the swap.
func (o *Context) SwapLocker(nl *concurrency.Locker) *concurrency.Locker {
	o.client.mu.Lock()
	defer o.client.mu.Unlock()
	old := o.locker
	o.locker = nl
	return old
}

// RecoveryUnit returns the recovery unit installed on the operation.
func (o *Context) RecoveryUnit() storage.RecoveryUnit {
	o.client.mu.Lock()
	defer o.client.mu.Unlock()
	return o.ru
}

// ReleaseRecoveryUnit detaches and returns the installed recovery unit.
func (o *Context) ReleaseRecoveryUnit() storage.RecoveryUnit {
	o.client.mu.Lock()
	defer o.client.mu.Unlock()
	ru := o.ru
	o.ru = nil
	return ru
}

// SetRecoveryUnit installs ru with the given unit-of-work state and returns
// the previous state.
func (o *Context) SetRecoveryUnit(ru storage.RecoveryUnit, state storage.RecoveryUnitState) storage.RecoveryUnitState {
	o.client.mu.Lock()
	defer o.client.mu.Unlock()
	old := o.ruState
	o.ru = ru
	o.ruState = state
	return old
}

// RecoveryUnitState returns the unit-of-work state of the installed recovery
// unit.
func (o *Context) RecoveryUnitState() storage.RecoveryUnitState {
	o.client.mu.Lock()
	defer o.client.mu.Unlock()
	return o.ruState
}

// WriteUnitOfWork returns the active write unit of work, if any.
func (o *Context) WriteUnitOfWork() *storage.WriteUnitOfWork {
	o.client.mu.Lock()
	defer o.client.mu.Unlock()
	return o.wuow
}

// SetWriteUnitOfWork installs w (or detaches the current one when w is nil)
// and tracks the recovery unit state accordingly.
func (o *Context) SetWriteUnitOfWork(w *storage.WriteUnitOfWork) {
	o.client.mu.Lock()
	defer o.client.mu.Unlock()
	o.wuow = w
	if w != nil {
		o.ruState = storage.RecoveryUnitStateActive
	} else {
		o.ruState = storage.RecoveryUnitStateNotInUnitOfWork
	}
}

// ReadConcern returns the read concern in effect for the operation.
func (o *Context) ReadConcern() readconcern.Args {
	return o.readConcern
}

// SetReadConcern installs the read concern for the operation.
func (o *Context) SetReadConcern(args readconcern.Args) {
	o.readConcern = args
}

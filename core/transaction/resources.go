package transaction

import (
	"github.com/sushant-115/gojodb/core/concurrency"
	"github.com/sushant-115/gojodb/core/operation"
	"github.com/sushant-115/gojodb/core/replication/oplog"
	"github.com/sushant-115/gojodb/core/replication/readconcern"
	"github.com/sushant-115/gojodb/core/storage_engine/storage"
	"go.uber.org/zap"
)

// TxnResources is the movable custody bundle of a transaction: the locker,
// the recovery unit, the detached write-unit-of-work state, and the read
// concern of the first statement. It is built by pulling the resources off
// an operation context and later released back onto one (possibly on a
// different goroutine).
type TxnResources struct {
	locker      *concurrency.Locker
	ru          storage.RecoveryUnit
	ruState     storage.RecoveryUnitState
	readConcern readconcern.Args
	released    bool
}

// newTxnResources takes custody of the transaction resources currently on
// opCtx, leaving the context with a fresh empty locker and a fresh
// non-transactional recovery unit. With keepTicket the execution ticket
// stays with the stashed locker; otherwise it is returned to the pool.
func newTxnResources(opCtx *operation.Context, env *Environment, keepTicket bool) *TxnResources {
	r := &TxnResources{}

	// Detach the write unit of work first so its resume state travels with
	// the recovery unit.
	r.ruState = opCtx.WriteUnitOfWork().Release()
	opCtx.SetWriteUnitOfWork(nil)

	r.locker = opCtx.SwapLocker(concurrency.NewLocker(env.Tickets))
	if !keepTicket {
		r.locker.ReleaseTicket()
	}
	r.locker.UnsetThreadID()

	// The thread keeps running non-transactional work on the fresh locker
	// and must still respect the transaction lock timeout, since it can
	// prevent the transaction from making progress.
	if timeout, ok := env.Params.MaxTransactionLockRequestTimeout(); ok {
		opCtx.Locker().SetMaxLockTimeout(timeout)
	}

	r.ru = opCtx.ReleaseRecoveryUnit()
	opCtx.SetRecoveryUnit(env.Engine.NewRecoveryUnit(), storage.RecoveryUnitStateNotInUnitOfWork)

	r.readConcern = opCtx.ReadConcern()
	return r
}

// Release installs the stashed resources back onto opCtx. Reacquiring the
// execution ticket is the only step that can fail; on failure the bundle is
// untouched and may be retried or disposed.
func (r *TxnResources) Release(opCtx *operation.Context, env *Environment, logger *zap.Logger) error {
	if err := r.locker.ReacquireTicket(opCtx.Context()); err != nil {
		return err
	}

	if r.released {
		logger.Fatal("Transaction resources released twice")
	}
	r.released = true

	if opCtx.Locker().ClientState() != concurrency.ClientStateInactive {
		logger.Fatal("Cannot release transaction resources onto an operation context holding locks")
	}
	opCtx.SwapLocker(r.locker)
	r.locker.RebindToCurrentGoroutine()

	oldState := opCtx.SetRecoveryUnit(r.ru, storage.RecoveryUnitStateNotInUnitOfWork)
	if oldState != storage.RecoveryUnitStateNotInUnitOfWork {
		logger.Fatal("Replaced recovery unit was in a unit of work",
			zap.Stringer("state", oldState))
	}

	opCtx.SetWriteUnitOfWork(storage.ResumeWriteUnitOfWork(r.locker, r.ru, r.ruState))

	opCtx.SetReadConcern(r.readConcern)
	return nil
}

// Dispose aborts the stashed storage transaction of a bundle that will never
// be released. This is the only path that aborts storage resources when the
// bundle was not handed back to an operation context.
func (r *TxnResources) Dispose() {
	if r.released || r.ru == nil {
		return
	}
	r.locker.EndWriteUnitOfWork()
	r.ru.AbortUnitOfWork()
	r.ru = nil
}

// Locker returns the stashed locker.
func (r *TxnResources) Locker() *concurrency.Locker {
	return r.locker
}

// ReadConcern returns the read concern captured with the bundle.
func (r *TxnResources) ReadConcern() readconcern.Args {
	return r.readConcern
}

// SideTransactionBlock swaps the active transaction's resources off an
// operation context so unrelated storage work can run on it, and guarantees
// the resources are restored when the block ends.
type SideTransactionBlock struct {
	opCtx   *operation.Context
	env     *Environment
	logger  *zap.Logger
	stashed *TxnResources
}

// BeginSideTransaction captures the transaction resources on opCtx, if a
// write unit of work is active. The execution ticket stays with the stash so
// restoring cannot fail.
func BeginSideTransaction(opCtx *operation.Context, env *Environment, logger *zap.Logger) *SideTransactionBlock {
	b := &SideTransactionBlock{opCtx: opCtx, env: env, logger: logger}
	if opCtx.WriteUnitOfWork() != nil {
		b.stashed = newTxnResources(opCtx, env, true /* keepTicket */)
	}
	return b
}

// End restores the captured resources onto the operation context. Restore
// cannot fail because the ticket was kept; any failure is fatal.
func (b *SideTransactionBlock) End() {
	if b.stashed == nil {
		return
	}
	if err := b.stashed.Release(b.opCtx, b.env, b.logger); err != nil {
		b.logger.Fatal("Failed to restore transaction resources after side transaction",
			zap.Error(err))
	}
	b.stashed = nil
}

// OplogSlotReserver reserves an oplog slot through a side transaction and
// keeps the slot's hole open until Done is called. Snapshot readers at or
// beyond the slot's timestamp wait until the hole is filled or released.
type OplogSlotReserver struct {
	env    *Environment
	logger *zap.Logger
	locker *concurrency.Locker
	ru     storage.RecoveryUnit
	slot   oplog.Slot
}

// NewOplogSlotReserver reserves the next optime inside a fresh write unit of
// work and detaches that side transaction so the reservation outlives the
// call. Any active transaction on opCtx is swapped out only for the duration
// of the constructor and is back on the context when it returns.
func NewOplogSlotReserver(opCtx *operation.Context, env *Environment, logger *zap.Logger) *OplogSlotReserver {
	r := &OplogSlotReserver{env: env, logger: logger}
	side := BeginSideTransaction(opCtx, env, logger)
	defer side.End()

	wuow := storage.NewWriteUnitOfWork(opCtx.Locker(), opCtx.RecoveryUnit())
	opCtx.SetWriteUnitOfWork(wuow)
	r.slot = oplog.Slot{OpTime: env.Oplog.NextOpTime()}

	// Release rather than commit: the allocator's hole must survive until
	// Done.
	wuow.Release()
	opCtx.SetWriteUnitOfWork(nil)

	if opCtx.Locker().ClientState() != concurrency.ClientStateInactive {
		logger.Fatal("Oplog slot reservation expected an inactive locker")
	}
	r.locker = opCtx.SwapLocker(concurrency.NewLocker(env.Tickets))
	r.locker.UnsetThreadID()

	if timeout, ok := env.Params.MaxTransactionLockRequestTimeout(); ok {
		opCtx.Locker().SetMaxLockTimeout(timeout)
	}

	r.ru = opCtx.ReleaseRecoveryUnit()
	opCtx.SetRecoveryUnit(env.Engine.NewRecoveryUnit(), storage.RecoveryUnitStateNotInUnitOfWork)
	return r
}

// Slot returns the reserved oplog slot.
func (r *OplogSlotReserver) Slot() oplog.Slot {
	return r.slot
}

// Done aborts the side transaction holding the hole open, releasing the slot
// if it was never filled.
func (r *OplogSlotReserver) Done() {
	if r.ru != nil {
		r.locker.EndWriteUnitOfWork()
		r.ru.AbortUnitOfWork()
		r.ru = nil
		r.env.Oplog.Release(r.slot.OpTime.Ts)
	}
}

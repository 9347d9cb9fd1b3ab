package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodb/core/concurrency"
	"github.com/sushant-115/gojodb/core/operation"
	"github.com/sushant-115/gojodb/core/replication/readconcern"
	"github.com/sushant-115/gojodb/core/storage_engine/storage"
)

// newOpWithWUOW builds an operation context with an open write unit of work,
// the shape resource custody always starts from.
func newOpWithWUOW(t *testing.T, h *harness) *operation.Context {
	t.Helper()
	client := operation.NewClient("resources-test")
	opCtx := operation.NewContext(context.Background(), client,
		concurrency.NewLocker(h.tickets), h.engine.NewRecoveryUnit())
	require.NoError(t, opCtx.Locker().AcquireTicket(context.Background()))
	opCtx.SetWriteUnitOfWork(storage.NewWriteUnitOfWork(opCtx.Locker(), opCtx.RecoveryUnit()))
	return opCtx
}

// TestTxnResourcesCustodyTransfer verifies the acquire half of the custody
// protocol: the operation context is left with fresh resources carrying the
// transaction lock timeout, while the stashed bundle keeps the originals
// detached from any goroutine.
func TestTxnResourcesCustodyTransfer(t *testing.T) {
	h := newHarness(t)
	opCtx := newOpWithWUOW(t, h)
	origLocker := opCtx.Locker()
	origRU := opCtx.RecoveryUnit()
	rc := readconcern.Args{Level: readconcern.LevelSnapshot}
	opCtx.SetReadConcern(rc)

	r := newTxnResources(opCtx, h.env(), false)

	require.Nil(t, opCtx.WriteUnitOfWork())
	require.NotSame(t, origLocker, opCtx.Locker())
	require.NotSame(t, origRU, opCtx.RecoveryUnit())
	require.Equal(t, storage.RecoveryUnitStateNotInUnitOfWork, opCtx.RecoveryUnitState())

	// The fresh locker still honors the transaction lock timeout.
	timeout, ok := opCtx.Locker().MaxLockTimeout()
	require.True(t, ok)
	require.Equal(t, 5*time.Millisecond, timeout)

	// The stashed locker is detached and its ticket returned.
	require.Equal(t, int64(-1), r.Locker().ThreadID())
	require.False(t, r.Locker().HoldsTicket())
	require.Equal(t, rc, r.ReadConcern())

	// Release onto a new operation context restores the originals.
	opCtx2 := operation.NewContext(context.Background(), operation.NewClient("resources-test-2"),
		concurrency.NewLocker(h.tickets), h.engine.NewRecoveryUnit())
	require.NoError(t, r.Release(opCtx2, h.env(), h.logger))

	require.Same(t, origLocker, opCtx2.Locker())
	require.NotEqual(t, int64(-1), opCtx2.Locker().ThreadID())
	require.True(t, opCtx2.Locker().HoldsTicket())
	require.Same(t, origRU, opCtx2.RecoveryUnit())
	require.NotNil(t, opCtx2.WriteUnitOfWork())
	require.Equal(t, storage.RecoveryUnitStateActive, opCtx2.RecoveryUnitState())
	require.Equal(t, rc, opCtx2.ReadConcern())
}

// TestTxnResourcesKeepTicket verifies that side transactions keep the
// execution ticket with the stash so the restore cannot block.
func TestTxnResourcesKeepTicket(t *testing.T) {
	h := newHarness(t)
	opCtx := newOpWithWUOW(t, h)

	r := newTxnResources(opCtx, h.env(), true)
	require.True(t, r.Locker().HoldsTicket())
	require.NoError(t, r.Release(opCtx, h.env(), h.logger))
}

// TestTxnResourcesDisposeAbortsStorage verifies the drop semantics: a bundle
// that is never released aborts its storage transaction.
func TestTxnResourcesDisposeAbortsStorage(t *testing.T) {
	h := newHarness(t)
	opCtx := newOpWithWUOW(t, h)
	origRU := opCtx.RecoveryUnit().(*fakeRecoveryUnit)
	origLocker := opCtx.Locker()

	r := newTxnResources(opCtx, h.env(), false)
	r.Dispose()

	require.True(t, origRU.isAborted())
	require.False(t, origLocker.InAWriteUnitOfWork())

	// Dispose after release must be a no-op.
	opCtx2 := newOpWithWUOW(t, h)
	ru2 := opCtx2.RecoveryUnit().(*fakeRecoveryUnit)
	r2 := newTxnResources(opCtx2, h.env(), false)
	require.NoError(t, r2.Release(opCtx2, h.env(), h.logger))
	r2.Dispose()
	require.False(t, ru2.isAborted())
}

// TestSideTransactionBlockRestores verifies the scoped swap-out: during the
// block the operation context carries fresh resources, and the originals are
// back after End.
func TestSideTransactionBlockRestores(t *testing.T) {
	h := newHarness(t)
	opCtx := newOpWithWUOW(t, h)
	origLocker := opCtx.Locker()
	origRU := opCtx.RecoveryUnit()

	block := BeginSideTransaction(opCtx, h.env(), h.logger)
	require.Nil(t, opCtx.WriteUnitOfWork())
	require.NotSame(t, origLocker, opCtx.Locker())

	block.End()
	require.Same(t, origLocker, opCtx.Locker())
	require.Same(t, origRU, opCtx.RecoveryUnit())
	require.NotNil(t, opCtx.WriteUnitOfWork())
}

// TestSideTransactionBlockWithoutTransaction verifies that the block is a
// no-op when no write unit of work is active.
func TestSideTransactionBlockWithoutTransaction(t *testing.T) {
	h := newHarness(t)
	opCtx := operation.NewContext(context.Background(), operation.NewClient("side-test"),
		concurrency.NewLocker(h.tickets), h.engine.NewRecoveryUnit())
	origLocker := opCtx.Locker()

	block := BeginSideTransaction(opCtx, h.env(), h.logger)
	require.Same(t, origLocker, opCtx.Locker())
	block.End()
	require.Same(t, origLocker, opCtx.Locker())
}

// TestOplogSlotReserverHoleLifecycle verifies that a reservation gates the
// all-committed point, survives until Done, and that the transaction's own
// resources are back on the context as soon as the reserver is constructed.
func TestOplogSlotReserverHoleLifecycle(t *testing.T) {
	h := newHarness(t)
	opCtx := newOpWithWUOW(t, h)
	origRU := opCtx.RecoveryUnit()

	r := NewOplogSlotReserver(opCtx, h.env(), h.logger)

	// The transaction resources were restored by the constructor.
	require.Same(t, origRU, opCtx.RecoveryUnit())
	require.NotNil(t, opCtx.WriteUnitOfWork())

	slot := r.Slot()
	require.False(t, slot.OpTime.IsNull())
	require.Less(t, uint64(h.alloc.AllCommitted()), uint64(slot.OpTime.Ts),
		"the reservation must hold back the all-committed point")

	r.Done()
	require.GreaterOrEqual(t, uint64(h.alloc.AllCommitted()), uint64(slot.OpTime.Ts)-1,
		"releasing the reserver must close the hole")

	// A second Done is harmless.
	r.Done()
}

// TestOplogSlotReserverOrdersSlots verifies that consecutive reservations
// hand out increasing slots, preserving commit-after-prepare ordering.
func TestOplogSlotReserverOrdersSlots(t *testing.T) {
	h := newHarness(t)
	opCtx := newOpWithWUOW(t, h)

	first := NewOplogSlotReserver(opCtx, h.env(), h.logger)
	second := NewOplogSlotReserver(opCtx, h.env(), h.logger)

	require.True(t, second.Slot().OpTime.After(first.Slot().OpTime))
	second.Done()
	first.Done()
}

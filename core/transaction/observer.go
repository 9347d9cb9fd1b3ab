package transaction

import (
	"github.com/sushant-115/gojodb/core/operation"
	"github.com/sushant-115/gojodb/core/replication/oplog"
)

// OpObserver receives transaction lifecycle events so the replication layer
// can write the corresponding oplog entries. The participant never holds its
// mutex across these calls.
type OpObserver interface {
	// OnTransactionPrepare is invoked after the storage transaction has been
	// prepared, with the slot reserved for the prepare entry.
	OnTransactionPrepare(opCtx *operation.Context, prepareSlot oplog.Slot)

	// OnTransactionCommit is invoked when a transaction commits. commitSlot
	// and commitTs are nil/zero for unprepared transactions.
	OnTransactionCommit(opCtx *operation.Context, commitSlot *oplog.Slot, commitTs oplog.Timestamp)

	// OnTransactionAbort is invoked when a transaction aborts.
	OnTransactionAbort(opCtx *operation.Context)
}

// OplogObserver is the default observer: it fills the reserved slots in the
// allocator as the entries they stand for are written.
type OplogObserver struct {
	Alloc *oplog.Allocator
}

func (o *OplogObserver) OnTransactionPrepare(opCtx *operation.Context, prepareSlot oplog.Slot) {
	o.Alloc.Fill(prepareSlot.OpTime.Ts)
}

func (o *OplogObserver) OnTransactionCommit(opCtx *operation.Context, commitSlot *oplog.Slot, commitTs oplog.Timestamp) {
	if commitSlot != nil {
		o.Alloc.Fill(commitSlot.OpTime.Ts)
	}
}

func (o *OplogObserver) OnTransactionAbort(opCtx *operation.Context) {}

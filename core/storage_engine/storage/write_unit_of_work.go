package storage

import "github.com/sushant-115/gojodb/core/concurrency"

// WriteUnitOfWork scopes one atomic write span over a recovery unit. Creating
// one opens the storage transaction and bumps the locker's nesting level;
// Commit or Abort closes both. Release detaches the unit without ending the
// storage transaction so the span can be resumed later on the same snapshot.
type WriteUnitOfWork struct {
	locker *concurrency.Locker
	ru     RecoveryUnit

	committed bool
	released  bool
	prepared  bool
}

// NewWriteUnitOfWork opens a write unit of work over ru on locker.
func NewWriteUnitOfWork(locker *concurrency.Locker, ru RecoveryUnit) *WriteUnitOfWork {
	locker.BeginWriteUnitOfWork()
	ru.BeginUnitOfWork()
	return &WriteUnitOfWork{locker: locker, ru: ru}
}

// ResumeWriteUnitOfWork reconstructs a write unit of work around a recovery
// unit whose storage transaction is still open, using the state saved by
// Release. Neither the locker nesting nor the storage transaction is
// re-begun.
func ResumeWriteUnitOfWork(locker *concurrency.Locker, ru RecoveryUnit, state RecoveryUnitState) *WriteUnitOfWork {
	return &WriteUnitOfWork{locker: locker, ru: ru}
}

// Prepare moves the underlying storage transaction into the prepared state.
func (w *WriteUnitOfWork) Prepare() error {
	if err := w.ru.PrepareUnitOfWork(); err != nil {
		return err
	}
	w.prepared = true
	return nil
}

// Commit commits the storage transaction and closes the unit of work.
func (w *WriteUnitOfWork) Commit() error {
	if err := w.ru.CommitUnitOfWork(); err != nil {
		return err
	}
	w.committed = true
	w.locker.EndWriteUnitOfWork()
	return nil
}

// Abort rolls back the storage transaction and closes the unit of work. It
// is a no-op on a unit that was already committed or released.
func (w *WriteUnitOfWork) Abort() {
	if w.committed || w.released {
		return
	}
	w.ru.AbortUnitOfWork()
	w.locker.EndWriteUnitOfWork()
	w.released = true
}

// Release detaches the unit of work, leaving the storage transaction open,
// and returns the state needed to resume it.
func (w *WriteUnitOfWork) Release() RecoveryUnitState {
	w.released = true
	return RecoveryUnitStateActive
}

// RecoveryUnit returns the unit's recovery unit.
func (w *WriteUnitOfWork) RecoveryUnit() RecoveryUnit {
	return w.ru
}

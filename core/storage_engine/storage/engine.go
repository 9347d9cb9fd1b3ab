// Package storage defines the storage-engine surface the transaction
// subsystem consumes: recovery units representing one storage transaction
// each, and the write unit of work that scopes an atomic write span.
package storage

import "github.com/sushant-115/gojodb/core/replication/oplog"

// ReadSource selects the point in time a recovery unit reads at.
type ReadSource int

const (
	// ReadSourceNone reads the latest data with no timestamp.
	ReadSourceNone ReadSource = iota
	// ReadSourceAllCommitted reads at the all-committed point: the newest
	// timestamp with no oplog holes below it.
	ReadSourceAllCommitted
	// ReadSourceLastApplied reads at the newest applied entry.
	ReadSourceLastApplied
)

// RecoveryUnitState tracks whether the recovery unit installed on an
// operation context is inside a write unit of work.
type RecoveryUnitState int

const (
	RecoveryUnitStateNotInUnitOfWork RecoveryUnitState = iota
	RecoveryUnitStateActive
	RecoveryUnitStateFailed
)

func (s RecoveryUnitState) String() string {
	switch s {
	case RecoveryUnitStateNotInUnitOfWork:
		return "NotInUnitOfWork"
	case RecoveryUnitStateActive:
		return "Active"
	default:
		return "Failed"
	}
}

// RecoveryUnit represents a single storage transaction and its snapshot.
// Implementations are not required to be goroutine safe; custody transfers
// are serialized by the owning operation context's client mutex.
type RecoveryUnit interface {
	// BeginUnitOfWork starts the storage transaction.
	BeginUnitOfWork()
	// CommitUnitOfWork makes the transaction's writes durable at the commit
	// timestamp, if one was set.
	CommitUnitOfWork() error
	// AbortUnitOfWork discards the transaction's writes.
	AbortUnitOfWork()
	// PrepareUnitOfWork moves the transaction into the prepared state at the
	// prepare timestamp.
	PrepareUnitOfWork() error

	// SetTimestampReadSource selects where the unit's snapshot is taken.
	SetTimestampReadSource(ReadSource)
	// TimestampReadSource returns the configured read source.
	TimestampReadSource() ReadSource
	// PreallocateSnapshot establishes the snapshot now instead of lazily at
	// the first read.
	PreallocateSnapshot()
	// PointInTimeReadTimestamp returns the timestamp the snapshot reads at,
	// or the null timestamp when reading untimestamped.
	PointInTimeReadTimestamp() oplog.Timestamp

	// SetPrepareTimestamp fixes the timestamp the transaction prepares at.
	SetPrepareTimestamp(oplog.Timestamp)
	// SetCommitTimestamp fixes the timestamp the transaction commits at.
	SetCommitTimestamp(oplog.Timestamp)
}

// Engine is the subset of a storage engine the transaction subsystem needs.
type Engine interface {
	NewRecoveryUnit() RecoveryUnit
}

// Package transaction implements the per-session transaction participant:
// the state machine driving a logical session through retryable writes and
// multi-document transactions, and the custody protocol that moves the
// session's execution resources between the operation context running a
// command and the participant's stash between commands.
package transaction

import (
	"sync"
	"time"

	"github.com/sushant-115/gojodb/core/concurrency"
	"github.com/sushant-115/gojodb/core/operation"
	"github.com/sushant-115/gojodb/core/replication/oplog"
	"github.com/sushant-115/gojodb/core/replication/readconcern"
	"github.com/sushant-115/gojodb/core/session"
	"github.com/sushant-115/gojodb/core/storage_engine/storage"
	"go.uber.org/zap"
)

// SpeculativeOpTimeChoice selects the snapshot a transaction reads at.
type SpeculativeOpTimeChoice int

const (
	// SpeculativeAllCommitted reads at the all-committed point.
	SpeculativeAllCommitted SpeculativeOpTimeChoice = iota
	// SpeculativeLastApplied reads at the newest applied entry.
	SpeculativeLastApplied
)

// Participant is the per-session transaction participant. It exists for the
// life of its session. The participant mutex guards every field except the
// metrics observer, which has its own mutex so currentOp-style readers never
// block on the hot path; the ordering is participant mutex before metrics
// mutex, never the reverse.
type Participant struct {
	env     *Environment
	session *session.Session
	logger  *zap.Logger

	mu                    sync.Mutex
	state                 stateTracker
	activeTxnNumber       int64
	autoCommit            *bool
	stash                 *TxnResources
	operations            []oplog.ReplOperation
	operationBytes        int
	prepareOpTime         oplog.OpTime
	oldestOplogEntryTs    oplog.Timestamp
	speculativeReadOpTime oplog.OpTime
	expireDate            time.Time
	lastRefreshCount      uint64
	inShutdown            bool

	metricsMu       sync.Mutex
	metricsObserver MetricsObserver
}

func newParticipant(env *Environment, sess *session.Session) *Participant {
	return &Participant{
		env:     env,
		session: sess,
		logger: env.Logger.Named("txn_participant").
			With(zap.String("lsid", sess.ID().String())),
		activeTxnNumber: session.UninitializedTxnNumber,
	}
}

// Session returns the owning session.
func (p *Participant) Session() *session.Session {
	return p.session
}

// BeginOrContinue resolves the intent of an incoming statement: a retryable
// write (autocommit nil), the continuation of a multi-document transaction
// (autocommit false, startTransaction nil), or the start of a new one
// (autocommit false, startTransaction true).
func (p *Participant) BeginOrContinue(txnNumber int64, autocommit, startTransaction *bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rs := p.session.LastRefreshState(); rs != nil {
		p.updateSessionState(rs)
	}

	// Requests without an autocommit field are retryable writes; the parse
	// layer guarantees they cannot carry startTransaction.
	if autocommit == nil {
		if startTransaction != nil {
			p.logger.Fatal("Retryable write request carried startTransaction")
		}
		return p.beginOrContinueRetryableWrite(txnNumber)
	}

	if *autocommit {
		p.logger.Fatal("autocommit can only be specified as false on a transaction statement")
	}

	if startTransaction == nil {
		return p.continueMultiDocumentTransaction(txnNumber)
	}

	if !*startTransaction {
		p.logger.Fatal("startTransaction can only be specified as true")
	}

	// Nodes in a sharded cluster may restart a transaction at the active
	// number so routers can retry after re-targeting errors.
	if txnNumber == p.activeTxnNumber {
		if p.env.Params.ClusterRole() == ClusterRoleNone {
			return Errorf(CodeConflictingOperationInProgress,
				"only servers in a sharded cluster can start a new transaction at the active transaction number")
		}
		if !p.state.isInSet(StateInProgress, StateAborted) {
			return Errorf(CodeConflictingOperationInProgress,
				"cannot start a transaction at given transaction number %d: a transaction with the same number is in state %s",
				txnNumber, p.state.s)
		}
	}

	return p.beginMultiDocumentTransaction(txnNumber)
}

// BeginTransactionUnconditionally starts a multi-document transaction for
// internal paths that have already validated the preconditions.
func (p *Participant) BeginTransactionUnconditionally(txnNumber int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beginMultiDocumentTransaction(txnNumber)
}

func (p *Participant) beginOrContinueRetryableWrite(txnNumber int64) error {
	if txnNumber > p.activeTxnNumber {
		// New retryable write.
		p.setNewTxnNumber(txnNumber)
		p.autoCommit = nil
		return nil
	}
	if txnNumber < p.activeTxnNumber {
		return Errorf(CodeConflictingOperationInProgress,
			"cannot perform operations on transaction %d: a newer transaction %d is active",
			txnNumber, p.activeTxnNumber)
	}
	// Retrying a retryable write.
	if p.state.s != StateNone {
		return Errorf(CodeInvalidOptions,
			"must specify autocommit=false on all operations of a multi-statement transaction")
	}
	if p.autoCommit != nil {
		p.logger.Fatal("Retryable write retry found transaction autocommit state")
	}
	return nil
}

func (p *Participant) continueMultiDocumentTransaction(txnNumber int64) error {
	if txnNumber != p.activeTxnNumber || p.state.s == StateNone {
		return Errorf(CodeNoSuchTransaction,
			"given transaction number %d does not match any in-progress transactions; the active transaction number is %d",
			txnNumber, p.activeTxnNumber)
	}

	if p.state.s == StateInProgress && p.stash == nil {
		// The first command of the transaction failed without implicitly
		// aborting it. Continuing is unsafe, in particular because the read
		// concern of the first statement was never saved.
		p.abortTransactionOnSession()
		return Errorf(CodeNoSuchTransaction, "transaction %d has been aborted", txnNumber)
	}

	return nil
}

func (p *Participant) beginMultiDocumentTransaction(txnNumber int64) error {
	// Aborts any in-progress transaction.
	p.setNewTxnNumber(txnNumber)
	autoCommit := false
	p.autoCommit = &autoCommit

	p.state.transitionTo(p.logger, StateInProgress, ValidateTransition)

	now := time.Now()
	p.expireDate = now.Add(p.env.Params.TransactionLifetimeLimit())

	p.metricsMu.Lock()
	p.metricsObserver.OnStart(p.env.Metrics, autoCommit, now, p.expireDate)
	p.metricsMu.Unlock()

	if len(p.operations) != 0 {
		p.logger.Fatal("New transaction began with buffered operations",
			zap.Int("count", len(p.operations)))
	}
	return nil
}

// SetSpeculativeTransactionOpTime configures the recovery unit's read
// source, preallocates the snapshot, and records the resulting read optime.
func (p *Participant) SetSpeculativeTransactionOpTime(opCtx *operation.Context, choice SpeculativeOpTimeChoice) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ru := opCtx.RecoveryUnit()
	if choice == SpeculativeAllCommitted {
		ru.SetTimestampReadSource(storage.ReadSourceAllCommitted)
	} else {
		ru.SetTimestampReadSource(storage.ReadSourceLastApplied)
	}
	ru.PreallocateSnapshot()

	readTimestamp := ru.PointInTimeReadTimestamp()
	if readTimestamp.IsNull() {
		p.logger.Fatal("Speculative transaction snapshot has no read timestamp")
	}
	// Transactions do not survive term changes, so combining the current
	// term with the recovery unit timestamp does not race.
	p.speculativeReadOpTime = oplog.OpTime{Ts: readTimestamp, Term: p.env.Oplog.Term()}

	p.metricsMu.Lock()
	p.metricsObserver.OnChooseReadTimestamp(readTimestamp)
	p.metricsMu.Unlock()
}

// StashTransactionResources pulls the transaction resources off opCtx into
// the participant's stash when a command returns without completing the
// transaction.
func (p *Participant) StashTransactionResources(opCtx *operation.Context) error {
	if opCtx.Client().IsInDirectClient() {
		return nil
	}
	if !opCtx.HasTxnNumber() {
		p.logger.Fatal("Stash requested for an operation without a transaction number")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Always check the session's transaction number: it can be moved by
	// migration, which does not check out the session. An aborted state is
	// deliberately tolerated, since stashing runs at the tail end of the
	// abortTransaction command.
	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), false); err != nil {
		return err
	}

	if !p.state.inMultiDocumentTransaction() {
		return nil
	}

	p.stashActiveTransaction(opCtx)
	return nil
}

func (p *Participant) stashActiveTransaction(opCtx *operation.Context) {
	if p.inShutdown {
		return
	}

	if p.activeTxnNumber != opCtx.TxnNumber() {
		p.logger.Fatal("Stash found mismatched transaction number",
			zap.Int64("active", p.activeTxnNumber),
			zap.Int64("operation", opCtx.TxnNumber()))
	}

	p.metricsMu.Lock()
	p.metricsObserver.OnStash(p.env.Metrics, time.Now())
	p.metricsObserver.OnTransactionOperation(opCtx.Client())
	p.metricsMu.Unlock()

	if p.stash != nil {
		p.logger.Fatal("Stash already holds transaction resources")
	}
	p.stash = newTxnResources(opCtx, p.env, false)
}

// UnstashTransactionResources installs the transaction's resources onto
// opCtx: from the stash if one exists, or freshly allocated for the first
// statement of a transaction.
func (p *Participant) UnstashTransactionResources(opCtx *operation.Context, cmdName string) error {
	if opCtx.Client().IsInDirectClient() {
		return nil
	}
	if !opCtx.HasTxnNumber() {
		p.logger.Fatal("Unstash requested for an operation without a transaction number")
	}

	freshResources := false
	err := func() error {
		p.mu.Lock()
		defer p.mu.Unlock()

		// The session's number and the state can both be moved by session
		// kill and migration, which do not check out the session.
		if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), false); err != nil {
			return err
		}
		if p.state.s == StateNone {
			if p.stash != nil {
				p.logger.Fatal("Stashed resources exist outside a transaction")
			}
			return nil
		}

		if err := p.checkIsCommandValidWithTxnState(opCtx.TxnNumber(), cmdName); err != nil {
			return err
		}

		if p.stash != nil {
			// Only the first statement of a transaction may specify a read
			// concern; later statements inherit it from the stash.
			if !opCtx.ReadConcern().IsEmpty() {
				return Errorf(CodeInvalidOptions,
					"only the first command in a transaction may specify a readConcern")
			}
			if err := p.stash.Release(opCtx, p.env, p.logger); err != nil {
				return err
			}
			p.stash = nil

			p.metricsMu.Lock()
			p.metricsObserver.OnUnstash(p.env.Metrics, time.Now())
			p.metricsMu.Unlock()
			return nil
		}

		// With no stashed resources the transaction cannot be prepared. If
		// it is not in progress either, the command must be a commit or
		// abort already in flight; leave the context untouched.
		if p.state.s == StatePrepared {
			p.logger.Fatal("Prepared transaction has no stashed resources")
		}
		if p.state.s != StateInProgress {
			return nil
		}

		opCtx.SetWriteUnitOfWork(storage.NewWriteUnitOfWork(opCtx.Locker(), opCtx.RecoveryUnit()))

		// Bound every lock wait of the transaction so it cannot deadlock
		// with fast metadata operations.
		if timeout, ok := p.env.Params.MaxTransactionLockRequestTimeout(); ok {
			opCtx.Locker().SetMaxLockTimeout(timeout)
		}

		p.metricsMu.Lock()
		p.metricsObserver.OnUnstash(p.env.Metrics, time.Now())
		p.metricsMu.Unlock()

		freshResources = true
		return nil
	}()
	if err != nil || !freshResources {
		return err
	}

	// Storage transactions may start lazily; acquiring the global intent
	// lock and preallocating here pins the point-in-time snapshot to the
	// first statement. Intent-exclusive because the transaction may write
	// and upgrading IS to IX is not deadlock safe.
	if err := opCtx.Locker().LockGlobal(opCtx.Context(), concurrency.ModeIX); err != nil {
		return err
	}
	opCtx.RecoveryUnit().PreallocateSnapshot()
	return nil
}

// PrepareTransaction moves the transaction into the prepared state and
// returns the prepare timestamp. On a primary (prepareOpTime nil) the
// timestamp comes from a freshly reserved oplog slot; on a secondary the
// caller dictates it.
func (p *Participant) PrepareTransaction(opCtx *operation.Context, prepareOpTime *oplog.OpTime) (oplog.Timestamp, error) {
	p.mu.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			p.mu.Unlock()
		}
	}
	defer unlock()

	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), true); err != nil {
		return 0, err
	}

	p.session.LockTxnNumber(Errorf(CodePreparedTransactionInProgress,
		"cannot change transaction number while the session has a prepared transaction"))

	p.state.transitionTo(p.logger, StatePrepared, ValidateTransition)

	var slot oplog.Slot
	if prepareOpTime != nil {
		// On a secondary the prepare entry already exists in the oplog; just
		// prepare the storage transaction at the dictated optime.
		slot = oplog.Slot{OpTime: *prepareOpTime}
		p.prepareOpTime = slot.OpTime
	} else {
		// Reserving the optime creates a hole in the oplog that makes
		// snapshot and afterClusterTime readers wait until this transaction
		// is done preparing. When the reserver is released, the hole (and
		// the slot) vanish.
		reserver := NewOplogSlotReserver(opCtx, p.env, p.logger)
		defer reserver.Done()
		slot = reserver.Slot()

		if !p.prepareOpTime.IsNull() {
			p.logger.Fatal("Transaction already reserved a prepare optime",
				zap.Stringer("prepareOpTime", p.prepareOpTime))
		}
		p.prepareOpTime = slot.OpTime
	}

	opCtx.RecoveryUnit().SetPrepareTimestamp(slot.OpTime.Ts)
	if err := opCtx.WriteUnitOfWork().Prepare(); err != nil {
		// Any failure before the prepare is observed must abort the active
		// transaction. Prepare on a secondary must always succeed.
		if prepareOpTime != nil {
			p.logger.Fatal("Failed to prepare transaction on secondary", zap.Error(err))
		}
		unlock()
		_ = p.AbortActiveTransaction(opCtx)
		return 0, err
	}

	// The op-observer calls back into the session, so the mutex cannot be
	// held across it.
	unlock()
	p.env.Observer.OnTransactionPrepare(opCtx, slot)

	if !p.oldestOplogEntryTs.IsNull() {
		p.logger.Fatal("Transaction's oldest oplog entry timestamp already set",
			zap.Stringer("oldestOplogEntryTs", p.oldestOplogEntryTs))
	}
	// Track the timestamp of the first oplog entry written by the
	// transaction. Today that is only the prepare entry, but transactions
	// may write multiple entries in the future.
	p.oldestOplogEntryTs = slot.OpTime.Ts

	p.metricsMu.Lock()
	p.metricsObserver.OnPrepare(p.env.Metrics, p.oldestOplogEntryTs)
	p.metricsMu.Unlock()

	return slot.OpTime.Ts, nil
}

// AddTransactionOperation buffers a write of the in-progress transaction
// until commit turns the batch into oplog entries.
func (p *Participant) AddTransactionOperation(opCtx *operation.Context, op oplog.ReplOperation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), true); err != nil {
		return err
	}

	if p.state.s != StateInProgress {
		p.logger.Fatal("Operations can only be added to an in-progress transaction",
			zap.Stringer("state", p.state.s))
	}
	if p.autoCommit == nil || *p.autoCommit || p.activeTxnNumber == session.UninitializedTxnNumber {
		p.logger.Fatal("Operation added outside a multi-document transaction")
	}
	if !opCtx.Locker().InAWriteUnitOfWork() {
		p.logger.Fatal("Operation added without an active write unit of work")
	}

	p.operations = append(p.operations, op)
	p.operationBytes += op.Size()
	// The limit is checked against the in-memory size; the serialized batch
	// carries framing on top, so commit can still reject a batch that
	// squeaked past here. Failing early avoids exhausting server memory.
	if p.operationBytes > oplog.MaxOperationBatchBytes {
		return Errorf(CodeTransactionTooLarge,
			"total size of all transaction operations must be at most %d, actual size is %d",
			oplog.MaxOperationBatchBytes, p.operationBytes)
	}
	return nil
}

// EndTransactionAndRetrieveOperations moves the buffered operations out of
// the participant so the caller can write the applyOps entries.
func (p *Participant) EndTransactionAndRetrieveOperations(opCtx *operation.Context) ([]oplog.ReplOperation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), true); err != nil {
		return nil, err
	}

	if !p.state.isInSet(StateInProgress, StatePrepared) {
		p.logger.Fatal("Transaction operations retrieved in unexpected state",
			zap.Stringer("state", p.state.s))
	}
	if p.autoCommit == nil {
		p.logger.Fatal("Transaction operations retrieved outside a transaction")
	}

	ops := p.operations
	p.operations = nil
	p.operationBytes = 0
	return ops, nil
}

// CommitUnpreparedTransaction commits a transaction that never went through
// prepare. The oplog entry is written in the same write unit of work as the
// data.
func (p *Participant) CommitUnpreparedTransaction(opCtx *operation.Context) error {
	p.mu.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			p.mu.Unlock()
		}
	}
	lock := func() {
		p.mu.Lock()
		locked = true
	}
	defer unlock()

	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), true); err != nil {
		return err
	}
	if p.state.s == StatePrepared {
		return Errorf(CodeInvalidOptions,
			"commitTransaction must provide commitTimestamp to prepared transaction")
	}
	if !p.oldestOplogEntryTs.IsNull() {
		p.logger.Fatal("Unprepared transaction has an oldest oplog entry timestamp",
			zap.Stringer("oldestOplogEntryTs", p.oldestOplogEntryTs))
	}

	// The op-observer calls back into the session; drop the mutex first.
	unlock()
	p.env.Observer.OnTransactionCommit(opCtx, nil, 0)
	lock()
	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), true); err != nil {
		return err
	}

	// Nothing externally visible has happened yet, so the state can still be
	// treated as in-progress up to here; an error above makes the entry
	// point abort the transaction.
	p.state.transitionTo(p.logger, StateCommittingWithoutPrepare, ValidateTransition)

	unlock()
	p.commitStorageTransaction(opCtx)
	lock()

	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), false); err != nil {
		return err
	}
	if p.state.s != StateCommittingWithoutPrepare {
		p.logger.Fatal("Unexpected state after unprepared commit",
			zap.Stringer("state", p.state.s))
	}

	p.finishCommitTransaction(opCtx)
	return nil
}

// CommitPreparedTransaction commits a prepared transaction at commitTs. Any
// failure after the commit decision is fatal.
func (p *Participant) CommitPreparedTransaction(opCtx *operation.Context, commitTs oplog.Timestamp) error {
	p.mu.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			p.mu.Unlock()
		}
	}
	lock := func() {
		p.mu.Lock()
		locked = true
	}
	defer unlock()

	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), true); err != nil {
		return err
	}
	if p.state.s != StatePrepared {
		return Errorf(CodeInvalidOptions,
			"commitTransaction cannot provide commitTimestamp to unprepared transaction")
	}
	if commitTs.IsNull() {
		return Errorf(CodeInvalidOptions, "'commitTimestamp' cannot be null")
	}
	if commitTs < p.prepareOpTime.Ts {
		return Errorf(CodeInvalidOptions,
			"'commitTimestamp' must be greater than or equal to 'prepareTimestamp'")
	}

	p.state.transitionTo(p.logger, StateCommittingWithPrepare, ValidateTransition)
	opCtx.RecoveryUnit().SetCommitTimestamp(commitTs)

	// From here on failure is illegal: the participant promised to commit.

	// Reserving an oplog slot before committing keeps writes causally
	// related to this commit from entering the oplog earlier than the
	// commit entry.
	reserver := NewOplogSlotReserver(opCtx, p.env, p.logger)
	defer reserver.Done()
	commitSlot := reserver.Slot()
	if commitSlot.OpTime.Ts < commitTs {
		p.logger.Fatal("Commit oplog entry optime below commit timestamp",
			zap.Stringer("commitTimestamp", commitTs),
			zap.Stringer("commitOplogEntryOpTime", commitSlot.OpTime))
	}

	// The op-observer calls back into the session, and storage must not be
	// committed under the mutex.
	unlock()
	p.commitStorageTransaction(opCtx)
	p.env.Observer.OnTransactionCommit(opCtx, &commitSlot, commitTs)
	lock()

	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), true); err != nil {
		p.logger.Fatal("Transaction changed while committing prepared transaction",
			zap.Error(err))
	}

	p.finishCommitTransaction(opCtx)
	p.session.UnlockTxnNumber()
	return nil
}

// commitStorageTransaction commits the write unit of work on opCtx and
// replaces its recovery unit so follow-up writes (retryable-write records,
// oplog entries) run untimestamped. Failure to commit storage is fatal.
func (p *Participant) commitStorageTransaction(opCtx *operation.Context) {
	wuow := opCtx.WriteUnitOfWork()
	if wuow == nil {
		p.logger.Fatal("Commit requested without a write unit of work")
	}
	if err := wuow.Commit(); err != nil {
		p.logger.Fatal("Caught exception during commit of storage transaction",
			zap.Int64("txnNumber", opCtx.TxnNumber()),
			zap.Error(err))
	}
	opCtx.SetWriteUnitOfWork(nil)

	opCtx.SetRecoveryUnit(p.env.Engine.NewRecoveryUnit(), storage.RecoveryUnitStateNotInUnitOfWork)
	opCtx.Locker().UnsetMaxLockTimeout()
}

func (p *Participant) finishCommitTransaction(opCtx *operation.Context) {
	// If the transaction performed no writes, pushing the client's last
	// optime to the speculative read optime makes write-concern waits cover
	// the commitment of the data that was read.
	client := opCtx.Client()
	if p.speculativeReadOpTime.After(client.LastOp()) {
		client.SetLastOp(p.speculativeReadOpTime)
	}

	p.state.transitionTo(p.logger, StateCommitted, ValidateTransition)

	p.metricsMu.Lock()
	p.metricsObserver.OnCommit(p.env.Metrics, time.Now(), p.oldestOplogEntryTs)
	p.metricsObserver.OnTransactionOperation(opCtx.Client())
	p.metricsMu.Unlock()

	p.cleanUpTxnResourceOnOpCtx(opCtx, StateCommitted)
}

// Shutdown marks the participant as shutting down and drops the stash,
// aborting the stashed storage transaction.
func (p *Participant) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inShutdown = true
	if p.stash != nil {
		p.stash.Dispose()
		p.stash = nil
	}
}

// AbortArbitraryTransaction aborts the transaction if it is in progress. A
// prepared transaction is never aborted by this non-user-directed path.
func (p *Participant) AbortArbitraryTransaction() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.s != StateInProgress {
		return
	}
	p.abortTransactionOnSession()
}

// AbortArbitraryTransactionIfExpired aborts an in-progress transaction whose
// lifetime has elapsed, killing the session's running operation first.
func (p *Participant) AbortArbitraryTransactionIfExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.s != StateInProgress || p.expireDate.IsZero() || !p.expireDate.Before(time.Now()) {
		return
	}

	if op := p.session.CurrentOperation(); op != nil {
		// The operation discovers the kill at its next interruption point,
		// unwinds, and aborts cleanly.
		op.Kill(Errorf(CodeExceededTimeLimit,
			"transaction exceeded transactionLifetimeLimitSeconds"))
	}

	// Log after the kill so waiters on this line know the operation is gone.
	p.logger.Info("Aborting transaction because it has been running for longer than 'transactionLifetimeLimitSeconds'",
		zap.Int64("txnNumber", p.activeTxnNumber))

	p.abortTransactionOnSession()
}

// AbortActiveTransaction aborts the transaction currently holding resources
// on opCtx.
func (p *Participant) AbortActiveTransaction(opCtx *operation.Context) error {
	p.mu.Lock()
	locked := true
	defer func() {
		if locked {
			p.mu.Unlock()
		}
	}()

	// Must not fail when the transaction is already aborted.
	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), false); err != nil {
		return err
	}
	p.abortActiveTransaction(opCtx, &locked, StateInProgress, StatePrepared)
	return nil
}

// AbortActiveUnpreparedOrStashPreparedTransaction aborts an unprepared
// active transaction, or stashes a prepared one so a coordinator can still
// commit it. Any internal failure is fatal.
func (p *Participant) AbortActiveUnpreparedOrStashPreparedTransaction(opCtx *operation.Context) {
	p.mu.Lock()
	locked := true
	defer func() {
		if locked {
			p.mu.Unlock()
		}
	}()

	if p.state.s == StateNone {
		return
	}

	// The check above should have returned already; failing here is fatal
	// rather than propagated.
	if err := p.checkIsActiveTransaction(opCtx.TxnNumber(), false); err != nil {
		p.logger.Fatal("Caught exception during transaction abort or stash",
			zap.Stringer("state", p.state.s), zap.Error(err))
	}

	if p.state.s == StatePrepared {
		p.stashActiveTransaction(opCtx)
		return
	}

	if !p.oldestOplogEntryTs.IsNull() {
		p.logger.Fatal("Unprepared transaction has an oldest oplog entry timestamp",
			zap.Stringer("oldestOplogEntryTs", p.oldestOplogEntryTs))
	}

	p.abortActiveTransaction(opCtx, &locked, StateInProgress)
}

// abortActiveTransaction is called with the participant mutex held (tracked
// through locked) and may release and retake it around the op-observer.
func (p *Participant) abortActiveTransaction(opCtx *operation.Context, locked *bool, expectedStates ...State) {
	if p.stash != nil {
		p.logger.Fatal("Active abort found stashed resources")
	}
	if p.state.s == StateCommittingWithPrepare {
		p.logger.Fatal("Cannot abort a transaction committing after prepare")
	}

	if p.state.s != StateNone {
		p.metricsMu.Lock()
		p.metricsObserver.OnTransactionOperation(opCtx.Client())
		p.metricsMu.Unlock()
	}

	// The abort oplog entry is written before the storage abort so no
	// causally related write can enter the oplog earlier than the abort
	// entry. The observer calls back into the session; drop the mutex.
	*locked = false
	p.mu.Unlock()
	p.env.Observer.OnTransactionAbort(opCtx)
	p.mu.Lock()
	*locked = true

	// Only abort the transaction on the session if it is still in one of
	// the expected states; otherwise another thread got there first.
	switch {
	case p.state.isInSet(expectedStates...):
		if opCtx.TxnNumber() != p.activeTxnNumber {
			p.logger.Fatal("Abort found mismatched transaction number",
				zap.Int64("active", p.activeTxnNumber),
				zap.Int64("operation", opCtx.TxnNumber()))
		}
		p.abortTransactionOnSession()
	case opCtx.TxnNumber() == p.activeTxnNumber:
		if p.state.s == StateNone {
			// The active transaction is not a multi-document transaction.
			if opCtx.WriteUnitOfWork() != nil {
				p.logger.Fatal("Retryable write left a write unit of work behind")
			}
			return
		}
		if p.state.isInSet(StatePrepared, StateCommittingWithPrepare, StateCommittingWithoutPrepare, StateCommitted) {
			p.logger.Fatal("Cannot abort transaction in current state",
				zap.Stringer("state", p.state.s))
		}
	default:
		// A higher active number means the transaction was already aborted.
		if !p.state.isInSet(StateNone, StateAborted) {
			p.logger.Fatal("Displaced transaction in unexpected state",
				zap.Stringer("state", p.state.s))
		}
	}

	// The resources on the operation context are cleaned up even when the
	// session-side abort was skipped; this is what actually aborts the
	// storage transaction.
	p.cleanUpTxnResourceOnOpCtx(opCtx, StateAborted)
}

// abortTransactionOnSession aborts whatever the session owns: the stash if
// the transaction is inactive, or just the bookkeeping if the resources are
// on an operation context.
func (p *Participant) abortTransactionOnSession() {
	now := time.Now()
	if p.stash != nil {
		p.metricsMu.Lock()
		p.metricsObserver.OnAbortInactive(p.env.Metrics, now, p.oldestOplogEntryTs)
		p.metricsMu.Unlock()
		p.logSlowTransaction(p.stash.Locker().Stats(), StateAborted, p.stash.ReadConcern())
		p.stash.Dispose()
		p.stash = nil
	} else {
		p.metricsMu.Lock()
		p.metricsObserver.OnAbortActive(p.env.Metrics, now, p.oldestOplogEntryTs)
		p.metricsMu.Unlock()
	}

	p.operations = nil
	p.operationBytes = 0
	p.state.transitionTo(p.logger, StateAborted, ValidateTransition)
	p.prepareOpTime = oplog.OpTime{}
	p.oldestOplogEntryTs = 0
	p.speculativeReadOpTime = oplog.OpTime{}

	p.session.UnlockTxnNumber()
}

// cleanUpTxnResourceOnOpCtx aborts any write unit of work left on opCtx and
// resets the context for post-transaction work.
func (p *Participant) cleanUpTxnResourceOnOpCtx(opCtx *operation.Context, terminationCause State) {
	p.logSlowTransaction(opCtx.Locker().Stats(), terminationCause, opCtx.ReadConcern())

	if wuow := opCtx.WriteUnitOfWork(); wuow != nil {
		wuow.Abort()
		opCtx.SetWriteUnitOfWork(nil)
	}

	// A fresh recovery unit and an unbounded lock timeout let post-
	// transaction writes run without transactional settings such as a read
	// timestamp.
	opCtx.SetRecoveryUnit(p.env.Engine.NewRecoveryUnit(), storage.RecoveryUnitStateNotInUnitOfWork)
	opCtx.Locker().UnsetMaxLockTimeout()
}

// checkIsActiveTransaction verifies the session, the request, and the
// participant all agree on the transaction number, and optionally that the
// transaction is not aborted.
func (p *Participant) checkIsActiveTransaction(requestTxnNumber int64, checkAbort bool) error {
	sessionTxnNumber := p.session.ActiveTxnNumber()
	if sessionTxnNumber != p.activeTxnNumber {
		return Errorf(CodeConflictingOperationInProgress,
			"cannot perform operations on active transaction %d on session %s: a different transaction %d is now active",
			p.activeTxnNumber, p.session.ID(), sessionTxnNumber)
	}
	if requestTxnNumber != p.activeTxnNumber {
		return Errorf(CodeConflictingOperationInProgress,
			"cannot perform operations on requested transaction %d on session %s: a different transaction %d is now active",
			requestTxnNumber, p.session.ID(), p.activeTxnNumber)
	}
	if checkAbort && p.state.s == StateAborted {
		return Errorf(CodeNoSuchTransaction, "transaction %d has been aborted", sessionTxnNumber)
	}
	return nil
}

// checkIsCommandValidWithTxnState rejects commands that are illegal in the
// participant's current state.
func (p *Participant) checkIsCommandValidWithTxnState(txnNumber int64, cmdName string) error {
	// NoSuchTransaction rather than a bare aborted error: this is the entry
	// point of transaction execution.
	if p.state.s == StateAborted {
		return Errorf(CodeNoSuchTransaction, "transaction %d has been aborted", txnNumber)
	}

	// A committed transaction cannot change, but retrying commitTransaction
	// is allowed.
	if p.state.s == StateCommitted && cmdName != "commitTransaction" {
		return Errorf(CodeTransactionCommitted, "transaction %d has been committed", txnNumber)
	}

	if p.state.s == StatePrepared {
		if _, ok := preparedTxnCmdAllowList[cmdName]; !ok {
			return Errorf(CodePreparedTransactionInProgress,
				"cannot call any operation other than abort, prepare or commit on a prepared transaction")
		}
	}
	return nil
}

// IsValid reports whether cmdName may run against dbName inside a
// multi-document transaction.
func (p *Participant) IsValid(dbName, cmdName string) error {
	return checkCommandValid(dbName, cmdName, p.env.Params.TestCommandsEnabled())
}

// CheckForNewTxnNumber adopts a higher transaction number observed on the
// session outside checkout.
func (p *Participant) CheckForNewTxnNumber() {
	txnNumber := p.session.ActiveTxnNumber()

	p.mu.Lock()
	defer p.mu.Unlock()
	if txnNumber > p.activeTxnNumber {
		p.setNewTxnNumber(txnNumber)
	}
}

// setNewTxnNumber installs a new transaction number, aborting any
// in-progress transaction and resetting per-transaction bookkeeping.
func (p *Participant) setNewTxnNumber(txnNumber int64) {
	if p.state.isInSet(StatePrepared, StateCommittingWithPrepare) {
		p.logger.Fatal("Cannot change transaction number while a transaction is prepared",
			zap.Stringer("state", p.state.s))
	}

	if p.state.s == StateInProgress {
		p.abortTransactionOnSession()
	}

	p.activeTxnNumber = txnNumber
	p.state.transitionTo(p.logger, StateNone, ValidateTransition)

	p.metricsMu.Lock()
	p.metricsObserver.ResetSingleTransactionStats(txnNumber)
	p.metricsMu.Unlock()

	p.prepareOpTime = oplog.OpTime{}
	p.oldestOplogEntryTs = 0
	p.speculativeReadOpTime = oplog.OpTime{}
	p.expireDate = time.Time{}
	p.autoCommit = nil
}

// updateSessionState reconciles the participant with externally refreshed
// session state. This is the only path allowed to relax transition
// validation, since a refresh can observe a commit decision made elsewhere.
func (p *Participant) updateSessionState(newState *session.RefreshState) {
	if newState.RefreshCount <= p.lastRefreshCount {
		return
	}

	p.activeTxnNumber = newState.TxnNumber
	if newState.IsCommitted {
		p.state.transitionTo(p.logger, StateCommitted, RelaxTransitionValidation)
	}

	p.lastRefreshCount = newState.RefreshCount
}

// logSlowTransaction logs a terminated multi-document transaction whose
// duration exceeded the slow threshold. Emission is rate limited.
func (p *Participant) logSlowTransaction(lockStats concurrency.LockStats, terminationCause State, rc readconcern.Args) {
	if p.state.s == StateNone {
		return
	}

	now := time.Now()
	p.metricsMu.Lock()
	stats := p.metricsObserver.Stats()
	p.metricsMu.Unlock()

	if stats.Duration(now) <= p.env.Params.SlowTransactionThreshold() {
		return
	}
	if !p.env.SlowLogLimiter.Allow() {
		return
	}

	cause := "aborted"
	if terminationCause == StateCommitted {
		cause = "committed"
	}
	autoCommit := true
	if p.autoCommit != nil {
		autoCommit = *p.autoCommit
	}

	p.logger.Info("Slow transaction",
		zap.Int64("txnNumber", p.activeTxnNumber),
		zap.Bool("autocommit", autoCommit),
		zap.String("readConcern", rc.String()),
		zap.Stringer("readTimestamp", p.speculativeReadOpTime.Ts),
		zap.String("terminationCause", cause),
		zap.Duration("timeActive", stats.TimeActive(now)),
		zap.Duration("timeInactive", stats.TimeInactive(now)),
		zap.Int64("lockAcquisitions", lockStats.NumAcquisitions),
		zap.Int64("ticketWaitMicros", lockStats.WaitMicros),
		zap.Duration("duration", stats.Duration(now)))
}

package transaction

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/concurrency"
	"github.com/sushant-115/gojodb/core/operation"
	"github.com/sushant-115/gojodb/core/replication/oplog"
	"github.com/sushant-115/gojodb/core/session"
	"github.com/sushant-115/gojodb/core/storage_engine/storage"
)

// fakeEngine is a storage engine whose recovery units record every call, so
// tests can observe commits, aborts, and prepares of individual storage
// transactions.
type fakeEngine struct {
	alloc *oplog.Allocator

	mu    sync.Mutex
	units []*fakeRecoveryUnit
}

func (e *fakeEngine) NewRecoveryUnit() storage.RecoveryUnit {
	e.mu.Lock()
	defer e.mu.Unlock()
	ru := &fakeRecoveryUnit{engine: e}
	e.units = append(e.units, ru)
	return ru
}

type fakeRecoveryUnit struct {
	engine *fakeEngine

	mu            sync.Mutex
	inUnit        bool
	prepared      bool
	committed     bool
	aborted       bool
	failPrepare   bool
	readSource    storage.ReadSource
	snapshotTs    oplog.Timestamp
	snapshotTaken bool
	prepareTs     oplog.Timestamp
	commitTs      oplog.Timestamp
}

func (r *fakeRecoveryUnit) BeginUnitOfWork() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUnit = true
}

func (r *fakeRecoveryUnit) CommitUnitOfWork() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = true
	r.inUnit = false
	return nil
}

func (r *fakeRecoveryUnit) AbortUnitOfWork() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	r.inUnit = false
}

func (r *fakeRecoveryUnit) PrepareUnitOfWork() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPrepare {
		return Errorf(CodeInvalidOptions, "injected prepare failure")
	}
	r.prepared = true
	return nil
}

func (r *fakeRecoveryUnit) SetTimestampReadSource(src storage.ReadSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readSource = src
	r.snapshotTaken = false
}

func (r *fakeRecoveryUnit) TimestampReadSource() storage.ReadSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readSource
}

func (r *fakeRecoveryUnit) PreallocateSnapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshotTaken {
		return
	}
	switch r.readSource {
	case storage.ReadSourceAllCommitted:
		r.snapshotTs = r.engine.alloc.AllCommitted()
	case storage.ReadSourceLastApplied:
		r.snapshotTs = r.engine.alloc.LastApplied()
	default:
		r.snapshotTs = 0
	}
	r.snapshotTaken = true
}

func (r *fakeRecoveryUnit) PointInTimeReadTimestamp() oplog.Timestamp {
	r.PreallocateSnapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotTs
}

func (r *fakeRecoveryUnit) SetPrepareTimestamp(ts oplog.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepareTs = ts
}

func (r *fakeRecoveryUnit) SetCommitTimestamp(ts oplog.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitTs = ts
}

func (r *fakeRecoveryUnit) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *fakeRecoveryUnit) isCommitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// recordedCommit is one OnTransactionCommit invocation.
type recordedCommit struct {
	slot *oplog.Slot
	ts   oplog.Timestamp
}

// recordingObserver records op-observer invocations and fills reserved slots
// the way the real oplog-writing observer does.
type recordingObserver struct {
	alloc *oplog.Allocator

	mu       sync.Mutex
	prepares []oplog.Slot
	commits  []recordedCommit
	aborts   int
}

func (o *recordingObserver) OnTransactionPrepare(opCtx *operation.Context, prepareSlot oplog.Slot) {
	o.alloc.Fill(prepareSlot.OpTime.Ts)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prepares = append(o.prepares, prepareSlot)
}

func (o *recordingObserver) OnTransactionCommit(opCtx *operation.Context, commitSlot *oplog.Slot, commitTs oplog.Timestamp) {
	if commitSlot != nil {
		o.alloc.Fill(commitSlot.OpTime.Ts)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commits = append(o.commits, recordedCommit{slot: commitSlot, ts: commitTs})
}

func (o *recordingObserver) OnTransactionAbort(opCtx *operation.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborts++
}

func (o *recordingObserver) abortCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborts
}

// harness wires a participant environment over the fake engine with a fresh
// metrics registry per test.
type harness struct {
	t        *testing.T
	params   *ServerParameters
	alloc    *oplog.Allocator
	engine   *fakeEngine
	observer *recordingObserver
	metrics  *ServerTransactionsMetrics
	tickets  *concurrency.TicketHolder
	catalog  *session.Catalog
	registry *Registry
	logger   *zap.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	params := NewServerParameters()
	alloc := oplog.NewAllocator(1, logger)
	engine := &fakeEngine{alloc: alloc}
	observer := &recordingObserver{alloc: alloc}
	metrics := NewServerTransactionsMetrics(prometheus.NewRegistry())
	tickets := concurrency.NewTicketHolder(8)

	registry := NewRegistry(&Environment{
		Logger:   logger,
		Params:   params,
		Engine:   engine,
		Oplog:    alloc,
		Observer: observer,
		Metrics:  metrics,
		Tickets:  tickets,
	})

	return &harness{
		t:        t,
		params:   params,
		alloc:    alloc,
		engine:   engine,
		observer: observer,
		metrics:  metrics,
		tickets:  tickets,
		catalog:  session.NewCatalog(logger),
		registry: registry,
		logger:   logger,
	}
}

func (h *harness) env() *Environment {
	return h.registry.Environment()
}

// newSession creates a catalog-backed session at the given transaction
// number together with its participant.
func (h *harness) newSession(txnNumber int64) (*session.Session, *Participant) {
	h.t.Helper()
	sess := h.catalog.GetOrCreateSession(uuid.New())
	require.NoError(h.t, sess.SetActiveTxnNumber(txnNumber))
	return sess, h.registry.ForSession(sess)
}

// newOperation builds an operation context bound to sess and registers it as
// the session's running operation.
func (h *harness) newOperation(sess *session.Session, txnNumber int64) *operation.Context {
	h.t.Helper()
	client := operation.NewClient("test-client")
	client.SetHostAndPort("127.0.0.1:51234")
	opCtx := operation.NewContext(context.Background(), client,
		concurrency.NewLocker(h.tickets), h.engine.NewRecoveryUnit())
	opCtx.SetSessionID(sess.ID())
	opCtx.SetTxnNumber(txnNumber)
	sess.SetCurrentOperation(opCtx)
	return opCtx
}

// beginTxn starts a multi-document transaction and installs fresh resources
// on a new operation context, the way the first statement of a transaction
// does.
func (h *harness) beginTxn(p *Participant, sess *session.Session, txnNumber int64) *operation.Context {
	h.t.Helper()
	require.NoError(h.t, sess.SetActiveTxnNumber(txnNumber))
	opCtx := h.newOperation(sess, txnNumber)
	autocommit, start := false, true
	require.NoError(h.t, p.BeginOrContinue(txnNumber, &autocommit, &start))
	require.NoError(h.t, p.UnstashTransactionResources(opCtx, "insert"))
	return opCtx
}

func boolPtr(b bool) *bool {
	return &b
}

// Package memory is an in-memory storage engine implementing the recovery
// unit surface the transaction subsystem consumes. It backs the standalone
// session server and exercises the same custody protocol a durable engine
// would.
package memory

import (
	"errors"
	"sync"

	"github.com/sushant-115/gojodb/core/replication/oplog"
	"github.com/sushant-115/gojodb/core/storage_engine/storage"
)

var errNotInUnitOfWork = errors.New("recovery unit is not in a unit of work")

// DocumentWriter is implemented by recovery units that can stage document
// writes. Callers holding a storage.RecoveryUnit assert to this interface.
type DocumentWriter interface {
	StageWrite(key string, doc []byte) error
}

// Engine is a map-backed document store whose recovery units take their
// snapshot read timestamps from the oplog allocator. Committed writes are
// applied to the map directly; Get returns the latest committed document
// regardless of prepare or commit timestamps.
type Engine struct {
	alloc *oplog.Allocator

	mu   sync.RWMutex
	docs map[string][]byte
}

// NewEngine creates an engine whose snapshot timestamps come from alloc.
func NewEngine(alloc *oplog.Allocator) *Engine {
	return &Engine{
		alloc: alloc,
		docs:  make(map[string][]byte),
	}
}

// NewRecoveryUnit returns a fresh recovery unit over the engine.
func (e *Engine) NewRecoveryUnit() storage.RecoveryUnit {
	return &recoveryUnit{engine: e}
}

// Get returns the committed document stored under key.
func (e *Engine) Get(key string) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[key]
	return doc, ok
}

func (e *Engine) apply(writes map[string][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range writes {
		if v == nil {
			delete(e.docs, k)
		} else {
			e.docs[k] = v
		}
	}
}

type recoveryUnit struct {
	engine *Engine

	inUnit   bool
	prepared bool

	readSource    storage.ReadSource
	snapshotTs    oplog.Timestamp
	snapshotTaken bool

	prepareTs oplog.Timestamp
	commitTs  oplog.Timestamp

	writes map[string][]byte
}

func (r *recoveryUnit) BeginUnitOfWork() {
	r.inUnit = true
	if r.writes == nil {
		r.writes = make(map[string][]byte)
	}
}

func (r *recoveryUnit) CommitUnitOfWork() error {
	if !r.inUnit {
		return errNotInUnitOfWork
	}
	r.engine.apply(r.writes)
	r.writes = nil
	r.inUnit = false
	r.prepared = false
	return nil
}

func (r *recoveryUnit) AbortUnitOfWork() {
	r.writes = nil
	r.inUnit = false
	r.prepared = false
}

func (r *recoveryUnit) PrepareUnitOfWork() error {
	if !r.inUnit {
		return errNotInUnitOfWork
	}
	r.prepared = true
	return nil
}

func (r *recoveryUnit) SetTimestampReadSource(src storage.ReadSource) {
	r.readSource = src
	r.snapshotTaken = false
}

func (r *recoveryUnit) TimestampReadSource() storage.ReadSource {
	return r.readSource
}

func (r *recoveryUnit) PreallocateSnapshot() {
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

func (r *recoveryUnit) PointInTimeReadTimestamp() oplog.Timestamp {
	if !r.snapshotTaken {
		r.PreallocateSnapshot()
	}
	return r.snapshotTs
}

func (r *recoveryUnit) SetPrepareTimestamp(ts oplog.Timestamp) {
	r.prepareTs = ts
}

func (r *recoveryUnit) SetCommitTimestamp(ts oplog.Timestamp) {
	r.commitTs = ts
}

// StageWrite buffers a write that becomes visible when the unit commits. A
// nil doc stages a delete.
func (r *recoveryUnit) StageWrite(key string, doc []byte) error {
	if !r.inUnit {
		return errNotInUnitOfWork
	}
	r.writes[key] = doc
	return nil
}

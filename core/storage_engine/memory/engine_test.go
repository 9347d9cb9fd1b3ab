package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/replication/oplog"
	"github.com/sushant-115/gojodb/core/storage_engine/storage"
)

func setupEngine(t *testing.T) (*Engine, *oplog.Allocator) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	alloc := oplog.NewAllocator(1, logger)
	return NewEngine(alloc), alloc
}

// TestCommitAppliesStagedWrites verifies that staged writes become visible
// only after the unit of work commits.
func TestCommitAppliesStagedWrites(t *testing.T) {
	engine, _ := setupEngine(t)

	ru := engine.NewRecoveryUnit()
	ru.BeginUnitOfWork()
	require.NoError(t, ru.(DocumentWriter).StageWrite("a", []byte("doc-a")))

	_, ok := engine.Get("a")
	require.False(t, ok, "write must not be visible before commit")

	require.NoError(t, ru.CommitUnitOfWork())
	doc, ok := engine.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("doc-a"), doc)
}

// TestAbortDiscardsStagedWrites verifies that aborting the unit of work
// drops its writes.
func TestAbortDiscardsStagedWrites(t *testing.T) {
	engine, _ := setupEngine(t)

	ru := engine.NewRecoveryUnit()
	ru.BeginUnitOfWork()
	require.NoError(t, ru.(DocumentWriter).StageWrite("a", []byte("doc-a")))
	ru.AbortUnitOfWork()

	_, ok := engine.Get("a")
	require.False(t, ok)
}

// TestStageWriteOutsideUnitOfWork verifies that writes require an open unit
// of work.
func TestStageWriteOutsideUnitOfWork(t *testing.T) {
	engine, _ := setupEngine(t)
	ru := engine.NewRecoveryUnit()
	require.Error(t, ru.(DocumentWriter).StageWrite("a", []byte("doc-a")))
}

// TestSnapshotReadSources verifies the snapshot timestamps for the
// all-committed and last-applied read sources.
func TestSnapshotReadSources(t *testing.T) {
	engine, alloc := setupEngine(t)

	filled := alloc.NextOpTime()
	alloc.Fill(filled.Ts)
	hole := alloc.NextOpTime()

	ru := engine.NewRecoveryUnit()
	ru.SetTimestampReadSource(storage.ReadSourceAllCommitted)
	ru.PreallocateSnapshot()
	require.Equal(t, hole.Ts-1, ru.PointInTimeReadTimestamp(),
		"all-committed snapshot must stop below the hole")

	ru2 := engine.NewRecoveryUnit()
	ru2.SetTimestampReadSource(storage.ReadSourceLastApplied)
	ru2.PreallocateSnapshot()
	require.Equal(t, filled.Ts, ru2.PointInTimeReadTimestamp())

	// The snapshot must be stable once taken.
	alloc.Release(hole.Ts)
	require.Equal(t, hole.Ts-1, ru.PointInTimeReadTimestamp())
}

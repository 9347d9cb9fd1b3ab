package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var allStates = []State{
	StateNone,
	StateInProgress,
	StatePrepared,
	StateCommittingWithoutPrepare,
	StateCommittingWithPrepare,
	StateCommitted,
	StateAborted,
}

// TestTransitionTable iterates the full Cartesian product of states and
// asserts legality against an independently written expectation, so a table
// edit cannot silently widen the lattice.
func TestTransitionTable(t *testing.T) {
	type pair struct{ from, to State }
	legal := map[pair]bool{
		{StateNone, StateNone}:       true,
		{StateNone, StateInProgress}: true,

		{StateInProgress, StateNone}:                     true,
		{StateInProgress, StatePrepared}:                 true,
		{StateInProgress, StateCommittingWithoutPrepare}: true,
		{StateInProgress, StateAborted}:                  true,

		{StatePrepared, StateCommittingWithPrepare}: true,
		{StatePrepared, StateAborted}:               true,

		{StateCommittingWithoutPrepare, StateNone}:      true,
		{StateCommittingWithoutPrepare, StateCommitted}: true,
		{StateCommittingWithoutPrepare, StateAborted}:   true,

		{StateCommittingWithPrepare, StateNone}:      true,
		{StateCommittingWithPrepare, StateCommitted}: true,
		{StateCommittingWithPrepare, StateAborted}:   true,

		{StateCommitted, StateNone}:       true,
		{StateCommitted, StateInProgress}: true,

		{StateAborted, StateNone}:       true,
		{StateAborted, StateInProgress}: true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			require.Equal(t, legal[pair{from, to}], isLegalTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

// TestValidatedTransitionsFollowTheLattice walks a legal state trace through
// the tracker with validation enabled.
func TestValidatedTransitionsFollowTheLattice(t *testing.T) {
	logger := zap.NewNop()
	tracker := stateTracker{}

	for _, next := range []State{
		StateInProgress,
		StatePrepared,
		StateCommittingWithPrepare,
		StateCommitted,
		StateInProgress,
		StateAborted,
		StateNone,
	} {
		tracker.transitionTo(logger, next, ValidateTransition)
		require.Equal(t, next, tracker.s)
	}
}

// TestRelaxedTransitionSkipsValidation verifies that relaxed validation can
// take paths the lattice forbids, as the external refresh reconciliation
// requires.
func TestRelaxedTransitionSkipsValidation(t *testing.T) {
	logger := zap.NewNop()
	tracker := stateTracker{s: StatePrepared}

	require.False(t, isLegalTransition(StatePrepared, StateCommitted))
	tracker.transitionTo(logger, StateCommitted, RelaxTransitionValidation)
	require.Equal(t, StateCommitted, tracker.s)
}

// TestInMultiDocumentTransaction pins the states that count as a live
// multi-document transaction.
func TestInMultiDocumentTransaction(t *testing.T) {
	for _, s := range allStates {
		tracker := stateTracker{s: s}
		expected := s == StateInProgress || s == StatePrepared
		require.Equal(t, expected, tracker.inMultiDocumentTransaction(), "state %s", s)
	}
}

package transaction

import "go.uber.org/zap"

// State is the lifecycle state of a participant's current transaction.
type State int

const (
	// StateNone is the initial state and the re-entry point between logical
	// transactions; it also covers retryable writes.
	StateNone State = iota
	StateInProgress
	StatePrepared
	StateCommittingWithoutPrepare
	StateCommittingWithPrepare
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "TxnState::None"
	case StateInProgress:
		return "TxnState::InProgress"
	case StatePrepared:
		return "TxnState::Prepared"
	case StateCommittingWithoutPrepare:
		return "TxnState::CommittingWithoutPrepare"
	case StateCommittingWithPrepare:
		return "TxnState::CommittingWithPrepare"
	case StateCommitted:
		return "TxnState::Committed"
	case StateAborted:
		return "TxnState::Aborted"
	default:
		return "TxnState::Unknown"
	}
}

// TransitionValidation selects whether a transition is checked against the
// legal-transition table.
type TransitionValidation int

const (
	// ValidateTransition makes an illegal transition fatal.
	ValidateTransition TransitionValidation = iota
	// RelaxTransitionValidation skips validation. Only the external refresh
	// reconciliation path may use it.
	RelaxTransitionValidation
)

// legalTransitions is the full transition lattice. Any pair not listed here
// is illegal and fatal under ValidateTransition.
var legalTransitions = map[State]map[State]bool{
	StateNone: {
		StateNone:       true,
		StateInProgress: true,
	},
	StateInProgress: {
		StateNone:                     true,
		StatePrepared:                 true,
		StateCommittingWithoutPrepare: true,
		StateAborted:                  true,
	},
	StatePrepared: {
		StateCommittingWithPrepare: true,
		StateAborted:               true,
	},
	StateCommittingWithoutPrepare: {
		StateNone:      true,
		StateCommitted: true,
		StateAborted:   true,
	},
	StateCommittingWithPrepare: {
		StateNone:      true,
		StateCommitted: true,
		StateAborted:   true,
	},
	StateCommitted: {
		StateNone:       true,
		StateInProgress: true,
	},
	StateAborted: {
		StateNone:       true,
		StateInProgress: true,
	},
}

func isLegalTransition(from, to State) bool {
	return legalTransitions[from][to]
}

// stateTracker holds the current state and enforces the lattice. It is
// embedded in the participant and guarded by the participant mutex.
type stateTracker struct {
	s State
}

// transitionTo moves to newState, terminating the process on an illegal
// transition unless validation is relaxed.
func (t *stateTracker) transitionTo(logger *zap.Logger, newState State, validation TransitionValidation) {
	if validation == ValidateTransition && !isLegalTransition(t.s, newState) {
		logger.Fatal("Illegal transaction state transition",
			zap.Stringer("currentState", t.s),
			zap.Stringer("attemptedState", newState))
	}
	t.s = newState
}

func (t *stateTracker) isInSet(states ...State) bool {
	for _, s := range states {
		if t.s == s {
			return true
		}
	}
	return false
}

// inMultiDocumentTransaction reports whether the state belongs to a live
// multi-document transaction.
func (t *stateTracker) inMultiDocumentTransaction() bool {
	return t.s == StateInProgress || t.s == StatePrepared
}

package oplog

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Allocator hands out monotonically increasing optimes, the way the WAL
// manager assigns LSNs: a single mutex guards the clock and every reservation
// advances it. A reserved slot is a hole in the oplog; readers that want a
// consistent snapshot at or beyond the hole must wait until the hole is
// filled with an entry or released.
type Allocator struct {
	logger *zap.Logger

	mu          sync.Mutex
	term        int64
	lastTs      Timestamp
	lastApplied Timestamp
	holes       map[Timestamp]struct{}
	// changed is closed and replaced whenever the set of holes or the applied
	// point moves, waking any snapshot waiters.
	changed chan struct{}
}

// NewAllocator creates an allocator primed at timestamp 1 under the given
// replication term, as if an initial entry had already been written.
func NewAllocator(term int64, logger *zap.Logger) *Allocator {
	return &Allocator{
		logger:      logger.Named("oplog_allocator"),
		term:        term,
		lastTs:      1,
		lastApplied: 1,
		holes:       make(map[Timestamp]struct{}),
		changed:     make(chan struct{}),
	}
}

// Term returns the current replication term.
func (a *Allocator) Term() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.term
}

// SetTerm installs a new replication term after an election.
func (a *Allocator) SetTerm(term int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.term = term
}

// NextOpTime reserves the next optime and records the corresponding hole.
// The caller must eventually Fill or Release the returned timestamp.
func (a *Allocator) NextOpTime() OpTime {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastTs++
	a.holes[a.lastTs] = struct{}{}
	a.logger.Debug("Reserved oplog slot", zap.Uint64("ts", uint64(a.lastTs)))
	return OpTime{Ts: a.lastTs, Term: a.term}
}

// Fill marks the slot at ts as written. Filling an unreserved timestamp is a
// no-op.
func (a *Allocator) Fill(ts Timestamp) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.holes[ts]; !ok {
		return
	}
	delete(a.holes, ts)
	if ts > a.lastApplied {
		a.lastApplied = ts
	}
	a.notifyLocked()
}

// Release abandons the reservation at ts, closing the hole without writing an
// entry. Releasing a filled or unreserved timestamp is a no-op.
func (a *Allocator) Release(ts Timestamp) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.holes[ts]; !ok {
		return
	}
	delete(a.holes, ts)
	a.logger.Debug("Released oplog slot", zap.Uint64("ts", uint64(ts)))
	a.notifyLocked()
}

// AllCommitted returns the highest timestamp with no holes at or below it.
func (a *Allocator) AllCommitted() Timestamp {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allCommittedLocked()
}

// LastApplied returns the timestamp of the newest filled slot.
func (a *Allocator) LastApplied() Timestamp {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastApplied
}

// WaitUntilVisible blocks until every slot at or below ts has been filled or
// released, or the context is done.
func (a *Allocator) WaitUntilVisible(ctx context.Context, ts Timestamp) error {
	for {
		a.mu.Lock()
		if a.allCommittedLocked() >= ts {
			a.mu.Unlock()
			return nil
		}
		ch := a.changed
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (a *Allocator) allCommittedLocked() Timestamp {
	frontier := a.lastTs
	for hole := range a.holes {
		if hole-1 < frontier {
			frontier = hole - 1
		}
	}
	return frontier
}

func (a *Allocator) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

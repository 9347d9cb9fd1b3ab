// Package concurrency provides the lock-manager handle attached to each
// operation context. A Locker tracks the thread identity, execution ticket,
// global lock state, and write-unit-of-work nesting of one logical execution
// stream, and can be detached from one goroutine and rebound to another when
// a transaction's resources are stashed between commands.
package concurrency

import (
	"context"
	"sync"
	"time"

	commonutils "github.com/sushant-115/gojodb/internal/common_utils"
)

// LockMode is the mode of a global lock request.
type LockMode int

const (
	ModeNone LockMode = iota
	ModeIS
	ModeIX
	ModeS
	ModeX
)

func (m LockMode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeX:
		return "X"
	default:
		return "NONE"
	}
}

// ClientState reports whether a locker currently holds locks on behalf of an
// operation.
type ClientState int

const (
	ClientStateInactive ClientState = iota
	ClientStateActive
)

// LockStats aggregates the lock activity of a single locker. It is copied
// out for slow-transaction logs and currentOp reporting.
type LockStats struct {
	NumAcquisitions   int64 `json:"numAcquisitions"`
	NumTicketAcquires int64 `json:"numTicketAcquires"`
	NumTicketWaits    int64 `json:"numTicketWaits"`
	WaitMicros        int64 `json:"waitMicros"`
}

// Locker is the per-operation lock-manager handle. It is not safe for
// concurrent use by multiple goroutines; custody transfers are serialized by
// the client mutex of the owning operation context.
type Locker struct {
	mu sync.Mutex

	tickets   *TicketHolder
	hasTicket bool

	threadID int64

	maxLockTimeout    time.Duration
	hasMaxLockTimeout bool

	globalLockMode LockMode
	wuowNesting    int

	stats LockStats
}

// NewLocker creates an empty locker bound to the calling goroutine, drawing
// execution tickets from tickets.
func NewLocker(tickets *TicketHolder) *Locker {
	return &Locker{
		tickets:  tickets,
		threadID: commonutils.GoID(),
	}
}

// SetMaxLockTimeout bounds every subsequent lock or ticket wait on this
// locker.
func (l *Locker) SetMaxLockTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxLockTimeout = d
	l.hasMaxLockTimeout = true
}

// UnsetMaxLockTimeout removes the wait bound.
func (l *Locker) UnsetMaxLockTimeout() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxLockTimeout = 0
	l.hasMaxLockTimeout = false
}

// MaxLockTimeout returns the configured wait bound, if any.
func (l *Locker) MaxLockTimeout() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLockTimeout, l.hasMaxLockTimeout
}

// UnsetThreadID detaches the locker from its goroutine so it can be stashed
// and later rebound elsewhere.
func (l *Locker) UnsetThreadID() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threadID = -1
}

// RebindToCurrentGoroutine attaches the locker to the calling goroutine.
func (l *Locker) RebindToCurrentGoroutine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threadID = commonutils.GoID()
}

// ThreadID returns the goroutine the locker is bound to, or -1 if detached.
func (l *Locker) ThreadID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threadID
}

// AcquireTicket takes an execution ticket if the locker does not already hold
// one, waiting at most the max lock timeout when one is set.
func (l *Locker) AcquireTicket(ctx context.Context) error {
	l.mu.Lock()
	if l.hasTicket {
		l.mu.Unlock()
		return nil
	}
	timeout, hasTimeout := l.maxLockTimeout, l.hasMaxLockTimeout
	l.mu.Unlock()

	start := time.Now()
	if err := l.tickets.acquire(ctx, timeout, hasTimeout); err != nil {
		l.mu.Lock()
		l.stats.NumTicketWaits++
		l.stats.WaitMicros += time.Since(start).Microseconds()
		l.mu.Unlock()
		return err
	}

	l.mu.Lock()
	l.hasTicket = true
	l.stats.NumTicketAcquires++
	l.stats.WaitMicros += time.Since(start).Microseconds()
	l.mu.Unlock()
	return nil
}

// ReleaseTicket returns the held ticket, if any, to the pool.
func (l *Locker) ReleaseTicket() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasTicket {
		return
	}
	l.hasTicket = false
	l.tickets.release()
}

// ReacquireTicket re-takes a ticket for a locker whose ticket was released
// while stashed. This is the only step of reinstalling stashed resources that
// can fail.
func (l *Locker) ReacquireTicket(ctx context.Context) error {
	return l.AcquireTicket(ctx)
}

// HoldsTicket reports whether the locker holds an execution ticket.
func (l *Locker) HoldsTicket() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasTicket
}

// LockGlobal acquires the global lock in the given mode, taking a ticket
// first if needed.
func (l *Locker) LockGlobal(ctx context.Context, mode LockMode) error {
	if err := l.AcquireTicket(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalLockMode = mode
	l.stats.NumAcquisitions++
	return nil
}

// UnlockGlobal releases the global lock.
func (l *Locker) UnlockGlobal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalLockMode = ModeNone
}

// ClientState reports whether the locker currently holds the global lock.
func (l *Locker) ClientState() ClientState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.globalLockMode != ModeNone {
		return ClientStateActive
	}
	return ClientStateInactive
}

// BeginWriteUnitOfWork increments the write-unit-of-work nesting level.
func (l *Locker) BeginWriteUnitOfWork() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wuowNesting++
}

// EndWriteUnitOfWork decrements the nesting level.
func (l *Locker) EndWriteUnitOfWork() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wuowNesting > 0 {
		l.wuowNesting--
	}
}

// InAWriteUnitOfWork reports whether any write unit of work is open on this
// locker.
func (l *Locker) InAWriteUnitOfWork() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wuowNesting > 0
}

// Stats returns a copy of the locker's lock statistics.
func (l *Locker) Stats() LockStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTicketAcquireRelease verifies that the ticket pool bounds admission and
// that a bounded wait times out with ErrTicketWaitTimeout.
func TestTicketAcquireRelease(t *testing.T) {
	tickets := NewTicketHolder(1)

	holder := NewLocker(tickets)
	require.NoError(t, holder.AcquireTicket(context.Background()))
	require.True(t, holder.HoldsTicket())
	require.Equal(t, 0, tickets.Available())

	// A second locker with a wait bound must time out while the pool is
	// drained.
	waiter := NewLocker(tickets)
	waiter.SetMaxLockTimeout(20 * time.Millisecond)
	err := waiter.AcquireTicket(context.Background())
	require.ErrorIs(t, err, ErrTicketWaitTimeout)

	holder.ReleaseTicket()
	require.False(t, holder.HoldsTicket())
	require.NoError(t, waiter.AcquireTicket(context.Background()))
}

// TestAcquireTicketIdempotent verifies that acquiring a held ticket does not
// drain the pool twice.
func TestAcquireTicketIdempotent(t *testing.T) {
	tickets := NewTicketHolder(2)
	l := NewLocker(tickets)

	require.NoError(t, l.AcquireTicket(context.Background()))
	require.NoError(t, l.AcquireTicket(context.Background()))
	require.Equal(t, 1, tickets.Available())
}

// TestMaxLockTimeout verifies setting and clearing the lock wait bound.
func TestMaxLockTimeout(t *testing.T) {
	l := NewLocker(NewTicketHolder(1))

	_, ok := l.MaxLockTimeout()
	require.False(t, ok)

	l.SetMaxLockTimeout(5 * time.Millisecond)
	d, ok := l.MaxLockTimeout()
	require.True(t, ok)
	require.Equal(t, 5*time.Millisecond, d)

	l.UnsetMaxLockTimeout()
	_, ok = l.MaxLockTimeout()
	require.False(t, ok)
}

// TestThreadIdentity verifies that a locker can be detached from its
// goroutine and rebound.
func TestThreadIdentity(t *testing.T) {
	l := NewLocker(NewTicketHolder(1))
	require.NotEqual(t, int64(-1), l.ThreadID())

	l.UnsetThreadID()
	require.Equal(t, int64(-1), l.ThreadID())

	l.RebindToCurrentGoroutine()
	require.NotEqual(t, int64(-1), l.ThreadID())
}

// TestWriteUnitOfWorkNesting verifies the nesting counter driving
// InAWriteUnitOfWork.
func TestWriteUnitOfWorkNesting(t *testing.T) {
	l := NewLocker(NewTicketHolder(1))
	require.False(t, l.InAWriteUnitOfWork())

	l.BeginWriteUnitOfWork()
	l.BeginWriteUnitOfWork()
	require.True(t, l.InAWriteUnitOfWork())

	l.EndWriteUnitOfWork()
	require.True(t, l.InAWriteUnitOfWork())
	l.EndWriteUnitOfWork()
	require.False(t, l.InAWriteUnitOfWork())
}

// TestGlobalLockDrivesClientState verifies that holding the global lock
// makes the locker active and records an acquisition.
func TestGlobalLockDrivesClientState(t *testing.T) {
	l := NewLocker(NewTicketHolder(1))
	require.Equal(t, ClientStateInactive, l.ClientState())

	require.NoError(t, l.LockGlobal(context.Background(), ModeIX))
	require.Equal(t, ClientStateActive, l.ClientState())
	require.Equal(t, int64(1), l.Stats().NumAcquisitions)

	l.UnlockGlobal()
	require.Equal(t, ClientStateInactive, l.ClientState())
}

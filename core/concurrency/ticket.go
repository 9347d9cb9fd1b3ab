package concurrency

import (
	"context"
	"errors"
	"time"
)

// ErrTicketWaitTimeout is returned when a ticket cannot be acquired within
// the locker's max lock timeout.
var ErrTicketWaitTimeout = errors.New("timed out waiting for an execution ticket")

// TicketHolder bounds the number of threads admitted into the storage engine
// at once. Tickets are pooled through a channel, so acquisition blocks when
// the pool is drained and release never blocks.
type TicketHolder struct {
	slots chan struct{}
}

// NewTicketHolder creates a holder with n tickets available.
func NewTicketHolder(n int) *TicketHolder {
	h := &TicketHolder{slots: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		h.slots <- struct{}{}
	}
	return h
}

// Available returns the number of tickets currently available.
func (h *TicketHolder) Available() int {
	return len(h.slots)
}

// acquire takes a ticket, waiting up to timeout if one is set (hasTimeout).
// Without a timeout it waits indefinitely, bounded only by the context; a set
// timeout of zero fails at once when no ticket is free.
func (h *TicketHolder) acquire(ctx context.Context, timeout time.Duration, hasTimeout bool) error {
	select {
	case <-h.slots:
		return nil
	default:
	}

	if hasTimeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-h.slots:
			return nil
		case <-timer.C:
			return ErrTicketWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-h.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns a ticket to the pool.
func (h *TicketHolder) release() {
	select {
	case h.slots <- struct{}{}:
	default:
		// Releasing more tickets than the pool holds indicates unbalanced
		// acquire/release pairs; drop the extra rather than block.
	}
}

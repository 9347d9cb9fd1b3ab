package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Catalog owns every live session and serializes command execution per
// session through checkout: at most one operation holds a session checked
// out at a time, while background paths (expiry sweeps, refreshes) may still
// reach the session without checkout.
type Catalog struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*catalogEntry
}

type catalogEntry struct {
	sess       *Session
	checkedOut bool
	// released is closed and replaced on every check-in, waking waiters.
	released chan struct{}
}

// NewCatalog creates an empty session catalog.
func NewCatalog(logger *zap.Logger) *Catalog {
	return &Catalog{
		logger:  logger.Named("session_catalog"),
		entries: make(map[uuid.UUID]*catalogEntry),
	}
}

// GetOrCreateSession returns the session with the given ID, creating it on
// first use.
func (c *Catalog) GetOrCreateSession(id uuid.UUID) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getOrCreateLocked(id).sess
}

func (c *Catalog) getOrCreateLocked(id uuid.UUID) *catalogEntry {
	e, ok := c.entries[id]
	if !ok {
		sess := &Session{id: id, activeTxnNumber: UninitializedTxnNumber}
		e = &catalogEntry{sess: sess, released: make(chan struct{})}
		c.entries[id] = e
		c.logger.Debug("Created session", zap.String("lsid", id.String()))
	}
	return e
}

// CheckOutSession checks the session out for exclusive command execution,
// waiting until any current holder checks it back in or ctx is done.
func (c *Catalog) CheckOutSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	for {
		c.mu.Lock()
		e := c.getOrCreateLocked(id)
		if !e.checkedOut {
			e.checkedOut = true
			c.mu.Unlock()
			return e.sess, nil
		}
		ch := e.released
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// CheckInSession returns a checked-out session to the catalog.
func (c *Catalog) CheckInSession(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || !e.checkedOut {
		return
	}
	e.checkedOut = false
	close(e.released)
	e.released = make(chan struct{})
}

// Range calls f for every session until f returns false. Sessions are
// visited without checkout; callers must tolerate concurrent mutation.
func (c *Catalog) Range(f func(*Session) bool) {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.entries))
	for _, e := range c.entries {
		sessions = append(sessions, e.sess)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if !f(s) {
			return
		}
	}
}

// Len returns the number of live sessions.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

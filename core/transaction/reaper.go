package transaction

import (
	"sync"
	"time"

	"github.com/sushant-115/gojodb/core/session"
	"go.uber.org/zap"
)

// Reaper is the background sweeper that aborts expired transactions. It
// walks the session catalog without checking sessions out, so participants
// must tolerate it running concurrently with command execution.
type Reaper struct {
	catalog  *session.Catalog
	registry *Registry
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewReaper creates a reaper sweeping every interval.
func NewReaper(catalog *session.Catalog, registry *Registry, interval time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{
		catalog:  catalog,
		registry: registry,
		interval: interval,
		logger:   logger.Named("txn_reaper"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop shuts the sweep loop down and waits for it to exit.
func (r *Reaper) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Transaction reaper stopping.")
			return
		case <-ticker.C:
			r.SweepOnce()
		}
	}
}

// SweepOnce aborts every expired in-progress transaction. Prepared
// transactions are never expired.
func (r *Reaper) SweepOnce() {
	r.catalog.Range(func(s *session.Session) bool {
		r.registry.ForSession(s).AbortArbitraryTransactionIfExpired()
		return true
	})
}

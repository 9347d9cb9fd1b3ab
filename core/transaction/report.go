package transaction

import (
	"os"
	"sync"
	"time"

	"github.com/sushant-115/gojodb/core/concurrency"
	"github.com/sushant-115/gojodb/core/replication/readconcern"
)

var (
	hostNameOnce   sync.Once
	cachedHostName string
)

func hostName() string {
	hostNameOnce.Do(func() {
		name, err := os.Hostname()
		if err != nil {
			name = "unknown"
		}
		cachedHostName = name
	})
	return cachedHostName
}

// TransactionStatsReport is the transaction sub-document of a currentOp
// entry.
type TransactionStatsReport struct {
	TxnNumber          int64  `json:"txnNumber"`
	Autocommit         bool   `json:"autocommit"`
	ReadConcern        string `json:"readConcern"`
	ReadTimestamp      uint64 `json:"readTimestamp"`
	TimeActiveMicros   int64  `json:"timeActiveMicros"`
	TimeInactiveMicros int64  `json:"timeInactiveMicros"`
	DurationMicros     int64  `json:"durationMicros"`
}

// StashedStateReport describes an inactive (stashed) transaction for
// currentOp readers.
type StashedStateReport struct {
	Host           string                 `json:"host"`
	Desc           string                 `json:"desc"`
	Client         ClientInfo             `json:"clientInfo"`
	LSID           string                 `json:"lsid"`
	Transaction    TransactionStatsReport `json:"transaction"`
	WaitingForLock bool                   `json:"waitingForLock"`
	Active         bool                   `json:"active"`
	LockStats      concurrency.LockStats  `json:"lockStats"`
}

// UnstashedStateReport describes a transaction that is active, ended, or a
// retryable write.
type UnstashedStateReport struct {
	Transaction TransactionStatsReport `json:"transaction"`
}

// ReportStashedState returns a currentOp-style report of the stashed
// transaction, or nil when nothing is stashed.
func (p *Participant) ReportStashedState() *StashedStateReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stash == nil {
		return nil
	}

	p.metricsMu.Lock()
	stats := p.metricsObserver.Stats()
	p.metricsMu.Unlock()

	return &StashedStateReport{
		Host:           hostName(),
		Desc:           "inactive transaction",
		Client:         stats.LastClientInfo(),
		LSID:           p.session.ID().String(),
		Transaction:    p.transactionStatsReport(&stats, p.stash.ReadConcern()),
		WaitingForLock: false,
		Active:         false,
		LockStats:      p.stash.Locker().Stats(),
	}
}

// ReportUnstashedState returns the transaction stats of a transaction that
// is not stashed. It takes only the metrics mutex, so callers holding the
// client mutex (as currentOp does) cannot deadlock against the participant
// mutex. Returns nil while the transaction is inactive, since its stats are
// covered by ReportStashedState.
func (p *Participant) ReportUnstashedState(rc readconcern.Args) *UnstashedStateReport {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()

	stats := p.metricsObserver.Stats()
	if stats.IsForMultiDocumentTransaction() && !stats.IsActive() && !stats.IsEnded() {
		return nil
	}
	return &UnstashedStateReport{Transaction: p.transactionStatsReport(&stats, rc)}
}

func (p *Participant) transactionStatsReport(stats *SingleTransactionStats, rc readconcern.Args) TransactionStatsReport {
	now := time.Now()
	return TransactionStatsReport{
		TxnNumber:          stats.TxnNumber(),
		Autocommit:         !stats.IsForMultiDocumentTransaction(),
		ReadConcern:        rc.String(),
		ReadTimestamp:      uint64(stats.ReadTimestamp()),
		TimeActiveMicros:   stats.TimeActive(now).Microseconds(),
		TimeInactiveMicros: stats.TimeInactive(now).Microseconds(),
		DurationMicros:     stats.Duration(now).Microseconds(),
	}
}

package transaction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sushant-115/gojodb/core/operation"
	"github.com/sushant-115/gojodb/core/replication/oplog"
)

// ServerTransactionsMetrics aggregates transaction activity across all
// sessions as Prometheus collectors.
type ServerTransactionsMetrics struct {
	TotalStarted   prometheus.Counter
	TotalCommitted prometheus.Counter
	TotalAborted   prometheus.Counter
	TotalPrepared  prometheus.Counter

	CurrentOpen     prometheus.Gauge
	CurrentActive   prometheus.Gauge
	CurrentInactive prometheus.Gauge
}

// NewServerTransactionsMetrics registers the transaction collectors with reg.
func NewServerTransactionsMetrics(reg prometheus.Registerer) *ServerTransactionsMetrics {
	factory := promauto.With(reg)
	return &ServerTransactionsMetrics{
		TotalStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gojodb_transactions_started_total",
			Help: "Total number of multi-document transactions started.",
		}),
		TotalCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gojodb_transactions_committed_total",
			Help: "Total number of multi-document transactions committed.",
		}),
		TotalAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gojodb_transactions_aborted_total",
			Help: "Total number of multi-document transactions aborted.",
		}),
		TotalPrepared: factory.NewCounter(prometheus.CounterOpts{
			Name: "gojodb_transactions_prepared_total",
			Help: "Total number of multi-document transactions prepared.",
		}),
		CurrentOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gojodb_transactions_current_open",
			Help: "Number of multi-document transactions currently open.",
		}),
		CurrentActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gojodb_transactions_current_active",
			Help: "Number of open transactions with resources on an operation context.",
		}),
		CurrentInactive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gojodb_transactions_current_inactive",
			Help: "Number of open transactions whose resources are stashed.",
		}),
	}
}

// ClientInfo is a snapshot of the client a transaction last ran on, kept for
// currentOp reporting after the operation has detached.
type ClientInfo struct {
	Desc         string `json:"desc"`
	HostAndPort  string `json:"client"`
	ConnectionID int64  `json:"connectionId"`
	AppName      string `json:"appName"`
}

// SingleTransactionStats tracks timing and identity for the participant's
// current transaction. Guarded by the participant's metrics mutex.
type SingleTransactionStats struct {
	txnNumber int64

	forMultiDocumentTxn bool
	autoCommit          bool

	startTime  time.Time
	expireDate time.Time
	endTime    time.Time

	readTimestamp oplog.Timestamp

	active          bool
	lastActiveStart time.Time
	timeActive      time.Duration

	lastClientInfo ClientInfo
}

// IsForMultiDocumentTransaction reports whether the stats describe a
// multi-document transaction rather than a retryable write.
func (s *SingleTransactionStats) IsForMultiDocumentTransaction() bool {
	return s.forMultiDocumentTxn
}

// IsActive reports whether the transaction currently holds its resources on
// an operation context.
func (s *SingleTransactionStats) IsActive() bool {
	return s.active
}

// IsEnded reports whether the transaction reached a terminal state.
func (s *SingleTransactionStats) IsEnded() bool {
	return !s.endTime.IsZero()
}

// TxnNumber returns the transaction number the stats describe.
func (s *SingleTransactionStats) TxnNumber() int64 {
	return s.txnNumber
}

// ReadTimestamp returns the chosen point-in-time read timestamp.
func (s *SingleTransactionStats) ReadTimestamp() oplog.Timestamp {
	return s.readTimestamp
}

// Duration returns how long the transaction has existed, up to its end time
// if it has one.
func (s *SingleTransactionStats) Duration(now time.Time) time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	end := now
	if !s.endTime.IsZero() {
		end = s.endTime
	}
	return end.Sub(s.startTime)
}

// TimeActive returns the cumulative time the transaction held its resources.
func (s *SingleTransactionStats) TimeActive(now time.Time) time.Duration {
	d := s.timeActive
	if s.active {
		d += now.Sub(s.lastActiveStart)
	}
	return d
}

// TimeInactive returns the cumulative time the transaction spent stashed.
func (s *SingleTransactionStats) TimeInactive(now time.Time) time.Duration {
	return s.Duration(now) - s.TimeActive(now)
}

// LastClientInfo returns the client snapshot from the most recent operation.
func (s *SingleTransactionStats) LastClientInfo() ClientInfo {
	return s.lastClientInfo
}

// MetricsObserver is the per-participant sink for transaction state events.
// It keeps the single-transaction stats and forwards to the server-wide
// collectors. All methods are called with the metrics mutex held.
type MetricsObserver struct {
	stats SingleTransactionStats
}

// OnStart records a new multi-document transaction.
func (o *MetricsObserver) OnStart(sm *ServerTransactionsMetrics, autoCommit bool, now, expireDate time.Time) {
	o.stats.forMultiDocumentTxn = true
	o.stats.autoCommit = autoCommit
	o.stats.startTime = now
	o.stats.expireDate = expireDate
	o.stats.active = true
	o.stats.lastActiveStart = now

	sm.TotalStarted.Inc()
	sm.CurrentOpen.Inc()
	sm.CurrentActive.Inc()
}

// OnStash records the transaction's resources moving into the stash.
func (o *MetricsObserver) OnStash(sm *ServerTransactionsMetrics, now time.Time) {
	if o.stats.active {
		o.stats.timeActive += now.Sub(o.stats.lastActiveStart)
		o.stats.active = false
	}
	sm.CurrentActive.Dec()
	sm.CurrentInactive.Inc()
}

// OnUnstash records the transaction's resources moving back onto an
// operation context.
func (o *MetricsObserver) OnUnstash(sm *ServerTransactionsMetrics, now time.Time) {
	if !o.stats.active {
		o.stats.active = true
		o.stats.lastActiveStart = now
		sm.CurrentActive.Inc()
		sm.CurrentInactive.Dec()
	}
}

// OnPrepare records the transaction entering the prepared state.
func (o *MetricsObserver) OnPrepare(sm *ServerTransactionsMetrics, prepareTs oplog.Timestamp) {
	sm.TotalPrepared.Inc()
}

// OnCommit records a committed transaction.
func (o *MetricsObserver) OnCommit(sm *ServerTransactionsMetrics, now time.Time, oldestOplogEntryTs oplog.Timestamp) {
	o.end(now)
	sm.TotalCommitted.Inc()
	sm.CurrentOpen.Dec()
	sm.CurrentActive.Dec()
}

// OnAbortActive records an abort of a transaction whose resources were on an
// operation context.
func (o *MetricsObserver) OnAbortActive(sm *ServerTransactionsMetrics, now time.Time, oldestOplogEntryTs oplog.Timestamp) {
	o.end(now)
	sm.TotalAborted.Inc()
	sm.CurrentOpen.Dec()
	sm.CurrentActive.Dec()
}

// OnAbortInactive records an abort of a stashed transaction.
func (o *MetricsObserver) OnAbortInactive(sm *ServerTransactionsMetrics, now time.Time, oldestOplogEntryTs oplog.Timestamp) {
	o.end(now)
	sm.TotalAborted.Inc()
	sm.CurrentOpen.Dec()
	sm.CurrentInactive.Dec()
}

// OnChooseReadTimestamp records the speculative read timestamp.
func (o *MetricsObserver) OnChooseReadTimestamp(ts oplog.Timestamp) {
	o.stats.readTimestamp = ts
}

// OnTransactionOperation snapshots the client an operation ran on.
func (o *MetricsObserver) OnTransactionOperation(client *operation.Client) {
	o.stats.lastClientInfo = ClientInfo{
		Desc:         client.Desc(),
		HostAndPort:  client.HostAndPort(),
		ConnectionID: client.ConnectionID(),
		AppName:      client.AppName(),
	}
}

// ResetSingleTransactionStats starts a fresh stats window for a new
// transaction number.
func (o *MetricsObserver) ResetSingleTransactionStats(txnNumber int64) {
	o.stats = SingleTransactionStats{txnNumber: txnNumber}
}

// Stats returns a copy of the single-transaction stats.
func (o *MetricsObserver) Stats() SingleTransactionStats {
	return o.stats
}

func (o *MetricsObserver) end(now time.Time) {
	if o.stats.active {
		o.stats.timeActive += now.Sub(o.stats.lastActiveStart)
		o.stats.active = false
	}
	o.stats.endTime = now
}

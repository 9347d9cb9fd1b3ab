package transaction

import (
	"sync/atomic"
	"time"
)

// ClusterRole describes how this node participates in a sharded cluster.
// Only router-facing nodes may restart a transaction at its active number.
type ClusterRole int32

const (
	ClusterRoleNone ClusterRole = iota
	ClusterRoleShardServer
	ClusterRoleConfigServer
)

const (
	// defaultMaxTransactionLockRequestTimeoutMillis keeps transaction lock
	// waits short to avoid deadlocks while still letting fast metadata
	// operations run without aborting transactions.
	defaultMaxTransactionLockRequestTimeoutMillis = 5

	// defaultTransactionLifetimeLimitSeconds bounds how long an in-progress
	// transaction may live before the expiry sweeper aborts it, preempting
	// storage cache pressure from immobilizing the system.
	defaultTransactionLifetimeLimitSeconds = 60

	// defaultSlowTransactionThresholdMillis is the duration above which a
	// terminated transaction is logged.
	defaultSlowTransactionThresholdMillis = 100
)

// ServerParameters are the server-global tunables of the transaction
// subsystem. All fields are atomics so concurrent readers never contend.
type ServerParameters struct {
	maxTransactionLockRequestTimeoutMillis atomic.Int64
	transactionLifetimeLimitSeconds        atomic.Int64
	slowTransactionThresholdMillis         atomic.Int64
	testCommandsEnabled                    atomic.Bool
	clusterRole                            atomic.Int32
}

// NewServerParameters returns parameters at their defaults.
func NewServerParameters() *ServerParameters {
	p := &ServerParameters{}
	p.maxTransactionLockRequestTimeoutMillis.Store(defaultMaxTransactionLockRequestTimeoutMillis)
	p.transactionLifetimeLimitSeconds.Store(defaultTransactionLifetimeLimitSeconds)
	p.slowTransactionThresholdMillis.Store(defaultSlowTransactionThresholdMillis)
	return p
}

// MaxTransactionLockRequestTimeout returns the lock wait bound applied to
// operations running under a transaction. The second return is false when
// the parameter is negative, which disables the bound.
func (p *ServerParameters) MaxTransactionLockRequestTimeout() (time.Duration, bool) {
	millis := p.maxTransactionLockRequestTimeoutMillis.Load()
	if millis < 0 {
		return 0, false
	}
	return time.Duration(millis) * time.Millisecond, true
}

// SetMaxTransactionLockRequestTimeoutMillis sets the lock wait bound. A
// negative value disables it.
func (p *ServerParameters) SetMaxTransactionLockRequestTimeoutMillis(millis int64) {
	p.maxTransactionLockRequestTimeoutMillis.Store(millis)
}

// TransactionLifetimeLimit returns the lifetime granted to each transaction.
func (p *ServerParameters) TransactionLifetimeLimit() time.Duration {
	return time.Duration(p.transactionLifetimeLimitSeconds.Load()) * time.Second
}

// SetTransactionLifetimeLimitSeconds sets the transaction lifetime. Values
// below one second are rejected.
func (p *ServerParameters) SetTransactionLifetimeLimitSeconds(seconds int64) error {
	if seconds < 1 {
		return Errorf(CodeBadValue, "transactionLifetimeLimitSeconds must be greater than or equal to 1s")
	}
	p.transactionLifetimeLimitSeconds.Store(seconds)
	return nil
}

// SlowTransactionThreshold returns the duration above which terminated
// transactions are logged.
func (p *ServerParameters) SlowTransactionThreshold() time.Duration {
	return time.Duration(p.slowTransactionThresholdMillis.Load()) * time.Millisecond
}

// SetSlowTransactionThresholdMillis sets the slow-transaction threshold.
func (p *ServerParameters) SetSlowTransactionThresholdMillis(millis int64) {
	p.slowTransactionThresholdMillis.Store(millis)
}

// TestCommandsEnabled reports whether test-only commands are allowed in
// transactions.
func (p *ServerParameters) TestCommandsEnabled() bool {
	return p.testCommandsEnabled.Load()
}

// SetTestCommandsEnabled toggles test-only commands.
func (p *ServerParameters) SetTestCommandsEnabled(enabled bool) {
	p.testCommandsEnabled.Store(enabled)
}

// ClusterRole returns the node's role in a sharded cluster.
func (p *ServerParameters) ClusterRole() ClusterRole {
	return ClusterRole(p.clusterRole.Load())
}

// SetClusterRole sets the node's role in a sharded cluster.
func (p *ServerParameters) SetClusterRole(role ClusterRole) {
	p.clusterRole.Store(int32(role))
}

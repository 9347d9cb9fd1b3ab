package transaction

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sushant-115/gojodb/core/concurrency"
	"github.com/sushant-115/gojodb/core/replication/oplog"
	"github.com/sushant-115/gojodb/core/session"
	"github.com/sushant-115/gojodb/core/storage_engine/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Environment bundles the process-wide collaborators every participant
// needs: the storage engine, the oplog allocator, the op-observer, the
// server parameters, metrics, and logging.
type Environment struct {
	Logger   *zap.Logger
	Params   *ServerParameters
	Engine   storage.Engine
	Oplog    *oplog.Allocator
	Observer OpObserver
	Metrics  *ServerTransactionsMetrics
	Tickets  *concurrency.TicketHolder

	// SlowLogLimiter bounds how often slow-transaction log lines are
	// emitted. A nil limiter is replaced with one burst per second.
	SlowLogLimiter *rate.Limiter
}

// Registry hands out the participant attached to each session, creating it
// on first use. Participants live as long as their session.
type Registry struct {
	env *Environment

	mu           sync.Mutex
	participants map[*session.Session]*Participant
}

// NewRegistry creates a registry over env, filling in defaulted fields.
func NewRegistry(env *Environment) *Registry {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Params == nil {
		env.Params = NewServerParameters()
	}
	if env.Metrics == nil {
		env.Metrics = NewServerTransactionsMetrics(prometheus.DefaultRegisterer)
	}
	if env.Tickets == nil {
		env.Tickets = concurrency.NewTicketHolder(128)
	}
	if env.SlowLogLimiter == nil {
		env.SlowLogLimiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	return &Registry{
		env:          env,
		participants: make(map[*session.Session]*Participant),
	}
}

// ForSession returns the participant attached to sess, creating it on first
// access.
func (r *Registry) ForSession(sess *session.Session) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[sess]
	if !ok {
		p = newParticipant(r.env, sess)
		r.participants[sess] = p
	}
	return p
}

// Environment returns the registry's environment.
func (r *Registry) Environment() *Environment {
	return r.env
}

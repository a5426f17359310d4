// Package leaderelection decides which pixlewatch instance fires schedule
// timers when several instances share one database.
//
// Leadership is a Postgres session-scoped advisory lock held on a dedicated
// connection. There is no TTL: the lock lives as long as the session. If the
// session dies, Postgres releases the lock server-side; the heartbeat only
// detects local connection death so the leader can stand down promptly.
//
// Every instance serves the API and runs manual triggers. Only the leader
// arms timers, so each cron occurrence produces one run across the fleet.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"sync/atomic"
	"time"
)

const (
	queryTryLock = "SELECT pg_try_advisory_lock($1)"
	queryUnlock  = "SELECT pg_advisory_unlock($1)"
)

// Reasons passed to MetricsSink.LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// Duties are started when this instance becomes leader and stopped when it
// stops being leader.
type Duties interface {
	// Promote runs synchronously after the lock is acquired and must return
	// promptly. ctx is cancelled when leadership ends.
	Promote(ctx context.Context)
	// Demote blocks until leader duties have stopped. It must be idempotent.
	Demote()
}

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Config holds elector configuration.
type Config struct {
	// LockKey identifies the advisory lock. All instances of one deployment
	// must use the same key.
	LockKey int64

	// RetryInterval is how often a follower retries acquisition.
	// Default: 5 seconds.
	RetryInterval time.Duration

	// HeartbeatInterval is how often the leader pings its connection.
	// Default: 2 seconds.
	HeartbeatInterval time.Duration

	// UnlockTimeout bounds the explicit unlock on stand-down.
	// Default: 5 seconds.
	UnlockTimeout time.Duration
}

// DefaultConfig returns the default elector configuration.
func DefaultConfig() Config {
	return Config{
		LockKey:           728379,
		RetryInterval:     5 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		UnlockTimeout:     5 * time.Second,
	}
}

// Elector runs the acquire/hold/release loop.
type Elector struct {
	db      *sql.DB
	config  Config
	duties  Duties
	metrics MetricsSink // optional, nil = disabled
	leader  atomic.Bool
}

// New creates an Elector. Zero durations in config fall back to defaults.
func New(db *sql.DB, config Config, duties Duties) *Elector {
	def := DefaultConfig()
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.UnlockTimeout <= 0 {
		config.UnlockTimeout = def.UnlockTimeout
	}
	return &Elector{
		db:     db,
		config: config,
		duties: duties,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run blocks until ctx is cancelled, alternating between follower and
// leader. Duties are demoted before Run returns.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: election loop started lock_key=%d retry=%s heartbeat=%s",
		e.config.LockKey, e.config.RetryInterval, e.config.HeartbeatInterval)
	defer log.Println("leader: election loop stopped")

	for {
		if reason := e.term(ctx); reason != "" && ctx.Err() == nil {
			log.Printf("leader: stood down reason=%s retry_in=%s", reason, e.config.RetryInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// term makes one acquisition attempt and, on success, holds leadership until
// it ends. Returns the reason leadership ended, or "" if it was never held.
func (e *Elector) term(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("leader: dedicated connection unavailable: %v", err)
		}
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, queryTryLock, e.config.LockKey).Scan(&acquired); err != nil {
		if ctx.Err() == nil {
			log.Printf("leader: lock attempt failed: %v", err)
		}
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leader: acquired lock_key=%d", e.config.LockKey)
	e.leader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	termCtx, endTerm := context.WithCancel(ctx)
	e.duties.Promote(termCtx)

	reason := e.hold(ctx, conn)

	endTerm()
	e.duties.Demote()
	e.leader.Store(false)

	// A live session keeps the lock after the connection returns to the pool.
	if reason != ReasonConnLost {
		e.unlock(ctx, conn)
	}

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	return reason
}

// hold pings the dedicated connection until ctx ends or a ping fails.
func (e *Elector) hold(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				log.Printf("leader: heartbeat failed: %v", err)
				return ReasonConnLost
			}
		}
	}
}

func (e *Elector) unlock(ctx context.Context, conn *sql.Conn) {
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.UnlockTimeout)
	defer cancel()

	var released bool
	if err := conn.QueryRowContext(unlockCtx, queryUnlock, e.config.LockKey).Scan(&released); err != nil {
		log.Printf("leader: unlock failed lock_key=%d: %v", e.config.LockKey, err)
		return
	}
	if !released {
		log.Printf("leader: unlock found no lock held lock_key=%d", e.config.LockKey)
		return
	}
	log.Printf("leader: released lock_key=%d", e.config.LockKey)
}

// Package tenant multiplexes scarce database connections across tenants.
// Each tenant's connection string maps to one pool; pools are cached
// process-wide with TTL eviction (see Registry). Pool admission and release
// are an owned policy on top of puddle's resource lifecycle rather than a
// patch of any pooling library's internals.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"

	"github.com/SEESAI/supabase-storage/internal/errs"
	"github.com/SEESAI/supabase-storage/internal/metrics"
)

// Profile selects pool tuning.
type Profile string

const (
	// ProfileExternal is for connections proxied through an upstream pooling
	// layer: idle connections are returned quickly since the upstream layer
	// already bounds the total.
	ProfileExternal Profile = "external"
	// ProfileInternal disables idle reaping; the pool persists until the
	// registry TTL evicts it.
	ProfileInternal Profile = "internal"
)

// PoolConfig tunes one tenant pool.
type PoolConfig struct {
	ConnString     string
	MaxConns       int
	AcquireTimeout time.Duration
	Profile        Profile
	SearchPath     string
	// IdleReapAfter applies to the external profile only: connections idle
	// at least this long are destroyed during the post-release idle check.
	IdleReapAfter time.Duration
}

const (
	defaultMaxConns       = 10
	defaultAcquireTimeout = 5 * time.Second
	defaultIdleReapAfter  = 500 * time.Millisecond
)

// Pool is one tenant's connection pool. Admission runs through an owned
// semaphore so acquisition queueing, timeouts and the release-time idle
// check are all first-class policy here.
type Pool struct {
	cfg   PoolConfig
	inner *puddle.Pool[*pgx.Conn]
	sem   chan struct{}

	// runTx is the per-attempt transaction runner; tests substitute it.
	runTx func(ctx context.Context, fn func(pgx.Tx) error) error
}

// NewPool creates a pool for connString. Connections are established lazily
// on first acquisition.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.IdleReapAfter <= 0 {
		cfg.IdleReapAfter = defaultIdleReapAfter
	}

	connCfg, err := pgx.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	inner, err := puddle.NewPool(&puddle.Config[*pgx.Conn]{
		Constructor: func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.ConnectConfig(ctx, connCfg)
		},
		Destructor: func(conn *pgx.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = conn.Close(ctx)
		},
		MaxSize: int32(cfg.MaxConns),
	})
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	p := &Pool{
		cfg:   cfg,
		inner: inner,
		sem:   make(chan struct{}, cfg.MaxConns),
	}
	p.runTx = p.runTransaction
	return p, nil
}

// acquire admits the caller through the semaphore (queued up to
// AcquireTimeout) and hands out a live connection.
func (p *Pool) acquire(ctx context.Context) (*puddle.Resource[*pgx.Conn], error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-timer.C:
		metrics.RecordPoolAcquire(false)
		return nil, fmt.Errorf("acquire connection: %w", errs.ErrDatabaseTimeout)
	case <-ctx.Done():
		metrics.RecordPoolAcquire(false)
		return nil, fmt.Errorf("acquire connection: %w", ctx.Err())
	}

	for {
		res, err := p.inner.Acquire(ctx)
		if err != nil {
			<-p.sem
			metrics.RecordPoolAcquire(false)
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
		if res.Value().IsClosed() {
			res.Destroy()
			continue
		}
		metrics.RecordPoolAcquire(true)
		return res, nil
	}
}

// release returns the connection and runs the idle check BEFORE freeing the
// semaphore slot, so a waiting caller never reacquires a resource the check
// would have destroyed. This ordering is the owned replacement for the
// pooling library's immediate-reacquire default.
func (p *Pool) release(res *puddle.Resource[*pgx.Conn], broken bool) {
	if broken || res.Value().IsClosed() {
		res.Destroy()
	} else {
		res.Release()
	}
	if p.cfg.Profile == ProfileExternal {
		p.reapIdle()
	}
	<-p.sem
}

// reapIdle destroys connections that have sat idle past the reap deadline.
func (p *Pool) reapIdle() {
	for _, res := range p.inner.AcquireAllIdle() {
		if res.IdleDuration() >= p.cfg.IdleReapAfter {
			res.Destroy()
			continue
		}
		res.Release()
	}
}

// Stat reports pool occupancy.
func (p *Pool) Stat() (total, idle int) {
	s := p.inner.Stat()
	return int(s.TotalResources()), int(s.IdleResources())
}

// Close destroys the pool, waiting for in-use connections to be released.
func (p *Pool) Close() error {
	p.inner.Close()
	return nil
}

// isTooManyConnections reports the single transient error class retried
// during transaction acquisition: upstream connection exhaustion.
func isTooManyConnections(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "53300" {
		return true
	}
	// Upstream poolers report exhaustion as plain text.
	msg := err.Error()
	return strings.Contains(msg, "too many connections") ||
		strings.Contains(msg, "no more connections allowed")
}

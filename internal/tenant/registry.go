package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SEESAI/supabase-storage/internal/logging"
	"github.com/SEESAI/supabase-storage/internal/metrics"
)

// Registry caches live pools keyed by connection string, evicting them after
// TTL inactivity. It is owned by the service root and injected into callers;
// there is no ambient global.
type Registry struct {
	mu      sync.Mutex
	pools   map[string]*registryEntry
	ttl     time.Duration
	base    PoolConfig
	newPool func(PoolConfig) (*Pool, error)
	now     func() time.Time
}

type registryEntry struct {
	pool       *Pool
	lastAccess time.Time
}

// NewRegistry creates a pool registry. base supplies the tuning shared by
// every tenant pool (the connection string is overridden per tenant).
func NewRegistry(base PoolConfig, ttl time.Duration) *Registry {
	return &Registry{
		pools:   make(map[string]*registryEntry),
		ttl:     ttl,
		base:    base,
		newPool: NewPool,
		now:     time.Now,
	}
}

// Get returns the pool for connString, creating it lazily. Every access
// refreshes the TTL.
func (r *Registry) Get(connString string) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.pools[connString]; ok {
		entry.lastAccess = r.now()
		return entry.pool, nil
	}

	cfg := r.base
	cfg.ConnString = connString
	pool, err := r.newPool(cfg)
	if err != nil {
		return nil, err
	}
	r.pools[connString] = &registryEntry{pool: pool, lastAccess: r.now()}
	metrics.SetPoolsActive(len(r.pools))
	return pool, nil
}

// EvictExpired destroys every pool idle past the TTL. Destruction failures
// are logged, never raised.
func (r *Registry) EvictExpired() {
	r.mu.Lock()
	var victims []*Pool
	cutoff := r.now().Add(-r.ttl)
	for connString, entry := range r.pools {
		if entry.lastAccess.Before(cutoff) {
			victims = append(victims, entry.pool)
			delete(r.pools, connString)
		}
	}
	metrics.SetPoolsActive(len(r.pools))
	r.mu.Unlock()

	for _, pool := range victims {
		if err := pool.Close(); err != nil {
			logging.Error("failed to destroy evicted tenant pool", zap.Error(err))
		}
	}
}

// StartJanitor runs TTL eviction periodically until ctx is cancelled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.EvictExpired()
			}
		}
	}()
}

// Shutdown destroys every cached pool and reports aggregated (not
// fail-fast) results.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for connString, entry := range r.pools {
		pools = append(pools, entry.pool)
		delete(r.pools, connString)
	}
	metrics.SetPoolsActive(0)
	r.mu.Unlock()

	var errs []error
	for _, pool := range pools {
		if err := pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of live pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

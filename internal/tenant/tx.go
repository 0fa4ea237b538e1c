package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/SEESAI/supabase-storage/internal/errs"
	"github.com/SEESAI/supabase-storage/internal/metrics"
)

const (
	// Transient "too many connections" retries are bounded by both an
	// attempt count and a wall-clock budget.
	txRetryAttempts = 10
	txRetryBudget   = 3 * time.Second
	txRetryBackoff  = 250 * time.Millisecond
)

// Transaction opens a transaction on the pool, runs fn, and commits. Only
// upstream connection exhaustion is retried, with a fixed short backoff
// inside a bounded attempt/time budget; every other error aborts
// immediately.
func (p *Pool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	deadline := time.Now().Add(txRetryBudget)

	var err error
	for attempt := 1; attempt <= txRetryAttempts; attempt++ {
		err = p.runTx(ctx, fn)
		if err == nil || !isTooManyConnections(err) {
			return err
		}
		if attempt == txRetryAttempts || time.Now().Add(txRetryBackoff).After(deadline) {
			break
		}
		metrics.RecordTransactionRetry()
		select {
		case <-ctx.Done():
			return fmt.Errorf("open transaction: %w", ctx.Err())
		case <-time.After(txRetryBackoff):
		}
	}
	return err
}

func (p *Pool) runTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	res, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	broken := false
	defer func() { p.release(res, broken) }()

	conn := res.Value()
	tx, err := conn.Begin(ctx)
	if err != nil {
		broken = true
		return &errs.DatabaseError{Op: "begin", Err: err}
	}

	if p.cfg.Profile == ProfileExternal && p.cfg.SearchPath != "" {
		// The fronting pooler does not preserve session state across
		// borrows, so the search path is reset at every transaction start.
		if _, err := tx.Exec(ctx, "SET search_path TO "+p.cfg.SearchPath); err != nil {
			_ = tx.Rollback(ctx)
			return &errs.DatabaseError{Op: "set search_path", Err: err}
		}
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			broken = true
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if !errors.Is(err, pgx.ErrTxClosed) {
			broken = true
		}
		return commitError(err)
	}
	return nil
}

// commitError maps commit failures onto the database error taxonomy. A
// transaction object claiming it already completed when the commit never ran
// is surfaced rather than allowed to masquerade as success.
func commitError(err error) error {
	if errors.Is(err, pgx.ErrTxClosed) {
		return &errs.DatabaseError{Op: "commit", Err: fmt.Errorf("transaction reported complete prematurely: %w", err)}
	}
	return &errs.DatabaseError{Op: "commit", Err: err}
}

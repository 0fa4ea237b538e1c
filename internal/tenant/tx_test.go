package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SEESAI/supabase-storage/internal/errs"
)

// retryPool builds a Pool whose per-attempt runner is replaced, for
// exercising the retry loop without a database.
func retryPool(run func(context.Context, func(pgx.Tx) error) error) *Pool {
	p := &Pool{sem: make(chan struct{}, 1)}
	p.runTx = run
	return p
}

func TestTransactionRetriesConnectionExhaustion(t *testing.T) {
	attempts := 0
	p := retryPool(func(context.Context, func(pgx.Tx) error) error {
		attempts++
		return fmt.Errorf("begin: %w", &pgconn.PgError{Code: "53300", Message: "too many clients"})
	})

	start := time.Now()
	err := p.Transaction(context.Background(), func(pgx.Tx) error { return nil })
	if err == nil {
		t.Fatal("persistent exhaustion should surface after the retry budget")
	}
	if !isTooManyConnections(err) {
		t.Fatalf("err = %v, want the exhaustion error re-raised", err)
	}
	if attempts != txRetryAttempts {
		t.Errorf("attempts = %d, want %d", attempts, txRetryAttempts)
	}
	if elapsed := time.Since(start); elapsed > txRetryBudget {
		t.Errorf("retrying took %s, past the %s budget", elapsed, txRetryBudget)
	}
}

func TestTransactionRetrySucceedsWithinBudget(t *testing.T) {
	attempts := 0
	p := retryPool(func(context.Context, func(pgx.Tx) error) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "53300", Message: "too many clients"}
		}
		return nil
	})

	if err := p.Transaction(context.Background(), func(pgx.Tx) error { return nil }); err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestTransactionDoesNotRetryOtherErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"lock timeout", fmt.Errorf("lock: %w", errs.ErrLockTimeout)},
		{"policy denial", &pgconn.PgError{Code: "42501", Message: "permission denied"}},
		{"plain failure", errors.New("connection reset by peer")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			attempts := 0
			p := retryPool(func(context.Context, func(pgx.Tx) error) error {
				attempts++
				return c.err
			})

			err := p.Transaction(context.Background(), func(pgx.Tx) error { return nil })
			if !errors.Is(err, c.err) && err != c.err {
				t.Fatalf("err = %v, want %v re-raised", err, c.err)
			}
			if attempts != 1 {
				t.Errorf("attempts = %d, want 1", attempts)
			}
		})
	}
}

func TestTransactionRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retryPool(func(context.Context, func(pgx.Tx) error) error {
		cancel()
		return &pgconn.PgError{Code: "53300", Message: "too many clients"}
	})

	err := p.Transaction(ctx, func(pgx.Tx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCommitErrorClassification(t *testing.T) {
	got := commitError(fmt.Errorf("commit: %w", pgx.ErrTxClosed))
	if !errs.IsDatabaseError(got) {
		t.Fatalf("err = %v, want a database error", got)
	}
	if !strings.Contains(got.Error(), "transaction reported complete prematurely") {
		t.Errorf("err = %v", got)
	}
	if !errors.Is(got, pgx.ErrTxClosed) {
		t.Error("classification dropped the underlying error")
	}

	inner := errors.New("connection reset by peer")
	got = commitError(inner)
	if !errs.IsDatabaseError(got) || !errors.Is(got, inner) {
		t.Errorf("err = %v", got)
	}
	if strings.Contains(got.Error(), "prematurely") {
		t.Errorf("ordinary commit failure misclassified: %v", got)
	}
}

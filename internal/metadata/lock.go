package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SEESAI/supabase-storage/internal/errs"
)

// objectLockWait bounds how long a caller waits for the per-object lock.
const objectLockWait = "5s"

// AcquireObjectLock takes the transaction-scoped advisory lock serializing
// metadata mutations for (bucketID, name). The lock is released when the
// transaction ends and is never held across a blob write. A wait longer
// than the bounded window fails with ErrLockTimeout.
func AcquireObjectLock(ctx context.Context, tx pgx.Tx, bucketID, name string) error {
	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+objectLockWait+"'"); err != nil {
		return &errs.DatabaseError{Op: "set lock_timeout", Err: err}
	}

	_, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`,
		bucketID, name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return fmt.Errorf("lock %s/%s: %w", bucketID, name, errs.ErrLockTimeout)
		}
		return &errs.DatabaseError{Op: "acquire object lock", Err: err}
	}
	return nil
}

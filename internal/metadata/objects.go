// Package metadata reads and mutates the authoritative object rows in the
// tenant's relational store. Every function operates inside a transaction
// opened by the tenant pool so row-level security context (tenant.SetScope)
// applies to the queries here.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SEESAI/supabase-storage/internal/errs"
)

// Object is one metadata row: at most one live row exists per
// (bucket, name), and it always points at exactly one physical blob
// revision via Version.
type Object struct {
	BucketID     string
	Name         string
	Version      string
	Metadata     json.RawMessage
	UserMetadata json.RawMessage
	Owner        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Bucket carries the per-bucket settings the upload path consumes.
type Bucket struct {
	ID               string
	FileSizeLimit    *int64
	AllowedMimeTypes []string
}

// Store performs object-row operations. It is stateless; the transaction
// carries all connection and authorization state.
type Store struct{}

// NewStore returns a metadata store.
func NewStore() *Store { return &Store{} }

// GetBucket loads the bucket settings, or ErrNotFound.
func (s *Store) GetBucket(ctx context.Context, tx pgx.Tx, id string) (*Bucket, error) {
	b := &Bucket{ID: id}
	err := tx.QueryRow(ctx,
		`SELECT file_size_limit, allowed_mime_types FROM buckets WHERE id = $1`, id).
		Scan(&b.FileSizeLimit, &b.AllowedMimeTypes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bucket %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, &errs.DatabaseError{Op: "get bucket", Err: err}
	}
	return b, nil
}

// GetForUpdate reads the current metadata row with a row lock, returning
// (nil, nil) when no row exists.
func (s *Store) GetForUpdate(ctx context.Context, tx pgx.Tx, bucketID, name string) (*Object, error) {
	obj := &Object{BucketID: bucketID, Name: name}
	err := tx.QueryRow(ctx,
		`SELECT version, metadata, user_metadata, owner, created_at, updated_at
		 FROM objects WHERE bucket_id = $1 AND name = $2 FOR UPDATE`,
		bucketID, name).
		Scan(&obj.Version, &obj.Metadata, &obj.UserMetadata, &obj.Owner, &obj.CreatedAt, &obj.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.DatabaseError{Op: "get object", Err: classify(err)}
	}
	return obj, nil
}

// Upsert points the row at a new version, merging supplied user metadata
// into whatever the row already carries.
func (s *Store) Upsert(ctx context.Context, tx pgx.Tx, obj *Object) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO objects (bucket_id, name, version, metadata, user_metadata, owner, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (bucket_id, name) DO UPDATE SET
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata,
			user_metadata = COALESCE(objects.user_metadata, '{}'::jsonb) || COALESCE(EXCLUDED.user_metadata, '{}'::jsonb),
			owner = EXCLUDED.owner,
			updated_at = NOW()`,
		obj.BucketID, obj.Name, obj.Version, obj.Metadata, obj.UserMetadata, obj.Owner)
	if err != nil {
		return &errs.DatabaseError{Op: "upsert object", Err: classify(err)}
	}
	return nil
}

// Insert creates the row and fails on conflict.
func (s *Store) Insert(ctx context.Context, tx pgx.Tx, obj *Object) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO objects (bucket_id, name, version, metadata, user_metadata, owner, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		obj.BucketID, obj.Name, obj.Version, obj.Metadata, obj.UserMetadata, obj.Owner)
	if err != nil {
		return &errs.DatabaseError{Op: "insert object", Err: classify(err)}
	}
	return nil
}

// Delete removes the row, returning the deleted version or ErrNotFound.
func (s *Store) Delete(ctx context.Context, tx pgx.Tx, bucketID, name string) (string, error) {
	var version string
	err := tx.QueryRow(ctx,
		`DELETE FROM objects WHERE bucket_id = $1 AND name = $2 RETURNING version`,
		bucketID, name).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("object %s/%s: %w", bucketID, name, errs.ErrNotFound)
	}
	if err != nil {
		return "", &errs.DatabaseError{Op: "delete object", Err: classify(err)}
	}
	return version, nil
}

// Probe attempts the intended mutation (insert for create, upsert for
// replace) inside a nested transaction that is always rolled back, so the
// caller's policy grants are verified before any bytes move. A row-level
// security rejection surfaces as PolicyDenied.
func (s *Store) Probe(ctx context.Context, tx pgx.Tx, obj *Object, isUpsert bool) error {
	nested, err := tx.Begin(ctx)
	if err != nil {
		return &errs.DatabaseError{Op: "begin probe", Err: err}
	}
	defer func() {
		_ = nested.Rollback(ctx)
	}()

	if isUpsert {
		err = s.Upsert(ctx, nested, obj)
	} else {
		err = s.Insert(ctx, nested, obj)
	}
	if err != nil {
		if isPolicyViolation(err) {
			return &errs.PolicyDeniedError{Bucket: obj.BucketID, Name: obj.Name, Err: err}
		}
		return err
	}
	return nil
}

// classify maps driver errors the caller may need to branch on.
func classify(err error) error {
	if errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("transaction reported complete prematurely: %w", err)
	}
	return err
}

// isPolicyViolation reports SQLSTATE 42501 (insufficient_privilege), the
// code row-level security raises on a rejected mutation.
func isPolicyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

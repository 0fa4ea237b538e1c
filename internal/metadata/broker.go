package metadata

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/SEESAI/supabase-storage/internal/tenant"
)

// CommitResult reports what a completion transaction found and replaced.
type CommitResult struct {
	// PrevVersion is the version the row pointed at before the commit,
	// empty when the object is brand new.
	PrevVersion string
	Existed     bool
}

// Broker runs store operations inside tenant transactions with the right
// role and authorization scope. The upload orchestrator talks to the
// metadata store exclusively through it.
type Broker struct {
	db    *tenant.DB
	store *Store
}

// NewBroker creates a broker over a tenant database handle.
func NewBroker(db *tenant.DB, store *Store) *Broker {
	return &Broker{db: db, store: store}
}

// Bucket loads bucket settings under the caller's scope.
func (b *Broker) Bucket(ctx context.Context, scope *tenant.Scope, id string) (*Bucket, error) {
	var bucket *Bucket
	err := b.db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := tenant.SetScope(ctx, tx, scope); err != nil {
			return err
		}
		var err error
		bucket, err = b.store.GetBucket(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bucket, nil
}

// Probe verifies the caller's policy grants by attempting the intended
// mutation in a rolled-back check transaction. It runs under the caller's
// role and scope, never the administrative one.
func (b *Broker) Probe(ctx context.Context, scope *tenant.Scope, obj *Object, isUpsert bool) error {
	return b.db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := tenant.SetScope(ctx, tx, scope); err != nil {
			return err
		}
		return b.store.Probe(ctx, tx, obj, isUpsert)
	})
}

// Commit executes the completion transaction under the administrative role:
// acquire the object lock, read the current row, upsert it to the new
// version. The caller schedules deletion of the superseded revision based
// on the returned CommitResult.
func (b *Broker) Commit(ctx context.Context, obj *Object) (*CommitResult, error) {
	result := &CommitResult{}
	err := b.db.AsSuperUser().Transaction(ctx, func(tx pgx.Tx) error {
		if err := AcquireObjectLock(ctx, tx, obj.BucketID, obj.Name); err != nil {
			return err
		}
		current, err := b.store.GetForUpdate(ctx, tx, obj.BucketID, obj.Name)
		if err != nil {
			return err
		}
		if current != nil {
			result.Existed = true
			result.PrevVersion = current.Version
		}
		return b.store.Upsert(ctx, tx, obj)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Remove deletes the object row under the administrative role and returns
// the version the row pointed at.
func (b *Broker) Remove(ctx context.Context, bucketID, name string) (string, error) {
	var version string
	err := b.db.AsSuperUser().Transaction(ctx, func(tx pgx.Tx) error {
		if err := AcquireObjectLock(ctx, tx, bucketID, name); err != nil {
			return err
		}
		var err error
		version, err = b.store.Delete(ctx, tx, bucketID, name)
		return err
	})
	if err != nil {
		return "", err
	}
	return version, nil
}

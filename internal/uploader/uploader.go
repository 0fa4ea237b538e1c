// Package uploader coordinates blob writes against the backend adapter with
// metadata commits through the tenant pool, owning failure compensation and
// event emission. A blob write and its metadata row either both land or the
// blob revision is compensating-deleted; the logical object stays
// consistent despite partial failure.
package uploader

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SEESAI/supabase-storage/internal/backend"
	"github.com/SEESAI/supabase-storage/internal/errs"
	"github.com/SEESAI/supabase-storage/internal/events"
	"github.com/SEESAI/supabase-storage/internal/logging"
	"github.com/SEESAI/supabase-storage/internal/metadata"
	"github.com/SEESAI/supabase-storage/internal/metrics"
	"github.com/SEESAI/supabase-storage/internal/tenant"
)

// Kind is the submission kind, used for metric segmentation.
type Kind string

const (
	KindSimple    Kind = "simple"
	KindMultipart Kind = "multipart"
	KindResumable Kind = "resumable"
)

// Upload attempt lifecycle. Any stage after stageBlobWritten can fail, which
// triggers a compensating delete of the new blob revision.
type stage string

const (
	stageStarted           stage = "STARTED"
	stageBlobWritten       stage = "BLOB_WRITTEN"
	stageLockAcquired      stage = "LOCK_ACQUIRED"
	stageMetadataCommitted stage = "METADATA_COMMITTED"
	stageEventEmitted      stage = "EVENT_EMITTED"
	stageFailed            stage = "FAILED"
)

// maxUserMetadataSize bounds caller-supplied structured metadata.
const maxUserMetadataSize = 1 << 20

// compensationTimeout bounds each background cleanup delete.
const compensationTimeout = 30 * time.Second

// MetaBroker is the metadata-store surface the orchestrator consumes,
// implemented by metadata.Broker.
type MetaBroker interface {
	Bucket(ctx context.Context, scope *tenant.Scope, id string) (*metadata.Bucket, error)
	Probe(ctx context.Context, scope *tenant.Scope, obj *metadata.Object, isUpsert bool) error
	Commit(ctx context.Context, obj *metadata.Object) (*metadata.CommitResult, error)
	Remove(ctx context.Context, bucketID, name string) (string, error)
}

// Config holds the orchestrator's tenant binding and limits.
type Config struct {
	// TenantID prefixes every derived blob key.
	TenantID string
	// StoreBucket is the physical blob-store bucket all revisions live in.
	StoreBucket string
	// GlobalSizeLimit is the standard upload size limit; a smaller
	// per-bucket override wins.
	GlobalSizeLimit int64
}

// Uploader is the upload orchestrator.
type Uploader struct {
	adapter backend.Adapter
	meta    MetaBroker
	emitter *events.Emitter
	cfg     Config
}

// New creates an Uploader.
func New(adapter backend.Adapter, meta MetaBroker, emitter *events.Emitter, cfg Config) *Uploader {
	return &Uploader{adapter: adapter, meta: meta, emitter: emitter, cfg: cfg}
}

// UploadRequest describes one upload attempt. Body framing (multipart or
// resumable parsing) happens upstream; the orchestrator consumes the byte
// stream plus the truncation signal.
type UploadRequest struct {
	Bucket   string
	Name     string
	Owner    string
	IsUpsert bool
	Kind     Kind

	MimeType     string
	CacheControl string
	// UserMetadata is arbitrary structured data, bounded to 1 MiB.
	// Malformed payloads are dropped, not rejected.
	UserMetadata json.RawMessage

	Body io.Reader
	// Truncated reports whether the upstream framing cut the body at its
	// limit. May be nil.
	Truncated func() bool

	Scope         *tenant.Scope
	CorrelationID string
}

// UploadResult reports the committed revision.
type UploadResult struct {
	Version  string
	Metadata backend.ObjectMetadata
}

// PrepareUpload performs the permission probe for the intended mutation and
// mints the version token for the new revision. It fails with a
// policy-denied error when the probe is rejected and never touches the
// backend on failure.
func (u *Uploader) PrepareUpload(ctx context.Context, req *UploadRequest) (string, error) {
	metrics.RecordUploadStarted(string(req.Kind))

	version := uuid.NewString()
	probe := &metadata.Object{
		BucketID: req.Bucket,
		Name:     req.Name,
		Version:  version,
		Owner:    req.Owner,
	}
	if err := u.meta.Probe(ctx, req.Scope, probe, req.IsUpsert); err != nil {
		return "", err
	}
	return version, nil
}

// Upload runs the full orchestration: probe, stream the body to the
// backend, commit the metadata row, schedule deletion of the superseded
// revision, emit the change event. Any failure after the blob write issues
// an asynchronous best-effort compensating delete and re-raises the
// original error.
func (u *Uploader) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	if req.Body == nil {
		return nil, errs.ErrNoContentProvided
	}

	userMeta, err := u.checkUserMetadata(req)
	if err != nil {
		return nil, err
	}
	req.UserMetadata = userMeta

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = backend.DefaultContentType
	}

	bucket, err := u.meta.Bucket(ctx, req.Scope, req.Bucket)
	if err != nil {
		return nil, err
	}
	if err := ValidateMimeType(mimeType, bucket.AllowedMimeTypes); err != nil {
		return nil, err
	}
	limit := u.resolveSizeLimit(bucket)

	version, err := u.PrepareUpload(ctx, req)
	if err != nil {
		return nil, err
	}
	u.logStage(req, version, stageStarted, nil)

	key := u.blobKey(req.Bucket, req.Name)
	guard := &sizeGuard{r: req.Body, limit: limit}
	blobMeta, err := u.adapter.UploadObject(ctx, u.cfg.StoreBucket, key, version, guard, mimeType, req.CacheControl)
	if err != nil {
		// Nothing landed; no compensation needed.
		u.logStage(req, version, stageFailed, err)
		return nil, err
	}
	u.logStage(req, version, stageBlobWritten, nil)

	if guard.exceeded || (req.Truncated != nil && req.Truncated()) {
		err := &errs.EntityTooLargeError{Entity: "body", Limit: limit}
		u.fail(req, version, err)
		return nil, err
	}

	if err := u.completeUpload(ctx, req, version, blobMeta); err != nil {
		u.fail(req, version, err)
		return nil, err
	}

	return &UploadResult{Version: version, Metadata: *blobMeta}, nil
}

// completeUpload commits the metadata row in one privileged transaction and
// finishes the success path: supersede scheduling, event emission, success
// counters.
func (u *Uploader) completeUpload(ctx context.Context, req *UploadRequest, version string, blobMeta *backend.ObjectMetadata) error {
	metaJSON, err := json.Marshal(map[string]any{
		"size":           blobMeta.Size,
		"mimetype":       blobMeta.ContentType,
		"cacheControl":   blobMeta.CacheControl,
		"eTag":           blobMeta.ETag,
		"lastModified":   blobMeta.LastModified,
		"contentLength":  blobMeta.ContentLength,
		"httpStatusCode": blobMeta.HTTPStatusCode,
	})
	if err != nil {
		return &errs.InternalError{Op: "marshal object metadata", Err: err}
	}

	result, err := u.meta.Commit(ctx, &metadata.Object{
		BucketID:     req.Bucket,
		Name:         req.Name,
		Version:      version,
		Metadata:     metaJSON,
		UserMetadata: req.UserMetadata,
		Owner:        req.Owner,
	})
	if err != nil {
		return err
	}
	u.logStage(req, version, stageMetadataCommitted, nil)

	if result.Existed && result.PrevVersion != "" && result.PrevVersion != version {
		u.scheduleDelete(req.Bucket, req.Name, result.PrevVersion, "superseded revision")
	}

	u.emitter.Publish(events.Event{
		Type:          u.eventType(req, result.Existed),
		Tenant:        u.cfg.TenantID,
		Bucket:        req.Bucket,
		Name:          req.Name,
		Version:       version,
		CorrelationID: req.CorrelationID,
	})
	u.logStage(req, version, stageEventEmitted, nil)

	metrics.RecordUploadSucceeded(string(req.Kind))
	return nil
}

// DeleteObject removes an object administratively: row delete under the
// privileged role, scheduled blob cleanup, removal event.
func (u *Uploader) DeleteObject(ctx context.Context, bucketID, name, correlationID string) error {
	version, err := u.meta.Remove(ctx, bucketID, name)
	if err != nil {
		return err
	}
	u.scheduleDelete(bucketID, name, version, "admin delete")

	u.emitter.Publish(events.Event{
		Type:          events.ObjectRemoved,
		Tenant:        u.cfg.TenantID,
		Bucket:        bucketID,
		Name:          name,
		Version:       version,
		CorrelationID: correlationID,
	})
	return nil
}

// fail logs the terminal transition and dispatches the compensating delete
// for the just-written revision. The compensation is fire-and-forget: a
// crash between write and dispatch can orphan a blob, which an out-of-band
// reconciliation sweep picks up.
func (u *Uploader) fail(req *UploadRequest, version string, err error) {
	u.logStage(req, version, stageFailed, err)
	u.scheduleDelete(req.Bucket, req.Name, version, "compensation")
}

// scheduleDelete issues a background best-effort delete of one blob
// revision. Failures are logged and counted, never raised.
func (u *Uploader) scheduleDelete(bucketID, name, version, reason string) {
	key := u.blobKey(bucketID, name)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
		defer cancel()
		if err := u.adapter.DeleteObject(ctx, u.cfg.StoreBucket, key, version); err != nil {
			metrics.RecordCompensatingDelete(false)
			logging.Warn("background blob delete failed",
				zap.String("key", key),
				zap.String("version", version),
				zap.String("reason", reason),
				zap.Error(err))
			return
		}
		metrics.RecordCompensatingDelete(true)
	}()
}

func (u *Uploader) blobKey(bucketID, name string) string {
	return path.Join(u.cfg.TenantID, bucketID, name)
}

// resolveSizeLimit returns the smaller of the global limit and the
// per-bucket override.
func (u *Uploader) resolveSizeLimit(bucket *metadata.Bucket) int64 {
	limit := u.cfg.GlobalSizeLimit
	if bucket.FileSizeLimit != nil && *bucket.FileSizeLimit > 0 && *bucket.FileSizeLimit < limit {
		limit = *bucket.FileSizeLimit
	}
	return limit
}

// checkUserMetadata bounds and validates caller metadata. Malformed JSON is
// dropped silently, matching the store's tolerance for optional metadata.
func (u *Uploader) checkUserMetadata(req *UploadRequest) (json.RawMessage, error) {
	if len(req.UserMetadata) == 0 {
		return nil, nil
	}
	if len(req.UserMetadata) > maxUserMetadataSize {
		return nil, &errs.EntityTooLargeError{Entity: "user_metadata", Limit: maxUserMetadataSize}
	}
	if !json.Valid(req.UserMetadata) {
		logging.Debug("dropping malformed user metadata",
			zap.String("bucket", req.Bucket),
			zap.String("name", req.Name))
		return nil, nil
	}
	return req.UserMetadata, nil
}

func (u *Uploader) eventType(req *UploadRequest, existed bool) string {
	if existed {
		return events.ObjectUpdated
	}
	if req.Scope != nil && req.Scope.Method == "POST" {
		return events.ObjectCreatedPost
	}
	return events.ObjectCreatedPut
}

func (u *Uploader) logStage(req *UploadRequest, version string, st stage, err error) {
	fields := []zap.Field{
		zap.String("bucket", req.Bucket),
		zap.String("name", req.Name),
		zap.String("version", version),
		zap.String("kind", string(req.Kind)),
		zap.String("stage", string(st)),
	}
	if err != nil {
		logging.Error("upload failed", append(fields, zap.Error(err))...)
		return
	}
	logging.Debug("upload stage", fields...)
}

// sizeGuard passes at most one byte beyond the limit, then reports EOF. The
// surplus byte distinguishes an oversized body from one exactly at the
// limit, while the cap keeps the rest of the stream from reaching the
// backend before the revision is flagged and compensated.
type sizeGuard struct {
	r        io.Reader
	limit    int64
	read     int64
	exceeded bool
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	if g.read > g.limit {
		g.exceeded = true
		return 0, io.EOF
	}
	if remaining := g.limit + 1 - g.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := g.r.Read(p)
	g.read += int64(n)
	if g.read > g.limit {
		g.exceeded = true
	}
	return n, err
}

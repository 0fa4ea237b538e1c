// Package backend defines the Adapter contract shared by every blob storage
// variant (path-style object store, signed-URL object store, local
// filesystem). Callers never branch on the variant: each implementation
// normalizes its responses into the same metadata shape, and the variant is
// chosen once at construction.
package backend

import (
	"context"
	"io"
	"time"
)

const (
	// DefaultContentType is applied when a backend response omits the mimetype.
	DefaultContentType = "application/octet-stream"

	// DefaultCacheControl is applied when a backend response omits cache-control.
	DefaultCacheControl = "no-cache"

	// SignedURLExpiry is the validity window for private asset URLs, shared
	// by every variant that supports signing.
	SignedURLExpiry = 600 * time.Second
)

// ObjectMetadata is the normalized metadata shape every variant returns.
type ObjectMetadata struct {
	CacheControl   string
	ContentType    string
	ETag           string
	LastModified   time.Time
	ContentLength  int64
	Size           int64
	HTTPStatusCode int
}

// Normalize applies the cross-variant defaults in place and returns m.
func (m *ObjectMetadata) Normalize() *ObjectMetadata {
	if m.ContentType == "" {
		m.ContentType = DefaultContentType
	}
	if m.CacheControl == "" {
		m.CacheControl = DefaultCacheControl
	}
	return m
}

// ListOptions filters and paginates a bucket listing.
type ListOptions struct {
	Prefix     string
	Delimiter  string
	PageToken  string
	StartAfter string
	// BeforeDate excludes entries modified on or after this time when set.
	BeforeDate time.Time
}

// ListEntry is one object in a listing page.
type ListEntry struct {
	Name string
	Size int64
}

// ListPage is one page of a listing plus the continuation token.
type ListPage struct {
	Entries       []ListEntry
	NextPageToken string
}

// GetOptions carries conditional and range headers, forwarded verbatim.
type GetOptions struct {
	IfModifiedSince time.Time
	IfNoneMatch     string
	Range           string
}

// GetResult is a body stream plus its normalized metadata.
type GetResult struct {
	Body     io.ReadCloser
	Metadata ObjectMetadata
}

// CopyOptions overrides metadata on the copied object.
type CopyOptions struct {
	ContentType  string
	CacheControl string
}

// CopyConditions are preconditions applied against the copy source.
type CopyConditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

// ByteRange is a half-open [Start, End] byte range for part copies.
type ByteRange struct {
	Start int64
	End   int64
}

// CompletedPart identifies one uploaded part when assembling a multipart
// upload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// UploadResult is the outcome of finalizing a multipart upload.
type UploadResult struct {
	ETag     string
	Location string
	Version  string
}

// Adapter is the uniform contract over heterogeneous blob backends. All
// blocking operations honor context cancellation, which aborts in-flight
// transfers; callers are responsible for aborting any multipart session a
// cancelled upload leaves behind.
type Adapter interface {
	List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error)
	GetObject(ctx context.Context, bucket, key, version string, opts *GetOptions) (*GetResult, error)
	UploadObject(ctx context.Context, bucket, key, version string, body io.Reader, contentType, cacheControl string) (*ObjectMetadata, error)
	DeleteObject(ctx context.Context, bucket, key, version string) error
	// DeleteObjects removes keys best-effort with bounded concurrency;
	// per-key failures are swallowed so the call always completes.
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	CopyObject(ctx context.Context, bucket, source, sourceVersion, dest, destVersion string, opts CopyOptions, conds *CopyConditions) (*ObjectMetadata, error)
	HeadObject(ctx context.Context, bucket, key, version string) (*ObjectMetadata, error)
	// PrivateAssetURL issues a short-lived signed URL (SignedURLExpiry).
	PrivateAssetURL(ctx context.Context, bucket, key, version string) (string, error)

	CreateMultipartUpload(ctx context.Context, bucket, key, version, contentType, cacheControl string) (string, error)
	UploadPart(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (string, error)
	UploadPartCopy(ctx context.Context, bucket, uploadID, key, version string, partNumber int32, source, sourceVersion string, rng *ByteRange) (*CompletedPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, version, uploadID string, parts []CompletedPart) (*UploadResult, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, version, uploadID string) error

	Close() error
}

// KeyWithVersion derives the physical blob key. The version suffix is
// appended only when a version is known, giving every upload a physically
// distinct, immutable revision even though the logical object is mutable.
func KeyWithVersion(key, version string) string {
	if version == "" {
		return key
	}
	return key + "/" + version
}

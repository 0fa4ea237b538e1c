// Package s3 provides the path-style object-store implementation of the
// backend Adapter, backed by any S3-compatible store (AWS S3, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/SEESAI/supabase-storage/internal/backend"
	"github.com/SEESAI/supabase-storage/internal/errs"
	"github.com/SEESAI/supabase-storage/internal/logging"
	"github.com/SEESAI/supabase-storage/internal/metrics"
)

// Config holds the S3 variant settings.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	// URLExpiry overrides backend.SignedURLExpiry for private asset URLs.
	URLExpiry time.Duration
}

// Backend implements backend.Adapter against an S3-compatible store.
type Backend struct {
	client    *s3.Client
	presign   *s3.PresignClient
	urlExpiry time.Duration
}

// New creates an S3 backend from cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = backend.SignedURLExpiry
	}
	return &Backend{
		client:    client,
		presign:   s3.NewPresignClient(client),
		urlExpiry: expiry,
	}, nil
}

// List returns one page of objects, optionally excluding entries modified on
// or after opts.BeforeDate.
func (b *Backend) List(ctx context.Context, bucket string, opts backend.ListOptions) (*backend.ListPage, error) {
	start := time.Now()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.Delimiter != "" {
		input.Delimiter = aws.String(opts.Delimiter)
	}
	if opts.PageToken != "" {
		input.ContinuationToken = aws.String(opts.PageToken)
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(opts.StartAfter)
	}

	result, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		metrics.RecordBackendOperation("list", time.Since(start), false)
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	metrics.RecordBackendOperation("list", time.Since(start), true)

	page := &backend.ListPage{}
	for _, obj := range result.Contents {
		if !opts.BeforeDate.IsZero() && obj.LastModified != nil && !obj.LastModified.Before(opts.BeforeDate) {
			continue
		}
		page.Entries = append(page.Entries, backend.ListEntry{
			Name: aws.ToString(obj.Key),
			Size: aws.ToInt64(obj.Size),
		})
	}
	if aws.ToBool(result.IsTruncated) {
		page.NextPageToken = aws.ToString(result.NextContinuationToken)
	}
	return page, nil
}

// GetObject retrieves a body stream plus metadata; conditional and range
// headers are forwarded verbatim.
func (b *Backend) GetObject(ctx context.Context, bucket, key, version string, opts *backend.GetOptions) (*backend.GetResult, error) {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(full),
	}
	status := http.StatusOK
	if opts != nil {
		if !opts.IfModifiedSince.IsZero() {
			input.IfModifiedSince = aws.Time(opts.IfModifiedSince)
		}
		if opts.IfNoneMatch != "" {
			input.IfNoneMatch = aws.String(opts.IfNoneMatch)
		}
		if opts.Range != "" {
			input.Range = aws.String(opts.Range)
			status = http.StatusPartialContent
		}
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		metrics.RecordBackendOperation("get_object", time.Since(start), false)
		return nil, classify("get "+full, err)
	}
	metrics.RecordBackendOperation("get_object", time.Since(start), true)

	meta := backend.ObjectMetadata{
		CacheControl:   aws.ToString(result.CacheControl),
		ContentType:    aws.ToString(result.ContentType),
		ETag:           aws.ToString(result.ETag),
		LastModified:   aws.ToTime(result.LastModified),
		ContentLength:  aws.ToInt64(result.ContentLength),
		Size:           aws.ToInt64(result.ContentLength),
		HTTPStatusCode: status,
	}
	meta.Normalize()
	return &backend.GetResult{Body: result.Body, Metadata: meta}, nil
}

// UploadObject streams the body to the derived key. When the write response
// omits metadata a follow-up head fills it in.
func (b *Backend) UploadObject(ctx context.Context, bucket, key, version string, body io.Reader, contentType, cacheControl string) (*backend.ObjectMetadata, error) {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)

	result, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(full),
		Body:         body,
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(cacheControl),
	})
	if err != nil {
		metrics.RecordBackendOperation("put_object", time.Since(start), false)
		return nil, fmt.Errorf("put object %s: %w", full, err)
	}
	metrics.RecordBackendOperation("put_object", time.Since(start), true)

	if result.ETag == nil || result.Size == nil {
		return b.HeadObject(ctx, bucket, key, version)
	}

	meta := &backend.ObjectMetadata{
		CacheControl:   cacheControl,
		ContentType:    contentType,
		ETag:           aws.ToString(result.ETag),
		LastModified:   time.Now(),
		ContentLength:  aws.ToInt64(result.Size),
		Size:           aws.ToInt64(result.Size),
		HTTPStatusCode: http.StatusOK,
	}
	return meta.Normalize(), nil
}

// DeleteObject removes a single blob revision.
func (b *Backend) DeleteObject(ctx context.Context, bucket, key, version string) error {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		metrics.RecordBackendOperation("delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", full, err)
	}
	metrics.RecordBackendOperation("delete_object", time.Since(start), true)
	return nil
}

// DeleteObjects removes keys best-effort through the bounded worker pool.
func (b *Backend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	backend.BulkDelete(ctx, keys, func(ctx context.Context, key string) error {
		return b.DeleteObject(ctx, bucket, key, "")
	})
	return nil
}

// CopyObject performs a server-side copy. Copying a key onto itself forces
// metadata replacement so the call is never a silent no-op.
func (b *Backend) CopyObject(ctx context.Context, bucket, source, sourceVersion, dest, destVersion string, opts backend.CopyOptions, conds *backend.CopyConditions) (*backend.ObjectMetadata, error) {
	start := time.Now()
	srcFull := backend.KeyWithVersion(source, sourceVersion)
	dstFull := backend.KeyWithVersion(dest, destVersion)

	input := &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(dstFull),
		CopySource: aws.String(bucket + "/" + srcFull),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}
	if srcFull == dstFull || opts.ContentType != "" || opts.CacheControl != "" {
		input.MetadataDirective = s3types.MetadataDirectiveReplace
	}
	if conds != nil {
		if conds.IfMatch != "" {
			input.CopySourceIfMatch = aws.String(conds.IfMatch)
		}
		if conds.IfNoneMatch != "" {
			input.CopySourceIfNoneMatch = aws.String(conds.IfNoneMatch)
		}
		if !conds.IfModifiedSince.IsZero() {
			input.CopySourceIfModifiedSince = aws.Time(conds.IfModifiedSince)
		}
		if !conds.IfUnmodifiedSince.IsZero() {
			input.CopySourceIfUnmodifiedSince = aws.Time(conds.IfUnmodifiedSince)
		}
	}

	result, err := b.client.CopyObject(ctx, input)
	if err != nil {
		metrics.RecordBackendOperation("copy_object", time.Since(start), false)
		return nil, classify(fmt.Sprintf("copy %s -> %s", srcFull, dstFull), err)
	}
	metrics.RecordBackendOperation("copy_object", time.Since(start), true)

	meta, err := b.HeadObject(ctx, bucket, dest, destVersion)
	if err != nil {
		return nil, err
	}
	if result.CopyObjectResult != nil && result.CopyObjectResult.ETag != nil {
		meta.ETag = aws.ToString(result.CopyObjectResult.ETag)
	}
	return meta, nil
}

// HeadObject returns normalized metadata only.
func (b *Backend) HeadObject(ctx context.Context, bucket, key, version string) (*backend.ObjectMetadata, error) {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)

	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		metrics.RecordBackendOperation("head_object", time.Since(start), false)
		return nil, classify("head "+full, err)
	}
	metrics.RecordBackendOperation("head_object", time.Since(start), true)

	meta := &backend.ObjectMetadata{
		CacheControl:   aws.ToString(result.CacheControl),
		ContentType:    aws.ToString(result.ContentType),
		ETag:           aws.ToString(result.ETag),
		LastModified:   aws.ToTime(result.LastModified),
		ContentLength:  aws.ToInt64(result.ContentLength),
		Size:           aws.ToInt64(result.ContentLength),
		HTTPStatusCode: http.StatusOK,
	}
	return meta.Normalize(), nil
}

// PrivateAssetURL issues a presigned GET valid for the configured expiry.
func (b *Backend) PrivateAssetURL(ctx context.Context, bucket, key, version string) (string, error) {
	full := backend.KeyWithVersion(key, version)
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(full),
	}, s3.WithPresignExpires(b.urlExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", full, err)
	}
	return req.URL, nil
}

// CreateMultipartUpload opens a multipart session.
func (b *Backend) CreateMultipartUpload(ctx context.Context, bucket, key, version, contentType, cacheControl string) (string, error) {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)

	result, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(full),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(cacheControl),
	})
	if err != nil {
		metrics.RecordBackendOperation("create_multipart_upload", time.Since(start), false)
		return "", fmt.Errorf("create multipart upload %s: %w", full, err)
	}
	metrics.RecordBackendOperation("create_multipart_upload", time.Since(start), true)
	return aws.ToString(result.UploadId), nil
}

// UploadPart uploads one part and returns its entity tag.
func (b *Backend) UploadPart(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (string, error) {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)

	input := &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(full),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	}
	if length > 0 {
		input.ContentLength = aws.Int64(length)
	}

	result, err := b.client.UploadPart(ctx, input)
	if err != nil {
		metrics.RecordBackendOperation("upload_part", time.Since(start), false)
		return "", fmt.Errorf("upload part %d of %s: %w", partNumber, full, err)
	}
	metrics.RecordBackendOperation("upload_part", time.Since(start), true)
	return aws.ToString(result.ETag), nil
}

// UploadPartCopy server-side copies a byte range from another object into a
// part of the open session.
func (b *Backend) UploadPartCopy(ctx context.Context, bucket, uploadID, key, version string, partNumber int32, source, sourceVersion string, rng *backend.ByteRange) (*backend.CompletedPart, error) {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)
	srcFull := backend.KeyWithVersion(source, sourceVersion)

	input := &s3.UploadPartCopyInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(full),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		CopySource: aws.String(bucket + "/" + srcFull),
	}
	if rng != nil {
		input.CopySourceRange = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}

	result, err := b.client.UploadPartCopy(ctx, input)
	if err != nil {
		metrics.RecordBackendOperation("upload_part_copy", time.Since(start), false)
		return nil, fmt.Errorf("part copy %s -> %s[%d]: %w", srcFull, full, partNumber, err)
	}
	metrics.RecordBackendOperation("upload_part_copy", time.Since(start), true)

	part := &backend.CompletedPart{PartNumber: partNumber}
	if result.CopyPartResult != nil {
		part.ETag = aws.ToString(result.CopyPartResult.ETag)
	}
	return part, nil
}

// CompleteMultipartUpload assembles parts by ascending part number.
func (b *Backend) CompleteMultipartUpload(ctx context.Context, bucket, key, version, uploadID string, parts []backend.CompletedPart) (*backend.UploadResult, error) {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)

	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}

	result, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(full),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		metrics.RecordBackendOperation("complete_multipart_upload", time.Since(start), false)
		return nil, fmt.Errorf("complete multipart upload %s: %w", full, err)
	}
	metrics.RecordBackendOperation("complete_multipart_upload", time.Since(start), true)

	return &backend.UploadResult{
		ETag:     aws.ToString(result.ETag),
		Location: aws.ToString(result.Location),
		Version:  version,
	}, nil
}

// AbortMultipartUpload discards the session and releases partial storage.
func (b *Backend) AbortMultipartUpload(ctx context.Context, bucket, key, version, uploadID string) error {
	start := time.Now()
	full := backend.KeyWithVersion(key, version)

	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(full),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		metrics.RecordBackendOperation("abort_multipart_upload", time.Since(start), false)
		return fmt.Errorf("abort multipart upload %s: %w", uploadID, err)
	}
	metrics.RecordBackendOperation("abort_multipart_upload", time.Since(start), true)
	logging.Debug("aborted multipart upload",
		zap.String("key", full),
		zap.String("upload_id", uploadID))
	return nil
}

// Close is a no-op: the SDK client holds no long-lived resources.
func (b *Backend) Close() error { return nil }

// classify maps S3 API errors onto the shared taxonomy where a mapping
// exists, wrapping everything else with call-site context.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || strings.EqualFold(code, "NoSuchBucket") {
			return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

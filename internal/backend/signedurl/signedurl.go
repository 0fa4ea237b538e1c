// Package signedurl provides the presigned-URL object-store implementation
// of the backend Adapter. Every request is authenticated by the asymmetric
// request signer; no shared secret ever reaches the remote store. The wire
// protocol is the XML object API (list, copy, multipart).
package signedurl

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SEESAI/supabase-storage/internal/backend"
	"github.com/SEESAI/supabase-storage/internal/errs"
	"github.com/SEESAI/supabase-storage/internal/metrics"
	"github.com/SEESAI/supabase-storage/internal/signer"
)

// Config holds the signed-URL variant settings.
type Config struct {
	// Endpoint is the base URL of the remote store, e.g. "https://blob.example.com".
	Endpoint string
	Signer   *signer.Signer
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// URLExpiry overrides backend.SignedURLExpiry for private asset URLs.
	URLExpiry time.Duration
}

// Backend implements backend.Adapter over signed HTTP requests.
type Backend struct {
	base      *url.URL
	signer    *signer.Signer
	client    *http.Client
	urlExpiry time.Duration
}

// New creates a signed-URL backend from cfg.
func New(cfg Config) (*Backend, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = backend.SignedURLExpiry
	}
	return &Backend{base: base, signer: cfg.Signer, client: client, urlExpiry: expiry}, nil
}

// XML wire shapes.

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string    `xml:"Key"`
		Size         int64     `xml:"Size"`
		LastModified time.Time `xml:"LastModified"`
	} `xml:"Contents"`
}

type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type copyResult struct {
	ETag         string    `xml:"ETag"`
	LastModified time.Time `xml:"LastModified"`
}

type completeMultipartUpload struct {
	XMLName xml.Name           `xml:"CompleteMultipartUpload"`
	Parts   []completedPartXML `xml:"Part"`
}

type completedPartXML struct {
	PartNumber int32  `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	ETag     string   `xml:"ETag"`
}

// List returns one page of objects from the XML listing API.
func (b *Backend) List(ctx context.Context, bucket string, opts backend.ListOptions) (*backend.ListPage, error) {
	query := url.Values{"list-type": {"2"}}
	if opts.Prefix != "" {
		query.Set("prefix", opts.Prefix)
	}
	if opts.Delimiter != "" {
		query.Set("delimiter", opts.Delimiter)
	}
	if opts.PageToken != "" {
		query.Set("continuation-token", opts.PageToken)
	}
	if opts.StartAfter != "" {
		query.Set("start-after", opts.StartAfter)
	}

	resp, err := b.do(ctx, "list", http.MethodGet, "/"+bucket, query, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode listing for %s: %w", bucket, err)
	}

	page := &backend.ListPage{}
	for _, obj := range result.Contents {
		if !opts.BeforeDate.IsZero() && !obj.LastModified.Before(opts.BeforeDate) {
			continue
		}
		page.Entries = append(page.Entries, backend.ListEntry{Name: obj.Key, Size: obj.Size})
	}
	if result.IsTruncated {
		page.NextPageToken = result.NextContinuationToken
	}
	return page, nil
}

// GetObject retrieves a body stream; conditional and range headers are
// forwarded verbatim.
func (b *Backend) GetObject(ctx context.Context, bucket, key, version string, opts *backend.GetOptions) (*backend.GetResult, error) {
	headers := http.Header{}
	if opts != nil {
		if !opts.IfModifiedSince.IsZero() {
			headers.Set("If-Modified-Since", opts.IfModifiedSince.UTC().Format(http.TimeFormat))
		}
		if opts.IfNoneMatch != "" {
			headers.Set("If-None-Match", opts.IfNoneMatch)
		}
		if opts.Range != "" {
			headers.Set("Range", opts.Range)
		}
	}

	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "get_object", http.MethodGet, b.objectPath(bucket, full), nil, headers, nil)
	if err != nil {
		return nil, err
	}

	meta := metadataFromHeader(resp)
	return &backend.GetResult{Body: resp.Body, Metadata: *meta}, nil
}

// UploadObject streams the body via a signed PUT; a follow-up head fills the
// metadata the write response omits.
func (b *Backend) UploadObject(ctx context.Context, bucket, key, version string, body io.Reader, contentType, cacheControl string) (*backend.ObjectMetadata, error) {
	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	headers.Set("Cache-Control", cacheControl)

	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "put_object", http.MethodPut, b.objectPath(bucket, full), nil, headers, body)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	return b.HeadObject(ctx, bucket, key, version)
}

// DeleteObject removes a single blob revision.
func (b *Backend) DeleteObject(ctx context.Context, bucket, key, version string) error {
	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "delete_object", http.MethodDelete, b.objectPath(bucket, full), nil, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteObjects removes keys best-effort through the bounded worker pool.
func (b *Backend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	backend.BulkDelete(ctx, keys, func(ctx context.Context, key string) error {
		return b.DeleteObject(ctx, bucket, key, "")
	})
	return nil
}

// CopyObject performs a remote-side copy with source preconditions mapped to
// copy-source headers. A same-key copy forces metadata replacement.
func (b *Backend) CopyObject(ctx context.Context, bucket, source, sourceVersion, dest, destVersion string, opts backend.CopyOptions, conds *backend.CopyConditions) (*backend.ObjectMetadata, error) {
	srcFull := backend.KeyWithVersion(source, sourceVersion)
	dstFull := backend.KeyWithVersion(dest, destVersion)

	headers := http.Header{}
	headers.Set("x-copy-source", "/"+bucket+"/"+srcFull)
	if opts.ContentType != "" {
		headers.Set("Content-Type", opts.ContentType)
	}
	if opts.CacheControl != "" {
		headers.Set("Cache-Control", opts.CacheControl)
	}
	if srcFull == dstFull || opts.ContentType != "" || opts.CacheControl != "" {
		headers.Set("x-metadata-directive", "REPLACE")
	}
	if conds != nil {
		if conds.IfMatch != "" {
			headers.Set("x-copy-source-if-match", conds.IfMatch)
		}
		if conds.IfNoneMatch != "" {
			headers.Set("x-copy-source-if-none-match", conds.IfNoneMatch)
		}
		if !conds.IfModifiedSince.IsZero() {
			headers.Set("x-copy-source-if-modified-since", conds.IfModifiedSince.UTC().Format(http.TimeFormat))
		}
		if !conds.IfUnmodifiedSince.IsZero() {
			headers.Set("x-copy-source-if-unmodified-since", conds.IfUnmodifiedSince.UTC().Format(http.TimeFormat))
		}
	}

	resp, err := b.do(ctx, "copy_object", http.MethodPut, b.objectPath(bucket, dstFull), nil, headers, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result copyResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode copy result for %s: %w", dstFull, err)
	}

	meta, err := b.HeadObject(ctx, bucket, dest, destVersion)
	if err != nil {
		return nil, err
	}
	if result.ETag != "" {
		meta.ETag = result.ETag
	}
	return meta, nil
}

// HeadObject returns normalized metadata only.
func (b *Backend) HeadObject(ctx context.Context, bucket, key, version string) (*backend.ObjectMetadata, error) {
	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "head_object", http.MethodHead, b.objectPath(bucket, full), nil, nil, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return metadataFromHeader(resp), nil
}

// PrivateAssetURL issues a presigned GET valid for the configured expiry.
func (b *Backend) PrivateAssetURL(ctx context.Context, bucket, key, version string) (string, error) {
	full := backend.KeyWithVersion(key, version)
	return b.signer.PresignedURL(ctx, &signer.Request{
		Method: http.MethodGet,
		Scheme: b.base.Scheme,
		Host:   b.base.Host,
		Path:   b.objectPath(bucket, full),
	}, b.urlExpiry)
}

// CreateMultipartUpload opens a multipart session via the XML protocol.
func (b *Backend) CreateMultipartUpload(ctx context.Context, bucket, key, version, contentType, cacheControl string) (string, error) {
	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	headers.Set("Cache-Control", cacheControl)

	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "create_multipart_upload", http.MethodPost, b.objectPath(bucket, full), url.Values{"uploads": {""}}, headers, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result initiateMultipartResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode initiate result for %s: %w", full, err)
	}
	return result.UploadID, nil
}

// UploadPart uploads one part and returns its entity tag.
func (b *Backend) UploadPart(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (string, error) {
	query := url.Values{
		"partNumber": {strconv.FormatInt(int64(partNumber), 10)},
		"uploadId":   {uploadID},
	}
	headers := http.Header{}
	if length > 0 {
		headers.Set("Content-Length", strconv.FormatInt(length, 10))
	}

	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "upload_part", http.MethodPut, b.objectPath(bucket, full), query, headers, body)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return resp.Header.Get("ETag"), nil
}

// UploadPartCopy remote-side copies a byte range from another object into a
// part of the open session.
func (b *Backend) UploadPartCopy(ctx context.Context, bucket, uploadID, key, version string, partNumber int32, source, sourceVersion string, rng *backend.ByteRange) (*backend.CompletedPart, error) {
	srcFull := backend.KeyWithVersion(source, sourceVersion)
	query := url.Values{
		"partNumber": {strconv.FormatInt(int64(partNumber), 10)},
		"uploadId":   {uploadID},
	}
	headers := http.Header{}
	headers.Set("x-copy-source", "/"+bucket+"/"+srcFull)
	if rng != nil {
		headers.Set("x-copy-source-range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}

	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "upload_part_copy", http.MethodPut, b.objectPath(bucket, full), query, headers, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result copyResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode part copy result for %s: %w", full, err)
	}
	return &backend.CompletedPart{PartNumber: partNumber, ETag: result.ETag}, nil
}

// CompleteMultipartUpload assembles parts by ascending part number.
func (b *Backend) CompleteMultipartUpload(ctx context.Context, bucket, key, version, uploadID string, parts []backend.CompletedPart) (*backend.UploadResult, error) {
	payload := completeMultipartUpload{}
	for _, p := range parts {
		payload.Parts = append(payload.Parts, completedPartXML{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	raw, err := xml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal complete request: %w", err)
	}

	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "complete_multipart_upload", http.MethodPost, b.objectPath(bucket, full), url.Values{"uploadId": {uploadID}}, nil, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result completeMultipartResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode complete result for %s: %w", full, err)
	}
	return &backend.UploadResult{
		ETag:     result.ETag,
		Location: result.Location,
		Version:  version,
	}, nil
}

// AbortMultipartUpload discards the session and releases partial storage.
func (b *Backend) AbortMultipartUpload(ctx context.Context, bucket, key, version, uploadID string) error {
	full := backend.KeyWithVersion(key, version)
	resp, err := b.do(ctx, "abort_multipart_upload", http.MethodDelete, b.objectPath(bucket, full), url.Values{"uploadId": {uploadID}}, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close releases idle transport connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) objectPath(bucket, full string) string {
	escaped := make([]string, 0, 8)
	for _, seg := range strings.Split(full, "/") {
		escaped = append(escaped, url.PathEscape(seg))
	}
	return "/" + bucket + "/" + strings.Join(escaped, "/")
}

// do signs and executes one request, mapping error statuses onto the shared
// taxonomy.
func (b *Backend) do(ctx context.Context, op, method, path string, query url.Values, headers http.Header, body io.Reader) (*http.Response, error) {
	start := time.Now()

	u := *b.base
	// path arrives segment-escaped from objectPath.
	if unescaped, perr := url.PathUnescape(path); perr == nil {
		u.Path = unescaped
		u.RawPath = path
	} else {
		u.Path = path
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	for name, vals := range headers {
		req.Header[name] = vals
	}
	// net/http transmits Content-Length from the request field, not the
	// header map; promote it so the signed value actually goes out instead
	// of the body falling back to chunked encoding.
	if v := req.Header.Get("Content-Length"); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			req.ContentLength = n
		}
	}

	if err := b.signer.SignHTTP(ctx, req, ""); err != nil {
		metrics.RecordBackendOperation(op, time.Since(start), false)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.RecordBackendOperation(op, time.Since(start), false)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		metrics.RecordBackendOperation(op, time.Since(start), false)
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", op, errs.ErrNotFound)
		}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: remote store returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	metrics.RecordBackendOperation(op, time.Since(start), true)
	return resp, nil
}

func metadataFromHeader(resp *http.Response) *backend.ObjectMetadata {
	meta := &backend.ObjectMetadata{
		CacheControl:   resp.Header.Get("Cache-Control"),
		ContentType:    resp.Header.Get("Content-Type"),
		ETag:           resp.Header.Get("ETag"),
		HTTPStatusCode: resp.StatusCode,
	}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			meta.LastModified = t
		}
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.ContentLength = n
			meta.Size = n
		}
	}
	return meta.Normalize()
}

// Package local provides a filesystem passthrough implementation of the
// backend Adapter, used for development and single-node deployments.
package local

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SEESAI/supabase-storage/internal/backend"
	"github.com/SEESAI/supabase-storage/internal/errs"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string `json:"root_path"`
}

// Backend implements backend.Adapter on the local filesystem. Object bodies
// live under <root>/<bucket>/<key>; metadata sidecars and multipart state
// live in parallel trees so they never show up in listings.
type Backend struct {
	rootPath string
}

const (
	metaDir    = ".meta"
	uploadsDir = ".uploads"

	defaultPageSize = 1000
)

// sidecar is the persisted per-object metadata.
type sidecar struct {
	ContentType  string `json:"content_type"`
	CacheControl string `json:"cache_control"`
	ETag         string `json:"etag"`
}

type uploadSession struct {
	Key          string `json:"key"`
	Version      string `json:"version"`
	ContentType  string `json:"content_type"`
	CacheControl string `json:"cache_control"`
}

// New creates a local filesystem backend rooted at cfg.RootPath.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, err)
	}
	return &Backend{rootPath: cfg.RootPath}, nil
}

func (b *Backend) dataPath(bucket, key string) string {
	return filepath.Join(b.rootPath, bucket, filepath.FromSlash(key))
}

func (b *Backend) metaPath(bucket, key string) string {
	return filepath.Join(b.rootPath, metaDir, bucket, filepath.FromSlash(key)+".json")
}

func (b *Backend) uploadPath(bucket, uploadID string) string {
	return filepath.Join(b.rootPath, uploadsDir, bucket, uploadID)
}

// List walks the bucket directory and returns one page of entries.
func (b *Backend) List(_ context.Context, bucket string, opts backend.ListOptions) (*backend.ListPage, error) {
	root := filepath.Join(b.rootPath, bucket)

	var entries []backend.ListEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := filepath.ToSlash(strings.TrimPrefix(path, root+string(os.PathSeparator)))
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			return nil
		}
		if opts.Delimiter != "" {
			rest := strings.TrimPrefix(name, opts.Prefix)
			if strings.Contains(rest, opts.Delimiter) {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !opts.BeforeDate.IsZero() && !info.ModTime().Before(opts.BeforeDate) {
			return nil
		}
		entries = append(entries, backend.ListEntry{Name: name, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bucket %s: %w", bucket, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	after := opts.StartAfter
	if opts.PageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(opts.PageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token: %w", err)
		}
		after = string(decoded)
	}
	if after != "" {
		idx := sort.Search(len(entries), func(i int) bool { return entries[i].Name > after })
		entries = entries[idx:]
	}

	page := &backend.ListPage{}
	if len(entries) > defaultPageSize {
		page.Entries = entries[:defaultPageSize]
		page.NextPageToken = base64.StdEncoding.EncodeToString([]byte(page.Entries[defaultPageSize-1].Name))
	} else {
		page.Entries = entries
	}
	return page, nil
}

// GetObject opens an object with conditional and range support.
func (b *Backend) GetObject(ctx context.Context, bucket, key, version string, opts *backend.GetOptions) (*backend.GetResult, error) {
	full := backend.KeyWithVersion(key, version)
	meta, err := b.headLocked(bucket, full)
	if err != nil {
		return nil, err
	}

	if opts != nil {
		if opts.IfNoneMatch != "" && opts.IfNoneMatch == meta.ETag {
			meta.HTTPStatusCode = http.StatusNotModified
			return &backend.GetResult{Body: io.NopCloser(strings.NewReader("")), Metadata: *meta}, nil
		}
		if !opts.IfModifiedSince.IsZero() && !meta.LastModified.After(opts.IfModifiedSince) {
			meta.HTTPStatusCode = http.StatusNotModified
			return &backend.GetResult{Body: io.NopCloser(strings.NewReader("")), Metadata: *meta}, nil
		}
	}

	f, err := os.Open(b.dataPath(bucket, full))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("get %s: %w", full, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", full, err)
	}

	meta.HTTPStatusCode = http.StatusOK
	if opts != nil && opts.Range != "" {
		start, length, err := parseRange(opts.Range, meta.Size)
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", full, err)
		}
		meta.ContentLength = length
		meta.HTTPStatusCode = http.StatusPartialContent
		return &backend.GetResult{
			Body:     &limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f},
			Metadata: *meta,
		}, nil
	}

	meta.ContentLength = meta.Size
	return &backend.GetResult{Body: f, Metadata: *meta}, nil
}

// UploadObject writes the body atomically (temp file + rename) and records
// the metadata sidecar.
func (b *Backend) UploadObject(ctx context.Context, bucket, key, version string, body io.Reader, contentType, cacheControl string) (*backend.ObjectMetadata, error) {
	full := backend.KeyWithVersion(key, version)
	path := b.dataPath(bucket, full)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dirs for %s: %w", full, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", full, err)
	}
	tmpName := tmp.Name()

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), newContextReader(ctx, body))
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", full, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close temp for %s: %w", full, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("rename temp to %s: %w", full, err)
	}

	etag := hex.EncodeToString(hash.Sum(nil))
	if err := b.writeSidecar(bucket, full, sidecar{
		ContentType:  contentType,
		CacheControl: cacheControl,
		ETag:         etag,
	}); err != nil {
		return nil, err
	}

	meta := &backend.ObjectMetadata{
		ContentType:    contentType,
		CacheControl:   cacheControl,
		ETag:           etag,
		LastModified:   time.Now(),
		ContentLength:  size,
		Size:           size,
		HTTPStatusCode: http.StatusOK,
	}
	return meta.Normalize(), nil
}

// DeleteObject removes an object and its sidecar.
func (b *Backend) DeleteObject(_ context.Context, bucket, key, version string) error {
	full := backend.KeyWithVersion(key, version)
	if err := os.Remove(b.dataPath(bucket, full)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", full, err)
	}
	if err := os.Remove(b.metaPath(bucket, full)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete sidecar %s: %w", full, err)
	}
	return nil
}

// DeleteObjects removes keys best-effort with bounded concurrency.
func (b *Backend) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	backend.BulkDelete(ctx, keys, func(ctx context.Context, key string) error {
		return b.DeleteObject(ctx, bucket, key, "")
	})
	return nil
}

// CopyObject copies an object, checking source preconditions. A copy onto
// the same key replaces the sidecar metadata.
func (b *Backend) CopyObject(ctx context.Context, bucket, source, sourceVersion, dest, destVersion string, opts backend.CopyOptions, conds *backend.CopyConditions) (*backend.ObjectMetadata, error) {
	srcFull := backend.KeyWithVersion(source, sourceVersion)
	dstFull := backend.KeyWithVersion(dest, destVersion)

	srcMeta, err := b.headLocked(bucket, srcFull)
	if err != nil {
		return nil, err
	}
	if conds != nil {
		if conds.IfMatch != "" && conds.IfMatch != srcMeta.ETag {
			return nil, fmt.Errorf("copy %s: precondition if-match failed", srcFull)
		}
		if conds.IfNoneMatch != "" && conds.IfNoneMatch == srcMeta.ETag {
			return nil, fmt.Errorf("copy %s: precondition if-none-match failed", srcFull)
		}
		if !conds.IfModifiedSince.IsZero() && !srcMeta.LastModified.After(conds.IfModifiedSince) {
			return nil, fmt.Errorf("copy %s: precondition if-modified-since failed", srcFull)
		}
		if !conds.IfUnmodifiedSince.IsZero() && srcMeta.LastModified.After(conds.IfUnmodifiedSince) {
			return nil, fmt.Errorf("copy %s: precondition if-unmodified-since failed", srcFull)
		}
	}

	contentType := srcMeta.ContentType
	cacheControl := srcMeta.CacheControl
	if opts.ContentType != "" {
		contentType = opts.ContentType
	}
	if opts.CacheControl != "" {
		cacheControl = opts.CacheControl
	}

	if srcFull == dstFull {
		// Same key: metadata replacement only, never a no-op copy.
		if err := b.writeSidecar(bucket, dstFull, sidecar{
			ContentType:  contentType,
			CacheControl: cacheControl,
			ETag:         srcMeta.ETag,
		}); err != nil {
			return nil, err
		}
		return b.HeadObject(ctx, bucket, dstFull, "")
	}

	src, err := os.Open(b.dataPath(bucket, srcFull))
	if err != nil {
		return nil, fmt.Errorf("open src %s: %w", srcFull, err)
	}
	defer src.Close()

	meta, err := b.UploadObject(ctx, bucket, dstFull, "", src, contentType, cacheControl)
	if err != nil {
		return nil, fmt.Errorf("copy %s -> %s: %w", srcFull, dstFull, err)
	}
	return meta, nil
}

// HeadObject returns normalized metadata only.
func (b *Backend) HeadObject(_ context.Context, bucket, key, version string) (*backend.ObjectMetadata, error) {
	return b.headLocked(bucket, backend.KeyWithVersion(key, version))
}

func (b *Backend) headLocked(bucket, full string) (*backend.ObjectMetadata, error) {
	info, err := os.Stat(b.dataPath(bucket, full))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("head %s: %w", full, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", full, err)
	}

	var sc sidecar
	if raw, err := os.ReadFile(b.metaPath(bucket, full)); err == nil {
		_ = json.Unmarshal(raw, &sc)
	}

	meta := &backend.ObjectMetadata{
		ContentType:    sc.ContentType,
		CacheControl:   sc.CacheControl,
		ETag:           sc.ETag,
		LastModified:   info.ModTime(),
		ContentLength:  info.Size(),
		Size:           info.Size(),
		HTTPStatusCode: http.StatusOK,
	}
	return meta.Normalize(), nil
}

// PrivateAssetURL is unsupported: the filesystem variant has no signing
// authority.
func (b *Backend) PrivateAssetURL(context.Context, string, string, string) (string, error) {
	return "", errs.ErrNotSupported
}

// CreateMultipartUpload opens an upload session directory.
func (b *Backend) CreateMultipartUpload(_ context.Context, bucket, key, version, contentType, cacheControl string) (string, error) {
	uploadID := uuid.NewString()
	dir := b.uploadPath(bucket, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload session: %w", err)
	}
	raw, err := json.Marshal(uploadSession{
		Key:          key,
		Version:      version,
		ContentType:  contentType,
		CacheControl: cacheControl,
	})
	if err != nil {
		return "", fmt.Errorf("marshal upload session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session.json"), raw, 0o644); err != nil {
		return "", fmt.Errorf("write upload session: %w", err)
	}
	return uploadID, nil
}

// UploadPart stores one part file and returns its entity tag.
func (b *Backend) UploadPart(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (string, error) {
	dir := b.uploadPath(bucket, uploadID)
	if _, err := os.Stat(filepath.Join(dir, "session.json")); err != nil {
		return "", fmt.Errorf("upload session %s: %w", uploadID, errs.ErrNotFound)
	}

	path := filepath.Join(dir, partName(partNumber))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create part %d: %w", partNumber, err)
	}

	hash := md5.New()
	reader := newContextReader(ctx, body)
	if length > 0 {
		reader = io.LimitReader(reader, length)
	}
	if _, err := io.Copy(io.MultiWriter(f, hash), reader); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write part %d: %w", partNumber, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close part %d: %w", partNumber, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// UploadPartCopy copies a byte range from another object into a part.
func (b *Backend) UploadPartCopy(ctx context.Context, bucket, uploadID, key, version string, partNumber int32, source, sourceVersion string, rng *backend.ByteRange) (*backend.CompletedPart, error) {
	srcFull := backend.KeyWithVersion(source, sourceVersion)
	src, err := os.Open(b.dataPath(bucket, srcFull))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("part copy source %s: %w", srcFull, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("open part copy source %s: %w", srcFull, err)
	}
	defer src.Close()

	var body io.Reader = src
	var length int64
	if rng != nil {
		if _, err := src.Seek(rng.Start, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek part copy source: %w", err)
		}
		length = rng.End - rng.Start + 1
		body = io.LimitReader(src, length)
	}

	etag, err := b.UploadPart(ctx, bucket, key, version, uploadID, partNumber, body, length)
	if err != nil {
		return nil, err
	}
	return &backend.CompletedPart{PartNumber: partNumber, ETag: etag}, nil
}

// CompleteMultipartUpload assembles parts by ascending part number into the
// final object and discards the session.
func (b *Backend) CompleteMultipartUpload(ctx context.Context, bucket, key, version, uploadID string, parts []backend.CompletedPart) (*backend.UploadResult, error) {
	dir := b.uploadPath(bucket, uploadID)
	raw, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return nil, fmt.Errorf("upload session %s: %w", uploadID, errs.ErrNotFound)
	}
	var session uploadSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("parse upload session: %w", err)
	}

	sorted := append([]backend.CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	readers := make([]io.Reader, 0, len(sorted))
	closers := make([]io.Closer, 0, len(sorted))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, p := range sorted {
		f, err := os.Open(filepath.Join(dir, partName(p.PartNumber)))
		if err != nil {
			return nil, fmt.Errorf("open part %d: %w", p.PartNumber, err)
		}
		closers = append(closers, f)
		readers = append(readers, f)
	}

	meta, err := b.UploadObject(ctx, bucket, key, version, io.MultiReader(readers...), session.ContentType, session.CacheControl)
	if err != nil {
		return nil, fmt.Errorf("assemble upload %s: %w", uploadID, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("discard upload session %s: %w", uploadID, err)
	}

	return &backend.UploadResult{
		ETag:     meta.ETag,
		Location: bucket + "/" + backend.KeyWithVersion(key, version),
		Version:  version,
	}, nil
}

// AbortMultipartUpload discards the session and any stored parts.
func (b *Backend) AbortMultipartUpload(_ context.Context, bucket, key, version, uploadID string) error {
	if err := os.RemoveAll(b.uploadPath(bucket, uploadID)); err != nil {
		return fmt.Errorf("abort upload %s: %w", uploadID, err)
	}
	return nil
}

// Close is a no-op for the filesystem variant.
func (b *Backend) Close() error { return nil }

func (b *Backend) writeSidecar(bucket, full string, sc sidecar) error {
	path := b.metaPath(bucket, full)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sidecar dirs for %s: %w", full, err)
	}
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal sidecar for %s: %w", full, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write sidecar for %s: %w", full, err)
	}
	return nil
}

func partName(n int32) string {
	return fmt.Sprintf("part-%05d", n)
}

// parseRange handles "bytes=start-end" (end optional) against size.
func parseRange(spec string, size int64) (start, length int64, err error) {
	raw, ok := strings.CutPrefix(spec, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range %q", spec)
	}
	lo, hi, ok := strings.Cut(raw, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", spec)
	}
	start, err = strconv.ParseInt(lo, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, fmt.Errorf("invalid range start %q", spec)
	}
	end := size - 1
	if hi != "" {
		end, err = strconv.ParseInt(hi, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("invalid range end %q", spec)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return start, end - start + 1, nil
}

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// contextReader aborts an in-flight transfer when ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func newContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

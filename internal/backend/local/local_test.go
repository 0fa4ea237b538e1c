package local

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/SEESAI/supabase-storage/internal/backend"
	"github.com/SEESAI/supabase-storage/internal/errs"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b
}

func mustUpload(t *testing.T, b *Backend, bucket, key, version, body, contentType string) *backend.ObjectMetadata {
	t.Helper()
	meta, err := b.UploadObject(context.Background(), bucket, key, version, strings.NewReader(body), contentType, "")
	if err != nil {
		t.Fatalf("upload %s: %v", key, err)
	}
	return meta
}

func TestUploadGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	body := "hello blob storage"

	meta := mustUpload(t, b, "bkt", "tenant/photos/cat.jpg", "v1", body, "image/jpeg")
	if meta.Size != int64(len(body)) {
		t.Errorf("size = %d, want %d", meta.Size, len(body))
	}
	sum := md5.Sum([]byte(body))
	if meta.ETag != hex.EncodeToString(sum[:]) {
		t.Errorf("etag = %q", meta.ETag)
	}

	res, err := b.GetObject(context.Background(), "bkt", "tenant/photos/cat.jpg", "v1", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	got, _ := io.ReadAll(res.Body)
	if string(got) != body {
		t.Errorf("body = %q", got)
	}
	if res.Metadata.ContentType != "image/jpeg" {
		t.Errorf("content type = %q", res.Metadata.ContentType)
	}
	if res.Metadata.HTTPStatusCode != http.StatusOK {
		t.Errorf("status = %d", res.Metadata.HTTPStatusCode)
	}
}

func TestUploadNormalizesMetadata(t *testing.T) {
	b := newTestBackend(t)
	meta := mustUpload(t, b, "bkt", "obj", "", "data", "")
	if meta.ContentType != backend.DefaultContentType {
		t.Errorf("content type = %q", meta.ContentType)
	}
	if meta.CacheControl != backend.DefaultCacheControl {
		t.Errorf("cache control = %q", meta.CacheControl)
	}
}

func TestGetObjectNotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetObject(context.Background(), "bkt", "missing", "", nil)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetObjectConditional(t *testing.T) {
	b := newTestBackend(t)
	meta := mustUpload(t, b, "bkt", "obj", "", "data", "text/plain")

	res, err := b.GetObject(context.Background(), "bkt", "obj", "", &backend.GetOptions{IfNoneMatch: meta.ETag})
	if err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	defer res.Body.Close()
	if res.Metadata.HTTPStatusCode != http.StatusNotModified {
		t.Errorf("status = %d, want 304", res.Metadata.HTTPStatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if len(body) != 0 {
		t.Errorf("304 response carried a body: %q", body)
	}
}

func TestGetObjectRange(t *testing.T) {
	b := newTestBackend(t)
	mustUpload(t, b, "bkt", "obj", "", "0123456789", "text/plain")

	res, err := b.GetObject(context.Background(), "bkt", "obj", "", &backend.GetOptions{Range: "bytes=2-5"})
	if err != nil {
		t.Fatalf("range get: %v", err)
	}
	defer res.Body.Close()
	got, _ := io.ReadAll(res.Body)
	if string(got) != "2345" {
		t.Errorf("body = %q, want 2345", got)
	}
	if res.Metadata.ContentLength != 4 {
		t.Errorf("content length = %d, want 4", res.Metadata.ContentLength)
	}
	if res.Metadata.HTTPStatusCode != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", res.Metadata.HTTPStatusCode)
	}

	// Open-ended range runs to the end.
	res, err = b.GetObject(context.Background(), "bkt", "obj", "", &backend.GetOptions{Range: "bytes=7-"})
	if err != nil {
		t.Fatalf("open range get: %v", err)
	}
	defer res.Body.Close()
	got, _ = io.ReadAll(res.Body)
	if string(got) != "789" {
		t.Errorf("body = %q, want 789", got)
	}

	if _, err := b.GetObject(context.Background(), "bkt", "obj", "", &backend.GetOptions{Range: "bytes=99-"}); err == nil {
		t.Error("out-of-bounds range should fail")
	}
}

func TestDeleteObject(t *testing.T) {
	b := newTestBackend(t)
	mustUpload(t, b, "bkt", "obj", "v1", "data", "")

	if err := b.DeleteObject(context.Background(), "bkt", "obj", "v1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.HeadObject(context.Background(), "bkt", "obj", "v1"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("head after delete = %v, want ErrNotFound", err)
	}

	// Deleting an absent object is not an error.
	if err := b.DeleteObject(context.Background(), "bkt", "never-existed", ""); err != nil {
		t.Errorf("delete absent: %v", err)
	}
}

func TestDeleteObjects(t *testing.T) {
	b := newTestBackend(t)
	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		mustUpload(t, b, "bkt", k, "", "data", "")
	}

	if err := b.DeleteObjects(context.Background(), "bkt", append(keys, "missing")); err != nil {
		t.Fatalf("delete objects: %v", err)
	}
	for _, k := range keys {
		if _, err := b.HeadObject(context.Background(), "bkt", k, ""); !errors.Is(err, errs.ErrNotFound) {
			t.Errorf("%s still present after bulk delete", k)
		}
	}
}

func TestListPrefixAndDelimiter(t *testing.T) {
	b := newTestBackend(t)
	for _, k := range []string{"a/one.txt", "a/sub/two.txt", "b/three.txt"} {
		mustUpload(t, b, "bkt", k, "", "data", "")
	}

	page, err := b.List(context.Background(), "bkt", backend.ListOptions{Prefix: "a/", Delimiter: "/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Name != "a/one.txt" {
		t.Errorf("entries = %+v", page.Entries)
	}

	page, err = b.List(context.Background(), "bkt", backend.ListOptions{Prefix: "a/"})
	if err != nil {
		t.Fatalf("list without delimiter: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Errorf("entries = %+v", page.Entries)
	}
}

func TestListStartAfterAndPageToken(t *testing.T) {
	b := newTestBackend(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		mustUpload(t, b, "bkt", k, "", "data", "")
	}

	page, err := b.List(context.Background(), "bkt", backend.ListOptions{StartAfter: "b"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Entries) != 2 || page.Entries[0].Name != "c" {
		t.Errorf("entries = %+v", page.Entries)
	}

	token := base64.StdEncoding.EncodeToString([]byte("c"))
	page, err = b.List(context.Background(), "bkt", backend.ListOptions{PageToken: token})
	if err != nil {
		t.Fatalf("list with token: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Name != "d" {
		t.Errorf("entries = %+v", page.Entries)
	}

	if _, err := b.List(context.Background(), "bkt", backend.ListOptions{PageToken: "!!not-base64!!"}); err == nil {
		t.Error("malformed page token should fail")
	}
}

func TestListEmptyBucket(t *testing.T) {
	b := newTestBackend(t)
	page, err := b.List(context.Background(), "nothing-here", backend.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Entries) != 0 || page.NextPageToken != "" {
		t.Errorf("page = %+v", page)
	}
}

func TestCopyObject(t *testing.T) {
	b := newTestBackend(t)
	srcMeta := mustUpload(t, b, "bkt", "src", "", "payload", "text/plain")

	meta, err := b.CopyObject(context.Background(), "bkt", "src", "", "dst", "", backend.CopyOptions{}, nil)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if meta.ETag != srcMeta.ETag {
		t.Errorf("etag = %q, want %q", meta.ETag, srcMeta.ETag)
	}

	res, err := b.GetObject(context.Background(), "bkt", "dst", "", nil)
	if err != nil {
		t.Fatalf("get copy: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "payload" {
		t.Errorf("body = %q", body)
	}
}

func TestCopyObjectPreconditions(t *testing.T) {
	b := newTestBackend(t)
	meta := mustUpload(t, b, "bkt", "src", "", "payload", "text/plain")

	_, err := b.CopyObject(context.Background(), "bkt", "src", "", "dst", "",
		backend.CopyOptions{}, &backend.CopyConditions{IfMatch: "wrong-etag"})
	if err == nil {
		t.Error("if-match mismatch should fail")
	}

	_, err = b.CopyObject(context.Background(), "bkt", "src", "", "dst", "",
		backend.CopyOptions{}, &backend.CopyConditions{IfNoneMatch: meta.ETag})
	if err == nil {
		t.Error("if-none-match hit should fail")
	}
}

func TestCopyObjectSameKeyReplacesMetadata(t *testing.T) {
	b := newTestBackend(t)
	mustUpload(t, b, "bkt", "obj", "", "payload", "text/plain")

	meta, err := b.CopyObject(context.Background(), "bkt", "obj", "", "obj", "",
		backend.CopyOptions{ContentType: "application/json", CacheControl: "max-age=300"}, nil)
	if err != nil {
		t.Fatalf("same-key copy: %v", err)
	}
	if meta.ContentType != "application/json" || meta.CacheControl != "max-age=300" {
		t.Errorf("metadata not replaced: %+v", meta)
	}

	// The body is untouched.
	res, err := b.GetObject(context.Background(), "bkt", "obj", "", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "payload" {
		t.Errorf("body = %q", body)
	}
}

func TestPrivateAssetURLUnsupported(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.PrivateAssetURL(context.Background(), "bkt", "obj", "")
	if !errors.Is(err, errs.ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}

func TestMultipartUpload(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "bkt", "big", "v1", "application/zip", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	etag2, err := b.UploadPart(ctx, "bkt", "big", "v1", uploadID, 2, strings.NewReader("world"), 5)
	if err != nil {
		t.Fatalf("part 2: %v", err)
	}
	etag1, err := b.UploadPart(ctx, "bkt", "big", "v1", uploadID, 1, strings.NewReader("hello "), 6)
	if err != nil {
		t.Fatalf("part 1: %v", err)
	}

	// Parts complete in submitted order but assemble by part number.
	result, err := b.CompleteMultipartUpload(ctx, "bkt", "big", "v1", uploadID, []backend.CompletedPart{
		{PartNumber: 2, ETag: etag2},
		{PartNumber: 1, ETag: etag1},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.Version != "v1" {
		t.Errorf("version = %q", result.Version)
	}

	res, err := b.GetObject(ctx, "bkt", "big", "v1", nil)
	if err != nil {
		t.Fatalf("get assembled: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello world" {
		t.Errorf("body = %q", body)
	}
	if res.Metadata.ContentType != "application/zip" {
		t.Errorf("content type = %q", res.Metadata.ContentType)
	}

	// The session is gone after completion.
	if _, err := b.UploadPart(ctx, "bkt", "big", "v1", uploadID, 3, strings.NewReader("x"), 1); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("part after complete = %v, want ErrNotFound", err)
	}
}

func TestMultipartUploadPartCopy(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	mustUpload(t, b, "bkt", "src", "", "0123456789", "")

	uploadID, err := b.CreateMultipartUpload(ctx, "bkt", "dst", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	part, err := b.UploadPartCopy(ctx, "bkt", uploadID, "dst", "", 1, "src", "", &backend.ByteRange{Start: 3, End: 6})
	if err != nil {
		t.Fatalf("part copy: %v", err)
	}

	result, err := b.CompleteMultipartUpload(ctx, "bkt", "dst", "", uploadID, []backend.CompletedPart{*part})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	_ = result

	res, err := b.GetObject(ctx, "bkt", "dst", "", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "3456" {
		t.Errorf("body = %q, want 3456", body)
	}
}

func TestAbortMultipartUpload(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "bkt", "obj", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.UploadPart(ctx, "bkt", "obj", "", uploadID, 1, strings.NewReader("data"), 4); err != nil {
		t.Fatalf("part: %v", err)
	}

	if err := b.AbortMultipartUpload(ctx, "bkt", "obj", "", uploadID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := b.UploadPart(ctx, "bkt", "obj", "", uploadID, 2, strings.NewReader("x"), 1); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("part after abort = %v, want ErrNotFound", err)
	}
}

func TestUploadCancelledContext(t *testing.T) {
	b := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.UploadObject(ctx, "bkt", "obj", "", strings.NewReader("data"), "", "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSidecarsExcludedFromListing(t *testing.T) {
	b := newTestBackend(t)
	mustUpload(t, b, "bkt", "obj", "", "data", "text/plain")

	page, err := b.List(context.Background(), "bkt", backend.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, e := range page.Entries {
		if strings.Contains(e.Name, ".meta") || strings.HasSuffix(e.Name, ".json") {
			t.Errorf("sidecar leaked into listing: %q", e.Name)
		}
	}
	if len(page.Entries) != 1 {
		t.Errorf("entries = %+v", page.Entries)
	}
}

package signedurl

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/SEESAI/supabase-storage/internal/backend"
	"github.com/SEESAI/supabase-storage/internal/errs"
	"github.com/SEESAI/supabase-storage/internal/signer"
)

func testSigner() *signer.Signer {
	return &signer.Signer{
		Identity:    "gateway@example.test",
		Region:      "auto",
		Service:     "storage",
		RequestType: "sig4_request",
		SignBlob: func(context.Context, []byte) ([]byte, error) {
			return []byte("sig"), nil
		},
	}
}

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b, err := New(Config{Endpoint: srv.URL, Signer: testSigner(), Client: srv.Client()})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b
}

func TestRequestsAreSigned(t *testing.T) {
	var auth, date string
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		date = r.Header.Get("X-Sign-Date")
		w.Header().Set("ETag", "abc")
		w.WriteHeader(http.StatusOK)
	})

	if _, err := b.HeadObject(context.Background(), "bkt", "obj", "v1"); err != nil {
		t.Fatalf("head: %v", err)
	}
	if !strings.HasPrefix(auth, signer.Algorithm+" Credential=gateway@example.test/") {
		t.Errorf("authorization = %q", auth)
	}
	if date == "" {
		t.Error("request not date-stamped")
	}
}

func TestGetObject(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bkt/dir/obj.txt/v1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("ETag", "etag-1")
		w.Write([]byte("payload"))
	})

	res, err := b.GetObject(context.Background(), "bkt", "dir/obj.txt", "v1", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "payload" {
		t.Errorf("body = %q", body)
	}
	if res.Metadata.ContentType != "text/plain" || res.Metadata.ETag != "etag-1" {
		t.Errorf("metadata = %+v", res.Metadata)
	}
}

func TestNotFoundMapping(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such key", http.StatusNotFound)
	})

	_, err := b.HeadObject(context.Background(), "bkt", "missing", "")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestErrorStatusCarriesBodySnippet(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "remote exploded", http.StatusInternalServerError)
	})

	err := b.DeleteObject(context.Background(), "bkt", "obj", "")
	if err == nil || !strings.Contains(err.Error(), "remote exploded") {
		t.Errorf("err = %v", err)
	}
}

func TestListDecodesXML(t *testing.T) {
	const listing = `<?xml version="1.0"?>
<ListBucketResult>
  <IsTruncated>true</IsTruncated>
  <NextContinuationToken>tok-2</NextContinuationToken>
  <Contents><Key>a.txt</Key><Size>3</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>
  <Contents><Key>b.txt</Key><Size>7</Size><LastModified>2026-02-01T00:00:00Z</LastModified></Contents>
</ListBucketResult>`

	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("prefix") != "a" {
			t.Errorf("prefix = %q", r.URL.Query().Get("prefix"))
		}
		w.Write([]byte(listing))
	})

	page, err := b.List(context.Background(), "bkt", backend.ListOptions{Prefix: "a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Entries) != 2 || page.Entries[0].Name != "a.txt" || page.Entries[1].Size != 7 {
		t.Errorf("entries = %+v", page.Entries)
	}
	if page.NextPageToken != "tok-2" {
		t.Errorf("token = %q", page.NextPageToken)
	}
}

func TestListBeforeDateFilter(t *testing.T) {
	const listing = `<?xml version="1.0"?>
<ListBucketResult>
  <Contents><Key>old.txt</Key><Size>1</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>
  <Contents><Key>new.txt</Key><Size>1</Size><LastModified>2026-06-01T00:00:00Z</LastModified></Contents>
</ListBucketResult>`

	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listing))
	})

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := b.List(context.Background(), "bkt", backend.ListOptions{BeforeDate: cutoff})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Name != "old.txt" {
		t.Errorf("entries = %+v", page.Entries)
	}
}

func TestMultipartFlow(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			w.Write([]byte(`<InitiateMultipartUploadResult><UploadId>up-1</UploadId></InitiateMultipartUploadResult>`))
		case r.Method == http.MethodPut && q.Get("partNumber") != "":
			w.Header().Set("ETag", "part-etag-"+q.Get("partNumber"))
		case r.Method == http.MethodPost && q.Get("uploadId") == "up-1":
			raw, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(raw), "<PartNumber>1</PartNumber>") {
				t.Errorf("complete payload = %s", raw)
			}
			w.Write([]byte(`<CompleteMultipartUploadResult><Location>/bkt/obj</Location><ETag>final</ETag></CompleteMultipartUploadResult>`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	ctx := context.Background()
	uploadID, err := b.CreateMultipartUpload(ctx, "bkt", "obj", "v1", "application/zip", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if uploadID != "up-1" {
		t.Errorf("upload id = %q", uploadID)
	}

	etag, err := b.UploadPart(ctx, "bkt", "obj", "v1", uploadID, 1, strings.NewReader("data"), 4)
	if err != nil {
		t.Fatalf("part: %v", err)
	}
	if etag != "part-etag-1" {
		t.Errorf("etag = %q", etag)
	}

	result, err := b.CompleteMultipartUpload(ctx, "bkt", "obj", "v1", uploadID, []backend.CompletedPart{{PartNumber: 1, ETag: etag}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.ETag != "final" || result.Version != "v1" {
		t.Errorf("result = %+v", result)
	}
}

// opaqueReader hides any Len/Seek methods so net/http cannot infer the
// body length on its own.
type opaqueReader struct{ r io.Reader }

func (o opaqueReader) Read(p []byte) (int, error) { return o.r.Read(p) }

func TestUploadPartTransmitsSignedContentLength(t *testing.T) {
	var contentLength int64
	var transferEncoding []string
	var auth string
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		contentLength = r.ContentLength
		transferEncoding = r.TransferEncoding
		auth = r.Header.Get("Authorization")
		io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", "part-etag")
	})

	etag, err := b.UploadPart(context.Background(), "bkt", "obj", "v1", "up-1", 1, opaqueReader{strings.NewReader("hello")}, 5)
	if err != nil {
		t.Fatalf("part: %v", err)
	}
	if etag != "part-etag" {
		t.Errorf("etag = %q", etag)
	}
	// The length the signature covers must be the length on the wire.
	if contentLength != 5 {
		t.Errorf("content length = %d, want 5", contentLength)
	}
	if len(transferEncoding) != 0 {
		t.Errorf("transfer encoding = %v, want none", transferEncoding)
	}
	if !strings.Contains(auth, "content-length") {
		t.Errorf("authorization = %q, content-length not signed", auth)
	}
}

func TestPrivateAssetURL(t *testing.T) {
	b, err := New(Config{Endpoint: "https://blob.example.test", Signer: testSigner()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	raw, err := b.PrivateAssetURL(context.Background(), "bkt", "dir/obj.txt", "v1")
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "blob.example.test" || u.Path != "/bkt/dir/obj.txt/v1" {
		t.Errorf("url = %q", raw)
	}
	if u.Query().Get("X-Sign-Signature") == "" {
		t.Error("missing signature parameter")
	}
	// The private asset window is the shared 600s expiry.
	if u.Query().Get("X-Sign-Expires") != "600" {
		t.Errorf("expires = %q", u.Query().Get("X-Sign-Expires"))
	}
}

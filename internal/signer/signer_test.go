package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func testSigner(calls *int) *Signer {
	return &Signer{
		Identity:    "gateway@example.test",
		Region:      "auto",
		Service:     "storage",
		RequestType: "sig4_request",
		Now:         fixedNow,
		SignBlob: func(ctx context.Context, payload []byte) ([]byte, error) {
			if calls != nil {
				*calls++
			}
			return []byte("fixed-signature"), nil
		},
	}
}

func TestPresignedURLQueryParams(t *testing.T) {
	s := testSigner(nil)

	raw, err := s.PresignedURL(context.Background(), &Request{
		Method: "GET",
		Host:   "blob.example.test",
		Path:   "/bucket/object.txt",
	}, 0)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	q := u.Query()

	if got := q.Get(qpAlgorithm); got != Algorithm {
		t.Errorf("algorithm = %q, want %q", got, Algorithm)
	}
	wantCred := "gateway@example.test/20260314/auto/storage/sig4_request"
	if got := q.Get(qpCredential); got != wantCred {
		t.Errorf("credential = %q, want %q", got, wantCred)
	}
	if got := q.Get(qpDate); got != "20260314T092653Z" {
		t.Errorf("date = %q", got)
	}
	// Zero expiry selects the default.
	if got := q.Get(qpExpires); got != "900" {
		t.Errorf("expires = %q, want 900", got)
	}
	if got := q.Get(qpSignedHeaders); got != "host" {
		t.Errorf("signed headers = %q, want host", got)
	}
	if got := q.Get(qpSignature); got != hex.EncodeToString([]byte("fixed-signature")) {
		t.Errorf("signature = %q", got)
	}
	if u.Scheme != "https" || u.Host != "blob.example.test" {
		t.Errorf("url = %s://%s", u.Scheme, u.Host)
	}
}

func TestPresignedURLExpiryCeiling(t *testing.T) {
	calls := 0
	s := testSigner(&calls)
	req := &Request{Method: "GET", Host: "blob.example.test", Path: "/b/o"}

	if _, err := s.PresignedURL(context.Background(), req, MaxExpiry); err != nil {
		t.Fatalf("max expiry should sign: %v", err)
	}
	if calls != 1 {
		t.Fatalf("signing calls = %d, want 1", calls)
	}

	_, err := s.PresignedURL(context.Background(), req, MaxExpiry+time.Second)
	if err == nil {
		t.Fatal("expiry above ceiling should fail")
	}
	// Validation must reject before the signing identity is consulted.
	if calls != 1 {
		t.Errorf("signing calls = %d after rejected expiry, want 1", calls)
	}
}

func TestPresignedURLHoistsHeaders(t *testing.T) {
	s := testSigner(nil)

	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	headers.Set("Authorization", "Bearer nope")
	headers.Set("Host", "ignored.example.test")

	raw, err := s.PresignedURL(context.Background(), &Request{
		Method:  "PUT",
		Host:    "blob.example.test",
		Path:    "/b/o",
		Headers: headers,
	}, time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()

	// Hoistable headers move into the query string.
	if got := q.Get("Content-Type"); got != "text/plain" {
		t.Errorf("hoisted Content-Type = %q", got)
	}
	// Unsignable headers are dropped entirely.
	if q.Get("Authorization") != "" {
		t.Error("authorization should not be hoisted")
	}
	// Host stays in the header block.
	if got := q.Get(qpSignedHeaders); got != "host" {
		t.Errorf("signed headers = %q, want host", got)
	}
}

func TestPresignedURLSignableHeaderOverride(t *testing.T) {
	s := testSigner(nil)

	headers := http.Header{}
	headers.Set("User-Agent", "test-agent")

	raw, err := s.PresignedURL(context.Background(), &Request{
		Method:          "GET",
		Host:            "blob.example.test",
		Path:            "/b/o",
		Headers:         headers,
		SignableHeaders: map[string]bool{"user-agent": true},
	}, time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, _ := url.Parse(raw)
	if got := u.Query().Get("User-Agent"); got != "test-agent" {
		t.Errorf("forced-signable header not hoisted, got %q", got)
	}
}

func TestCanonicalQueryStringOrdering(t *testing.T) {
	q := url.Values{}
	q.Add("prefix", "a b+c")
	q.Add("delimiter", "/")
	q.Add("prefix", "a a")

	got := canonicalQueryString(q)
	want := "delimiter=%2F&prefix=a%20a&prefix=a%20b%2Bc"
	if got != want {
		t.Errorf("canonical query = %q, want %q", got, want)
	}
}

func TestPercentEncode(t *testing.T) {
	cases := []struct{ in, want string }{
		{"abc-._~123", "abc-._~123"},
		{"a b", "a%20b"},
		{"a+b", "a%2Bb"},
		{"a/b", "a%2Fb"},
		{"\u00e9", "%C3%A9"},
	}
	for _, c := range cases {
		if got := percentEncode(c.in); got != c.want {
			t.Errorf("percentEncode(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalHeaderBlock(t *testing.T) {
	h := http.Header{}
	h["content-type"] = []string{"text/plain"}
	h["host"] = []string{"example.test"}
	h["x-meta"] = []string{"  spaced   out  ", "second"}

	got := canonicalHeaderBlock(h)
	want := "content-type:text/plain\nhost:example.test\nx-meta:spaced out,second\n"
	if got != want {
		t.Errorf("header block = %q, want %q", got, want)
	}
}

func TestSignHTTP(t *testing.T) {
	s := testSigner(nil)

	r, _ := http.NewRequest("GET", "https://blob.example.test/b/o?uploads=", nil)
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("Content-Type", "application/xml")

	if err := s.SignHTTP(context.Background(), r, ""); err != nil {
		t.Fatalf("sign: %v", err)
	}

	if r.Header.Get("X-Sign-Date") != "20260314T092653Z" {
		t.Errorf("date header = %q", r.Header.Get("X-Sign-Date"))
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, Algorithm+" Credential=gateway@example.test/20260314/auto/storage/sig4_request") {
		t.Errorf("authorization = %q", auth)
	}
	// user-agent is unsignable for API requests.
	if strings.Contains(auth, "user-agent") {
		t.Errorf("user-agent leaked into signed headers: %q", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=content-type;host;x-sign-date") {
		t.Errorf("signed headers wrong: %q", auth)
	}
}

func TestCredentialScope(t *testing.T) {
	s := testSigner(nil)
	got := s.CredentialScope(fixedNow())
	if got != "20260314/auto/storage/sig4_request" {
		t.Errorf("scope = %q", got)
	}
}

func TestRSASignBlobVerifies(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sign := RSASignBlob(key)

	payload := []byte("string-to-sign")
	sig1, err := sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig2, err := sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	// PKCS#1 v1.5 signatures are deterministic, so signed URLs are stable.
	if !strings.EqualFold(hex.EncodeToString(sig1), hex.EncodeToString(sig2)) {
		t.Error("signatures differ for identical payloads")
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig1); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestParseRSAPrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if _, err := ParseRSAPrivateKey(pkcs1); err != nil {
		t.Errorf("pkcs1: %v", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if _, err := ParseRSAPrivateKey(pkcs8); err != nil {
		t.Errorf("pkcs8: %v", err)
	}

	if _, err := ParseRSAPrivateKey([]byte("not a key")); err == nil {
		t.Error("garbage input should fail")
	}
}

// Package signer implements V4-style canonical request signing for the
// signed-URL storage backend. Requests are authenticated by an asymmetric
// signing identity (the private key never needs to be shared with the
// remote store), both for outbound API calls and for caller-facing
// presigned URLs.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// Algorithm identifies the signing scheme in credentials and URLs.
	Algorithm = "SIG4-RSA-SHA256"

	// UnsignedPayload is the payload-hash sentinel for streaming bodies.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// DefaultExpiry is applied when a presign request does not set one.
	DefaultExpiry = 900 * time.Second

	// MaxExpiry is the hard ceiling (7 days). Larger values fail validation
	// before any signing call is attempted.
	MaxExpiry = 604800 * time.Second

	qpAlgorithm     = "X-Sign-Algorithm"
	qpCredential    = "X-Sign-Credential"
	qpDate          = "X-Sign-Date"
	qpExpires       = "X-Sign-Expires"
	qpSignedHeaders = "X-Sign-SignedHeaders"
	qpSignature     = "X-Sign-Signature"

	timestampFormat = "20060102T150405Z"
	dateFormat      = "20060102"
)

// unhoistableHeaders must stay in the header block when presigning; every
// other header is moved into the query string.
var unhoistableHeaders = map[string]bool{
	"host": true,
}

// unsignableHeaders are dropped from signing unless explicitly marked
// signable on the request.
var unsignableHeaders = map[string]bool{
	"authorization":   true,
	"user-agent":      true,
	"expect":          true,
	"x-amzn-trace-id": true,
}

// SignBlobFunc produces a signature over the string-to-sign using the
// asymmetric signing identity (e.g. an RSA private key or a remote signer).
type SignBlobFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Signer holds the signing identity and scope parameters.
type Signer struct {
	// Identity is the credential id embedded in signed requests.
	Identity string
	// Region and Service form the credential scope together with the date
	// and RequestType.
	Region      string
	Service     string
	RequestType string
	// SignBlob signs the string-to-sign.
	SignBlob SignBlobFunc
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Request describes the HTTP request being signed.
type Request struct {
	Method  string
	Scheme  string // defaults to "https"
	Host    string
	Path    string
	Query   url.Values
	Headers http.Header
	// PayloadHash is the hex SHA-256 of the body, or empty for
	// UNSIGNED-PAYLOAD.
	PayloadHash string
	// SignableHeaders forces normally unsignable headers into the signature.
	SignableHeaders map[string]bool
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CredentialScope returns date/region/service/requestType for t.
func (s *Signer) CredentialScope(t time.Time) string {
	return strings.Join([]string{
		t.UTC().Format(dateFormat), s.Region, s.Service, s.RequestType,
	}, "/")
}

// PresignedURL builds a presigned URL valid for expiry. An expiry of zero
// selects DefaultExpiry; values above MaxExpiry are rejected before the
// signing identity is consulted.
func (s *Signer) PresignedURL(ctx context.Context, req *Request, expiry time.Duration) (string, error) {
	if expiry == 0 {
		expiry = DefaultExpiry
	}
	if expiry < 0 || expiry > MaxExpiry {
		return "", fmt.Errorf("signed url expiry %s out of range (max %s)", expiry, MaxExpiry)
	}

	now := s.now().UTC()
	scope := s.CredentialScope(now)

	query := cloneValues(req.Query)
	headers := hoistHeaders(req, query)
	signedHeaderList := signedHeaderNames(headers)

	query.Set(qpAlgorithm, Algorithm)
	query.Set(qpCredential, s.Identity+"/"+scope)
	query.Set(qpDate, now.Format(timestampFormat))
	query.Set(qpExpires, strconv.FormatInt(int64(expiry/time.Second), 10))
	query.Set(qpSignedHeaders, signedHeaderList)

	canonicalQS := canonicalQueryString(query)
	payloadHash := req.PayloadHash
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}

	canonical := canonicalRequest(req.Method, req.Path, canonicalQS, headers, signedHeaderList, payloadHash)
	signature, err := s.sign(ctx, now, scope, canonical)
	if err != nil {
		return "", err
	}

	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + req.Host + req.Path + "?" + canonicalQS + "&" + qpSignature + "=" + signature, nil
}

// SignHTTP signs an outbound API request in place via the Authorization
// header. The body must already be hashed into payloadHash (or empty for
// UNSIGNED-PAYLOAD).
func (s *Signer) SignHTTP(ctx context.Context, r *http.Request, payloadHash string) error {
	now := s.now().UTC()
	scope := s.CredentialScope(now)

	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}
	r.Header.Set("X-Sign-Date", now.Format(timestampFormat))

	headers := make(http.Header, len(r.Header)+1)
	for name, vals := range r.Header {
		lower := strings.ToLower(name)
		if unsignableHeaders[lower] {
			continue
		}
		headers[lower] = vals
	}
	headers.Set("host", r.Host)
	signedHeaderList := signedHeaderNames(headers)

	canonical := canonicalRequest(r.Method, r.URL.EscapedPath(), canonicalQueryString(r.URL.Query()), headers, signedHeaderList, payloadHash)
	signature, err := s.sign(ctx, now, scope, canonical)
	if err != nil {
		return err
	}

	r.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, s.Identity, scope, signedHeaderList, signature))
	return nil
}

func (s *Signer) sign(ctx context.Context, now time.Time, scope, canonical string) (string, error) {
	digest := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		Algorithm,
		now.Format(timestampFormat),
		scope,
		hex.EncodeToString(digest[:]),
	}, "\n")

	raw, err := s.SignBlob(ctx, []byte(stringToSign))
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// hoistHeaders moves every hoistable header from req into query and returns
// the canonical header set (lower-cased names) left behind. The host header
// is always present and always signed.
func hoistHeaders(req *Request, query url.Values) http.Header {
	headers := make(http.Header)
	for name, vals := range req.Headers {
		lower := strings.ToLower(name)
		if unsignableHeaders[lower] && !req.SignableHeaders[lower] {
			continue
		}
		if unhoistableHeaders[lower] {
			headers[lower] = vals
			continue
		}
		for _, v := range vals {
			query.Add(name, v)
		}
	}
	headers.Set("host", req.Host)
	return headers
}

// canonicalRequest joins the canonical components with newlines. headers must
// already be lower-cased.
func canonicalRequest(method, path, canonicalQS string, headers http.Header, signedHeaderList, payloadHash string) string {
	return strings.Join([]string{
		method,
		path,
		canonicalQS,
		canonicalHeaderBlock(headers),
		signedHeaderList,
		payloadHash,
	}, "\n")
}

// canonicalHeaderBlock renders name:value lines, sorted by name, values
// whitespace-collapsed, terminated by a newline.
func canonicalHeaderBlock(headers http.Header) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		for i, v := range headers[name] {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(collapseWhitespace(v))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func signedHeaderNames(headers http.Header) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)
	return strings.Join(names, ";")
}

// canonicalQueryString percent-encodes and lexicographically sorts all query
// parameters (by encoded name, then encoded value).
func canonicalQueryString(query url.Values) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(query))
	for name, vals := range query {
		ek := percentEncode(name)
		for _, v := range vals {
			pairs = append(pairs, pair{ek, percentEncode(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// percentEncode implements strict RFC 3986 encoding: unreserved characters
// pass through, everything else (including space and '+') is %XX.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

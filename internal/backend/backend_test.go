package backend

import "testing"

func TestKeyWithVersion(t *testing.T) {
	if got := KeyWithVersion("tenant/bucket/name", "v1"); got != "tenant/bucket/name/v1" {
		t.Errorf("got %q", got)
	}
	// No version, no suffix.
	if got := KeyWithVersion("tenant/bucket/name", ""); got != "tenant/bucket/name" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	m := (&ObjectMetadata{}).Normalize()
	if m.ContentType != DefaultContentType {
		t.Errorf("content type = %q", m.ContentType)
	}
	if m.CacheControl != DefaultCacheControl {
		t.Errorf("cache control = %q", m.CacheControl)
	}

	m = (&ObjectMetadata{ContentType: "image/png", CacheControl: "max-age=60"}).Normalize()
	if m.ContentType != "image/png" || m.CacheControl != "max-age=60" {
		t.Errorf("explicit values overridden: %+v", m)
	}
}

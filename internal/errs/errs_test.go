package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	policy := fmt.Errorf("probe: %w", &PolicyDeniedError{Bucket: "b", Name: "o", Err: errors.New("rls")})
	if !IsPolicyDenied(policy) {
		t.Error("wrapped PolicyDeniedError should classify as policy denied")
	}
	if IsPolicyDenied(errors.New("permission denied")) {
		t.Error("plain text should not classify as policy denied")
	}

	mime := fmt.Errorf("validate: %w", &InvalidMimeTypeError{MimeType: "bogus"})
	if !IsInvalidMimeType(mime) {
		t.Error("wrapped InvalidMimeTypeError should classify")
	}

	tooLarge := fmt.Errorf("upload: %w", &EntityTooLargeError{Entity: "body", Limit: 10})
	if !IsEntityTooLarge(tooLarge) {
		t.Error("wrapped EntityTooLargeError should classify")
	}

	if !IsLockTimeout(fmt.Errorf("lock: %w", ErrLockTimeout)) {
		t.Error("wrapped ErrLockTimeout should classify")
	}
	if IsLockTimeout(ErrDatabaseTimeout) {
		t.Error("acquisition timeout is not a lock timeout")
	}

	db := fmt.Errorf("commit: %w", &DatabaseError{Op: "upsert", Err: errors.New("boom")})
	if !IsDatabaseError(db) {
		t.Error("wrapped DatabaseError should classify")
	}
	if IsDatabaseError(errors.New("boom")) {
		t.Error("plain errors should not classify as database errors")
	}
}

func TestErrorMessages(t *testing.T) {
	pd := &PolicyDeniedError{Bucket: "pics", Name: "a.png", Err: errors.New("denied")}
	if !strings.Contains(pd.Error(), "pics/a.png") {
		t.Errorf("message = %q", pd.Error())
	}

	etl := &EntityTooLargeError{Entity: "user_metadata", Limit: 1 << 20}
	if !strings.Contains(etl.Error(), "user_metadata") || !strings.Contains(etl.Error(), "1048576") {
		t.Errorf("message = %q", etl.Error())
	}

	inner := errors.New("bad descriptor")
	de := &DatabaseError{Op: "lock", Err: inner}
	if !errors.Is(de, inner) {
		t.Error("Unwrap must expose the underlying error")
	}
}

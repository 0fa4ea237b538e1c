package uploader

import (
	"strings"

	"github.com/SEESAI/supabase-storage/internal/errs"
)

// ValidateMimeType checks mimeType against the allowed patterns. Patterns
// support a trailing wildcard subtype ("image/*"); an empty allowed set
// accepts any well-formed type.
func ValidateMimeType(mimeType string, allowed []string) error {
	mainType, subType, ok := strings.Cut(mimeType, "/")
	if !ok || mainType == "" || subType == "" {
		return &errs.InvalidMimeTypeError{MimeType: mimeType}
	}

	if len(allowed) == 0 {
		return nil
	}

	for _, pattern := range allowed {
		if pattern == "*" || pattern == "*/*" {
			return nil
		}
		patternMain, patternSub, ok := strings.Cut(pattern, "/")
		if !ok {
			continue
		}
		if !strings.EqualFold(patternMain, mainType) {
			continue
		}
		if patternSub == "*" || strings.EqualFold(patternSub, subType) {
			return nil
		}
	}
	return &errs.InvalidMimeTypeError{MimeType: mimeType}
}

package content

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"circle/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxBodyLength   = 4000
	MaxReasonLength = 200
	MaxHandleLength = 64
	MaxKindLength   = 32
)

var (
	ErrEmpty = errors.New("content is empty")

	bodyPolicy  = bluemonday.UGCPolicy()
	plainPolicy = bluemonday.StrictPolicy()
	handleRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from a message body.
func Sanitize(input string) string {
	return bodyPolicy.Sanitize(input)
}

// NormalizeBody trims and sanitizes a message body and enforces its length.
func NormalizeBody(text string) (string, error) {
	text = strings.TrimSpace(Sanitize(text))
	if text == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(text) > MaxBodyLength {
		return "", fmt.Errorf("message longer than %d characters", MaxBodyLength)
	}
	return text, nil
}

// NormalizeReason strips all markup from a kick reason. An empty reason
// becomes the catch-all "Other".
func NormalizeReason(reason string) string {
	reason = strings.TrimSpace(plainPolicy.Sanitize(reason))
	if reason == "" {
		return models.KickReasonOther
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		reason = string([]rune(reason)[:MaxReasonLength])
	}
	return reason
}

// NormalizeKind validates a reaction kind: a short tag or emoji without markup.
func NormalizeKind(kind string) (string, error) {
	kind = strings.TrimSpace(plainPolicy.Sanitize(kind))
	if kind == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(kind) > MaxKindLength {
		return "", fmt.Errorf("reaction longer than %d characters", MaxKindLength)
	}
	return kind, nil
}

// DisplayName strips markup from a display name, falling back to fallback.
func DisplayName(name, fallback string) string {
	name = strings.TrimSpace(plainPolicy.Sanitize(name))
	if name == "" {
		return fallback
	}
	return name
}

// ValidateHandle checks that a user or room id contains only allowed
// characters (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateHandle(handle string) error {
	if handle == "" {
		return errors.New("handle cannot be empty")
	}
	if len(handle) > MaxHandleLength {
		return fmt.Errorf("handle longer than %d characters", MaxHandleLength)
	}
	if !handleRegex.MatchString(handle) {
		return errors.New("handle contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

package content

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"zvonok/internal/models"
)

// MaxMessageLength bounds a single chat message in runes.
const MaxMessageLength = 4000

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	ErrMessageTooLong = errors.New("message is too long")
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for profile fields such as display names.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Message validates chat message content and returns it unchanged. Clients
// render messages as plain text, so markup is stored and relayed verbatim.
func Message(input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", models.ErrEmptyMessage
	}
	if utf8.RuneCountInString(input) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return input, nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

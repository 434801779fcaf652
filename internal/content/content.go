package content

import (
	"errors"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.StrictPolicy()

// Sanitize strips HTML from the input string.
// It is used for user-supplied names (display names, group names).
func Sanitize(input string) string {
	return strings.TrimSpace(policy.Sanitize(input))
}

// ValidateName checks a display or group name after sanitization.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if len(name) > 100 {
		return errors.New("name is too long (max 100 characters)")
	}
	return nil
}

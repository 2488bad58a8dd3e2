package util

import (
	"regexp"
	"strings"
)

var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func IsValidUserID(s string) bool {
	return userIDRegex.MatchString(s)
}

// NormalizePhone strips everything but digits.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidPhone requires at least 10 digits after stripping separators.
// Pairing-code requests are rate-sensitive, so invalid numbers fail before
// any protocol call.
func IsValidPhone(s string) bool {
	return len(NormalizePhone(s)) >= 10
}

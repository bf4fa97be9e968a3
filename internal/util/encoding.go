package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFC form of s with surrounding space removed, so
// that canonically equivalent distinguished names compare equal.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

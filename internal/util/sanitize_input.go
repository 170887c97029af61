package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxDisplayRunes = 64

// SanitizeDisplay trims inbound display metadata, drops control characters and caps
// the length so names land in the directory and admin listings as a single line.
func SanitizeDisplay(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if r == utf8.RuneError || unicode.IsControl(r) {
			continue
		}
		if n == maxDisplayRunes {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

// SanitizeHandle normalises a platform handle: no leading "@", no whitespace.
func SanitizeHandle(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	if strings.ContainsFunc(s, unicode.IsSpace) {
		return ""
	}
	return SanitizeDisplay(s)
}

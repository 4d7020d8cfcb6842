package logutil

import "strings"

// SanitizeForLog replaces line breaks and tabs with spaces and drops the
// remaining control characters, so that host names, user names and agent
// key comments cannot forge extra log lines.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case r < 32 || r == 0x7f:
			return -1
		default:
			return r
		}
	}, s)
}

// Truncate shortens s to at most n bytes for log output, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package common

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	bearerPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	secretKVPattern = regexp.MustCompile(`(?i)\b([A-Za-z0-9_.-]*(?:token|secret|password|passwd|api[_-]?key|private[_-]?key)[A-Za-z0-9_.-]*)\s*([=:])\s*("[^"]*"|'[^']*'|\S+)`)
	userinfoPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s]+@`)
	spacePattern    = regexp.MustCompile(`\s+`)
)

// SanitizeMessage flattens msg to a single line, redacts anything that looks
// like credential material and truncates the result to max bytes (max <= 0
// disables truncation). Used for job lastError and every client-facing error.
func SanitizeMessage(msg string, max int) string {
	msg = strings.ToValidUTF8(msg, "?")
	msg = spacePattern.ReplaceAllString(msg, " ")
	msg = strings.TrimSpace(msg)

	msg = bearerPattern.ReplaceAllString(msg, "Bearer [redacted]")
	msg = userinfoPattern.ReplaceAllString(msg, "${1}[redacted]@")
	msg = secretKVPattern.ReplaceAllString(msg, "${1}${2}[redacted]")

	if max <= 0 || len(msg) <= max {
		return msg
	}

	const ellipsis = "..."
	cut := max - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + ellipsis
}

package exchange

import (
	"regexp"
)

// maxStoredErrorLen bounds persisted exchange error text.
const maxStoredErrorLen = 500

var secretPatterns = []*regexp.Regexp{
	// Key/secret material in query strings, JSON bodies and headers.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|signature|passphrase|listen[_-]?key)["'=:\s]+[A-Za-z0-9+/=_-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._+/=-]{8,}`),
	// Bare long hex blobs (HMAC signatures).
	regexp.MustCompile(`\b[0-9a-fA-F]{48,}\b`),
}

// SanitizeError scrubs credential material from an error string and truncates
// it for storage. Every error text that reaches the database or a log line
// outside the adapter layer goes through here.
func SanitizeError(msg string) string {
	for _, p := range secretPatterns {
		msg = p.ReplaceAllString(msg, "[REDACTED]")
	}
	if len(msg) > maxStoredErrorLen {
		msg = msg[:maxStoredErrorLen]
	}
	return msg
}

package errors

import "strings"

// terminalPatterns are substrings of extension-reported errors that indicate a
// semantic failure a retry cannot fix: a bad element reference, selector, or
// parameter. Matching is case-insensitive and pattern-based; the extension is
// free to phrase errors however it likes.
var terminalPatterns = []string{
	"invalid reference",
	"element not found",
	"selector invalid",
	"invalid selector",
	"permission denied",
	"invalid parameter",
	"invalid argument",
	"not clickable",
	"unknown command",
}

// transientPatterns are substrings that indicate a transient condition worth
// retrying even when the kind alone would not say so.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline",
	"connection",
	"socket",
	"not yet connected",
	"network",
	"temporary",
	"busy",
	"rate limit",
}

// Classify reports whether an extension-reported error message describes a
// retryable condition. Validation-style failures are terminal; transient
// network conditions are retryable; anything unrecognized defaults to
// retryable.
func Classify(message string) bool {
	msg := strings.ToLower(message)
	for _, p := range terminalPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	// Unknown errors default to retryable.
	return true
}

package retry

import (
	"errors"
	"strings"
)

// retryableStatusCodes are HTTP-ish codes worth another attempt. 529 is
// Anthropic's overloaded code; 409 shows up from providers that signal
// concurrent-request pressure with it.
var retryableStatusCodes = map[int]bool{
	408: true,
	409: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
	529: true,
}

// retryablePhrases are matched against the lowercased text of the whole
// error chain when no structured status code is discoverable.
var retryablePhrases = []string{
	"overloaded",
	"temporarily unavailable",
	"too many requests",
	"rate limit",
	"gateway timeout",
	"timed out",
	"timeout",
	"connection reset",
	"upstream connect error",
}

type statusCoder interface{ StatusCode() int }
type httpStatusCoder interface{ HTTPStatusCode() int }
type responseCoder interface{ ResponseStatusCode() int }

// Retryable reports whether err looks transient for the given provider.
// It first hunts for a status-code-like field anywhere in the unwrap chain,
// then falls back to substring matching on the chain's text.
func Retryable(err error, provider string) bool {
	if err == nil {
		return false
	}
	if code, ok := statusCode(err); ok && retryableStatusCodes[code] {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, phrase := range retryablePhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	// Anthropic overload errors sometimes surface only as a JSON body.
	if provider == "anthropic" && strings.Contains(text, `"code":529`) {
		return true
	}
	return false
}

// statusCode walks the unwrap chain looking for anything that exposes a
// status code, including our own HTTPError.
func statusCode(err error) (int, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *HTTPError:
			return v.StatusCode, true
		case statusCoder:
			return v.StatusCode(), true
		case httpStatusCoder:
			return v.HTTPStatusCode(), true
		case responseCoder:
			return v.ResponseStatusCode(), true
		}
	}
	return 0, false
}

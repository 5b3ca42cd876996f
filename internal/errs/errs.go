// Package errs defines the error kinds the crawler core classifies outcomes
// into. Every error a request handler or storage call can raise is either
// one of these sentinel kinds (wrapped with %w at the raise site) or a plain
// error, which the crawler treats as generically retryable.
package errs

import (
	"errors"
	"fmt"
)

// NonRetryable wraps an error that must never be retried: the crawler
// invokes the failed-request handler immediately, bypassing maxRetries.
type NonRetryable struct {
	Err error
}

func (e *NonRetryable) Error() string { return fmt.Sprintf("non-retryable: %v", e.Err) }
func (e *NonRetryable) Unwrap() error { return e.Err }

// NewNonRetryable wraps err so the crawler skips straight to the
// failed-request handler.
func NewNonRetryable(err error) error { return &NonRetryable{Err: err} }

// IsNonRetryable reports whether err (or any error it wraps) is a NonRetryable.
func IsNonRetryable(err error) bool {
	var t *NonRetryable
	return errors.As(err, &t)
}

// RetryRequest wraps an error that always triggers a retry regardless of how
// many times the request has already failed, though the global maxRetries
// cap still applies.
type RetryRequest struct {
	Err error
}

func (e *RetryRequest) Error() string { return fmt.Sprintf("retry requested: %v", e.Err) }
func (e *RetryRequest) Unwrap() error { return e.Err }

// NewRetryRequest wraps err so the crawler always retries the request.
func NewRetryRequest(err error) error { return &RetryRequest{Err: err} }

// IsRetryRequest reports whether err is a RetryRequest.
func IsRetryRequest(err error) bool {
	var t *RetryRequest
	return errors.As(err, &t)
}

// Session wraps an error signalling that the current Session should be
// retired and the request retried on a fresh one without charging a retry
// against the request's own counter.
type Session struct {
	Err error
}

func (e *Session) Error() string { return fmt.Sprintf("session error: %v", e.Err) }
func (e *Session) Unwrap() error { return e.Err }

// NewSession wraps err as a Session error.
func NewSession(err error) error { return &Session{Err: err} }

// IsSession reports whether err is a Session error.
func IsSession(err error) bool {
	var t *Session
	return errors.As(err, &t)
}

// HTTPBlocked wraps an HTTP status code that indicates the current identity
// (session/proxy) has been blocked by the target (401/403/429 by default,
// plus any user-configured codes). The crawler retires the session for it
// only when CrawlerConfig.RetryOnBlocked is set and a session is attached;
// otherwise the session stays in the pool.
type HTTPBlocked struct {
	StatusCode int
}

func (e *HTTPBlocked) Error() string {
	return fmt.Sprintf("blocked status code: %d", e.StatusCode)
}

// NewHTTPBlocked constructs an HTTPBlocked error for the given status code.
func NewHTTPBlocked(statusCode int) error { return &HTTPBlocked{StatusCode: statusCode} }

// IsHTTPBlocked reports whether err is an HTTPBlocked error and returns the
// status code if so.
func IsHTTPBlocked(err error) (int, bool) {
	var t *HTTPBlocked
	if errors.As(err, &t) {
		return t.StatusCode, true
	}
	return 0, false
}

// defaultBlockedCodes is the spec-mandated default set of HTTP status codes
// treated as a blocked-identity signal.
var defaultBlockedCodes = map[int]bool{401: true, 403: true, 429: true}

// IsBlockedStatusCode reports whether code is one of the default blocked
// codes or one of the caller-supplied extra codes.
func IsBlockedStatusCode(code int, extra ...int) bool {
	if defaultBlockedCodes[code] {
		return true
	}
	for _, c := range extra {
		if c == code {
			return true
		}
	}
	return false
}

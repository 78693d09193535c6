package ics

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError wraps connection-level failures: DNS, TLS, timeouts,
// resets and body read errors.
type TransportError struct {
	URL string // redacted
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError is returned for any response outside 2xx.
type HTTPStatusError struct {
	URL        string // redacted
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %s fetching %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// ParseError wraps any failure of the feed parser. The underlying error is
// not introspected further.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse calendar: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FilterError marks a failure inside the filter pipeline. It should not
// happen for well-formed input and indicates a bug.
type FilterError struct {
	Err error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter events: %v", e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	var (
		te *TransportError
		he *HTTPStatusError
		pe *ParseError
		fe *FilterError
	)
	switch {
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &he):
		return "http_status"
	case errors.As(err, &pe):
		return "parse"
	case errors.As(err, &fe):
		return "filter"
	default:
		return "unknown"
	}
}

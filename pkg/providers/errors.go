package providers

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// ErrorKind is the error taxonomy every adapter classifies its failures
// into (§7). The task queue runtime (C4) branches its retry policy on
// this, not on concrete error types.
type ErrorKind string

const (
	// Transient — network blip or a 5xx from the provider. Retried with
	// backoff up to the stage's max_attempts.
	Transient ErrorKind = "transient"
	// RateLimited — a 429 or equivalent. Retried with a longer backoff.
	RateLimited ErrorKind = "rate_limited"
	// Permanent — a non-429 4xx or malformed response. Not retried.
	Permanent ErrorKind = "permanent"
	// Unavailable — the provider is unreachable (circuit-open candidate).
	Unavailable ErrorKind = "unavailable"
)

// ClassifiedError pairs an ErrorKind with the underlying error so callers
// can both branch on the kind and still log/unwrap the original cause.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify maps an arbitrary adapter error to its ErrorKind, following
// the same net.Error / context-error / substring-matching idiom as this
// codebase's MCP recovery classifier, generalized from JSON-RPC
// connection errors to generic HTTP/SDK provider calls.
func Classify(err error) ErrorKind {
	if err == nil {
		return Transient
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Transient
		}
		return Unavailable
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Unavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return RateLimited
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "circuit"):
		return Unavailable
	case hasStatusPrefix(msg, "5"):
		return Transient
	case hasStatusPrefix(msg, "4"):
		return Permanent
	default:
		return Transient
	}
}

// hasStatusPrefix is a loose heuristic for "status N" style error strings
// surfaced by HTTP client libraries (e.g. "status 503: service unavailable").
func hasStatusPrefix(msg, digit string) bool {
	idx := strings.Index(msg, "status ")
	if idx < 0 {
		return false
	}
	rest := msg[idx+len("status "):]
	return strings.HasPrefix(rest, digit)
}

// Wrap classifies err and returns it as a *ClassifiedError, or nil if err
// is nil. Adapters should call this on every non-nil return from an
// external call before returning it to the stage executor.
func Wrap(err error, kind ErrorKind) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

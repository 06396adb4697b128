// Package errors defines the error taxonomy shared by the gateway, the
// storage layers and the transport, together with the retry and circuit
// breaker primitives that consume it.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an error for retry decisions and client reporting.
type Kind int

const (
	// KindTimeout - a deadline was exceeded.
	KindTimeout Kind = iota
	// KindUnavailable - circuit open or a storage layer rejecting writes.
	KindUnavailable
	// KindRateLimited - the provider signalled a retryable throttle.
	KindRateLimited
	// KindProvider - unrecoverable upstream error.
	KindProvider
	// KindProtocol - malformed frame, unknown message type, unrecognised response shape.
	KindProtocol
	// KindPersistence - the critical storage layer failed after retries.
	KindPersistence
	// KindLogic - a violated invariant, e.g. resume without a checkpoint.
	KindLogic
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindProvider:
		return "provider_error"
	case KindProtocol:
		return "protocol_error"
	case KindPersistence:
		return "persistence_error"
	case KindLogic:
		return "logic_error"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen marks failures produced by an open circuit breaker. They are
// wrapped in KindUnavailable but are never retried.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Error wraps an underlying error with a Kind and an optional client-facing message.
type Error struct {
	Kind    Kind
	Err     error
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf creates a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithMessage attaches a client-facing message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// KindOf extracts the Kind from err, or KindProvider when unclassified.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindProvider
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.Kind == kind
}

// IsTransient reports whether the operation that produced err may be retried.
// Rate limits, timeouts and transient network faults qualify; provider,
// protocol and logic errors do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ke *Error
	if errors.As(err, &ke) {
		switch ke.Kind {
		case KindRateLimited, KindTimeout:
			return true
		case KindUnavailable:
			// Circuit-open failures fail fast; retrying immediately would
			// only prolong the open window. Upstream 502/503 are retryable.
			return !errors.Is(ke.Err, ErrCircuitOpen)
		default:
			return false
		}
	}
	return isNetworkError(err) || isSyscallError(err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "deadline exceeded") || strings.Contains(s, "timeout")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	s := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

// ClassifyHTTPStatus maps a provider HTTP status to an error kind.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 408 || status == 504:
		return KindTimeout
	case status == 502 || status == 503:
		return KindUnavailable
	default:
		return KindProvider
	}
}

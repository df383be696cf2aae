package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a failure that may succeed on another attempt: network
// trouble, timeouts, HTTP 5xx and 429.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient. statusCode is 0 for non-HTTP
// failures.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError marks content that will never be fetchable, e.g. a deleted
// recording.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as permanent.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// AuthError marks rejected credentials. Retrying with the same credentials is
// pointless, so callers abort the whole run.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credentials rejected (HTTP %d)", e.StatusCode)
}

// IsTransient reports whether err (or anything it wraps) is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if IsPermanent(err) || IsAuth(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// StatusCode digs the HTTP status out of a classified error, or 0.
func StatusCode(err error) int {
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

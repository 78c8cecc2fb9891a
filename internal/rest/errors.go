package rest

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every *Error wraps exactly one of them.
var (
	ErrTransport    = errors.New("backend unreachable")
	ErrUnauthorized = errors.New("session rejected by backend")
	ErrStatus       = errors.New("unexpected backend status")
	ErrMalformed    = errors.New("malformed backend response")
)

// Error describes a failed backend call.
type Error struct {
	Op     string
	Method string
	Path   string
	Status int    // 0 when no response arrived
	Body   string // truncated response body, for logs
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s %s: %v: %v", e.Op, e.Method, e.Path, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s %s: %v (status %d): %v", e.Op, e.Method, e.Path, e.Kind, e.Status, e.Err)
	default:
		return fmt.Sprintf("%s: %s %s: %v (status %d)", e.Op, e.Method, e.Path, e.Kind, e.Status)
	}
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the same request could succeed later:
// transport failures and 5xx responses.
func (e *Error) Retryable() bool {
	return errors.Is(e.Kind, ErrTransport) || e.Status >= http.StatusInternalServerError
}

// IsUnauthorized reports whether err means the session must be torn down.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func kindForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return ErrStatus
	}
}

package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTimeout   = errors.New("request timed out")
	ErrOffline   = errors.New("backend unreachable")
	ErrCancelled = errors.New("request cancelled")
	ErrEmptyBody = errors.New("empty response body")
)

// Class is the error taxonomy the sync core reacts to.
type Class int

const (
	// Success is any 2xx response.
	Success Class = iota
	// Transient failures are regenerated on the next scheduling pass.
	Transient
	// PermanentObject means the targeted entity does not exist remotely.
	PermanentObject
	// Permanent failures are never retried.
	Permanent
	// AuthFatal invalidates the whole account session.
	AuthFatal
	// Cancelled requests were aborted locally.
	Cancelled
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case PermanentObject:
		return "permanent_object"
	case Permanent:
		return "permanent"
	case AuthFatal:
		return "auth_fatal"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Class classifies the response.
func (r *Response) Class() Class {
	if r.Err != nil {
		if errors.Is(r.Err, ErrCancelled) {
			return Cancelled
		}
		return Transient
	}
	switch code := r.StatusCode; {
	case code >= 200 && code < 300:
		return Success
	case code == http.StatusUnauthorized:
		return AuthFatal
	case code == http.StatusForbidden && isAuthLabel(r.Label()):
		return AuthFatal
	case code == http.StatusNotFound, code == http.StatusGone:
		return PermanentObject
	case code == http.StatusRequestTimeout, code == 420, code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}

func isAuthLabel(label string) bool {
	switch label {
	case "invalid-credentials", "client-not-found", "missing-auth":
		return true
	}
	return false
}

// StatusError describes a failed response without exposing raw transport text.
type StatusError struct {
	StatusCode int
	Label      string
	Class      Class
}

func (e *StatusError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("backend returned %d (%s)", e.StatusCode, e.Label)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// AsError returns nil for successful responses, the transport error, or a
// *StatusError.
func (r *Response) AsError() error {
	if r.Err != nil {
		return r.Err
	}
	c := r.Class()
	if c == Success {
		return nil
	}
	return &StatusError{StatusCode: r.StatusCode, Label: r.Label(), Class: c}
}

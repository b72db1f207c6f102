package api

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned when an authenticated call is made
// without a usable session.
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthError reports a 401 from the backend. The local session has
// already been invalidated by the time the caller sees it.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "session expired, please log in again"
	}
	return e.Message
}

// ServerError reports a non-2xx response other than 401.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error %d", e.Status)
}

// NetworkError wraps a transport-level failure (no connectivity,
// timeout, malformed response body).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

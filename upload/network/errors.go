package network

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// APIError is a failed control-plane call. Network records whether the
// failure was a transport-level problem (connect, timeout, DNS) as opposed to
// an application-level rejection, so callers can tell "check your connection"
// apart from a server or logic bug.
type APIError struct {
	Operation string
	Network   bool
	Err       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ServerInvalidationError is returned by Complete when the server explicitly
// rejects the uploaded content. The round-trip itself succeeded; the outcome
// is a terminal rejection, never retried.
type ServerInvalidationError struct {
	Message string
}

func (e *ServerInvalidationError) Error() string {
	return fmt.Sprintf("server invalidated the upload: %s", e.Message)
}

// CompletionError is a complete call that came back with success=false but
// without a content invalidation. Local progress should be kept so a future
// attempt can re-run complete without re-uploading chunks.
type CompletionError struct {
	Message string
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("complete upload failed: %s", e.Message)
}

// IsServerInvalidation reports whether err carries a server-side content
// rejection.
func IsServerInvalidation(err error) bool {
	var invalidation *ServerInvalidationError
	return errors.As(err, &invalidation)
}

// IsNetworkError reports whether err is a network connectivity failure,
// either flagged explicitly by the API layer or recognizable as a
// transport-level error.
func IsNetworkError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Network
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

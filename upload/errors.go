package upload

import (
	"errors"
	"fmt"

	"github.com/capturekit/go-sessionupload/upload/chunkuploader"
	"github.com/capturekit/go-sessionupload/upload/network"
)

// SessionExpiredError means the wall clock crossed the session's expiry while
// the upload was still running. Not retryable within this attempt; the saved
// progress stays on disk and the next attempt's resume validation will abort
// the stale session and start fresh.
type SessionExpiredError struct {
	UploadID   string
	ClientTime int64
	ExpiresAt  int64
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("upload session %s expired (client_time=%d, expires_at=%d)",
		e.UploadID, e.ClientTime, e.ExpiresAt)
}

// IsNetworkError reports whether err ultimately stems from a network
// connectivity problem, as opposed to a server or logic failure. UI layers
// use this to decide between "check your connection" and a bug report
// prompt.
func IsNetworkError(err error) bool {
	var chunkErr *chunkuploader.Error
	if errors.As(err, &chunkErr) {
		return network.IsNetworkError(chunkErr.Err)
	}
	return network.IsNetworkError(err)
}

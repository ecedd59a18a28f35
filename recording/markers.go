package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/renameio/v2"
)

// SessionAborter is the remote abort operation. It is best-effort everywhere
// in this package: failures are logged and swallowed so a dead server can
// never block local cleanup.
type SessionAborter interface {
	Abort(ctx context.Context, uploadID string) error
}

// MarkUploaded transitions the recording to Uploaded. The new marker is
// written before the old state files are removed, so a crash in between
// leaves the folder classified as Uploaded rather than reverting it to
// Unuploaded and re-uploading the session.
func (s State) MarkUploaded(contentID string) (State, error) {
	if err := writeMarker(s.info.FolderPath, UploadedMarkerName, contentID); err != nil {
		return State{}, err
	}
	s.cleanupUploadArtifacts()
	return NewUploaded(s.info, contentID), nil
}

// MarkInvalid transitions the recording to Invalid with the given reasons.
// byServer records whether the rejection came from the remote service (after
// a completed upload) or from local validation.
func (s State) MarkInvalid(reasons []string, byServer bool) (State, error) {
	marker := InvalidMarkerName
	if byServer {
		marker = ServerInvalidMarkerName
	}
	if err := writeMarker(s.info.FolderPath, marker, strings.Join(reasons, "\n")); err != nil {
		return State{}, err
	}
	s.cleanupUploadArtifacts()
	return NewInvalid(s.info, s.metadata, reasons, byServer), nil
}

// AbortAndCleanup aborts the saved server-side session (best-effort) and
// removes the local progress file and archive, reverting a Paused recording
// to Unuploaded so a later attempt starts from scratch.
func (s State) AbortAndCleanup(ctx context.Context, aborter SessionAborter, logger log.Logger) State {
	if progress, ok := s.Progress(); ok {
		if err := aborter.Abort(ctx, progress.UploadID); err != nil {
			logger.Warnf("Best-effort abort of upload session %s failed: %s", progress.UploadID, err)
		}
	}
	s.cleanupUploadArtifacts()
	return NewUnuploaded(s.info, s.artifact, s.metadata)
}

// Delete aborts any in-flight server-side session and removes the whole
// recording folder. Used for user-initiated deletion; aborting first avoids
// leaking server-side multipart sessions.
func (s State) Delete(ctx context.Context, aborter SessionAborter, logger log.Logger) error {
	if progress, ok := s.Progress(); ok {
		if err := aborter.Abort(ctx, progress.UploadID); err != nil {
			logger.Warnf("Best-effort abort of upload session %s failed: %s", progress.UploadID, err)
		}
	}
	if err := os.RemoveAll(s.info.FolderPath); err != nil {
		return fmt.Errorf("delete recording folder: %w", err)
	}
	return nil
}

// cleanupUploadArtifacts removes the progress file and the archive referenced
// by it. Failures are ignored: leftovers are harmless once the new marker is
// in place, because marker scan priority wins over the progress file.
func (s State) cleanupUploadArtifacts() {
	if s.progress != nil && s.progress.ArchivePath != "" {
		os.Remove(s.progress.ArchivePath) //nolint:errcheck
	}
	os.Remove(ProgressPath(s.info.FolderPath)) //nolint:errcheck
}

func writeMarker(dir, name, content string) error {
	if err := renameio.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s marker: %w", name, err)
	}
	return nil
}

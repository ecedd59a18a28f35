// Package upload drives the end-to-end upload of recorded sessions: fresh or
// resumed multipart sessions, the sequential chunk loop, pause handling, and
// the terminal lifecycle transitions.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"

	"github.com/capturekit/go-sessionupload/recording"
	"github.com/capturekit/go-sessionupload/upload/archive"
	"github.com/capturekit/go-sessionupload/upload/chunkuploader"
	"github.com/capturekit/go-sessionupload/upload/network"
)

// A paused session is only resumed when strictly more than this much time
// remains before expiry. Links as slow as ~0.3 MB/s have been observed, and
// a session that expires mid-chunk wastes the whole attempt.
const minResumeTimeRemaining = 15 * time.Minute

// Outcome is the terminal result of one upload attempt.
type Outcome int

const (
	// OutcomeSuccess: all chunks acknowledged and the session completed.
	OutcomeSuccess Outcome = iota
	// OutcomeServerInvalid: the server rejected the finished content.
	OutcomeServerInvalid
	// OutcomePaused: the user paused the upload; progress is resumable.
	OutcomePaused
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeServerInvalid:
		return "server-invalid"
	case OutcomePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Result pairs the outcome with the recording's post-transition state.
type Result struct {
	Outcome   Outcome
	Recording recording.State
}

// Orchestrator owns the single system-wide upload task. At most one Upload
// or UploadAll call should run at a time.
type Orchestrator struct {
	client      network.Client
	chunks      *chunkuploader.Uploader
	config      Config
	logger      log.Logger
	pathChecker pathutil.PathChecker
	progressCh  chan<- Snapshot
	pauseFlag   atomic.Bool
	now         func() time.Time
}

// New creates an Orchestrator. client can be nil, unless you want to provide
// a custom protocol client implementation. progressCh may be nil when no UI
// wants snapshots.
func New(config Config, client network.Client, progressCh chan<- Snapshot, logger log.Logger) *Orchestrator {
	if client == nil {
		client = network.NewClient(config.APIBaseURL, config.APIKey, logger)
	}
	return &Orchestrator{
		client:      client,
		chunks:      chunkuploader.New(client, logger),
		config:      config,
		logger:      logger,
		pathChecker: pathutil.NewPathChecker(),
		progressCh:  progressCh,
		now:         time.Now,
	}
}

// RequestPause asks the running upload to stop at the next chunk boundary.
// Advisory, never preemptive: an in-flight chunk PUT always finishes, so the
// ETag bookkeeping stays consistent.
func (o *Orchestrator) RequestPause() {
	o.pauseFlag.Store(true)
}

// ResetPause clears the pause flag before a new run.
func (o *Orchestrator) ResetPause() {
	o.pauseFlag.Store(false)
}

// UploadAll scans root for recordings eligible for upload and uploads them
// sequentially, oldest progress first is not needed: recordings come back
// newest first and are processed in that order. The pause flag is honored
// between recordings as well as between chunks; a pause requested in a
// previous run does not carry over, starting a run clears it.
func (o *Orchestrator) UploadAll(ctx context.Context, root string) error {
	o.ResetPause()

	states, err := recording.ScanDirectory(root, o.config.IncludePatterns, o.logger)
	if err != nil {
		return err
	}

	var eligible []recording.State
	for _, state := range states {
		if state.Uploadable() {
			eligible = append(eligible, state)
		}
	}

	o.logger.Infof("%d recording(s) to upload", len(eligible))

	for i, state := range eligible {
		if o.pauseFlag.Load() {
			o.logger.Infof("Upload paused, %d recording(s) remaining", len(eligible)-i)
			return nil
		}

		remaining := uint64(len(eligible) - i)
		result, err := o.uploadOne(ctx, state, remaining)
		if err != nil {
			o.logger.Errorf("Upload of %s failed: %s", state.Info().FolderName, err)
			continue
		}

		switch result.Outcome {
		case OutcomeSuccess:
			if o.config.DeleteUploaded {
				if err := result.Recording.Delete(ctx, o.client, o.logger); err != nil {
					o.logger.Errorf("Failed to delete uploaded recording %s: %s", state.Info().FolderName, err)
				}
			}
		case OutcomePaused:
			return nil
		case OutcomeServerInvalid:
			// Kept on disk so the user can see why it was rejected.
		}
	}

	return nil
}

// Upload runs one upload attempt for a single recording and returns exactly
// one of the three outcomes, or an error that left the recording eligible
// for a future attempt.
func (o *Orchestrator) Upload(ctx context.Context, rec recording.State) (Result, error) {
	return o.uploadOne(ctx, rec, 1)
}

// UploadDirect puts a recording's archive straight into the configured S3
// bucket, bypassing the session service. Intended for deployments that own
// their storage; there is no chunk-level resume on this path. The object key
// doubles as the recording's content identifier.
func (o *Orchestrator) UploadDirect(ctx context.Context, rec recording.State) (Result, error) {
	if o.config.S3Bucket == "" {
		return Result{}, fmt.Errorf("%s is not defined", envS3Bucket)
	}
	if !rec.Uploadable() {
		return Result{}, fmt.Errorf("recording %s is not eligible for upload (state: %s)",
			rec.Info().FolderName, rec.Kind())
	}

	artifact, ok := rec.Artifact()
	if !ok {
		return Result{}, fmt.Errorf("recording %s has no complete artifact", rec.Info().FolderName)
	}
	if err := artifact.Validate(); err != nil {
		return Result{}, err
	}

	archivePath, err := archive.Build(*artifact, rec.Info().FolderPath, archive.Options{
		Compress: o.config.CompressArchives,
	}, o.logger)
	if err != nil {
		return Result{}, fmt.Errorf("build archive: %w", err)
	}
	defer os.Remove(archivePath) //nolint:errcheck

	info, err := os.Stat(archivePath)
	if err != nil {
		return Result{}, fmt.Errorf("stat archive: %w", err)
	}

	objectKey := path.Join(o.config.S3KeyPrefix, filepath.Base(archivePath))
	o.logger.Infof("Uploading %s (%s) to bucket %s as %s",
		rec.Info().FolderName, units.HumanSizeWithPrecision(float64(info.Size()), 3),
		o.config.S3Bucket, objectKey)

	if err := network.UploadToS3(ctx, network.S3UploadParams{
		ArchivePath:     archivePath,
		ArchiveSize:     info.Size(),
		ObjectKey:       objectKey,
		Region:          o.config.S3Region,
		Bucket:          o.config.S3Bucket,
		AccessKeyID:     o.config.S3AccessKeyID,
		SecretAccessKey: o.config.S3SecretAccessKey,
	}, o.logger); err != nil {
		return Result{}, fmt.Errorf("direct upload: %w", err)
	}

	uploaded, err := rec.MarkUploaded(objectKey)
	if err != nil {
		return Result{}, err
	}

	o.logger.Donef("Direct upload of %s complete (object_key: %s)", rec.Info().FolderName, objectKey)
	return Result{Outcome: OutcomeSuccess, Recording: uploaded}, nil
}

func (o *Orchestrator) uploadOne(ctx context.Context, rec recording.State, filesRemaining uint64) (Result, error) {
	if !rec.Uploadable() {
		return Result{}, fmt.Errorf("recording %s is not eligible for upload (state: %s)",
			rec.Info().FolderName, rec.Kind())
	}

	paused, err := o.establishSession(ctx, rec)
	if err != nil {
		return Result{}, err
	}

	return o.uploadArchive(ctx, paused, filesRemaining)
}

// establishSession decides fresh-vs-resume. A Paused recording with a usable
// saved session is resumed as-is; anything else goes through validation,
// archive build and a new init call.
func (o *Orchestrator) establishSession(ctx context.Context, rec recording.State) (recording.State, error) {
	if rec.Kind() == recording.KindPaused {
		if o.canResume(rec) {
			progress, _ := rec.Progress()
			o.logger.Infof("Resuming upload of %s from chunk %d/%d",
				rec.Info().FolderName, progress.NextChunkNumber(), progress.TotalChunks)
			return rec, nil
		}
		rec = rec.AbortAndCleanup(ctx, o.client, o.logger)
	}

	artifact, ok := rec.Artifact()
	if !ok {
		return recording.State{}, fmt.Errorf("recording %s has no complete artifact", rec.Info().FolderName)
	}
	if err := artifact.Validate(); err != nil {
		return recording.State{}, err
	}

	o.logger.Infof("Creating archive for %s", rec.Info().FolderName)
	archivePath, err := archive.Build(*artifact, rec.Info().FolderPath, archive.Options{
		Compress: o.config.CompressArchives,
	}, o.logger)
	if err != nil {
		return recording.State{}, fmt.Errorf("build archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return recording.State{}, fmt.Errorf("stat archive: %w", err)
	}
	o.logger.Printf("Archive size: %s", units.HumanSizeWithPrecision(float64(info.Size()), 3))

	initResp, err := o.client.Init(ctx, o.initRequest(rec, *artifact, archivePath, info.Size()))
	if err != nil {
		os.Remove(archivePath) //nolint:errcheck
		return recording.State{}, fmt.Errorf("init upload session: %w", err)
	}

	progress := &recording.ProgressState{
		UploadID:       initResp.UploadID,
		ContentID:      initResp.ContentID,
		ArchivePath:    archivePath,
		TotalChunks:    initResp.TotalChunks,
		ChunkSizeBytes: initResp.ChunkSizeBytes,
		ExpiresAt:      initResp.ExpiresAt,
	}
	if err := recording.SaveProgress(rec.Info().FolderPath, progress); err != nil {
		return recording.State{}, err
	}

	metadata, _ := rec.Metadata()
	return recording.NewPaused(rec.Info(), artifact, metadata, progress), nil
}

// canResume applies the resume validation: the archive must still exist and
// strictly more than 15 minutes must remain before the session expires.
func (o *Orchestrator) canResume(rec recording.State) bool {
	progress, ok := rec.Progress()
	if !ok {
		return false
	}

	archiveExists, err := o.pathChecker.IsPathExists(progress.ArchivePath)
	if err != nil || !archiveExists {
		// No guarantee a rebuilt archive would be byte-identical, so a
		// missing archive always restarts the upload.
		o.logger.Warnf("Archive for %s is missing, starting fresh", rec.Info().FolderName)
		return false
	}

	secondsLeft := progress.SecondsUntilExpiration(o.now())
	if secondsLeft <= int64(minResumeTimeRemaining.Seconds()) {
		if progress.IsExpired(o.now()) {
			o.logger.Warnf("Upload session for %s has expired, starting fresh", rec.Info().FolderName)
		} else {
			o.logger.Warnf("Upload session for %s has only %ds remaining, starting fresh",
				rec.Info().FolderName, secondsLeft)
		}
		return false
	}

	return true
}

func (o *Orchestrator) initRequest(rec recording.State, artifact recording.Artifact, archivePath string, size int64) network.InitRequest {
	contentType := "application/x-tar"
	if filepath.Ext(archivePath) == ".zst" {
		contentType = "application/zstd"
	}

	req := network.InitRequest{
		Filename:         filepath.Base(archivePath),
		ContentType:      contentType,
		TotalSizeBytes:   size,
		ChunkSizeBytes:   o.config.ChunkSizeHint,
		VideoFilename:    filepath.Base(artifact.VideoPath),
		InputLogFilename: filepath.Base(artifact.InputLogPath),
		VideoDuration:    artifact.DurationSeconds,
		HardwareID:       o.config.HardwareID,
		ClientTimestamp:  o.now().Format(time.RFC3339),
	}

	if metadata, ok := rec.Metadata(); ok {
		req.Tags = metadata.Tags
		req.VideoWidth = metadata.VideoWidth
		req.VideoHeight = metadata.VideoHeight
		req.VideoCodec = metadata.VideoCodec
		req.VideoFPS = metadata.VideoFPS
		if metadata.HardwareID != "" {
			req.HardwareID = metadata.HardwareID
		}
	}

	return req
}

// uploadArchive runs the chunk loop and the completion call for an
// established session. An auto-abort guard is armed for the whole attempt:
// unless the function exits through one of the explicitly handled paths, the
// guard aborts the server-side session and deletes local progress artifacts,
// leaving the folder cleanly Unuploaded instead of half-committed.
func (o *Orchestrator) uploadArchive(ctx context.Context, paused recording.State, filesRemaining uint64) (result Result, err error) {
	progress, ok := paused.Progress()
	if !ok {
		return Result{}, fmt.Errorf("recording %s has no upload progress", paused.Info().FolderName)
	}
	folder := paused.Info().FolderPath

	armed := true
	defer func() {
		if !armed {
			return
		}
		o.logger.Warnf("Aborting upload session %s after unexpected failure", progress.UploadID)
		abortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		paused.AbortAndCleanup(abortCtx, o.client, o.logger)
	}()

	file, err := os.Open(progress.ArchivePath)
	if err != nil {
		return Result{}, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close() //nolint:errcheck

	fileInfo, err := file.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat archive: %w", err)
	}
	fileSize := fileInfo.Size()

	reporter := NewReporter(o.progressCh, uint64(fileSize), paused.Info().FolderName, filesRemaining)

	startChunk := progress.NextChunkNumber()
	reporter.SetBytesUploaded((startChunk - 1) * progress.ChunkSizeBytes)

	o.logger.Infof("Uploading %s in %d chunks of %s (upload_id: %s)",
		units.HumanSizeWithPrecision(float64(fileSize), 3),
		progress.TotalChunks,
		units.HumanSizeWithPrecision(float64(progress.ChunkSizeBytes), 3),
		progress.UploadID)

	for chunkNumber := startChunk; chunkNumber <= progress.TotalChunks; chunkNumber++ {
		// Pause is only honored between chunks, never mid-transfer.
		if o.pauseFlag.Load() {
			if err := recording.SaveProgress(folder, progress); err != nil {
				return Result{}, err
			}
			armed = false
			o.logger.Infof("Upload of %s paused at chunk %d/%d",
				paused.Info().FolderName, chunkNumber, progress.TotalChunks)
			return Result{Outcome: OutcomePaused, Recording: paused}, nil
		}

		if progress.IsExpired(o.now()) {
			armed = false // progress stays on disk; next attempt starts fresh
			return Result{}, &SessionExpiredError{
				UploadID:   progress.UploadID,
				ClientTime: o.now().Unix(),
				ExpiresAt:  progress.ExpiresAt,
			}
		}

		data, err := readChunk(file, fileSize, chunkNumber, progress.ChunkSizeBytes)
		if err != nil {
			return Result{}, err
		}

		digest := sha256.Sum256(data)
		record, err := o.chunks.UploadChunk(ctx, chunkuploader.Chunk{
			Number:      chunkNumber,
			TotalChunks: progress.TotalChunks,
			Data:        data,
			SHA256Hex:   hex.EncodeToString(digest[:]),
			UploadID:    progress.UploadID,
		}, reporter)
		if err != nil {
			armed = false // retries exhausted; keep progress for a resume
			return Result{}, err
		}

		progress.AddChunk(record)
		if err := recording.AppendChunk(folder, record); err != nil {
			return Result{}, err
		}
		reporter.Flush()

		o.logger.Debugf("Chunk %d/%d acknowledged (etag: %s)", chunkNumber, progress.TotalChunks, record.ETag)
	}

	return o.complete(ctx, paused, progress, reporter, &armed)
}

func (o *Orchestrator) complete(ctx context.Context, paused recording.State, progress *recording.ProgressState, reporter *Reporter, armed *bool) (Result, error) {
	resp, err := o.client.Complete(ctx, progress.UploadID, progress.Chunks)
	if err != nil {
		if network.IsServerInvalidation(err) {
			*armed = false
			invalid, markErr := paused.MarkInvalid([]string{err.Error()}, true)
			if markErr != nil {
				return Result{}, markErr
			}
			o.logger.Warnf("Server invalidated upload of %s: %s", paused.Info().FolderName, err)
			return Result{Outcome: OutcomeServerInvalid, Recording: invalid}, nil
		}
		// Chunks are all acknowledged; keep progress so a future attempt can
		// re-run complete without re-uploading anything.
		*armed = false
		return Result{}, fmt.Errorf("complete upload session: %w", err)
	}

	if !resp.Success {
		*armed = false
		return Result{}, &network.CompletionError{Message: resp.Message}
	}

	reporter.SetBytesUploaded(reporter.totalBytes)
	reporter.Flush()

	*armed = false
	uploaded, err := paused.MarkUploaded(resp.ContentID)
	if err != nil {
		return Result{}, err
	}

	o.logger.Donef("Upload of %s complete (content_id: %s, object_key: %s)",
		paused.Info().FolderName, resp.ContentID, resp.ObjectKey)
	return Result{Outcome: OutcomeSuccess, Recording: uploaded}, nil
}

// readChunk reads exactly one chunk's bytes at the offset derived from the
// chunk number, so resumption never re-reads earlier bytes. The final chunk
// may be shorter than the session's chunk size.
func readChunk(file *os.File, fileSize int64, chunkNumber, chunkSizeBytes uint64) ([]byte, error) {
	offset := int64(chunkNumber-1) * int64(chunkSizeBytes)
	if offset >= fileSize {
		return nil, fmt.Errorf("chunk %d offset %d beyond archive size %d", chunkNumber, offset, fileSize)
	}

	size := int64(chunkSizeBytes)
	if remaining := fileSize - offset; remaining < size {
		size = remaining
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(file, offset, size), data); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", chunkNumber, err)
	}
	return data, nil
}

// Package chunkuploader transfers one archive chunk at a time to a signed
// URL and collects the server-acknowledged ETag, retrying transient failures
// with bounded linear backoff.
package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/capturekit/go-sessionupload/recording"
	"github.com/capturekit/go-sessionupload/upload/network"
)

const (
	maxAttempts = 5
	backoffStep = 500 * time.Millisecond
)

// URLSigner issues a time-limited signed upload URL for a single chunk.
// Implemented by the network client.
type URLSigner interface {
	ChunkUploadURL(ctx context.Context, uploadID string, chunkNumber uint64, chunkHash string) (network.ChunkURLResponse, error)
}

// ProgressSink receives incremental byte counts while a chunk is streaming.
// SetBytesUploaded is used to roll the counter back before a retry so failed
// attempts never double-count bytes.
type ProgressSink interface {
	BytesUploaded() uint64
	SetBytesUploaded(bytes uint64)
	AddBytesUploaded(bytes uint64)
}

// Chunk is one chunk's worth of work: the raw bytes, their hash, and the
// session they belong to.
type Chunk struct {
	Number      uint64
	TotalChunks uint64
	Data        []byte
	SHA256Hex   string
	UploadID    string
}

// ErrNoETag is the per-attempt error for a successful PUT whose response is
// missing the ETag header; completion is impossible without it.
var ErrNoETag = errors.New("no ETag header in chunk upload response")

// StatusError is a chunk PUT that came back with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chunk upload failed with status %d: %s", e.Code, e.Body)
}

// Error wraps the last underlying failure after all attempts for one chunk
// are exhausted.
type Error struct {
	ChunkNumber uint64
	TotalChunks uint64
	Attempts    int
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload chunk %d/%d failed after %d attempts: %s",
		e.ChunkNumber, e.TotalChunks, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Uploader drives one chunk's request-URL, transfer, acknowledge cycle.
type Uploader struct {
	signer     URLSigner
	httpClient *http.Client
	logger     log.Logger
	sleep      func(time.Duration)
}

// New ...
func New(signer URLSigner, logger log.Logger) *Uploader {
	return &Uploader{
		signer:     signer,
		httpClient: DefaultHTTPClient(),
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// DefaultHTTPClient creates an HTTP client tuned for large chunk PUTs.
// No global timeout: a slow link legitimately takes minutes per chunk, and
// cancellation comes from the request context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// UploadChunk requests a signed URL for the chunk, streams the bytes to it
// and returns the acknowledged chunk record. Transient failures are retried
// up to 5 attempts with linear backoff (500ms * attempt); before each retry
// the progress sink is rolled back to the byte count observed before this
// chunk started.
func (u *Uploader) UploadChunk(ctx context.Context, chunk Chunk, sink ProgressSink) (recording.ChunkRecord, error) {
	bytesBeforeChunk := sink.BytesUploaded()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return recording.ChunkRecord{}, fmt.Errorf("chunk %d upload cancelled: %w", chunk.Number, err)
		}

		if attempt > 1 {
			sink.SetBytesUploaded(bytesBeforeChunk)
			delay := backoffStep * time.Duration(attempt-1)
			u.logger.Warnf("Chunk %d/%d attempt %d failed, retrying in %s: %s",
				chunk.Number, chunk.TotalChunks, attempt-1, delay, lastErr)
			u.sleep(delay)
		}

		etag, err := u.uploadOnce(ctx, chunk, sink)
		if err == nil {
			return recording.ChunkRecord{ChunkNumber: chunk.Number, ETag: etag}, nil
		}
		lastErr = err
	}

	return recording.ChunkRecord{}, &Error{
		ChunkNumber: chunk.Number,
		TotalChunks: chunk.TotalChunks,
		Attempts:    maxAttempts,
		Err:         lastErr,
	}
}

func (u *Uploader) uploadOnce(ctx context.Context, chunk Chunk, sink ProgressSink) (string, error) {
	signed, err := u.signer.ChunkUploadURL(ctx, chunk.UploadID, chunk.Number, chunk.SHA256Hex)
	if err != nil {
		return "", fmt.Errorf("get signed URL for chunk %d: %w", chunk.Number, err)
	}

	body := &countingReader{reader: bytes.NewReader(chunk.Data), sink: sink}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.UploadURL, body)
	if err != nil {
		return "", fmt.Errorf("create chunk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(chunk.Data))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("put chunk %d: %w", chunk.Number, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Code: resp.StatusCode, Body: string(errorBody)}
	}

	etag := strings.Trim(resp.Header.Get("ETag"), "\"")
	if etag == "" {
		return "", ErrNoETag
	}

	return etag, nil
}

// countingReader reports bytes to the sink as the HTTP client consumes them,
// so the UI sees transfer progress within a chunk, not just per chunk.
type countingReader struct {
	reader io.Reader
	sink   ProgressSink
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sink.AddBytesUploaded(uint64(n))
	}
	return n, err
}

package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/capturekit/go-sessionupload/recording"
)

// InitRequest starts a new multipart upload session for a finished archive.
type InitRequest struct {
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	// ChunkSizeBytes is a hint; the server decides the final chunk size.
	ChunkSizeBytes uint64 `json:"chunk_size_bytes,omitempty"`

	Tags []string `json:"tags,omitempty"`

	VideoFilename    string  `json:"video_filename,omitempty"`
	InputLogFilename string  `json:"input_log_filename,omitempty"`
	VideoDuration    float64 `json:"video_duration_seconds,omitempty"`
	VideoWidth       int     `json:"video_width,omitempty"`
	VideoHeight      int     `json:"video_height,omitempty"`
	VideoCodec       string  `json:"video_codec,omitempty"`
	VideoFPS         float32 `json:"video_fps,omitempty"`

	HardwareID      string `json:"uploader_hwid"`
	ClientTimestamp string `json:"upload_timestamp"`
}

// InitResponse ...
type InitResponse struct {
	UploadID       string `json:"upload_id"`
	ContentID      string `json:"content_id"`
	TotalChunks    uint64 `json:"total_chunks"`
	ChunkSizeBytes uint64 `json:"chunk_size_bytes"`
	ExpiresAt      int64  `json:"expires_at"`
}

// ChunkURLResponse carries a time-limited signed URL to PUT one chunk to.
type ChunkURLResponse struct {
	UploadURL   string `json:"upload_url"`
	ChunkNumber uint64 `json:"chunk_number"`
	ExpiresAt   int64  `json:"expires_at"`
}

// CompleteResponse ...
type CompleteResponse struct {
	Success   bool   `json:"success"`
	ContentID string `json:"content_id"`
	ObjectKey string `json:"object_key"`
	Message   string `json:"message"`
	Verified  *bool  `json:"verified,omitempty"`
}

// Client is the control plane of the multipart session protocol. Chunk bytes
// themselves go to the signed URLs, not through this client.
type Client interface {
	Init(ctx context.Context, req InitRequest) (InitResponse, error)
	ChunkUploadURL(ctx context.Context, uploadID string, chunkNumber uint64, chunkHash string) (ChunkURLResponse, error)
	Complete(ctx context.Context, uploadID string, chunks []recording.ChunkRecord) (CompleteResponse, error)
	Abort(ctx context.Context, uploadID string) error
}

type apiClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	apiKey     string
	logger     log.Logger
}

// NewClient creates a Client that talks to the session service at baseURL.
// Transport-level retries are handled by the retryable HTTP client.
func NewClient(baseURL, apiKey string, logger log.Logger) Client {
	return &apiClient{
		httpClient: retryhttp.NewClient(logger),
		baseURL:    baseURL,
		apiKey:     apiKey,
		logger:     logger,
	}
}

func (c *apiClient) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	var response InitResponse
	err := c.post(ctx, "init", "/multipart/init", req, &response)
	return response, err
}

func (c *apiClient) ChunkUploadURL(ctx context.Context, uploadID string, chunkNumber uint64, chunkHash string) (ChunkURLResponse, error) {
	request := struct {
		UploadID    string `json:"upload_id"`
		ChunkNumber uint64 `json:"chunk_number"`
		ChunkHash   string `json:"chunk_hash"`
	}{uploadID, chunkNumber, chunkHash}

	var response ChunkURLResponse
	err := c.post(ctx, "chunk", "/multipart/chunk", request, &response)
	return response, err
}

func (c *apiClient) Complete(ctx context.Context, uploadID string, chunks []recording.ChunkRecord) (CompleteResponse, error) {
	request := struct {
		UploadID   string                 `json:"upload_id"`
		ChunkETags []recording.ChunkRecord `json:"chunk_etags"`
	}{uploadID, chunks}

	var response CompleteResponse
	err := c.post(ctx, "complete", "/multipart/complete", request, &response)
	return response, err
}

func (c *apiClient) Abort(ctx context.Context, uploadID string) error {
	url := fmt.Sprintf("%s/multipart/abort/%s", c.baseURL, uploadID)

	req, err := retryablehttp.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return &APIError{Operation: "abort", Err: err}
	}
	req = req.WithContext(ctx)
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Operation: "abort", Network: true, Err: err}
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Operation: "abort", Err: unwrapError(resp)}
	}
	return nil
}

func (c *apiClient) post(ctx context.Context, operation, path string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return &APIError{Operation: operation, Err: err}
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return &APIError{Operation: operation, Err: err}
	}
	req = req.WithContext(ctx)
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Operation: operation, Network: true, Err: err}
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusUnprocessableEntity && operation == "complete" {
		return &ServerInvalidationError{Message: errorDetail(resp)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &APIError{Operation: operation, Err: unwrapError(resp)}
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return &APIError{Operation: operation, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorDetail(resp))
}

// errorDetail extracts the human-readable detail field from an error
// response body, falling back to the raw body.
func errorDetail(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	if err != nil {
		return "unknown error"
	}

	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return string(body)
}

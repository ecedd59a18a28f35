package upload

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
)

// Env vars read by CreateConfig.
const (
	envAPIBaseURL     = "SESSION_UPLOAD_API_URL"
	envAPIKey         = "SESSION_UPLOAD_API_KEY"
	envHardwareID     = "SESSION_UPLOAD_HWID"
	envChunkSizeHint  = "SESSION_UPLOAD_CHUNK_SIZE_HINT"
	envUnreliableLink = "SESSION_UPLOAD_UNRELIABLE_CONNECTION"
	envDeleteUploaded = "SESSION_UPLOAD_DELETE_UPLOADED"
	envCompress       = "SESSION_UPLOAD_COMPRESS_ARCHIVES"

	envS3Bucket      = "SESSION_UPLOAD_S3_BUCKET"
	envS3Region      = "SESSION_UPLOAD_S3_REGION"
	envS3AccessKeyID = "SESSION_UPLOAD_S3_ACCESS_KEY_ID"
	envS3SecretKey   = "SESSION_UPLOAD_S3_SECRET_ACCESS_KEY"
	envS3KeyPrefix   = "SESSION_UPLOAD_S3_KEY_PREFIX"
)

// Chunk size hint sent to the server when the connection is flagged as
// unreliable; smaller chunks lose less on a retry.
const unreliableChunkSizeBytes = 5 * 1024 * 1024

// Config is the resolved configuration for an upload run.
type Config struct {
	APIBaseURL string
	APIKey     string
	// HardwareID identifies the uploading machine in init requests. Falls
	// back to the hostname when not configured.
	HardwareID string
	// ChunkSizeHint is sent with init when non-zero; the server still has
	// the final say on the session's chunk size.
	ChunkSizeHint uint64
	// DeleteUploaded removes recording folders after a successful upload.
	DeleteUploaded bool
	// CompressArchives enables zstd compression of built archives.
	CompressArchives bool
	// IncludePatterns filters which recording folders a scan considers.
	IncludePatterns []string

	// S3Bucket enables the direct-to-bucket path (UploadDirect) when set.
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	// S3KeyPrefix is prepended to object keys on the direct path.
	S3KeyPrefix string
}

// CreateConfig reads and validates the configuration from the environment.
func CreateConfig(envRepo env.Repository) (Config, error) {
	baseURL := strings.TrimSpace(envRepo.Get(envAPIBaseURL))
	if baseURL == "" {
		return Config{}, fmt.Errorf("%s is not defined", envAPIBaseURL)
	}

	apiKey := strings.TrimSpace(envRepo.Get(envAPIKey))
	if apiKey == "" {
		return Config{}, fmt.Errorf("%s is not defined", envAPIKey)
	}

	hardwareID := strings.TrimSpace(envRepo.Get(envHardwareID))
	if hardwareID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("%s not set and hostname unavailable: %w", envHardwareID, err)
		}
		hardwareID = hostname
	}

	config := Config{
		APIBaseURL:       strings.TrimSuffix(baseURL, "/"),
		APIKey:           apiKey,
		HardwareID:       hardwareID,
		DeleteUploaded:   isTruthy(envRepo.Get(envDeleteUploaded)),
		CompressArchives: isTruthy(envRepo.Get(envCompress)),

		S3Bucket:          strings.TrimSpace(envRepo.Get(envS3Bucket)),
		S3Region:          strings.TrimSpace(envRepo.Get(envS3Region)),
		S3AccessKeyID:     strings.TrimSpace(envRepo.Get(envS3AccessKeyID)),
		S3SecretAccessKey: strings.TrimSpace(envRepo.Get(envS3SecretKey)),
		S3KeyPrefix:       strings.Trim(strings.TrimSpace(envRepo.Get(envS3KeyPrefix)), "/"),
	}

	if hint := strings.TrimSpace(envRepo.Get(envChunkSizeHint)); hint != "" {
		size, err := strconv.ParseUint(hint, 10, 64)
		if err != nil || size == 0 {
			return Config{}, fmt.Errorf("invalid %s value: %s", envChunkSizeHint, hint)
		}
		config.ChunkSizeHint = size
	} else if isTruthy(envRepo.Get(envUnreliableLink)) {
		config.ChunkSizeHint = unreliableChunkSizeBytes
	}

	return config, nil
}

func isTruthy(value string) bool {
	return value == "true" || value == "1" || value == "yes"
}

// Package archive packages a recording's artifact files into a single tar
// file, ready for chunked upload.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/capturekit/go-sessionupload/recording"
)

// Options ...
type Options struct {
	// Compress wraps the tar stream in zstd. Off by default: video payloads
	// are already compressed, so zstd only helps for input-log-heavy sessions.
	Compress bool
	// CompressionLevel is the zstd level, valid between 1 and 19. 0 means the
	// default level (3).
	CompressionLevel int
}

// Build writes the artifact's three files into a new archive inside the
// recording folder and returns its path. File names inside the archive are
// flat (no directory components).
func Build(artifact recording.Artifact, dir string, opts Options, logger log.Logger) (string, error) {
	if err := artifact.Validate(); err != nil {
		return "", err
	}

	name := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	extension := ".tar"
	if opts.Compress {
		extension = ".tar.zst"
	}
	archivePath := filepath.Join(dir, name+extension)

	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer out.Close() //nolint:errcheck

	var tarTarget io.Writer = out
	var zstdWriter *zstd.Encoder
	if opts.Compress {
		level := zstd.SpeedDefault
		if opts.CompressionLevel != 0 {
			level = zstd.EncoderLevelFromZstd(opts.CompressionLevel)
		}
		zstdWriter, err = zstd.NewWriter(out, zstd.WithEncoderLevel(level))
		if err != nil {
			return "", fmt.Errorf("create zstd writer: %w", err)
		}
		tarTarget = zstdWriter
	}

	tarWriter := tar.NewWriter(tarTarget)
	for _, path := range []string{artifact.VideoPath, artifact.InputLogPath, artifact.MetadataPath} {
		if err := appendFile(tarWriter, path); err != nil {
			os.Remove(archivePath) //nolint:errcheck
			return "", err
		}
	}

	if err := tarWriter.Close(); err != nil {
		os.Remove(archivePath) //nolint:errcheck
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	if zstdWriter != nil {
		if err := zstdWriter.Close(); err != nil {
			os.Remove(archivePath) //nolint:errcheck
			return "", fmt.Errorf("finalize zstd stream: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	logger.Debugf("Archive created at %s", archivePath)
	return archivePath, nil
}

func appendFile(tarWriter *tar.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact file: %w", err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("create tar header: %w", err)
	}
	header.Name = filepath.Base(path)

	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return fmt.Errorf("write %s to archive: %w", header.Name, err)
	}
	return nil
}

package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// ChunkRecord is one server-acknowledged chunk. Chunk numbers are 1-based and
// form a contiguous run with no gaps, because chunks are uploaded strictly in
// order and the next chunk is derived from the highest recorded number.
type ChunkRecord struct {
	ChunkNumber uint64 `json:"chunk_number"`
	ETag        string `json:"etag"`
}

// ProgressState is the durable in-flight upload state for one recording. It
// is owned exclusively by the running upload attempt and persisted to the
// recording folder so the attempt can resume after a crash or pause.
//
// On disk the state is a JSON-lines log: a header line with the session
// metadata followed by one line per acknowledged chunk. Appending a completed
// chunk is an O(1) append instead of a full rewrite. The legacy format, a
// single JSON object carrying all chunks in chunk_etags, is still accepted on
// load as a one-time migration path.
type ProgressState struct {
	UploadID       string        `json:"upload_id"`
	ContentID      string        `json:"content_id"`
	ArchivePath    string        `json:"tar_path"`
	TotalChunks    uint64        `json:"total_chunks"`
	ChunkSizeBytes uint64        `json:"chunk_size_bytes"`
	ExpiresAt      int64         `json:"expires_at"`
	Chunks         []ChunkRecord `json:"chunk_etags,omitempty"`
}

// NextChunkNumber is the sole resumption cursor: the highest recorded chunk
// number plus one, or 1 for a fresh session.
func (s *ProgressState) NextChunkNumber() uint64 {
	var max uint64
	for _, chunk := range s.Chunks {
		if chunk.ChunkNumber > max {
			max = chunk.ChunkNumber
		}
	}
	return max + 1
}

// SecondsUntilExpiration returns the remaining session lifetime at the given
// time. Negative when the session has expired.
func (s *ProgressState) SecondsUntilExpiration(now time.Time) int64 {
	return s.ExpiresAt - now.Unix()
}

// IsExpired ...
func (s *ProgressState) IsExpired(now time.Time) bool {
	return now.Unix() >= s.ExpiresAt
}

// AddChunk records an acknowledged chunk in memory.
func (s *ProgressState) AddChunk(rec ChunkRecord) {
	s.Chunks = append(s.Chunks, rec)
}

// ProgressPath returns the progress file location for a recording folder.
func ProgressPath(dir string) string {
	return filepath.Join(dir, ProgressFileName)
}

// SaveProgress writes a full snapshot of the progress state to the recording
// folder: header line first, then one line per chunk. The write is atomic so
// a crash mid-save never leaves a truncated file behind.
func SaveProgress(dir string, state *ProgressState) error {
	header := *state
	header.Chunks = nil

	var buf []byte
	headerLine, err := json.Marshal(&header)
	if err != nil {
		return fmt.Errorf("marshal progress header: %w", err)
	}
	buf = append(buf, headerLine...)
	buf = append(buf, '\n')

	for _, chunk := range state.Chunks {
		line, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshal chunk record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := renameio.WriteFile(ProgressPath(dir), buf, 0o644); err != nil {
		return fmt.Errorf("write progress file: %w", err)
	}
	return nil
}

// AppendChunk appends a single acknowledged chunk to the progress log. Used
// on the hot path after every chunk instead of a full SaveProgress. The file
// must already exist: appending to a vanished progress file would create a
// headerless log, so the open fails instead.
func AppendChunk(dir string, rec ChunkRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal chunk record: %w", err)
	}

	f, err := os.OpenFile(ProgressPath(dir), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open progress file for append: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append chunk record: %w", err)
	}
	return nil
}

// LoadProgress reads a progress file in either on-disk format. Chunk lines
// are folded into the header state, deduplicating by chunk number and keeping
// the first occurrence (a crash between append and ack can duplicate a line).
func LoadProgress(path string) (*ProgressState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open progress file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read progress header: %w", err)
		}
		return nil, fmt.Errorf("progress file is empty: %s", path)
	}

	var state ProgressState
	if err := json.Unmarshal(scanner.Bytes(), &state); err != nil {
		return nil, fmt.Errorf("parse progress header: %w", err)
	}

	seen := make(map[uint64]bool, len(state.Chunks))
	deduped := state.Chunks[:0]
	for _, chunk := range state.Chunks {
		if !seen[chunk.ChunkNumber] {
			seen[chunk.ChunkNumber] = true
			deduped = append(deduped, chunk)
		}
	}
	state.Chunks = deduped

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk ChunkRecord
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("parse chunk record: %w", err)
		}
		if seen[chunk.ChunkNumber] {
			continue
		}
		seen[chunk.ChunkNumber] = true
		state.Chunks = append(state.Chunks, chunk)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}

	return &state, nil
}

// DeleteProgress removes the progress file. Missing file is not an error.
func DeleteProgress(dir string) error {
	err := os.Remove(ProgressPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete progress file: %w", err)
	}
	return nil
}

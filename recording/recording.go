package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

// Well-known file names inside a recording folder. The set of marker files
// present fully determines the recording's state, so the state machine can be
// rebuilt from disk after a crash.
const (
	UploadedMarkerName      = ".uploaded"
	InvalidMarkerName       = ".invalid"
	ServerInvalidMarkerName = ".server-invalid"
	ProgressFileName        = "upload_progress.json"
	MetadataFileName        = "metadata.json"
)

// Kind identifies the active variant of a recording State.
type Kind int

const (
	// KindUnuploaded is a recording that has not been uploaded yet.
	KindUnuploaded Kind = iota
	// KindPaused is a recording with a partially completed upload session.
	KindPaused
	// KindUploaded is a recording that has been fully uploaded.
	KindUploaded
	// KindInvalid is a recording rejected locally or by the server.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindUnuploaded:
		return "unuploaded"
	case KindPaused:
		return "paused"
	case KindUploaded:
		return "uploaded"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Info is the variant-independent description of a recording folder.
type Info struct {
	FolderName string
	FolderPath string
	FolderSize int64
	// Timestamp is parsed from the folder name (unix seconds). Zero if the
	// folder does not follow the timestamp naming convention.
	Timestamp time.Time
}

// Artifact is the set of files produced by the capture side for one session.
// All three files must exist before an upload attempt begins.
type Artifact struct {
	VideoPath       string
	InputLogPath    string
	MetadataPath    string
	SizeBytes       int64
	DurationSeconds float64
}

// Validate checks that every artifact file exists on disk.
func (a Artifact) Validate() error {
	for _, path := range []string{a.VideoPath, a.InputLogPath, a.MetadataPath} {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("artifact file missing: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("artifact path is a directory: %s", path)
		}
	}
	return nil
}

// Metadata is the sidecar JSON written by the capture side when a recording
// stops. It feeds the upload session init request.
type Metadata struct {
	SessionID       string   `json:"session_id"`
	AppExe          string   `json:"app_exe"`
	HardwareID      string   `json:"hardware_id"`
	StartTimestamp  int64    `json:"start_timestamp"`
	EndTimestamp    int64    `json:"end_timestamp"`
	DurationSeconds float64  `json:"duration"`
	VideoWidth      int      `json:"video_width,omitempty"`
	VideoHeight     int      `json:"video_height,omitempty"`
	VideoCodec      string   `json:"video_codec,omitempty"`
	VideoFPS        float32  `json:"video_fps,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// State is a tagged union over the four recording dispositions. Exactly one
// variant is active; variant-specific accessors return ok=false for the rest,
// so a Paused state can never expose an Uploaded content ID and vice versa.
type State struct {
	kind      Kind
	info      Info
	artifact  *Artifact
	metadata  *Metadata
	progress  *ProgressState
	contentID string
	reasons   []string
	byServer  bool
}

// NewUnuploaded ...
func NewUnuploaded(info Info, artifact *Artifact, metadata *Metadata) State {
	return State{kind: KindUnuploaded, info: info, artifact: artifact, metadata: metadata}
}

// NewPaused ...
func NewPaused(info Info, artifact *Artifact, metadata *Metadata, progress *ProgressState) State {
	return State{kind: KindPaused, info: info, artifact: artifact, metadata: metadata, progress: progress}
}

// NewUploaded ...
func NewUploaded(info Info, contentID string) State {
	return State{kind: KindUploaded, info: info, contentID: contentID}
}

// NewInvalid ...
func NewInvalid(info Info, metadata *Metadata, reasons []string, byServer bool) State {
	return State{kind: KindInvalid, info: info, metadata: metadata, reasons: reasons, byServer: byServer}
}

// Kind returns the active variant.
func (s State) Kind() Kind { return s.kind }

// Info returns the variant-independent folder description.
func (s State) Info() Info { return s.info }

// Artifact returns the capture artifact for Unuploaded and Paused recordings.
func (s State) Artifact() (*Artifact, bool) {
	return s.artifact, s.artifact != nil && (s.kind == KindUnuploaded || s.kind == KindPaused)
}

// Metadata returns the capture metadata if it was present and parseable.
func (s State) Metadata() (*Metadata, bool) {
	return s.metadata, s.metadata != nil
}

// Progress returns the saved upload progress for Paused recordings.
func (s State) Progress() (*ProgressState, bool) {
	return s.progress, s.kind == KindPaused && s.progress != nil
}

// ContentID returns the server-assigned content ID for Uploaded recordings.
func (s State) ContentID() (string, bool) {
	return s.contentID, s.kind == KindUploaded
}

// InvalidReasons returns the human-readable rejection reasons and whether the
// rejection came from the server.
func (s State) InvalidReasons() (reasons []string, byServer bool, ok bool) {
	return s.reasons, s.byServer, s.kind == KindInvalid
}

// Uploadable reports whether the recording is eligible for an upload attempt.
func (s State) Uploadable() bool {
	return s.kind == KindUnuploaded || s.kind == KindPaused
}

// FromDir classifies a single recording folder by inspecting its marker
// files. Scan priority: uploaded marker, invalid markers, progress file,
// otherwise unuploaded. A progress file that fails to parse is treated as
// corrupt and the recording falls back to Unuploaded so the user is never
// blocked on it.
func FromDir(dir string, logger log.Logger) (State, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return State{}, fmt.Errorf("stat recording folder: %w", err)
	}
	if !fi.IsDir() {
		return State{}, fmt.Errorf("not a directory: %s", dir)
	}

	info := Info{
		FolderName: filepath.Base(dir),
		FolderPath: dir,
		FolderSize: folderSize(dir),
	}
	if secs, err := strconv.ParseInt(info.FolderName, 10, 64); err == nil {
		info.Timestamp = time.Unix(secs, 0)
	}

	if content, err := os.ReadFile(filepath.Join(dir, UploadedMarkerName)); err == nil {
		return NewUploaded(info, strings.TrimSpace(string(content))), nil
	}

	metadata := readMetadata(dir)

	for _, m := range []struct {
		name     string
		byServer bool
	}{
		{ServerInvalidMarkerName, true},
		{InvalidMarkerName, false},
	} {
		content, err := os.ReadFile(filepath.Join(dir, m.name))
		if err != nil {
			continue
		}
		reasons := splitReasons(string(content))
		return NewInvalid(info, metadata, reasons, m.byServer), nil
	}

	artifact := findArtifact(dir, metadata)

	progressPath := filepath.Join(dir, ProgressFileName)
	if _, err := os.Stat(progressPath); err == nil {
		progress, err := LoadProgress(progressPath)
		if err != nil {
			logger.Warnf("Corrupt progress file in %s, treating recording as unuploaded: %s", dir, err)
			return NewUnuploaded(info, artifact, metadata), nil
		}
		return NewPaused(info, artifact, metadata, progress), nil
	}

	return NewUnuploaded(info, artifact, metadata), nil
}

// ScanDirectory classifies every recording folder under root. Folders are
// filtered by the provided doublestar glob patterns (all folders when none are
// given) and returned newest first.
func ScanDirectory(root string, includePatterns []string, logger log.Logger) ([]State, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read recording root: %w", err)
	}

	var states []State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !matchesAny(entry.Name(), includePatterns) {
			continue
		}
		state, err := FromDir(filepath.Join(root, entry.Name()), logger)
		if err != nil {
			logger.Warnf("Skipping folder %s: %s", entry.Name(), err)
			continue
		}
		states = append(states, state)
	}

	sort.SliceStable(states, func(i, j int) bool {
		return states[i].Info().Timestamp.After(states[j].Info().Timestamp)
	})

	return states, nil
}

func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// findArtifact locates the capture artifact inside a recording folder: the
// first video file, the first input log, and the metadata sidecar. Returns nil
// if any of the three is missing.
func findArtifact(dir string, metadata *Metadata) *Artifact {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var videoPath, inputLogPath string
	var size int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		switch strings.ToLower(filepath.Ext(name)) {
		case ".mp4", ".mkv":
			if videoPath == "" {
				videoPath = path
			}
		case ".csv":
			if inputLogPath == "" {
				inputLogPath = path
			}
		}
		if info, err := entry.Info(); err == nil {
			size += info.Size()
		}
	}

	metadataPath := filepath.Join(dir, MetadataFileName)
	if _, err := os.Stat(metadataPath); err != nil {
		return nil
	}
	if videoPath == "" || inputLogPath == "" {
		return nil
	}

	artifact := &Artifact{
		VideoPath:    videoPath,
		InputLogPath: inputLogPath,
		MetadataPath: metadataPath,
		SizeBytes:    size,
	}
	if metadata != nil {
		artifact.DurationSeconds = metadata.DurationSeconds
	}
	return artifact
}

func readMetadata(dir string) *Metadata {
	content, err := os.ReadFile(filepath.Join(dir, MetadataFileName))
	if err != nil {
		return nil
	}
	var metadata Metadata
	if err := json.Unmarshal(content, &metadata); err != nil {
		return nil
	}
	return &metadata
}

func splitReasons(content string) []string {
	var reasons []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			reasons = append(reasons, line)
		}
	}
	if len(reasons) == 0 {
		reasons = []string{"unknown error"}
	}
	return reasons
}

func folderSize(dir string) int64 {
	var size int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && !info.IsDir() {
			size += info.Size()
		}
	}
	return size
}

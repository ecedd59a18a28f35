package recording

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRecordingFolder creates a folder with a plausible capture artifact.
func writeRecordingFolder(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.mp4"), []byte("video"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inputs.csv"), []byte("t,key\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFileName), []byte(`{"session_id":"s1","duration":12.5}`), 0o644))
	return dir
}

func TestFromDir_Unuploaded(t *testing.T) {
	dir := writeRecordingFolder(t, t.TempDir(), "1730000000")

	state, err := FromDir(dir, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, KindUnuploaded, state.Kind())
	assert.True(t, state.Uploadable())
	assert.Equal(t, int64(1730000000), state.Info().Timestamp.Unix())

	artifact, ok := state.Artifact()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "session.mp4"), artifact.VideoPath)
	assert.Equal(t, filepath.Join(dir, "inputs.csv"), artifact.InputLogPath)
	assert.InDelta(t, 12.5, artifact.DurationSeconds, 0.001)

	metadata, ok := state.Metadata()
	require.True(t, ok)
	assert.Equal(t, "s1", metadata.SessionID)
}

func TestFromDir_Uploaded(t *testing.T) {
	dir := writeRecordingFolder(t, t.TempDir(), "1730000000")
	require.NoError(t, os.WriteFile(filepath.Join(dir, UploadedMarkerName), []byte("content-42\n"), 0o644))

	state, err := FromDir(dir, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, KindUploaded, state.Kind())
	assert.False(t, state.Uploadable())
	contentID, ok := state.ContentID()
	require.True(t, ok)
	assert.Equal(t, "content-42", contentID)
}

func TestFromDir_Invalid(t *testing.T) {
	tests := []struct {
		name         string
		marker       string
		wantByServer bool
	}{
		{name: "local validation failure", marker: InvalidMarkerName, wantByServer: false},
		{name: "server rejection", marker: ServerInvalidMarkerName, wantByServer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeRecordingFolder(t, t.TempDir(), "1730000000")
			require.NoError(t, os.WriteFile(filepath.Join(dir, tt.marker), []byte("too short\nno input activity\n"), 0o644))

			state, err := FromDir(dir, log.NewLogger())
			require.NoError(t, err)

			assert.Equal(t, KindInvalid, state.Kind())
			reasons, byServer, ok := state.InvalidReasons()
			require.True(t, ok)
			assert.Equal(t, []string{"too short", "no input activity"}, reasons)
			assert.Equal(t, tt.wantByServer, byServer)
		})
	}
}

func TestFromDir_Paused(t *testing.T) {
	dir := writeRecordingFolder(t, t.TempDir(), "1730000000")

	progress := testProgressState()
	progress.AddChunk(ChunkRecord{ChunkNumber: 1, ETag: "abc"})
	require.NoError(t, SaveProgress(dir, progress))

	state, err := FromDir(dir, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, KindPaused, state.Kind())
	assert.True(t, state.Uploadable())
	loaded, ok := state.Progress()
	require.True(t, ok)
	assert.Equal(t, uint64(2), loaded.NextChunkNumber())
}

func TestFromDir_CorruptProgressFallsBackToUnuploaded(t *testing.T) {
	dir := writeRecordingFolder(t, t.TempDir(), "1730000000")
	require.NoError(t, os.WriteFile(ProgressPath(dir), []byte("garbage"), 0o644))

	state, err := FromDir(dir, log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, KindUnuploaded, state.Kind())
}

func TestFromDir_MarkerPriority(t *testing.T) {
	// Uploaded wins over everything, invalid wins over progress.
	dir := writeRecordingFolder(t, t.TempDir(), "1730000000")
	require.NoError(t, SaveProgress(dir, testProgressState()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, InvalidMarkerName), []byte("reason"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, UploadedMarkerName), []byte("content-1"), 0o644))

	state, err := FromDir(dir, log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, KindUploaded, state.Kind())

	require.NoError(t, os.Remove(filepath.Join(dir, UploadedMarkerName)))
	state, err = FromDir(dir, log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, KindInvalid, state.Kind())
}

func TestScanDirectory_SortsNewestFirstAndFilters(t *testing.T) {
	root := t.TempDir()
	writeRecordingFolder(t, root, "1730000000")
	writeRecordingFolder(t, root, "1730000500")
	writeRecordingFolder(t, root, "1730000250")
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray-file"), []byte("x"), 0o644))

	states, err := ScanDirectory(root, nil, log.NewLogger())
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, "1730000500", states[0].Info().FolderName)
	assert.Equal(t, "1730000250", states[1].Info().FolderName)
	assert.Equal(t, "1730000000", states[2].Info().FolderName)

	filtered, err := ScanDirectory(root, []string{"17300005*"}, log.NewLogger())
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "1730000500", filtered[0].Info().FolderName)
}

func TestArtifactValidate(t *testing.T) {
	dir := writeRecordingFolder(t, t.TempDir(), "1730000000")

	artifact := Artifact{
		VideoPath:    filepath.Join(dir, "session.mp4"),
		InputLogPath: filepath.Join(dir, "inputs.csv"),
		MetadataPath: filepath.Join(dir, MetadataFileName),
	}
	assert.NoError(t, artifact.Validate())

	artifact.VideoPath = filepath.Join(dir, "missing.mp4")
	assert.Error(t, artifact.Validate())
}

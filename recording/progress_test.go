package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProgressState() *ProgressState {
	return &ProgressState{
		UploadID:       "upload-123",
		ContentID:      "content-456",
		ArchivePath:    "/tmp/abc.tar",
		TotalChunks:    6,
		ChunkSizeBytes: 8388608,
		ExpiresAt:      1730000000,
	}
}

func TestSaveAndLoadProgress(t *testing.T) {
	dir := t.TempDir()

	state := testProgressState()
	state.AddChunk(ChunkRecord{ChunkNumber: 1, ETag: "abc123"})
	state.AddChunk(ChunkRecord{ChunkNumber: 2, ETag: "def456"})

	require.NoError(t, SaveProgress(dir, state))

	loaded, err := LoadProgress(ProgressPath(dir))
	require.NoError(t, err)

	assert.Equal(t, state.UploadID, loaded.UploadID)
	assert.Equal(t, state.ContentID, loaded.ContentID)
	assert.Equal(t, state.ArchivePath, loaded.ArchivePath)
	assert.Equal(t, state.TotalChunks, loaded.TotalChunks)
	assert.Equal(t, state.ChunkSizeBytes, loaded.ChunkSizeBytes)
	assert.Equal(t, state.ExpiresAt, loaded.ExpiresAt)
	assert.Equal(t, state.Chunks, loaded.Chunks)
}

func TestAppendChunkIsLoadable(t *testing.T) {
	dir := t.TempDir()

	state := testProgressState()
	require.NoError(t, SaveProgress(dir, state))

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, AppendChunk(dir, ChunkRecord{ChunkNumber: i, ETag: fmt.Sprintf("etag-%d", i)}))
	}

	loaded, err := LoadProgress(ProgressPath(dir))
	require.NoError(t, err)
	require.Len(t, loaded.Chunks, 3)
	assert.Equal(t, uint64(4), loaded.NextChunkNumber())
	for i, chunk := range loaded.Chunks {
		assert.Equal(t, uint64(i+1), chunk.ChunkNumber)
	}
}

func TestLoadProgress_LegacySingleObjectFormat(t *testing.T) {
	dir := t.TempDir()

	legacy := `{"upload_id":"upload-123","content_id":"content-456","tar_path":"/tmp/abc.tar","total_chunks":6,"chunk_size_bytes":8388608,"expires_at":1730000000,"chunk_etags":[{"chunk_number":1,"etag":"abc"},{"chunk_number":2,"etag":"def"}]}`
	require.NoError(t, os.WriteFile(ProgressPath(dir), []byte(legacy+"\n"), 0o644))

	loaded, err := LoadProgress(ProgressPath(dir))
	require.NoError(t, err)
	assert.Equal(t, "upload-123", loaded.UploadID)
	require.Len(t, loaded.Chunks, 2)
	assert.Equal(t, uint64(3), loaded.NextChunkNumber())
}

func TestLoadProgress_DeduplicatesKeepingFirst(t *testing.T) {
	dir := t.TempDir()

	state := testProgressState()
	require.NoError(t, SaveProgress(dir, state))
	require.NoError(t, AppendChunk(dir, ChunkRecord{ChunkNumber: 1, ETag: "first"}))
	require.NoError(t, AppendChunk(dir, ChunkRecord{ChunkNumber: 1, ETag: "duplicate"}))
	require.NoError(t, AppendChunk(dir, ChunkRecord{ChunkNumber: 2, ETag: "second"}))

	loaded, err := LoadProgress(ProgressPath(dir))
	require.NoError(t, err)
	require.Len(t, loaded.Chunks, 2)
	assert.Equal(t, "first", loaded.Chunks[0].ETag)
	assert.Equal(t, "second", loaded.Chunks[1].ETag)
}

func TestLoadProgress_CrashAfterChunkK_ResumesAtKPlusOne(t *testing.T) {
	formats := []struct {
		name  string
		write func(t *testing.T, dir string, k uint64)
	}{
		{
			name: "header plus log",
			write: func(t *testing.T, dir string, k uint64) {
				require.NoError(t, SaveProgress(dir, testProgressState()))
				for i := uint64(1); i <= k; i++ {
					require.NoError(t, AppendChunk(dir, ChunkRecord{ChunkNumber: i, ETag: fmt.Sprintf("e%d", i)}))
				}
			},
		},
		{
			name: "legacy single object",
			write: func(t *testing.T, dir string, k uint64) {
				state := testProgressState()
				for i := uint64(1); i <= k; i++ {
					state.AddChunk(ChunkRecord{ChunkNumber: i, ETag: fmt.Sprintf("e%d", i)})
				}
				require.NoError(t, SaveProgress(dir, state))
			},
		},
	}

	for _, format := range formats {
		t.Run(format.name, func(t *testing.T) {
			const k = 3
			dir := t.TempDir()
			format.write(t, dir, k)

			loaded, err := LoadProgress(ProgressPath(dir))
			require.NoError(t, err)
			assert.Equal(t, uint64(k+1), loaded.NextChunkNumber())
		})
	}
}

func TestNextChunkNumber_Empty(t *testing.T) {
	state := testProgressState()
	assert.Equal(t, uint64(1), state.NextChunkNumber())
}

func TestLoadProgress_Failures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty file", content: ""},
		{name: "corrupt header", content: "not json\n"},
		{name: "corrupt chunk line", content: `{"upload_id":"u","total_chunks":2,"chunk_size_bytes":8,"expires_at":1}` + "\nnot json\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, ProgressFileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := LoadProgress(path)
			assert.Error(t, err)
		})
	}
}

func TestAppendChunk_MissingFileFails(t *testing.T) {
	dir := t.TempDir()

	err := AppendChunk(dir, ChunkRecord{ChunkNumber: 1, ETag: "abc"})
	require.Error(t, err)

	// The failed append must not have created a headerless log.
	assert.NoFileExists(t, ProgressPath(dir))
}

func TestLoadProgress_MissingFile(t *testing.T) {
	_, err := LoadProgress(filepath.Join(t.TempDir(), ProgressFileName))
	assert.Error(t, err)
}

func TestProgressState_Expiration(t *testing.T) {
	state := testProgressState()
	state.ExpiresAt = time.Date(2024, 10, 27, 3, 33, 20, 0, time.UTC).Unix()

	before := time.Unix(state.ExpiresAt-100, 0)
	assert.False(t, state.IsExpired(before))
	assert.Equal(t, int64(100), state.SecondsUntilExpiration(before))

	at := time.Unix(state.ExpiresAt, 0)
	assert.True(t, state.IsExpired(at))

	after := time.Unix(state.ExpiresAt+5, 0)
	assert.True(t, state.IsExpired(after))
	assert.Equal(t, int64(-5), state.SecondsUntilExpiration(after))
}

func TestDeleteProgress_MissingFileIsNotAnError(t *testing.T) {
	assert.NoError(t, DeleteProgress(t.TempDir()))
}

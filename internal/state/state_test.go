package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(path string) FileRecord {
	return FileRecord{
		Path:             path,
		SizeAtLastCommit: 4096,
		ByteOffset:       4096,
		LastModified:     time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		LastImportedAt:   time.Date(2026, 8, 20, 10, 1, 0, 0, time.UTC),
		ChunksWritten:    3,
		ConversationID:   "c1",
		Project:          "a_project",
		Collection:       "conv_12345678_local",
		ChunkingVersion:  "v2",
	}
}

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.Empty(t, s.Records())
}

func TestCommitAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path)
	require.NoError(t, err)
	rec := testRecord("/logs/p/c1.jsonl")
	require.NoError(t, s.Commit(rec))

	// A fresh Open models a restart after a crash.
	reloaded, err := Open(path)
	require.NoError(t, err)
	got, ok := reloaded.Record("/logs/p/c1.jsonl")
	require.True(t, ok)
	assert.Equal(t, rec.ByteOffset, got.ByteOffset)
	assert.Equal(t, rec.ChunksWritten, got.ChunksWritten)
	assert.Equal(t, rec.Collection, got.Collection)
	assert.True(t, rec.LastModified.Equal(got.LastModified))
}

func TestCommitOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)

	rec := testRecord("/logs/p/c1.jsonl")
	require.NoError(t, s.Commit(rec))

	rec.ByteOffset = 9000
	rec.SizeAtLastCommit = 9000
	rec.ChunksWritten = 7
	require.NoError(t, s.Commit(rec))

	got, ok := s.Record("/logs/p/c1.jsonl")
	require.True(t, ok)
	assert.Equal(t, int64(9000), got.ByteOffset)
	assert.Equal(t, 7, got.ChunksWritten)
}

func TestForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Commit(testRecord("/logs/p/c1.jsonl")))
	require.NoError(t, s.Forget("/logs/p/c1.jsonl"))
	_, ok := s.Record("/logs/p/c1.jsonl")
	assert.False(t, ok)

	// Forgetting an unknown path is a no-op.
	require.NoError(t, s.Forget("/logs/p/unknown.jsonl"))
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestUnknownKeysPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
		"imported_files": {
			"/logs/p/c1.jsonl": {
				"path": "/logs/p/c1.jsonl",
				"size_at_last_commit": 100,
				"byte_offset": 100,
				"chunks_written": 1,
				"conversation_id": "c1",
				"project": "p",
				"collection": "conv_x_local",
				"chunking_version": "v2",
				"future_field": {"nested": true}
			}
		},
		"file_metadata": {"schema": "3"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Open(path)
	require.NoError(t, err)

	rec, ok := s.Record("/logs/p/c1.jsonl")
	require.True(t, ok)
	rec.ByteOffset = 200
	require.NoError(t, s.Commit(rec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Contains(t, string(out["imported_files"]), "future_field")
	assert.Contains(t, string(out["file_metadata"]), "schema")
}

func TestUnknownTopLevelKeysPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
		"schema_version": 3,
		"daemon": {"last_started": "2026-08-20T10:00:00Z"},
		"imported_files": {}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Commit(testRecord("/logs/p/c1.jsonl")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.JSONEq(t, `3`, string(out["schema_version"]))
	assert.Contains(t, string(out["daemon"]), "last_started")
	assert.Contains(t, string(out["imported_files"]), "/logs/p/c1.jsonl")
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Commit(testRecord("/logs/p/c1.jsonl")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

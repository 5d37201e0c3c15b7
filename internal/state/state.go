// Package state persists the ingester's per-file cursors.
//
// The whole state is one JSON document rewritten atomically on every commit:
// serialize to a sibling temp file, fsync, rename over the target. A single
// process owns a state file; in-process writers serialize on a mutex.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorrupt marks an unparseable state file. It is fatal at startup; the
// operator repairs or removes the file by hand.
var ErrCorrupt = errors.New("state file corrupt")

// FileRecord is the durable cursor for one conversation file.
type FileRecord struct {
	Path             string    `json:"path"`
	SizeAtLastCommit int64     `json:"size_at_last_commit"`
	ByteOffset       int64     `json:"byte_offset"`
	LastModified     time.Time `json:"last_modified"`
	LastImportedAt   time.Time `json:"last_imported_at"`
	ChunksWritten    int       `json:"chunks_written"`
	ConversationID   string    `json:"conversation_id"`
	Project          string    `json:"project"`
	Collection       string    `json:"collection"`
	ChunkingVersion  string    `json:"chunking_version"`
	CorruptLines     int       `json:"corrupt_lines,omitempty"`

	// extra preserves keys written by newer versions of the schema.
	extra map[string]json.RawMessage
}

// fileRecordKnown mirrors FileRecord for plain JSON decoding.
type fileRecordKnown FileRecord

var recordKeys = map[string]bool{
	"path": true, "size_at_last_commit": true, "byte_offset": true,
	"last_modified": true, "last_imported_at": true, "chunks_written": true,
	"conversation_id": true, "project": true, "collection": true,
	"chunking_version": true, "corrupt_lines": true,
}

// UnmarshalJSON decodes known fields and keeps unknown keys for re-write.
func (r *FileRecord) UnmarshalJSON(data []byte) error {
	var known fileRecordKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if recordKeys[key] {
			delete(raw, key)
		}
	}
	*r = FileRecord(known)
	if len(raw) > 0 {
		r.extra = raw
	}
	return nil
}

// MarshalJSON re-emits known fields plus any preserved unknown keys.
func (r FileRecord) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(fileRecordKnown(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, val := range r.extra {
		merged[key] = val
	}
	return json.Marshal(merged)
}

// document is the on-disk layout.
type document struct {
	ImportedFiles map[string]*FileRecord     `json:"imported_files"`
	FileMetadata  map[string]json.RawMessage `json:"file_metadata,omitempty"`

	// extra preserves top-level keys written by newer versions of the schema.
	extra map[string]json.RawMessage
}

type documentKnown document

var documentKeys = map[string]bool{
	"imported_files": true, "file_metadata": true,
}

// UnmarshalJSON decodes known fields and keeps unknown top-level keys for
// re-write, same as FileRecord does per record.
func (d *document) UnmarshalJSON(data []byte) error {
	var known documentKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if documentKeys[key] {
			delete(raw, key)
		}
	}
	*d = document(known)
	if len(raw) > 0 {
		d.extra = raw
	}
	return nil
}

// MarshalJSON re-emits known fields plus any preserved unknown keys.
func (d document) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(documentKnown(d))
	if err != nil {
		return nil, err
	}
	if len(d.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, val := range d.extra {
		merged[key] = val
	}
	return json.Marshal(merged)
}

// Store owns one state file.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

// Open loads the state document at path. A missing file yields empty state;
// malformed JSON yields ErrCorrupt.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc:  document{ImportedFiles: make(map[string]*FileRecord)},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if s.doc.ImportedFiles == nil {
		s.doc.ImportedFiles = make(map[string]*FileRecord)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Record returns the cursor for a file path, if one exists.
func (s *Store) Record(path string) (FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.ImportedFiles[path]
	if !ok {
		return FileRecord{}, false
	}
	return *rec, true
}

// Records returns a copy of all cursors.
func (s *Store) Records() map[string]FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]FileRecord, len(s.doc.ImportedFiles))
	for path, rec := range s.doc.ImportedFiles {
		out[path] = *rec
	}
	return out
}

// Commit upserts the record and rewrites the document. When Commit returns
// nil the record is durable: a crash immediately after still observes it on
// the next Open.
func (s *Store) Commit(rec FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.doc.ImportedFiles[rec.Path]
	s.doc.ImportedFiles[rec.Path] = &rec
	if err := s.writeLocked(); err != nil {
		if existed {
			s.doc.ImportedFiles[rec.Path] = prev
		} else {
			delete(s.doc.ImportedFiles, rec.Path)
		}
		return err
	}
	return nil
}

// Forget removes a record. Used by repair tooling only; normal ingestion is
// strictly additive.
func (s *Store) Forget(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.doc.ImportedFiles[path]
	if !existed {
		return nil
	}
	delete(s.doc.ImportedFiles, path)
	if err := s.writeLocked(); err != nil {
		s.doc.ImportedFiles[path] = prev
		return err
	}
	return nil
}

// writeLocked serializes the document and renames it into place.
func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".reflectd-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("setting state file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}

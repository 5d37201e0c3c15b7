package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/reflectd/internal/chunker"
	"github.com/fyrsmithlabs/reflectd/internal/embeddings"
	"github.com/fyrsmithlabs/reflectd/internal/governor"
	"github.com/fyrsmithlabs/reflectd/internal/project"
	"github.com/fyrsmithlabs/reflectd/internal/state"
	"github.com/fyrsmithlabs/reflectd/internal/vectorstore"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeEmbedder) Dim() int       { return 4 }
func (f *fakeEmbedder) Suffix() string { return "local" }

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = []float32{float32(len(text)), 0, 0, 1}
	}
	return vecs, nil
}

type fakeVectors struct {
	mu         sync.Mutex
	ensured    map[string]uint64
	points     map[string]map[string]vectorstore.Point
	upsertErrs []error
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		ensured: make(map[string]uint64),
		points:  make(map[string]map[string]vectorstore.Point),
	}
}

func (f *fakeVectors) EnsureCollection(_ context.Context, name string, dim uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if have, ok := f.ensured[name]; ok && have != dim {
		return fmt.Errorf("%w: %d vs %d", vectorstore.ErrConfigMismatch, have, dim)
	}
	f.ensured[name] = dim
	return nil
}

func (f *fakeVectors) Upsert(_ context.Context, collection string, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	if f.points[collection] == nil {
		f.points[collection] = make(map[string]vectorstore.Point)
	}
	for _, p := range points {
		f.points[collection][p.ID] = p
	}
	return nil
}

func (f *fakeVectors) count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points[collection])
}

func newTestIngester(t *testing.T, vectors *fakeVectors, emb *fakeEmbedder) (*Ingester, *state.Store) {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "imported-files-local.json"))
	require.NoError(t, err)

	ing := New(vectors, emb, st, Config{}, nil, nil, zap.NewNop())
	ing.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return ing, st
}

func messageLine(role, text string) string {
	return fmt.Sprintf(`{"message":{"role":%q,"content":%q},"timestamp":"2026-08-24T10:00:00Z"}`, role, text)
}

func writeConversation(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestIngestFreshSmallFile(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("the governor throttled ingestion while tests ran. ", 8)
	path := writeConversation(t, dir, "c1.jsonl",
		messageLine("user", long),
		messageLine("assistant", long),
		messageLine("user", long),
	)

	vectors := newFakeVectors()
	ing, st := newTestIngester(t, vectors, &fakeEmbedder{})

	res, err := ing.IngestFile(context.Background(), path)
	require.NoError(t, err)

	_, wantCollection := project.CollectionFor(dir, "local")
	assert.Equal(t, wantCollection, res.Collection)
	assert.Equal(t, uint64(4), vectors.ensured[wantCollection])

	assert.Equal(t, 3, res.MessagesSeen)
	require.Equal(t, 1, res.ChunksWritten)
	require.Equal(t, 1, vectors.count(wantCollection))

	wantID := PointID("c1", 0)
	p, ok := vectors.points[wantCollection][wantID]
	require.True(t, ok, "expected deterministic point ID %s", wantID)
	assert.Equal(t, chunker.Version, p.Payload["chunking_version"])
	assert.Equal(t, chunker.Method, p.Payload["chunk_method"])
	assert.Equal(t, int64(0), p.Payload["chunk_index"])
	assert.Equal(t, "c1", p.Payload["conversation_id"])
	assert.Equal(t, false, p.Payload["chunk_overlap"])
	assert.NotZero(t, p.Payload["timestamp_ms"])

	rec, ok := st.Record(path)
	require.True(t, ok)
	fi, _ := os.Stat(path)
	assert.Equal(t, fi.Size(), rec.SizeAtLastCommit)
	assert.Equal(t, fi.Size(), rec.ByteOffset)
	assert.Equal(t, 1, rec.ChunksWritten)
}

func TestIngestStoredContentKeepsRoles(t *testing.T) {
	dir := t.TempDir()
	path := writeConversation(t, dir, "c10.jsonl",
		messageLine("user", "where does the retry delay cap out"),
		messageLine("assistant", "at thirty seconds, with jitter either side"),
	)

	vectors := newFakeVectors()
	ing, _ := newTestIngester(t, vectors, &fakeEmbedder{})

	res, err := ing.IngestFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 1, res.ChunksWritten)

	_, collection := project.CollectionFor(dir, "local")
	p, ok := vectors.points[collection][PointID("c10", 0)]
	require.True(t, ok)

	content, ok := p.Payload["content"].(string)
	require.True(t, ok)
	assert.Contains(t, content, "user: where does the retry delay cap out")
	assert.Contains(t, content, "assistant: at thirty seconds, with jitter either side")
}

func TestIngestResumeAfterAppend(t *testing.T) {
	dir := t.TempDir()
	first := strings.Repeat("short opening exchange about the config loader. ", 6)
	path := writeConversation(t, dir, "c2.jsonl", messageLine("user", first))

	vectors := newFakeVectors()
	ing, st := newTestIngester(t, vectors, &fakeEmbedder{})
	ctx := context.Background()

	res, err := ing.IngestFile(ctx, path)
	require.NoError(t, err)
	firstChunks := res.ChunksWritten
	require.Greater(t, firstChunks, 0)

	// Append well past one chunker window.
	appended := []string{
		messageLine("assistant", strings.Repeat("then we traced the retry loop through the store adapter. ", 40)),
		messageLine("user", strings.Repeat("and confirmed the offsets were committed once per second. ", 40)),
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Join(appended, "\n") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err = ing.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Greater(t, res.ChunksWritten, 0)

	_, collection := project.CollectionFor(dir, "local")
	assert.Equal(t, firstChunks+res.ChunksWritten, vectors.count(collection))

	// Chunk indices continue, never restart.
	_, hasOld := vectors.points[collection][PointID("c2", 0)]
	_, hasNew := vectors.points[collection][PointID("c2", firstChunks)]
	assert.True(t, hasOld)
	assert.True(t, hasNew)

	rec, _ := st.Record(path)
	fi, _ := os.Stat(path)
	assert.Equal(t, fi.Size(), rec.ByteOffset)

	// Immediate rerun writes nothing.
	res, err = ing.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
	assert.Equal(t, 0, res.ChunksWritten)
}

func TestIngestCorruptLine(t *testing.T) {
	dir := t.TempDir()
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = messageLine("user", fmt.Sprintf("message number %d with a little substance", i))
	}
	lines[3] = `{broken`
	path := writeConversation(t, dir, "c3.jsonl", lines...)

	vectors := newFakeVectors()
	ing, st := newTestIngester(t, vectors, &fakeEmbedder{})

	res, err := ing.IngestFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 9, res.MessagesSeen)
	assert.Equal(t, 1, res.CorruptLines)

	rec, _ := st.Record(path)
	fi, _ := os.Stat(path)
	assert.Equal(t, fi.Size(), rec.ByteOffset, "offset advances past the corrupt line")
	assert.Equal(t, 1, rec.CorruptLines)
}

func TestIngestHoldsPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c4.jsonl")
	complete := messageLine("user", "a complete line of conversation")
	partial := `{"message":{"role":"assistant","content":"still being writ`
	require.NoError(t, os.WriteFile(path, []byte(complete+"\n"+partial), 0o644))

	vectors := newFakeVectors()
	ing, st := newTestIngester(t, vectors, &fakeEmbedder{})
	ctx := context.Background()

	res, err := ing.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesSeen)
	assert.Equal(t, 0, res.CorruptLines, "a partial tail is not corrupt")

	rec, _ := st.Record(path)
	assert.Equal(t, int64(len(complete)+1), rec.ByteOffset, "offset stops before the partial line")

	// The writer finishes the line; the next run picks it up.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ten and now finished\"}}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err = ing.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesSeen)

	rec, _ = st.Record(path)
	fi, _ := os.Stat(path)
	assert.Equal(t, fi.Size(), rec.ByteOffset)
}

func TestIngestPlumbingOnlyAdvancesState(t *testing.T) {
	dir := t.TempDir()
	path := writeConversation(t, dir, "c5.jsonl",
		`{"type":"tool_result","tool_use_id":"t1"}`,
		`{"summary":"session ended"}`,
	)

	vectors := newFakeVectors()
	ing, st := newTestIngester(t, vectors, &fakeEmbedder{})

	res, err := ing.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 0, res.MessagesSeen)
	assert.Equal(t, 0, res.ChunksWritten)

	// State still advances so the file is not re-scanned forever.
	rec, ok := st.Record(path)
	require.True(t, ok)
	fi, _ := os.Stat(path)
	assert.Equal(t, fi.Size(), rec.SizeAtLastCommit)

	res, err = ing.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
}

func TestIngestRetriesTransientUpsert(t *testing.T) {
	dir := t.TempDir()
	path := writeConversation(t, dir, "c6.jsonl", messageLine("user", "retry this one"))

	vectors := newFakeVectors()
	vectors.upsertErrs = []error{
		status.Error(grpccodes.Unavailable, "store down"),
		status.Error(grpccodes.Unavailable, "still down"),
	}
	ing, _ := newTestIngester(t, vectors, &fakeEmbedder{})

	res, err := ing.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksWritten)
}

func TestIngestPermanentErrorStopsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConversation(t, dir, "c7.jsonl", messageLine("user", "doomed"))

	vectors := newFakeVectors()
	emb := &fakeEmbedder{errs: []error{embeddings.ErrAuthFailure}}
	ing, st := newTestIngester(t, vectors, emb)

	_, err := ing.IngestFile(context.Background(), path)
	require.ErrorIs(t, err, embeddings.ErrAuthFailure)
	assert.Equal(t, 1, emb.calls, "permanent errors are not retried")

	// No partial commit of the failed batch.
	rec, ok := st.Record(path)
	if ok {
		assert.Zero(t, rec.ChunksWritten)
	} else {
		assert.False(t, ok)
	}
}

func TestIngestIdempotentRerun(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("idempotency means the same IDs and payload content. ", 60)
	path := writeConversation(t, dir, "c8.jsonl", messageLine("user", long))

	vectors := newFakeVectors()
	ing, st := newTestIngester(t, vectors, &fakeEmbedder{})
	ctx := context.Background()

	_, err := ing.IngestFile(ctx, path)
	require.NoError(t, err)
	_, collection := project.CollectionFor(dir, "local")
	firstIDs := make([]string, 0, vectors.count(collection))
	for id := range vectors.points[collection] {
		firstIDs = append(firstIDs, id)
	}

	// Forget the state and re-ingest: the same point IDs are rewritten, the
	// store converges to the same set.
	require.NoError(t, st.Forget(path))
	_, err = ing.IngestFile(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, len(firstIDs), vectors.count(collection))
	for _, id := range firstIDs {
		_, ok := vectors.points[collection][id]
		assert.True(t, ok)
	}
}

func TestIngestYieldsUnderMemoryPressure(t *testing.T) {
	dir := t.TempDir()
	path := writeConversation(t, dir, "c9.jsonl", messageLine("user", "never read"))

	// A 1 MB limit is always exceeded by a live process.
	mem, err := governor.NewMemoryMonitor(governor.MemoryConfig{WarningMB: 1, LimitMB: 1}, zap.NewNop())
	require.NoError(t, err)

	vectors := newFakeVectors()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	ing := New(vectors, &fakeEmbedder{}, st, Config{}, mem, nil, zap.NewNop())

	res, err := ing.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, res.Yielded)
	assert.Equal(t, 0, res.ChunksWritten)
}

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("c1", 0)
	b := PointID("c1", 0)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, PointID("c1", 1))
	assert.NotEqual(t, a, PointID("c2", 0))
}

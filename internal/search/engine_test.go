package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/project"
	"github.com/fyrsmithlabs/reflectd/internal/vectorstore"
)

type fakeSearcher struct {
	collections []string
	results     map[string][]vectorstore.SearchResult
	scrolls     map[string][]map[string]any
	failing     map[string]error
	upserted    map[string][]vectorstore.Point
	ensured     map[string]uint64

	lastRequest vectorstore.SearchRequest
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		results:  make(map[string][]vectorstore.SearchResult),
		scrolls:  make(map[string][]map[string]any),
		failing:  make(map[string]error),
		upserted: make(map[string][]vectorstore.Point),
		ensured:  make(map[string]uint64),
	}
}

func (f *fakeSearcher) Search(_ context.Context, req vectorstore.SearchRequest) (*vectorstore.SearchResponse, error) {
	f.lastRequest = req
	if err := f.failing[req.Collection]; err != nil {
		return nil, err
	}
	return &vectorstore.SearchResponse{Results: f.results[req.Collection], ServerDecay: req.Decay != nil}, nil
}

func (f *fakeSearcher) Scroll(_ context.Context, collection string, filter map[string]any, _ uint32, _ *qdrant.PointId) ([]map[string]any, *qdrant.PointId, error) {
	if err := f.failing[collection]; err != nil {
		return nil, nil, err
	}
	var out []map[string]any
	for _, payload := range f.scrolls[collection] {
		match := true
		for k, v := range filter {
			vals, _ := payload[k].([]string)
			found := false
			for _, have := range vals {
				if have == v {
					found = true
				}
			}
			if !found {
				match = false
			}
		}
		if match {
			out = append(out, payload)
		}
	}
	return out, nil, nil
}

func (f *fakeSearcher) ListCollections(context.Context) ([]string, error) {
	return f.collections, nil
}

func (f *fakeSearcher) EnsureCollection(_ context.Context, name string, dim uint64) error {
	f.ensured[name] = dim
	return nil
}

func (f *fakeSearcher) Upsert(_ context.Context, collection string, points []vectorstore.Point) error {
	f.upserted[collection] = append(f.upserted[collection], points...)
	return nil
}

type fakeEmbedder struct {
	queryErr error
}

func (f *fakeEmbedder) Dim() int       { return 4 }
func (f *fakeEmbedder) Suffix() string { return "local" }

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = []float32{0, 1, 0, 0}
	}
	return vecs, nil
}

func result(id string, score float64, tsMs int64, proj string) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		ID:         id,
		Score:      score,
		Similarity: score,
		Payload: map[string]any{
			"id":           id,
			"content":      "content of " + id,
			"project":      proj,
			"timestamp_ms": tsMs,
		},
	}
}

func newTestEngine(store *fakeSearcher, cfg Config) *Engine {
	return New(store, &fakeEmbedder{}, cfg, zap.NewNop())
}

func TestReflectCurrentScope(t *testing.T) {
	store := newFakeSearcher()
	_, collection := project.CollectionFor("/home/user/projects/myapp", "local")
	store.results[collection] = []vectorstore.SearchResult{
		result("a", 0.91, 200, "myapp"),
		result("b", 0.85, 100, "myapp"),
	}
	eng := newTestEngine(store, Config{ProjectPath: "/home/user/projects/myapp"})

	resp, err := eng.Reflect(context.Background(), "how did we fix the loop", Options{})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)
	assert.Equal(t, collection, store.lastRequest.Collection)
	assert.Equal(t, 1, resp.Hits[0].Rank)
	assert.Equal(t, "a", resp.Hits[0].Payload["id"])
	assert.False(t, resp.Degraded)
}

func TestReflectProjectUnknown(t *testing.T) {
	eng := newTestEngine(newFakeSearcher(), Config{})
	_, err := eng.Reflect(context.Background(), "q", Options{})
	assert.ErrorIs(t, err, ErrProjectUnknown)
}

func TestReflectAllScopeFiltersBySuffix(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{
		"conv_11111111_local",
		"conv_22222222_voyage",
		"conv_33333333_local",
		"reflections_local",
	}
	store.results["conv_11111111_local"] = []vectorstore.SearchResult{result("a", 0.9, 100, "p1")}
	store.results["conv_33333333_local"] = []vectorstore.SearchResult{result("b", 0.8, 100, "p2")}

	eng := newTestEngine(store, Config{})
	resp, err := eng.Reflect(context.Background(), "q", Options{Scope: ScopeAll})
	require.NoError(t, err)

	// Only same-suffix conversation collections participate; voyage and
	// reflections collections are out.
	require.Len(t, resp.Hits, 2)
	assert.Equal(t, "conv_11111111_local", resp.Hits[0].Collection)
	assert.Equal(t, "conv_33333333_local", resp.Hits[1].Collection)
}

func TestReflectMergeAndTieBreak(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{"conv_11111111_local", "conv_22222222_local"}
	store.results["conv_11111111_local"] = []vectorstore.SearchResult{
		result("old", 0.8, 100, "p1"),
	}
	store.results["conv_22222222_local"] = []vectorstore.SearchResult{
		result("new", 0.8, 900, "p2"),
		result("top", 0.95, 50, "p2"),
	}

	eng := newTestEngine(store, Config{})
	resp, err := eng.Reflect(context.Background(), "q", Options{Scope: ScopeAll})
	require.NoError(t, err)

	require.Len(t, resp.Hits, 3)
	assert.Equal(t, "top", resp.Hits[0].Payload["id"])
	// Equal scores break ties by recency.
	assert.Equal(t, "new", resp.Hits[1].Payload["id"])
	assert.Equal(t, "old", resp.Hits[2].Payload["id"])
}

func TestReflectMinScoreFilters(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{"conv_11111111_local"}
	store.results["conv_11111111_local"] = []vectorstore.SearchResult{
		result("good", 0.9, 100, "p"),
		result("weak", 0.4, 100, "p"),
	}

	eng := newTestEngine(store, Config{})
	resp, err := eng.Reflect(context.Background(), "q", Options{Scope: ScopeAll, MinScore: 0.7})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "good", resp.Hits[0].Payload["id"])
}

func TestReflectDecayModes(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{"conv_11111111_local"}
	eng := newTestEngine(store, Config{DecayEnabled: true, DecayWeight: 0.3, DecayScaleDays: 90})
	ctx := context.Background()

	_, err := eng.Reflect(ctx, "q", Options{Scope: ScopeAll, Decay: DecayDefault})
	require.NoError(t, err)
	require.NotNil(t, store.lastRequest.Decay)
	assert.InDelta(t, 0.3, store.lastRequest.Decay.Weight, 1e-9)

	_, err = eng.Reflect(ctx, "q", Options{Scope: ScopeAll, Decay: DecayOff})
	require.NoError(t, err)
	assert.Nil(t, store.lastRequest.Decay)

	eng2 := newTestEngine(store, Config{DecayEnabled: false})
	_, err = eng2.Reflect(ctx, "q", Options{Scope: ScopeAll, Decay: DecayOn})
	require.NoError(t, err)
	assert.NotNil(t, store.lastRequest.Decay)
}

func TestReflectPartialFailureDegrades(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{"conv_11111111_local", "conv_22222222_local"}
	store.results["conv_11111111_local"] = []vectorstore.SearchResult{result("a", 0.9, 100, "p1")}
	store.failing["conv_22222222_local"] = errors.New("collection gone")

	eng := newTestEngine(store, Config{})
	resp, err := eng.Reflect(context.Background(), "q", Options{Scope: ScopeAll})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{"conv_22222222_local"}, resp.Skipped)
	require.Len(t, resp.Hits, 1)
}

func TestReflectEmbeddingUnavailable(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{"conv_11111111_local"}
	eng := New(store, &fakeEmbedder{queryErr: errors.New("model gone")}, Config{}, zap.NewNop())

	_, err := eng.Reflect(context.Background(), "q", Options{Scope: ScopeAll})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestPagination(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{"conv_11111111_local"}
	var results []vectorstore.SearchResult
	for i := 0; i < 10; i++ {
		results = append(results, result(fmt.Sprintf("r%d", i), 0.99-float64(i)/100, int64(i), "p"))
	}
	store.results["conv_11111111_local"] = results

	eng := newTestEngine(store, Config{})
	resp, err := eng.GetMoreResults(context.Background(), "q", 3, 2, Options{Scope: ScopeAll, MinScore: 0.1})
	require.NoError(t, err)

	require.Len(t, resp.Hits, 2)
	assert.Equal(t, "r3", resp.Hits[0].Payload["id"])
	assert.Equal(t, "r4", resp.Hits[1].Payload["id"])
	assert.Equal(t, 4, resp.Hits[0].Rank)
}

func TestQuickSearch(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{"conv_11111111_local"}
	store.results["conv_11111111_local"] = []vectorstore.SearchResult{
		result("a", 0.9, 100, "p"),
		result("b", 0.8, 100, "p"),
	}

	eng := newTestEngine(store, Config{})
	resp, err := eng.QuickSearch(context.Background(), "q", Options{Scope: ScopeAll})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "a", resp.Hits[0].Payload["id"])
}

func TestSearchByFile(t *testing.T) {
	store := newFakeSearcher()
	store.collections = []string{"conv_11111111_local"}
	store.scrolls["conv_11111111_local"] = []map[string]any{
		{"id": "e1", "content": "edited it", "files_edited": []string{"/src/a.go"}, "timestamp_ms": int64(200)},
		{"id": "r1", "content": "read it", "files_analyzed": []string{"/src/a.go"}, "timestamp_ms": int64(100)},
		{"id": "x1", "content": "unrelated", "files_edited": []string{"/src/b.go"}, "timestamp_ms": int64(300)},
	}

	eng := newTestEngine(store, Config{})
	resp, err := eng.SearchByFile(context.Background(), "/src/a.go", Options{Scope: ScopeAll})
	require.NoError(t, err)

	require.Len(t, resp.Hits, 2)
	// Filter hits have no similarity; recency ranks them.
	assert.Equal(t, "e1", resp.Hits[0].Payload["id"])
	assert.Equal(t, "r1", resp.Hits[1].Payload["id"])
}

func TestStoreReflection(t *testing.T) {
	store := newFakeSearcher()
	eng := newTestEngine(store, Config{})

	id, err := eng.StoreReflection(context.Background(), "prefer table tests for parsers", []string{"test"})
	require.NoError(t, err)
	require.Len(t, id, 32)

	assert.Equal(t, uint64(4), store.ensured["reflections_local"])
	points := store.upserted["reflections_local"]
	require.Len(t, points, 1)
	assert.Equal(t, id, points[0].ID)
	assert.Equal(t, "prefer table tests for parsers", points[0].Payload["content"])
	assert.Equal(t, []string{"test"}, points[0].Payload["concepts"])
	assert.NotZero(t, points[0].Payload["timestamp_ms"])

	// Same content, same ID: storing twice overwrites.
	id2, err := eng.StoreReflection(context.Background(), "prefer table tests for parsers", nil)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestStoreReflectionEmpty(t *testing.T) {
	eng := newTestEngine(newFakeSearcher(), Config{})
	_, err := eng.StoreReflection(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestRenderBrief(t *testing.T) {
	resp := &Response{Hits: []Hit{{
		Rank:    1,
		Score:   0.82,
		Project: "myapp",
		Content: strings.Repeat("long content ", 40),
	}}}

	out := Render(resp, FormatBrief)
	assert.Contains(t, out, "1. [0.820] myapp")
	assert.Contains(t, out, "…")
	assert.Less(t, len(out), 300)
}

func TestRenderDegradedWarning(t *testing.T) {
	resp := &Response{Degraded: true, Skipped: []string{"conv_x_local"}}
	out := Render(resp, FormatBrief)
	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "conv_x_local")
}

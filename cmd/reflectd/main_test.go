package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reflectd/internal/config"
	"github.com/fyrsmithlabs/reflectd/internal/freshness"
	"github.com/fyrsmithlabs/reflectd/internal/search"
	"github.com/fyrsmithlabs/reflectd/internal/state"
	"github.com/fyrsmithlabs/reflectd/internal/vectorstore"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), 1},
		{"config", exitErr(exitConfig, errors.New("bad config")), exitConfig},
		{"store", exitErr(exitStore, errors.New("down")), exitStore},
		{"provider", exitErr(exitProvider, errors.New("no key")), exitProvider},
		{"wrapped", fmt.Errorf("context: %w", exitErr(exitStore, errors.New("down"))), exitStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestParseDecay(t *testing.T) {
	for in, want := range map[string]search.DecayMode{
		"":        search.DecayDefault,
		"default": search.DecayDefault,
		"on":      search.DecayOn,
		"off":     search.DecayOff,
	} {
		got, err := parseDecay(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseDecay("sometimes")
	assert.Error(t, err)
}

func TestClassifySearchErr(t *testing.T) {
	assert.Equal(t, exitConfig, exitCode(classifySearchErr(search.ErrProjectUnknown)))
	assert.Equal(t, exitProvider, exitCode(classifySearchErr(search.ErrEmbeddingUnavailable)))
	assert.Equal(t, exitStore, exitCode(classifySearchErr(fmt.Errorf("search: %w", vectorstore.ErrConnectionFailed))))
	assert.Equal(t, 1, exitCode(classifySearchErr(errors.New("other"))))
}

func TestParallelismFor(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, 1, parallelismFor(cfg, "local"))
	assert.Equal(t, 4, parallelismFor(cfg, "voyage"))
	cfg.Ingest.Parallelism = 2
	assert.Equal(t, 2, parallelismFor(cfg, "voyage"))
}

type fakeProviderInfo struct{}

func (fakeProviderInfo) Suffix() string { return "local" }
func (fakeProviderInfo) Dim() int       { return 384 }

type fakeStatusStates struct {
	records map[string]state.FileRecord
}

func (f *fakeStatusStates) Records() map[string]state.FileRecord { return f.records }

type fakeStatusStore struct {
	names map[string]uint64
}

func (f *fakeStatusStore) ListCollections(context.Context) ([]string, error) {
	var out []string
	for name := range f.names {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeStatusStore) GetCollectionInfo(_ context.Context, name string) (*vectorstore.CollectionInfo, error) {
	return &vectorstore.CollectionInfo{Name: name, PointCount: f.names[name]}, nil
}

func TestCollectStatus(t *testing.T) {
	states := &fakeStatusStates{records: map[string]state.FileRecord{
		"/logs/a.jsonl": {ChunksWritten: 10, CorruptLines: 1, LastImportedAt: time.Now()},
		"/logs/b.jsonl": {ChunksWritten: 5},
	}}
	store := &fakeStatusStore{names: map[string]uint64{
		"conv_11111111_local":  15,
		"conv_22222222_voyage": 7,
		"reflections_local":    2,
		"unrelated":            9,
	}}

	st, err := collectStatus(context.Background(), fakeProviderInfo{}, store, states, freshness.Metrics{Size: 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, "local", st.Provider)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, int64(15), st.Chunks)
	assert.Equal(t, int64(1), st.Corrupt)
	assert.Equal(t, 3, st.Queue.Size)

	// Only this provider's collections and its reflections show up.
	names := make(map[string]uint64)
	for _, c := range st.Collections {
		names[c.Name] = c.Points
	}
	assert.Equal(t, map[string]uint64{
		"conv_11111111_local": 15,
		"reflections_local":   2,
	}, names)
}

func TestCollectStatusWithoutStore(t *testing.T) {
	states := &fakeStatusStates{records: map[string]state.FileRecord{}}
	st, err := collectStatus(context.Background(), fakeProviderInfo{}, nil, states, freshness.Metrics{}, nil)
	require.NoError(t, err)
	assert.Empty(t, st.Collections)
}

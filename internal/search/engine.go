// Package search routes queries across conversation collections, ranks with
// optional recency decay, and formats results.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/chunker"
	"github.com/fyrsmithlabs/reflectd/internal/project"
	"github.com/fyrsmithlabs/reflectd/internal/vectorstore"
)

var (
	// ErrProjectUnknown means scope=current but no active project could be
	// resolved.
	ErrProjectUnknown = errors.New("search: active project unknown")
	// ErrEmbeddingUnavailable means the query could not be embedded at all.
	ErrEmbeddingUnavailable = errors.New("search: embedding provider unavailable")
)

// DecayMode is the tri-state decay request.
type DecayMode int

const (
	// DecayDefault defers to the configured global default.
	DecayDefault DecayMode = iota
	DecayOn
	DecayOff
)

// Scope selects the collections searched.
type Scope int

const (
	// ScopeCurrent searches the active project's collection only.
	ScopeCurrent Scope = iota
	// ScopeAll searches every collection of the active provider.
	ScopeAll
)

const (
	defaultLimit    = 5
	defaultMinScore = 0.7
)

// Embedder is the slice of the provider contract the engine needs.
type Embedder interface {
	Dim() int
	Suffix() string
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorSearcher is the slice of the store adapter the engine needs.
type VectorSearcher interface {
	Search(ctx context.Context, req vectorstore.SearchRequest) (*vectorstore.SearchResponse, error)
	Scroll(ctx context.Context, collection string, filter map[string]any, limit uint32, offset *qdrant.PointId) ([]map[string]any, *qdrant.PointId, error)
	ListCollections(ctx context.Context) ([]string, error)
	EnsureCollection(ctx context.Context, name string, dim uint64) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
}

// Config holds the engine's decay defaults and the active-project signal.
type Config struct {
	// DecayEnabled is the global default consulted by DecayDefault.
	DecayEnabled bool
	// DecayWeight and DecayScaleDays parameterize the decay term.
	DecayWeight    float64
	DecayScaleDays float64
	// ProjectPath is the active project signal, typically the working
	// directory. Resolved lazily per query.
	ProjectPath string
}

// Options tunes one query.
type Options struct {
	// Project overrides the active-project signal. Accepts a path or an
	// already-normalized name.
	Project  string
	Limit    int
	MinScore float64
	Decay    DecayMode
	Scope    Scope
	// Offset skips ranked results for pagination.
	Offset int
}

func (o *Options) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = defaultLimit
	}
	if o.MinScore == 0 {
		o.MinScore = defaultMinScore
	}
}

// Hit is one ranked result.
type Hit struct {
	Rank        int
	Score       float64
	Similarity  float64
	Collection  string
	Project     string
	Content     string
	TimestampMs int64
	Payload     map[string]any
}

// Response is a ranked result set with degradation markers.
type Response struct {
	Hits []Hit
	// Degraded is true when at least one target collection was skipped.
	Degraded bool
	// Skipped names the collections that errored.
	Skipped []string
	// ServerDecay reports whether every searched collection ranked
	// server-side.
	ServerDecay bool
}

// Engine services queries. Safe for concurrent use.
type Engine struct {
	store    VectorSearcher
	embedder Embedder
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a search engine.
func New(store VectorSearcher, embedder Embedder, cfg Config, logger *zap.Logger) *Engine {
	if cfg.DecayWeight == 0 {
		cfg.DecayWeight = 0.3
	}
	if cfg.DecayScaleDays == 0 {
		cfg.DecayScaleDays = 90
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Reflect runs the main semantic query across the resolved collections.
func (e *Engine) Reflect(ctx context.Context, query string, opts Options) (*Response, error) {
	opts.applyDefaults()

	collections, err := e.targetCollections(ctx, opts)
	if err != nil {
		return nil, err
	}

	qvec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	var decay *vectorstore.Decay
	if e.decayEnabled(opts.Decay) {
		decay = &vectorstore.Decay{
			Weight:    e.cfg.DecayWeight,
			ScaleDays: e.cfg.DecayScaleDays,
			NowMs:     e.now().UnixMilli(),
		}
	}

	// Fetch enough from each collection to satisfy pagination after the
	// merge.
	perCollection := uint64(opts.Limit + opts.Offset)

	resp := &Response{ServerDecay: decay != nil}
	for _, collection := range collections {
		res, err := e.store.Search(ctx, vectorstore.SearchRequest{
			Collection: collection,
			Vector:     qvec,
			Limit:      perCollection,
			Decay:      decay,
		})
		if err != nil {
			e.logger.Warn("skipping collection",
				zap.String("collection", collection),
				zap.Error(err))
			resp.Degraded = true
			resp.Skipped = append(resp.Skipped, collection)
			continue
		}
		if !res.ServerDecay {
			resp.ServerDecay = false
		}
		for _, r := range res.Results {
			if r.Similarity < opts.MinScore {
				continue
			}
			resp.Hits = append(resp.Hits, toHit(r, collection))
		}
	}

	rankHits(resp.Hits)
	resp.Hits = page(resp.Hits, opts.Offset, opts.Limit)
	for i := range resp.Hits {
		resp.Hits[i].Rank = opts.Offset + i + 1
	}

	searchesTotal.Inc()
	if resp.Degraded {
		degradedSearchesTotal.Inc()
	}
	return resp, nil
}

// QuickSearch is the limit=1 convenience variant.
func (e *Engine) QuickSearch(ctx context.Context, query string, opts Options) (*Response, error) {
	opts.Limit = 1
	return e.Reflect(ctx, query, opts)
}

// GetMoreResults pages deeper into the same ranked list.
func (e *Engine) GetMoreResults(ctx context.Context, query string, offset, limit int, opts Options) (*Response, error) {
	opts.Offset = offset
	opts.Limit = limit
	return e.Reflect(ctx, query, opts)
}

// SearchByFile finds chunks whose tool activity touched a file. Payload
// filter only, no embedding.
func (e *Engine) SearchByFile(ctx context.Context, filePath string, opts Options) (*Response, error) {
	opts.applyDefaults()
	collections, err := e.targetCollections(ctx, opts)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	for _, collection := range collections {
		// Edited and analyzed are separate payload keys; check both.
		for _, key := range []string{"files_edited", "files_analyzed"} {
			payloads, _, err := e.store.Scroll(ctx, collection, map[string]any{key: filePath}, uint32(opts.Limit), nil)
			if err != nil {
				resp.Degraded = true
				resp.Skipped = appendUnique(resp.Skipped, collection)
				break
			}
			for _, payload := range payloads {
				resp.Hits = append(resp.Hits, payloadHit(payload, collection))
			}
		}
	}

	dedupeByID(resp)
	rankHits(resp.Hits)
	resp.Hits = page(resp.Hits, 0, opts.Limit)
	for i := range resp.Hits {
		resp.Hits[i].Rank = i + 1
	}
	return resp, nil
}

// SearchByConcept combines the concept payload filter with a semantic pass
// over the concept text.
func (e *Engine) SearchByConcept(ctx context.Context, concept string, includeFiles bool, opts Options) (*Response, error) {
	opts.applyDefaults()
	collections, err := e.targetCollections(ctx, opts)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	for _, collection := range collections {
		payloads, _, err := e.store.Scroll(ctx, collection, map[string]any{"concepts": concept}, uint32(opts.Limit), nil)
		if err != nil {
			resp.Degraded = true
			resp.Skipped = appendUnique(resp.Skipped, collection)
			continue
		}
		for _, payload := range payloads {
			resp.Hits = append(resp.Hits, payloadHit(payload, collection))
		}
	}

	// Semantic pass over the concept text fills in chunks that never tagged
	// the concept literally.
	if semantic, err := e.Reflect(ctx, concept, opts); err == nil {
		resp.Hits = append(resp.Hits, semantic.Hits...)
		resp.Degraded = resp.Degraded || semantic.Degraded
	}

	if !includeFiles {
		for i := range resp.Hits {
			delete(resp.Hits[i].Payload, "files_analyzed")
			delete(resp.Hits[i].Payload, "files_edited")
		}
	}

	dedupeByID(resp)
	rankHits(resp.Hits)
	resp.Hits = page(resp.Hits, 0, opts.Limit)
	for i := range resp.Hits {
		resp.Hits[i].Rank = i + 1
	}
	return resp, nil
}

// StoreReflection persists a self-authored memory into the reserved
// reflections collection, using the conversation point schema.
func (e *Engine) StoreReflection(ctx context.Context, content string, tags []string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("reflection content required")
	}
	collection := project.ReflectionsCollection(e.embedder.Suffix())
	if err := e.store.EnsureCollection(ctx, collection, uint64(e.embedder.Dim())); err != nil {
		return "", err
	}

	vecs, err := e.embedder.EmbedDocuments(ctx, []string{content})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	ts := e.now()
	// Content-derived ID: storing the same reflection twice overwrites.
	sum := sha256.Sum256([]byte(content))
	id := hex.EncodeToString(sum[:16])

	payload := map[string]any{
		"id":               id,
		"content":          content,
		"conversation_id":  "reflection",
		"chunk_index":      int64(0),
		"timestamp":        ts.UTC().Format(time.RFC3339),
		"timestamp_ms":     ts.UnixMilli(),
		"chunking_version": chunker.Version,
		"chunk_method":     chunker.Method,
		"chunk_overlap":    false,
	}
	if len(tags) > 0 {
		payload["concepts"] = tags
	}

	err = e.store.Upsert(ctx, collection, []vectorstore.Point{{
		ID:      id,
		Vector:  vecs[0],
		Payload: payload,
	}})
	if err != nil {
		return "", err
	}
	e.logger.Info("stored reflection",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.Strings("tags", tags))
	return id, nil
}

// targetCollections resolves which collections a query hits.
func (e *Engine) targetCollections(ctx context.Context, opts Options) ([]string, error) {
	suffix := e.embedder.Suffix()

	if opts.Scope == ScopeAll {
		all, err := e.store.ListCollections(ctx)
		if err != nil {
			return nil, err
		}
		var matched []string
		for _, name := range all {
			if project.IsConversationCollection(name, suffix) {
				matched = append(matched, name)
			}
		}
		sort.Strings(matched)
		return matched, nil
	}

	signal := opts.Project
	if signal == "" {
		signal = e.cfg.ProjectPath
	}
	if signal == "" {
		return nil, ErrProjectUnknown
	}
	name := project.Resolve(signal)
	if name == "" || name == "default" {
		// Resolve falls back to "default" when the path has no usable
		// component; that is an unknown project, not a real one.
		return nil, ErrProjectUnknown
	}
	return []string{project.CollectionName(name, suffix)}, nil
}

func (e *Engine) decayEnabled(mode DecayMode) bool {
	switch mode {
	case DecayOn:
		return true
	case DecayOff:
		return false
	default:
		return e.cfg.DecayEnabled
	}
}

func toHit(r vectorstore.SearchResult, collection string) Hit {
	h := Hit{
		Score:      r.Score,
		Similarity: r.Similarity,
		Collection: collection,
		Payload:    r.Payload,
	}
	fillFromPayload(&h)
	return h
}

// payloadHit wraps a filter-only match; filter searches carry no similarity
// score, so ranking falls back to recency.
func payloadHit(payload map[string]any, collection string) Hit {
	h := Hit{Collection: collection, Payload: payload}
	fillFromPayload(&h)
	return h
}

func fillFromPayload(h *Hit) {
	if s, ok := h.Payload["content"].(string); ok {
		h.Content = s
	}
	if s, ok := h.Payload["project"].(string); ok {
		h.Project = s
	}
	switch v := h.Payload["timestamp_ms"].(type) {
	case int64:
		h.TimestampMs = v
	case float64:
		h.TimestampMs = int64(v)
	}
}

// rankHits sorts by score descending, ties broken by recency.
func rankHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].TimestampMs > hits[j].TimestampMs
	})
}

func page(hits []Hit, offset, limit int) []Hit {
	if offset >= len(hits) {
		return nil
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func dedupeByID(resp *Response) {
	seen := make(map[string]bool, len(resp.Hits))
	out := resp.Hits[:0]
	for _, h := range resp.Hits {
		id, _ := h.Payload["id"].(string)
		if id != "" && seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, h)
	}
	resp.Hits = out
}

func appendUnique(dst []string, s string) []string {
	for _, have := range dst {
		if have == s {
			return dst
		}
	}
	return append(dst, s)
}

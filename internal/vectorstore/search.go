package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	msPerDay = 86_400_000
	// decayMidpoint makes exp_decay hit 0.5 at exactly one scale of age.
	decayMidpoint = 0.5
	// prefetchMultiplier oversamples the similarity stage so decay re-ranking
	// has candidates to promote.
	prefetchMultiplier = 3
)

// Decay configures recency-weighted re-ranking:
//
//	final = similarity + weight * 0.5^(age/scale)
//
// with age measured from the chunk's timestamp_ms payload field.
type Decay struct {
	Weight    float64
	ScaleDays float64
	// NowMs anchors "age zero". Callers pass the query start time so every
	// collection in a multi-collection search ranks against the same clock.
	NowMs int64
}

// SearchRequest is one similarity query against one collection.
type SearchRequest struct {
	Collection string
	Vector     []float32
	Limit      uint64
	// Filter restricts matches by payload keyword equality. A []string value
	// matches any of its elements.
	Filter map[string]any
	// Decay enables recency re-ranking; nil searches by pure similarity.
	Decay *Decay
}

// SearchResult is one scored hit with its payload.
type SearchResult struct {
	// ID is the 32-hex chunk ID from the payload, not the qdrant UUID.
	ID    string
	Score float64
	// Similarity is the raw cosine score before any decay term.
	Similarity float64
	Payload    map[string]any
}

// SearchResponse carries the hits plus where the decay ranking ran.
type SearchResponse struct {
	Results []SearchResult
	// ServerDecay is true when the store computed the decay formula
	// server-side; false means pure similarity or the client-side fallback.
	ServerDecay bool
}

// Search runs a similarity query. With Decay set it first attempts the
// server-side formula (prefetch oversampled by 3x, then re-scored by the
// store); servers without formula support fall back to a client-side
// re-ranking over the oversampled candidates.
func (s *Store) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "Store.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", req.Collection),
		attribute.Int("limit", int(req.Limit)),
		attribute.Bool("decay", req.Decay != nil),
	)

	if err := ValidateCollectionName(req.Collection); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = 10
	}
	if len(req.Vector) == 0 {
		return nil, fmt.Errorf("search vector required")
	}
	filter := buildFilter(req.Filter)

	if req.Decay == nil {
		points, err := s.query(ctx, &qdrant.QueryPoints{
			CollectionName: req.Collection,
			Query:          qdrant.NewQuery(req.Vector...),
			Limit:          qdrant.PtrOf(req.Limit),
			Filter:         filter,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		resp := &SearchResponse{Results: toResults(points, nil)}
		span.SetAttributes(attribute.Int("results_count", len(resp.Results)))
		span.SetStatus(codes.Ok, "success")
		return resp, nil
	}

	points, err := s.query(ctx, &qdrant.QueryPoints{
		CollectionName: req.Collection,
		Prefetch: []*qdrant.PrefetchQuery{{
			Query:  qdrant.NewQuery(req.Vector...),
			Filter: filter,
			Limit:  qdrant.PtrOf(req.Limit * prefetchMultiplier),
		}},
		Query:       &qdrant.Query{Variant: &qdrant.Query_Formula{Formula: decayFormula(req.Decay)}},
		Limit:       qdrant.PtrOf(req.Limit),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err == nil {
		resp := &SearchResponse{Results: toResults(points, req.Decay), ServerDecay: true}
		span.SetAttributes(attribute.Int("results_count", len(resp.Results)))
		span.SetStatus(codes.Ok, "success")
		return resp, nil
	}
	if !formulaUnsupported(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.logger.Debug("server-side decay unsupported, re-ranking client-side",
		zap.String("collection", req.Collection),
		zap.Error(err))

	// Fallback: oversample by similarity, apply the decay term here.
	points, err = s.query(ctx, &qdrant.QueryPoints{
		CollectionName: req.Collection,
		Query:          qdrant.NewQuery(req.Vector...),
		Limit:          qdrant.PtrOf(req.Limit * prefetchMultiplier),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := toResults(points, nil)
	for i := range results {
		results[i].Score = results[i].Similarity + clientDecayTerm(req.Decay, results[i].Payload)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if uint64(len(results)) > req.Limit {
		results = results[:req.Limit]
	}

	resp := &SearchResponse{Results: results}
	span.SetAttributes(attribute.Int("results_count", len(resp.Results)))
	span.SetStatus(codes.Ok, "success")
	return resp, nil
}

func (s *Store) query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	var points []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, req)
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", req.CollectionName, err)
	}
	return points, nil
}

// formulaUnsupported detects servers predating formula queries.
func formulaUnsupported(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unimplemented, grpccodes.InvalidArgument:
		return true
	default:
		return false
	}
}

// decayFormula builds score + weight * exp_decay(timestamp_ms -> now) with a
// 0.5 midpoint at one scale. exp_decay over the similarity prefetch runs on
// the server, so only limit results cross the wire.
func decayFormula(d *Decay) *qdrant.Formula {
	return &qdrant.Formula{
		Expression: &qdrant.Expression{
			Variant: &qdrant.Expression_Sum{Sum: &qdrant.SumExpression{Sum: []*qdrant.Expression{
				{Variant: &qdrant.Expression_Variable{Variable: "$score"}},
				{Variant: &qdrant.Expression_Mult{Mult: &qdrant.MultExpression{Mult: []*qdrant.Expression{
					{Variant: &qdrant.Expression_Constant{Constant: float32(d.Weight)}},
					{Variant: &qdrant.Expression_ExpDecay{ExpDecay: &qdrant.DecayParamsExpression{
						X:        &qdrant.Expression{Variant: &qdrant.Expression_Variable{Variable: "timestamp_ms"}},
						Target:   &qdrant.Expression{Variant: &qdrant.Expression_Constant{Constant: float32(d.NowMs)}},
						Scale:    qdrant.PtrOf(float32(d.ScaleDays * msPerDay)),
						Midpoint: qdrant.PtrOf(float32(decayMidpoint)),
					}}},
				}}}},
			}}},
		},
	}
}

// clientDecayTerm mirrors the server formula: weight * 0.5^(age/scale).
// Points without a usable timestamp_ms get no recency boost.
func clientDecayTerm(d *Decay, payload map[string]any) float64 {
	ts, ok := payloadTimestampMs(payload)
	if !ok {
		return 0
	}
	age := float64(d.NowMs - ts)
	if age < 0 {
		age = 0
	}
	scale := d.ScaleDays * msPerDay
	if scale <= 0 {
		return 0
	}
	return d.Weight * math.Exp(math.Ln2*-age/scale)
}

func payloadTimestampMs(payload map[string]any) (int64, bool) {
	switch v := payload["timestamp_ms"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func toResults(points []*qdrant.ScoredPoint, d *Decay) []SearchResult {
	results := make([]SearchResult, len(points))
	for i, point := range points {
		payload := fromQdrantPayload(point.GetPayload())
		r := SearchResult{
			Score:      float64(point.GetScore()),
			Similarity: float64(point.GetScore()),
			Payload:    payload,
		}
		if id, ok := payload["id"].(string); ok {
			r.ID = id
		}
		if d != nil {
			// The server score already includes the decay term; recover the
			// raw similarity for display.
			r.Similarity = r.Score - clientDecayTerm(d, payload)
		}
		results[i] = r
	}
	return results
}

// buildFilter converts keyword equality filters to qdrant conditions.
func buildFilter(filters map[string]any) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filters))
	for key, value := range filters {
		var match *qdrant.Match
		switch v := value.(type) {
		case string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
		case []string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
				Keywords: &qdrant.RepeatedStrings{Strings: v},
			}}
		default:
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: key, Match: match},
			},
		})
	}
	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}

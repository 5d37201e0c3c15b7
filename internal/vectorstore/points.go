package vectorstore

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// upsertBatchSize bounds one Upsert RPC.
const upsertBatchSize = 100

// Point is one stored chunk: a deterministic 32-hex ID, its vector, and the
// payload the search side reads back.
type Point struct {
	// ID is 32 lowercase hex characters (truncated SHA-256). The same chunk
	// always maps to the same ID, so re-ingestion overwrites in place.
	ID      string
	Vector  []float32
	Payload map[string]any
}

// pointID renders the 32-hex chunk ID as the UUID qdrant requires. The raw
// hex stays in payload["id"] for lookups.
func pointID(hexID string) (*qdrant.PointId, error) {
	raw, err := hex.DecodeString(hexID)
	if err != nil || len(raw) != 16 {
		return nil, fmt.Errorf("point id %q is not 32 hex characters", hexID)
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("point id %q: %w", hexID, err)
	}
	return qdrant.NewIDUUID(u.String()), nil
}

// toQdrantPayload converts a payload map to qdrant values. Unsupported value
// types are dropped rather than failing the batch.
func toQdrantPayload(payload map[string]any) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		if qv := toQdrantValue(v); qv != nil {
			out[k] = qv
		}
	}
	return out
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case uint64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	case []string:
		values := make([]*qdrant.Value, len(val))
		for i, s := range val {
			values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	default:
		return nil
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			out[k] = val.BoolValue
		case *qdrant.Value_ListValue:
			items := make([]string, 0, len(val.ListValue.GetValues()))
			for _, item := range val.ListValue.GetValues() {
				if s, ok := item.Kind.(*qdrant.Value_StringValue); ok {
					items = append(items, s.StringValue)
				}
			}
			out[k] = items
		}
	}
	return out
}

// splitBatches slices points into upsert-sized groups.
func splitBatches(points []Point, size int) [][]Point {
	if size <= 0 {
		size = upsertBatchSize
	}
	var batches [][]Point
	for start := 0; start < len(points); start += size {
		end := start + size
		if end > len(points) {
			end = len(points)
		}
		batches = append(batches, points[start:end])
	}
	return batches
}

// Upsert writes points in batches of 100. Identical IDs overwrite, which
// makes re-ingestion idempotent.
func (s *Store) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := tracer.Start(ctx, "Store.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("point_count", len(points)),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	for _, batch := range splitBatches(points, upsertBatchSize) {
		structs := make([]*qdrant.PointStruct, len(batch))
		for i, p := range batch {
			id, err := pointID(p.ID)
			if err != nil {
				span.RecordError(err)
				return err
			}
			structs[i] = &qdrant.PointStruct{
				Id:      id,
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: toQdrantPayload(p.Payload),
			}
		}

		err := s.retryOperation(ctx, "upsert", func() error {
			_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: collection,
				Points:         structs,
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("upserting %d points to %s: %w", len(batch), collection, err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteByConversation removes every point belonging to a conversation, used
// when a rewritten log invalidates previously stored chunks.
func (s *Store) DeleteByConversation(ctx context.Context, collection, conversationID string) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteByConversation")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("conversation_id", conversationID),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	err := s.retryOperation(ctx, "delete_by_conversation", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: "conversation_id",
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: conversationID},
									},
								},
							},
						}},
					},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting conversation %s from %s: %w", conversationID, collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Scroll pages through a collection's payloads without vectors, optionally
// restricted by a keyword filter. A nil offset starts from the beginning; the
// returned offset is nil when exhausted.
func (s *Store) Scroll(ctx context.Context, collection string, filter map[string]any, limit uint32, offset *qdrant.PointId) ([]map[string]any, *qdrant.PointId, error) {
	ctx, span := tracer.Start(ctx, "Store.Scroll")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("limit", int(limit)),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return nil, nil, err
	}

	var (
		payloads []map[string]any
		next     *qdrant.PointId
	)
	err := s.retryOperation(ctx, "scroll", func() error {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         buildFilter(filter),
			Limit:          qdrant.PtrOf(limit),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		full := len(points) == int(limit)
		// The offset is inclusive, so the first point of every page after
		// the first repeats the previous page's tail.
		if offset != nil && len(points) > 0 && points[0].GetId().String() == offset.String() {
			points = points[1:]
		}
		payloads = payloads[:0]
		for _, p := range points {
			payloads = append(payloads, fromQdrantPayload(p.GetPayload()))
		}
		if full && len(points) > 0 {
			next = points[len(points)-1].GetId()
		} else {
			next = nil
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("scrolling %s: %w", collection, err)
	}
	span.SetAttributes(attribute.Int("results_count", len(payloads)))
	span.SetStatus(codes.Ok, "success")
	return payloads, next, nil
}

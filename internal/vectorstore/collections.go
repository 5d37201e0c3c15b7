package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CollectionInfo summarizes one collection.
type CollectionInfo struct {
	Name       string
	PointCount uint64
	VectorSize uint64
}

// EnsureCollection creates the collection if missing. An existing collection
// must carry the requested vector size; a mismatch (typically a provider
// switch writing into the other provider's collection) is ErrConfigMismatch,
// never a silent drop-and-recreate.
func (s *Store) EnsureCollection(ctx context.Context, name string, dim uint64) error {
	ctx, span := tracer.Start(ctx, "Store.EnsureCollection")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("dim", int(dim)),
	)

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if _, ok := s.collections.Load(name); ok {
		return nil
	}

	info, err := s.describeCollection(ctx, name)
	if err == nil {
		if info.VectorSize != dim {
			span.SetStatus(codes.Error, "dimension mismatch")
			return fmt.Errorf("%w: collection %s has vector size %d, provider produces %d",
				ErrConfigMismatch, name, info.VectorSize, dim)
		}
		s.collections.Store(name, true)
		return nil
	}
	if !errors.Is(err, ErrCollectionNotFound) {
		span.RecordError(err)
		return err
	}

	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     dim,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	s.logger.Info("created collection",
		zap.String("collection", name),
		zap.Uint64("dim", dim))
	s.collections.Store(name, true)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// CollectionExists checks existence without creating.
func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	if _, ok := s.collections.Load(name); ok {
		return true, nil
	}
	_, err := s.describeCollection(ctx, name)
	if errors.Is(err, ErrCollectionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.collections.Store(name, true)
	return true, nil
}

// GetCollectionInfo returns point count and vector size for a collection.
func (s *Store) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	ctx, span := tracer.Start(ctx, "Store.GetCollectionInfo")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	info, err := s.describeCollection(ctx, name)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("point_count", int(info.PointCount)))
	span.SetStatus(codes.Ok, "success")
	return info, nil
}

func (s *Store) describeCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	var info *CollectionInfo
	err := s.retryOperation(ctx, "get_collection_info", func() error {
		collInfo, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				return ErrCollectionNotFound
			}
			return err
		}
		info = &CollectionInfo{
			Name:       name,
			PointCount: collInfo.GetPointsCount(),
			VectorSize: collInfo.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("describing collection %s: %w", name, err)
	}
	return info, nil
}

// ListCollections returns all collection names on the server.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Store.ListCollections")
	defer span.End()

	var collections []string
	err := s.retryOperation(ctx, "list_collections", func() error {
		result, err := s.client.ListCollections(ctx)
		if err != nil {
			return err
		}
		collections = result
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	span.SetAttributes(attribute.Int("collection_count", len(collections)))
	span.SetStatus(codes.Ok, "success")
	return collections, nil
}

// DeleteCollection removes a collection and all its points.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	err := s.retryOperation(ctx, "delete_collection", func() error {
		return s.client.DeleteCollection(ctx, name)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	s.collections.Delete(name)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the exact point count of a collection, optionally
// restricted by a keyword filter.
func (s *Store) Count(ctx context.Context, name string, filter map[string]any) (uint64, error) {
	if err := ValidateCollectionName(name); err != nil {
		return 0, err
	}
	var count uint64
	err := s.retryOperation(ctx, "count", func() error {
		n, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: name,
			Filter:         buildFilter(filter),
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting collection %s: %w", name, err)
	}
	return count, nil
}

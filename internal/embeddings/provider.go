// Package embeddings provides the embedding contract and its two providers:
// a local ONNX model and the Voyage HTTP API.
package embeddings

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/config"
)

var (
	// ErrEmptyInput rejects embedding calls with no text.
	ErrEmptyInput = errors.New("embeddings: empty input")
	// ErrEmbeddingFailed wraps provider failures after retries.
	ErrEmbeddingFailed = errors.New("embeddings: embedding failed")
	// ErrAuthFailure marks a rejected credential. Permanent; never retried.
	ErrAuthFailure = errors.New("embeddings: authentication failed")
	// ErrInvalidConfig marks an unusable provider configuration.
	ErrInvalidConfig = errors.New("embeddings: invalid config")
)

// Provider is the embedding contract consumed by the ingester and the search
// engine. Implementations are safe for concurrent use.
type Provider interface {
	// Dim is the vector dimension every embedding call returns.
	Dim() int
	// Suffix is the collection-name suffix for this provider.
	Suffix() string
	// StateFilename is the default state file name for this provider, so
	// switching providers never mixes cursors.
	StateFilename() string
	// EmbedQuery returns one query-mode vector.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedDocuments returns document-mode vectors, order-preserving.
	// Empty input is rejected.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// Close releases provider resources.
	Close() error
}

// choice is the outcome of provider selection, split out so the decision is
// testable without constructing real providers.
type choice struct {
	useLocal bool
	fallback bool
}

// choose picks a provider kind. The rule: prefer_local wins outright; when
// the cloud provider is preferred but no key is present, fall back to local
// rather than failing startup.
func choose(preferLocal, keySet bool) choice {
	if preferLocal {
		return choice{useLocal: true}
	}
	if !keySet {
		return choice{useLocal: true, fallback: true}
	}
	return choice{useLocal: false}
}

// Select constructs the configured provider. A missing cloud key downgrades
// to the local provider with a logged decision instead of an error.
func Select(cfg config.EmbeddingConfig, logger *zap.Logger) (Provider, error) {
	ch := choose(cfg.PreferLocalValue(), cfg.CloudAPIKey.IsSet())
	if ch.fallback {
		logger.Warn("cloud API key missing, falling back to local embedding provider")
	}
	if ch.useLocal {
		return NewLocalProvider(LocalConfig{CacheDir: cfg.CacheDir}, logger)
	}
	return NewVoyageProvider(VoyageConfig{
		APIKey:  cfg.CloudAPIKey.Value(),
		Model:   cfg.CloudModel,
		Timeout: cfg.Timeout.Duration(),
	}, logger)
}

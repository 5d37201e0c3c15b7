package embeddings

import (
	"context"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
	"go.uber.org/zap"
)

const (
	localDim           = 384
	localSuffix        = "local"
	localStateFilename = "imported-files-local.json"
	localModelMaxLen   = 512
	// passageBatchSize bounds one inference call through the ONNX runtime.
	passageBatchSize = 32
)

// LocalConfig configures the on-device provider.
type LocalConfig struct {
	// CacheDir holds downloaded model files. An absent cache triggers a
	// one-time download on first construction; after warmup the provider
	// never touches the network.
	CacheDir string
}

// LocalProvider embeds with a local BGE-small ONNX model (384 dimensions).
// Inference is CPU-bound; callers gate throughput through the CPU governor.
type LocalProvider struct {
	model  *fastembed.FlagEmbedding
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewLocalProvider initializes the local model, downloading it into the cache
// directory if needed.
func NewLocalProvider(cfg LocalConfig, logger *zap.Logger) (*LocalProvider, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "local_cache"
	}

	showProgress := false
	model, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                fastembed.BGESmallENV15,
		CacheDir:             cacheDir,
		MaxLength:            localModelMaxLen,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing local embedding model: %w", err)
	}

	logger.Info("local embedding provider ready",
		zap.String("model", string(fastembed.BGESmallENV15)),
		zap.Int("dim", localDim),
		zap.String("cache_dir", cacheDir))

	return &LocalProvider{model: model, logger: logger}, nil
}

// Dim returns 384.
func (p *LocalProvider) Dim() int { return localDim }

// Suffix returns "local".
func (p *LocalProvider) Suffix() string { return localSuffix }

// StateFilename returns the local provider's state file name.
func (p *LocalProvider) StateFilename() string { return localStateFilename }

// EmbedQuery embeds one query. The model applies its query prefix.
func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	vec, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

// EmbedDocuments embeds a batch in document (passage) mode, preserving order.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	vecs, err := p.model.PassageEmbed(texts, passageBatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vecs, nil
}

// Close releases the ONNX session.
func (p *LocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model.Destroy()
	}
	return nil
}

var _ Provider = (*LocalProvider)(nil)

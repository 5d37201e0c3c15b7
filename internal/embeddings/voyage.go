package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	voyageDim           = 1024
	voyageSuffix        = "voyage"
	voyageStateFilename = "imported-files-voyage.json"
	voyageEndpoint      = "https://api.voyageai.com/v1/embeddings"

	voyageMaxRetries   = 3
	voyageBaseBackoff  = time.Second
	voyageMaxBackoff   = 30 * time.Second
	voyageDefaultModel = "voyage-3-large"

	// The API allows 300 requests/minute; pace below that.
	voyageRequestsPerSecond = 4
)

// VoyageConfig configures the cloud provider.
type VoyageConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	// BaseURL overrides the API endpoint. Tests only.
	BaseURL string
}

// VoyageProvider embeds through the Voyage AI HTTP API (1024 dimensions).
// Requests are input-type tagged: "query" for EmbedQuery, "document" for
// EmbedDocuments.
type VoyageProvider struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	apiKey  string
	model   string
	baseURL string
}

// NewVoyageProvider validates the credential and returns a ready client.
// A missing key is fatal at construction; the selection layer is responsible
// for falling back to local before calling this.
func NewVoyageProvider(cfg VoyageConfig, logger *zap.Logger) (*VoyageProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: cloud API key required", ErrInvalidConfig)
	}
	model := cfg.Model
	if model == "" {
		model = voyageDefaultModel
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = voyageEndpoint
	}

	return &VoyageProvider{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(voyageRequestsPerSecond), voyageRequestsPerSecond),
		logger:  logger,
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
	}, nil
}

// Dim returns 1024.
func (p *VoyageProvider) Dim() int { return voyageDim }

// Suffix returns "voyage".
func (p *VoyageProvider) Suffix() string { return voyageSuffix }

// StateFilename returns the cloud provider's state file name.
func (p *VoyageProvider) StateFilename() string { return voyageStateFilename }

// EmbedQuery embeds one query-tagged input.
func (p *VoyageProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := p.embed(ctx, []string{text}, "query")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments embeds a document-tagged batch, preserving order.
func (p *VoyageProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	return p.embed(ctx, texts, "document")
}

// Close is a no-op; the provider holds no persistent connections.
func (p *VoyageProvider) Close() error { return nil }

type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type voyageResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// embed performs one API call with retry. Transient failures (timeouts, 5xx,
// 429) back off exponentially from 1 s capped at 30 s for up to 3 attempts;
// auth rejections surface immediately as ErrAuthFailure.
func (p *VoyageProvider) embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	body, err := json.Marshal(voyageRequest{Input: texts, Model: p.model, InputType: inputType})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}

	var lastErr error
	backoff := voyageBaseBackoff
	for attempt := 0; attempt < voyageMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > voyageMaxBackoff {
				backoff = voyageMaxBackoff
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vecs, retryable, err := p.doRequest(ctx, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("embedding request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.String("input_type", inputType),
			zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrEmbeddingFailed, voyageMaxRetries, lastErr)
}

// doRequest performs a single HTTP exchange. The second return value reports
// whether the failure is transient.
func (p *VoyageProvider) doRequest(ctx context.Context, body []byte, want int) ([][]float32, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("building embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: status %d", ErrAuthFailure, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("embedding API status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("embedding API status %d: %s", resp.StatusCode, msg)
	}

	var parsed voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, true, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(parsed.Data) != want {
		return nil, false, fmt.Errorf("embedding API returned %d vectors, want %d", len(parsed.Data), want)
	}

	// The API documents index-ordered data; order by index anyway.
	vecs := make([][]float32, want)
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= want {
			return nil, false, fmt.Errorf("embedding API returned out-of-range index %d", item.Index)
		}
		vecs[item.Index] = item.Embedding
	}
	return vecs, false, nil
}

var _ Provider = (*VoyageProvider)(nil)

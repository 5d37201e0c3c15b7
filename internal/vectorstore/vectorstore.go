// Package vectorstore is the qdrant gRPC adapter. It owns collection
// lifecycle, point upserts, and similarity search with recency decay.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("reflectd.vectorstore")

// collectionNamePattern: lowercase letters, digits, underscores, 1-64 chars.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

var (
	// ErrInvalidConfig marks an unusable store configuration.
	ErrInvalidConfig = errors.New("vectorstore: invalid config")
	// ErrConnectionFailed marks a failed connection to the store.
	ErrConnectionFailed = errors.New("vectorstore: connection failed")
	// ErrCollectionNotFound marks an operation on a missing collection.
	ErrCollectionNotFound = errors.New("vectorstore: collection not found")
	// ErrConfigMismatch marks a collection whose stored vector size differs
	// from the active embedding provider's dimension.
	ErrConfigMismatch = errors.New("vectorstore: collection config mismatch")
	// ErrInvalidCollectionName rejects names outside ^[a-z0-9_]{1,64}$.
	ErrInvalidCollectionName = errors.New("vectorstore: invalid collection name")
)

// Config holds the qdrant gRPC client configuration.
type Config struct {
	// Host is the qdrant server hostname. Default "localhost".
	Host string
	// Port is the gRPC port (6334), not the HTTP REST port (6333).
	Port int
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
	// MaxRetries bounds retry attempts for transient failures. Default 3.
	MaxRetries int
	// RetryBackoff is the initial backoff, doubling per retry. Default 1s.
	RetryBackoff time.Duration
	// MaxMessageSize is the gRPC message size limit. Default 50MB.
	MaxMessageSize int
	// CircuitBreakerThreshold opens the circuit after this many consecutive
	// failures. Default 5.
	CircuitBreakerThreshold int
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

func (c Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// ValidateCollectionName rejects names with uppercase, special characters, or
// path traversal potential.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match ^[a-z0-9_]{1,64}$", ErrInvalidCollectionName, name)
	}
	return nil
}

// IsTransientError reports whether err is worth retrying. Unavailability,
// deadline, abort, and resource exhaustion are transient; argument and
// permission errors are not.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Store talks to qdrant over its native gRPC transport. The gRPC path avoids
// the HTTP layer's 256kB payload limit, which matters for large conversation
// batches.
type Store struct {
	client *qdrant.Client
	config Config
	logger *zap.Logger

	// collections caches confirmed-existing collection names.
	collections sync.Map

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// New connects to qdrant and verifies the connection with a health check.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if !cfg.UseTLS {
		logger.Debug("qdrant gRPC using plaintext")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &Store{client: client, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return s, nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.HealthCheck")
	defer span.End()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("health check: %w", err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// retryOperation retries transient failures with exponential backoff, backed
// by a circuit breaker so a down server fails fast instead of stacking up
// blocked ingest workers.
func (s *Store) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}

		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *Store) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *Store) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *Store) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Half-open after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// Reflectd turns chat conversation logs into a searchable semantic memory.
//
// The watch subcommand tails a directory of JSONL conversation logs, chunks
// and embeds new messages, and upserts them into a qdrant vector store. The
// search subcommand queries that store with optional recency decay.
//
// Usage:
//
//	reflectd watch
//	reflectd search "how did we fix the flaky retry test"
//	reflectd store-reflection "prefer table tests for parsers" --tag test
//	reflectd status
//	reflectd doctor
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/config"
	"github.com/fyrsmithlabs/reflectd/internal/embeddings"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/state"
	"github.com/fyrsmithlabs/reflectd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
)

// Exit codes, stable for scripting.
const (
	exitOK       = 0
	exitConfig   = 2
	exitStore    = 3
	exitProvider = 4
)

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCode maps an Execute error onto the process exit code. Unclassified
// errors exit 1.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reflectd: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:           "reflectd",
	Short:         "Semantic memory over chat conversation logs",
	Long:          "reflectd ingests JSONL conversation logs into a vector store and searches them with recency-aware ranking.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.config/reflectd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log format override (json, console)")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(storeReflectionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
}

// loadConfig loads config and builds the logger. Failures are config errors.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, exitErr(exitConfig, err)
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, exitErr(exitConfig, err)
	}
	return cfg, logger, nil
}

// openStore connects to the vector store. Failures are store errors.
func openStore(cfg *config.Config, logger *zap.Logger) (*vectorstore.Store, error) {
	store, err := vectorstore.New(vectorstore.Config{
		Host:   cfg.Store.Host,
		Port:   cfg.Store.Port,
		UseTLS: cfg.Store.UseTLS,
	}, logger)
	if err != nil {
		return nil, exitErr(exitStore, fmt.Errorf("connecting to vector store: %w", err))
	}
	return store, nil
}

// selectProvider builds the embedding provider. Failures are provider errors.
func selectProvider(cfg *config.Config, logger *zap.Logger) (embeddings.Provider, error) {
	provider, err := embeddings.Select(cfg.Embedding, logger)
	if err != nil {
		return nil, exitErr(exitProvider, fmt.Errorf("initializing embedding provider: %w", err))
	}
	return provider, nil
}

// statePath resolves the state file location: explicit override, else a
// per-provider file beside the logs so switching providers never mixes
// cursors.
func statePath(cfg *config.Config, provider embeddings.Provider) string {
	if cfg.StateFile != "" {
		return cfg.StateFile
	}
	return filepath.Join(cfg.LogsDir, provider.StateFilename())
}

func openState(cfg *config.Config, provider embeddings.Provider) (*state.Store, error) {
	st, err := state.Open(statePath(cfg, provider))
	if err != nil {
		return nil, exitErr(exitConfig, fmt.Errorf("opening state file: %w", err))
	}
	return st, nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/freshness"
	"github.com/fyrsmithlabs/reflectd/internal/governor"
	"github.com/fyrsmithlabs/reflectd/internal/health"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/project"
	"github.com/fyrsmithlabs/reflectd/internal/state"
	"github.com/fyrsmithlabs/reflectd/internal/vectorstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize ingestion state and store collections",
	Long: `Status prints a JSON summary of the state file (files tracked, chunks
written, corrupt lines) and, when the vector store is reachable, per-collection
point counts. An unreachable store degrades the output rather than failing.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck

	provider, err := selectProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer provider.Close() //nolint:errcheck

	states, err := openState(cfg, provider)
	if err != nil {
		return err
	}

	// Collection counts are best-effort; state summary stands on its own.
	var store statusStore
	if s, err := openStore(cfg, logger); err == nil {
		defer s.Close() //nolint:errcheck
		store = s
	} else {
		logger.Warn("vector store unreachable, skipping collection counts", zap.Error(err))
	}

	st, err := collectStatus(cmd.Context(), provider, store, states, freshness.Metrics{}, nil)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

// providerInfo is the provider slice the status summary needs.
type providerInfo interface {
	Suffix() string
	Dim() int
}

// statusStore is the store slice the status summary needs.
type statusStore interface {
	ListCollections(ctx context.Context) ([]string, error)
	GetCollectionInfo(ctx context.Context, name string) (*vectorstore.CollectionInfo, error)
}

// statusStates is the state slice the status summary needs.
type statusStates interface {
	Records() map[string]state.FileRecord
}

// collectStatus assembles the shared status summary used by both the status
// subcommand and the daemon's /status endpoint. store and mem may be nil.
func collectStatus(ctx context.Context, provider providerInfo, store statusStore, states statusStates, queue freshness.Metrics, mem *governor.MemoryMonitor) (*health.Status, error) {
	st := &health.Status{
		Provider: provider.Suffix(),
		Dim:      provider.Dim(),
		Queue:    queue,
	}

	for _, rec := range states.Records() {
		st.Files++
		st.Chunks += int64(rec.ChunksWritten)
		st.Corrupt += int64(rec.CorruptLines)
	}

	if mem != nil {
		level, rssMB := mem.Level()
		st.MemoryLevel = level.String()
		st.MemoryRSSMB = rssMB
	}

	if store != nil {
		names, err := store.ListCollections(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing collections: %w", err)
		}
		suffix := provider.Suffix()
		reflections := project.ReflectionsCollection(suffix)
		for _, name := range names {
			if !project.IsConversationCollection(name, suffix) && name != reflections {
				continue
			}
			info, err := store.GetCollectionInfo(ctx, name)
			if err != nil {
				continue
			}
			st.Collections = append(st.Collections, health.CollectionStatus{
				Name:   name,
				Points: info.PointCount,
			})
		}
	}
	return st, nil
}

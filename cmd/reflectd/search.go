package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/config"
	"github.com/fyrsmithlabs/reflectd/internal/embeddings"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/search"
	"github.com/fyrsmithlabs/reflectd/internal/vectorstore"
)

var (
	flagSearchProject  string
	flagSearchAll      bool
	flagSearchLimit    int
	flagSearchMinScore float64
	flagSearchDecay    string
	flagSearchFormat   string
	flagSearchOffset   int
	flagSearchFile     string
	flagSearchConcept  string
	flagSearchIncFiles bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search ingested conversations",
	Long: `Search runs a semantic query over the current project's conversations,
or over every project with --all. Results are ranked by similarity plus an
optional recency-decay term.

Examples:

  # Search the current project
  reflectd search "how did we fix the flaky retry test"

  # Search every project, newest-biased ranking off
  reflectd search --all --decay off "database migration"

  # What touched a file
  reflectd search --file internal/server/retry.go

  # Page deeper into the same ranked list
  reflectd search --offset 5 "database migration"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&flagSearchProject, "project", "", "project path or name (default: working directory)")
	searchCmd.Flags().BoolVar(&flagSearchAll, "all", false, "search all projects")
	searchCmd.Flags().IntVar(&flagSearchLimit, "limit", 0, "max results (default 5)")
	searchCmd.Flags().Float64Var(&flagSearchMinScore, "min-score", 0, "minimum similarity (default 0.7)")
	searchCmd.Flags().StringVar(&flagSearchDecay, "decay", "default", "recency decay: default, on, off")
	searchCmd.Flags().StringVar(&flagSearchFormat, "format", "brief", "output format: brief, markdown, raw")
	searchCmd.Flags().IntVar(&flagSearchOffset, "offset", 0, "skip this many ranked results")
	searchCmd.Flags().StringVar(&flagSearchFile, "file", "", "find chunks whose tool activity touched this file")
	searchCmd.Flags().StringVar(&flagSearchConcept, "concept", "", "find chunks tagged with this concept")
	searchCmd.Flags().BoolVar(&flagSearchIncFiles, "include-files", false, "keep file lists in --concept results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := ""
	if len(args) == 1 {
		query = args[0]
	}
	if query == "" && flagSearchFile == "" && flagSearchConcept == "" {
		return exitErr(exitConfig, fmt.Errorf("a query, --file, or --concept is required"))
	}

	format, err := search.ParseFormat(flagSearchFormat)
	if err != nil {
		return exitErr(exitConfig, err)
	}
	decay, err := parseDecay(flagSearchDecay)
	if err != nil {
		return exitErr(exitConfig, err)
	}

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

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	engine := newEngine(cfg, store, provider, logger)

	opts := search.Options{
		Project:  flagSearchProject,
		Limit:    flagSearchLimit,
		MinScore: flagSearchMinScore,
		Decay:    decay,
		Offset:   flagSearchOffset,
	}
	if flagSearchAll {
		opts.Scope = search.ScopeAll
	}

	ctx := cmd.Context()
	var resp *search.Response
	switch {
	case flagSearchFile != "":
		resp, err = engine.SearchByFile(ctx, flagSearchFile, opts)
	case flagSearchConcept != "":
		resp, err = engine.SearchByConcept(ctx, flagSearchConcept, flagSearchIncFiles, opts)
	default:
		resp, err = engine.Reflect(ctx, query, opts)
	}
	if err != nil {
		return classifySearchErr(err)
	}

	fmt.Fprint(os.Stdout, search.Render(resp, format))
	return nil
}

// newEngine wires the search engine with the working directory as the
// active-project signal.
func newEngine(cfg *config.Config, store *vectorstore.Store, provider embeddings.Provider, logger *zap.Logger) *search.Engine {
	cwd, _ := os.Getwd()
	return search.New(store, provider, search.Config{
		DecayEnabled:   cfg.Decay.Enabled,
		DecayWeight:    cfg.Decay.Weight,
		DecayScaleDays: cfg.Decay.ScaleDays,
		ProjectPath:    cwd,
	}, logger)
}

func parseDecay(s string) (search.DecayMode, error) {
	switch s {
	case "", "default":
		return search.DecayDefault, nil
	case "on":
		return search.DecayOn, nil
	case "off":
		return search.DecayOff, nil
	default:
		return search.DecayDefault, fmt.Errorf("unknown decay mode %q (default, on, off)", s)
	}
}

// classifySearchErr maps engine errors onto exit codes.
func classifySearchErr(err error) error {
	switch {
	case errors.Is(err, search.ErrProjectUnknown):
		return exitErr(exitConfig, err)
	case errors.Is(err, search.ErrEmbeddingUnavailable):
		return exitErr(exitProvider, err)
	case errors.Is(err, vectorstore.ErrConnectionFailed):
		return exitErr(exitStore, err)
	default:
		return err
	}
}

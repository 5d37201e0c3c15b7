package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/state"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that every dependency of the pipeline is usable",
	Long: `Doctor verifies the logs directory, the embedding provider, the vector
store connection, and the state file, printing one line per check. The exit
code reports the first failing check: 2 for configuration problems, 3 for an
unreachable store, 4 for a broken embedding provider.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		fmt.Printf("config: FAIL (%v)\n", err)
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck
	fmt.Println("config: ok")

	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if info, err := os.Stat(cfg.LogsDir); err != nil {
		fmt.Printf("logs dir: FAIL (%v)\n", err)
		fail(exitErr(exitConfig, err))
	} else if !info.IsDir() {
		err := fmt.Errorf("%s is not a directory", cfg.LogsDir)
		fmt.Printf("logs dir: FAIL (%v)\n", err)
		fail(exitErr(exitConfig, err))
	} else {
		fmt.Printf("logs dir: ok (%s)\n", cfg.LogsDir)
	}

	provider, err := selectProvider(cfg, logger)
	if err != nil {
		fmt.Printf("embedding provider: FAIL (%v)\n", err)
		fail(err)
	} else {
		fmt.Printf("embedding provider: ok (%s, dim %d)\n", provider.Suffix(), provider.Dim())
		defer provider.Close() //nolint:errcheck
	}

	if store, err := openStore(cfg, logger); err != nil {
		fmt.Printf("vector store: FAIL (%v)\n", err)
		fail(err)
	} else {
		names, err := store.ListCollections(cmd.Context())
		if err != nil {
			fmt.Printf("vector store: FAIL (%v)\n", err)
			fail(exitErr(exitStore, err))
		} else {
			fmt.Printf("vector store: ok (%s:%d, %d collections)\n", cfg.Store.Host, cfg.Store.Port, len(names))
		}
		store.Close() //nolint:errcheck
	}

	if provider != nil {
		path := statePath(cfg, provider)
		if _, err := state.Open(path); err != nil {
			fmt.Printf("state file: FAIL (%v)\n", err)
			fail(exitErr(exitConfig, err))
		} else {
			fmt.Printf("state file: ok (%s)\n", path)
		}
	} else {
		logger.Debug("skipping state check, no provider", zap.String("reason", "provider init failed"))
	}

	return firstErr
}

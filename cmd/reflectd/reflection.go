package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/reflectd/internal/logging"
)

var flagReflectionTags []string

var storeReflectionCmd = &cobra.Command{
	Use:   "store-reflection <content>",
	Short: "Store a curated insight into the reflections collection",
	Long: `Store-reflection embeds a self-authored note and persists it alongside
conversation memory, so future searches surface it. The same content always
maps to the same ID, so re-storing a note overwrites it in place.

Example:

  reflectd store-reflection "prefer table tests for parsers" --tag test`,
	Args: cobra.ExactArgs(1),
	RunE: runStoreReflection,
}

func init() {
	storeReflectionCmd.Flags().StringArrayVar(&flagReflectionTags, "tag", nil, "concept tag (repeatable)")
}

func runStoreReflection(cmd *cobra.Command, args []string) error {
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
	id, err := engine.StoreReflection(cmd.Context(), args[0], flagReflectionTags)
	if err != nil {
		return classifySearchErr(err)
	}

	fmt.Printf("stored reflection %s\n", id)
	return nil
}

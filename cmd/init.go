package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// initCmd creates an empty catalog.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty backup catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.CatalogPath == "" {
			return fmt.Errorf("%w: --backup-path (-B) is required", errBadArgument)
		}
		if entries, err := os.ReadDir(cfg.CatalogPath); err == nil && len(entries) > 0 {
			return fmt.Errorf("%w: %s is not empty", errBadArgument, cfg.CatalogPath)
		}
		for _, sub := range []string{"backups", "wal"} {
			if err := os.MkdirAll(filepath.Join(cfg.CatalogPath, sub), 0700); err != nil {
				return fmt.Errorf("failed to create catalog: %w", err)
			}
		}
		log.Info("Catalog initialized", "path", cfg.CatalogPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pgbackup/internal/config"
	"pgbackup/internal/pg"
)

var addInstanceExternalDirs []string

// addInstanceCmd registers a cluster in the catalog.
var addInstanceCmd = &cobra.Command{
	Use:   "add-instance",
	Short: "Register a database cluster in the catalog",
	Long: `Register a cluster under --instance. The cluster's system identifier,
block sizes and data directory are recorded; later backups refuse to run
against a different cluster under the same name.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInstance(); err != nil {
			return err
		}
		if cfg.PGData == "" {
			return fmt.Errorf("%w: --pgdata (-D) is required", errBadArgument)
		}
		if !filepath.IsAbs(cfg.PGData) {
			return fmt.Errorf("%w: --pgdata must be absolute, got %q", errBadArgument, cfg.PGData)
		}
		cf, err := pg.ReadControlFile(cfg.PGData)
		if err != nil {
			return err
		}

		instanceDir := cfg.InstanceDir()
		if _, err := os.Stat(instanceDir); err == nil {
			return fmt.Errorf("%w: instance %q already exists", errBadArgument, cfg.Instance)
		}
		if err := os.MkdirAll(instanceDir, 0700); err != nil {
			return fmt.Errorf("failed to create instance directory: %w", err)
		}
		if err := os.MkdirAll(cfg.WalDir(), 0700); err != nil {
			return fmt.Errorf("failed to create WAL directory: %w", err)
		}

		ic := &config.InstanceConfig{
			PGData:              cfg.PGData,
			SystemID:            cf.SystemID,
			Host:                cfg.Host,
			Port:                cfg.Port,
			User:                cfg.User,
			Database:            cfg.Database,
			ExternalDirs:        addInstanceExternalDirs,
			CompressAlg:         cfg.CompressAlg,
			CompressLevel:       cfg.CompressLevel,
			RetentionRedundancy: cfg.RetentionRedundancy,
			RetentionWindowDays: cfg.RetentionWindowDays,
		}
		if err := config.SaveInstanceConfig(instanceDir, ic); err != nil {
			return err
		}
		log.Info("Instance registered", "instance", cfg.Instance, "system_id", cf.SystemID, "pgdata", cfg.PGData)
		return nil
	},
}

func init() {
	addInstanceCmd.Flags().StringArrayVarP(&addInstanceExternalDirs, "external-dirs", "E", nil,
		"external directory to back up alongside the data directory (repeatable)")
	rootCmd.AddCommand(addInstanceCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pgbackup/internal/checkdb"
)

// checkdbCmd scans a live cluster's datafiles for page corruption.
var checkdbCmd = &cobra.Command{
	Use:   "checkdb",
	Short: "Scan a live cluster's datafiles for corrupt pages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.PGData == "" {
			return fmt.Errorf("%w: --pgdata (-D) is required", errBadArgument)
		}
		eng := checkdb.New(cfg, log)
		res, err := eng.Run(cmd.Context())
		if res != nil {
			fmt.Printf("Scanned %d files, %d pages, %d bad\n", res.FilesScanned, res.PagesScanned, res.BadPages)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(checkdbCmd)
}

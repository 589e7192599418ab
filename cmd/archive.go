package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pgbackup/internal/archive"
)

var (
	archivePushCompress  bool
	archivePushOverwrite bool
)

// archivePushCmd is what archive_command invokes:
//
//	archive_command = 'pgbackup archive-push -B ... --instance ... %p %f'
var archivePushCmd = &cobra.Command{
	Use:   "archive-push <wal-path> <wal-name>",
	Short: "Copy one WAL segment into the catalog archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInstance(); err != nil {
			return err
		}
		m := archive.New(cfg, log)
		if err := m.Push(args[0], args[1], archivePushCompress, archivePushOverwrite); err != nil {
			return fmt.Errorf("%w: %v", errArchiveFailed, err)
		}
		return nil
	},
}

// archiveGetCmd is what restore_command invokes:
//
//	restore_command = 'pgbackup archive-get -B ... --instance ... %f %p'
var archiveGetCmd = &cobra.Command{
	Use:   "archive-get <wal-name> <dest-path>",
	Short: "Fetch one WAL segment from the catalog archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInstance(); err != nil {
			return err
		}
		m := archive.New(cfg, log)
		if err := m.Get(args[0], args[1]); err != nil {
			return fmt.Errorf("%w: %v", errArchiveFailed, err)
		}
		return nil
	},
}

func init() {
	archivePushCmd.Flags().BoolVar(&archivePushCompress, "compress", false, "gzip the archived segment")
	archivePushCmd.Flags().BoolVar(&archivePushOverwrite, "overwrite", false, "replace an existing archived segment")
	rootCmd.AddCommand(archivePushCmd)
	rootCmd.AddCommand(archiveGetCmd)
}

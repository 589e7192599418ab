package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pgbackup/internal/merge"
)

var mergeBackupID string

// mergeCmd folds an incremental backup into its FULL ancestor.
var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge an incremental backup into its FULL ancestor",
	Long: `Fold the chain ending at --backup-id into its FULL ancestor. The FULL
backup is rewritten in place and takes over the incremental's identity.
An interrupted merge resumes from where it stopped when rerun with the
same backup id.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		if mergeBackupID == "" {
			return fmt.Errorf("%w: --backup-id (-i) is required", errBadArgument)
		}
		id, err := parseBackupID(mergeBackupID)
		if err != nil {
			return err
		}
		eng := merge.New(cfg, cat, log)
		if err := eng.Run(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Merged chain into backup %s\n", id)
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringVarP(&mergeBackupID, "backup-id", "i", "", "incremental backup to merge down")
	rootCmd.AddCommand(mergeCmd)
}

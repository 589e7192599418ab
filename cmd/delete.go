package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pgbackup/internal/catalog"
	"pgbackup/internal/retention"
)

var (
	deleteBackupID string
	deleteExpired  bool
	deleteDryRun   bool
)

// deleteCmd removes a backup (orphaning descendants) or enforces the
// retention policy.
var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a backup or expired backups",
	Long: `Delete the backup named by --backup-id; its incremental descendants
become ORPHAN. With --expired, delete unpinned backups falling out of
the retention policy (retention-redundancy / retention-window from the
instance config), never breaking a surviving chain.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		lock, err := cat.LockInstance()
		if err != nil {
			return err
		}
		defer lock.Unlock()

		arena, err := cat.LoadArena()
		if err != nil {
			return err
		}

		if deleteExpired {
			policy := retention.Policy{
				Redundancy: cfg.RetentionRedundancy,
				WindowDays: cfg.RetentionWindowDays,
				DryRun:     deleteDryRun,
			}
			res, err := retention.Apply(cat, arena, policy, time.Now(), log)
			if err != nil {
				return err
			}
			fmt.Printf("Expired: %d deleted, %d kept\n", len(res.Deleted), len(res.Kept))
			return nil
		}

		if deleteBackupID == "" {
			return fmt.Errorf("%w: --backup-id (-i) or --expired is required", errBadArgument)
		}
		id, err := parseBackupID(deleteBackupID)
		if err != nil {
			return err
		}
		b, ok := arena[id]
		if !ok {
			return fmt.Errorf("backup %s: %w", id, catalog.ErrNotFound)
		}
		if b.Pinned(time.Now()) {
			return fmt.Errorf("%w: backup %s is pinned until %s", errBadArgument, id, b.ExpireTime)
		}
		if deleteDryRun {
			fmt.Printf("Would delete backup %s\n", id)
			return nil
		}
		if err := cat.Orphanize(arena, b); err != nil {
			return err
		}
		if err := cat.DeleteFiles(b); err != nil {
			return err
		}
		fmt.Printf("Deleted backup %s\n", id)
		return nil
	},
}

func init() {
	f := deleteCmd.Flags()
	f.StringVarP(&deleteBackupID, "backup-id", "i", "", "backup to delete")
	f.BoolVar(&deleteExpired, "expired", false, "delete backups outside the retention policy")
	f.BoolVar(&deleteDryRun, "dry-run", false, "report what would be deleted without deleting")
	rootCmd.AddCommand(deleteCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pgbackup/internal/catalog"
	"pgbackup/internal/validate"
	"pgbackup/internal/walread"
	"pgbackup/internal/xlog"
)

var (
	validateBackupID   string
	validateTargetTime string
	validateTargetXID  string
	validateTargetLSN  string
)

// validateCmd checks one backup (or the whole instance) for
// corruption.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate backup files and WAL reachability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}

		var targets []*catalog.Backup
		if validateBackupID != "" {
			id, err := parseBackupID(validateBackupID)
			if err != nil {
				return err
			}
			b, err := cat.Read(id)
			if err != nil {
				return err
			}
			targets = []*catalog.Backup{b}
		} else {
			targets, err = cat.List(catalog.ListOptions{Statuses: []catalog.Status{
				catalog.StatusOK, catalog.StatusDone, catalog.StatusOrphan}})
			if err != nil {
				return err
			}
		}

		var target *walread.Target
		if validateTargetTime != "" || validateTargetXID != "" || validateTargetLSN != "" {
			target = &walread.Target{}
			switch {
			case validateTargetTime != "":
				t, err := parseTimeFlag(validateTargetTime)
				if err != nil {
					return err
				}
				target.Time = t
			case validateTargetXID != "":
				var xid uint64
				if _, err := fmt.Sscanf(validateTargetXID, "%d", &xid); err != nil {
					return fmt.Errorf("%w: invalid xid %q", errBadArgument, validateTargetXID)
				}
				target.XID = uint32(xid)
			case validateTargetLSN != "":
				lsn, err := xlog.ParseLSN(validateTargetLSN)
				if err != nil {
					return fmt.Errorf("%w: %v", errBadArgument, err)
				}
				target.LSN = lsn
			}
		}

		eng := validate.New(cat, cfg, log)
		var firstErr error
		for _, b := range targets {
			lock, err := cat.LockBackup(b.ID, true)
			if err != nil {
				return err
			}
			err = eng.Validate(cmd.Context(), b, target)
			lock.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			status := "OK"
			if err != nil {
				status = "CORRUPT"
			}
			fmt.Printf("%s  %s\n", b.ID, status)
		}
		return firstErr
	},
}

func init() {
	f := validateCmd.Flags()
	f.StringVarP(&validateBackupID, "backup-id", "i", "", "backup to validate (default: all OK, DONE and ORPHAN backups)")
	f.StringVar(&validateTargetTime, "recovery-target-time", "", "additionally verify this time is reachable")
	f.StringVar(&validateTargetXID, "recovery-target-xid", "", "additionally verify this xid is reachable")
	f.StringVar(&validateTargetLSN, "recovery-target-lsn", "", "additionally verify this LSN is reachable")
	rootCmd.AddCommand(validateCmd)
}

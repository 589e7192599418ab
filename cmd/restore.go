package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pgbackup/internal/catalog"
	"pgbackup/internal/restore"
	"pgbackup/internal/xlog"
)

var (
	restoreBackupID    string
	restoreTargetTime  string
	restoreTargetXID   string
	restoreTargetLSN   string
	restoreTargetName  string
	restoreImmediate   bool
	restoreInclusive   bool
	restoreAction      string
	restoreIncremental string
	restoreNoValidate  bool
	restoreForce       bool
	restoreDBExclude   []string
	restoreDBInclude   []string
	restoreExtMap      []string
	restoreSpcMap      []string
	restoreStandby     bool
	restorePrimaryCI   string
)

// restoreCmd rebuilds a data directory from a backup chain.
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a data directory from a backup",
	Long: `Restore the chain ending at --backup-id (default: the latest usable
backup) into --pgdata.

Incremental modes reuse blocks already present in the destination:
  --incremental-mode checksum   keep pages whose checksum matches
  --incremental-mode lsn        keep pages older than the shift LSN

A recovery target (--recovery-target-time/-xid/-lsn/-name or
--immediate) writes recovery directives and recovery.signal, so the
server replays archived WAL up to the target on first start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		if cfg.PGData == "" {
			return fmt.Errorf("%w: --pgdata (-D) is required", errBadArgument)
		}

		opts := restore.Options{
			DestDir:    cfg.PGData,
			NoValidate: restoreNoValidate,
			Force:      restoreForce,
		}

		switch restoreIncremental {
		case "", "none":
			opts.Incremental = restore.IncrementalNone
		case "checksum":
			opts.Incremental = restore.IncrementalChecksum
		case "lsn":
			opts.Incremental = restore.IncrementalLSN
		default:
			return fmt.Errorf("%w: unknown incremental mode %q", errBadArgument, restoreIncremental)
		}

		if restoreBackupID != "" {
			opts.TargetID, err = parseBackupID(restoreBackupID)
			if err != nil {
				return err
			}
		} else {
			opts.TargetID, err = latestUsableBackup(cat)
			if err != nil {
				return err
			}
		}

		dbMap, err := cat.ReadDatabaseMap(opts.TargetID)
		if err != nil {
			return err
		}
		if opts.DBExclude, err = resolveDBList(restoreDBExclude, dbMap); err != nil {
			return err
		}
		if opts.DBInclude, err = resolveDBList(restoreDBInclude, dbMap); err != nil {
			return err
		}
		if len(restoreExtMap) > 0 {
			opts.ExternalRemap = map[int]string{}
			for _, m := range restoreExtMap {
				idx, path, ok := strings.Cut(m, "=")
				if !ok {
					return fmt.Errorf("%w: external remap %q, want N=/path", errBadArgument, m)
				}
				n, err := strconv.Atoi(idx)
				if err != nil || n < 1 {
					return fmt.Errorf("%w: external remap index %q", errBadArgument, idx)
				}
				opts.ExternalRemap[n] = path
			}
		}

		if len(restoreSpcMap) > 0 {
			opts.TablespaceRemap = map[string]string{}
			for _, m := range restoreSpcMap {
				oldDir, newDir, ok := strings.Cut(m, "=")
				if !ok {
					return fmt.Errorf("%w: tablespace mapping %q, want OLDDIR=NEWDIR", errBadArgument, m)
				}
				opts.TablespaceRemap[oldDir] = newDir
			}
		}

		if rec, err := buildRecoveryOptions(); err != nil {
			return err
		} else if rec != nil {
			opts.Recovery = rec
		}

		eng := restore.New(cfg, cat, log)
		watchInterrupt(cmd.Context(), &eng.Interrupted)
		if err := eng.Run(cmd.Context(), opts); err != nil {
			return err
		}
		fmt.Printf("Restored backup %s into %s\n", opts.TargetID, cfg.PGData)
		return nil
	},
}

// latestUsableBackup picks the newest OK/DONE backup.
func latestUsableBackup(cat *catalog.Catalog) (catalog.ID, error) {
	list, err := cat.List(catalog.ListOptions{Statuses: []catalog.Status{catalog.StatusOK, catalog.StatusDone}})
	if err != nil {
		return catalog.NoID, err
	}
	if len(list) == 0 {
		return catalog.NoID, fmt.Errorf("no usable backup in catalog: %w", catalog.ErrNotFound)
	}
	return list[0].ID, nil
}

// resolveDBList accepts database OIDs or names; names are looked up in
// the backup's recorded database map.
func resolveDBList(vals []string, dbMap map[string]uint32) ([]uint32, error) {
	var out []uint32
	for _, v := range vals {
		if oid, err := strconv.ParseUint(v, 10, 32); err == nil {
			out = append(out, uint32(oid))
			continue
		}
		oid, ok := dbMap[v]
		if !ok {
			return nil, fmt.Errorf("%w: database %q is not in the backup's database map", errBadArgument, v)
		}
		out = append(out, oid)
	}
	return out, nil
}

// buildRecoveryOptions translates the target flags; nil when no
// recovery configuration was requested.
func buildRecoveryOptions() (*restore.RecoveryOptions, error) {
	set := 0
	for _, s := range []bool{restoreTargetTime != "", restoreTargetXID != "",
		restoreTargetLSN != "", restoreTargetName != "", restoreImmediate} {
		if s {
			set++
		}
	}
	if set == 0 && !restoreStandby {
		return nil, nil
	}
	if set > 1 {
		return nil, fmt.Errorf("%w: at most one recovery target may be given", errBadArgument)
	}
	rec := &restore.RecoveryOptions{
		TargetInclusive: restoreInclusive,
		TargetAction:    restoreAction,
		Standby:         restoreStandby,
		PrimaryConnInfo: restorePrimaryCI,
	}
	switch {
	case restoreTargetTime != "":
		t, err := parseTimeFlag(restoreTargetTime)
		if err != nil {
			return nil, err
		}
		rec.TargetTime = &t
	case restoreTargetXID != "":
		rec.TargetXID = restoreTargetXID
	case restoreTargetLSN != "":
		lsn, err := xlog.ParseLSN(restoreTargetLSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadArgument, err)
		}
		rec.TargetLSN = lsn
	case restoreTargetName != "":
		rec.TargetName = restoreTargetName
	case restoreImmediate:
		rec.TargetImmediate = true
	}
	return rec, nil
}

func init() {
	f := restoreCmd.Flags()
	f.StringVarP(&restoreBackupID, "backup-id", "i", "", "backup to restore (default: latest usable)")
	f.StringVar(&restoreTargetTime, "recovery-target-time", "", "recover to this timestamp")
	f.StringVar(&restoreTargetXID, "recovery-target-xid", "", "recover to this transaction id")
	f.StringVar(&restoreTargetLSN, "recovery-target-lsn", "", "recover to this LSN")
	f.StringVar(&restoreTargetName, "recovery-target-name", "", "recover to this named restore point")
	f.BoolVar(&restoreImmediate, "immediate", false, "stop recovery as soon as consistency is reached")
	f.BoolVar(&restoreInclusive, "recovery-target-inclusive", false, "include the target transaction")
	f.StringVar(&restoreAction, "recovery-target-action", "", "action at target: pause, promote or shutdown")
	f.StringVarP(&restoreIncremental, "incremental-mode", "I", "", "reuse existing destination blocks: checksum or lsn")
	f.BoolVar(&restoreNoValidate, "no-validate", false, "skip chain validation before restore")
	f.BoolVar(&restoreForce, "force", false, "empty a non-empty destination before fresh restore")
	f.StringArrayVar(&restoreDBExclude, "db-exclude", nil, "database (name or oid) to restore as empty placeholders (repeatable)")
	f.StringArrayVar(&restoreDBInclude, "db-include", nil, "restore only these databases, by name or oid (repeatable)")
	f.StringArrayVar(&restoreExtMap, "external-mapping", nil, "remap external directory N=/new/path (repeatable)")
	f.StringArrayVarP(&restoreSpcMap, "tablespace-mapping", "T", nil, "relocate a tablespace OLDDIR=NEWDIR (repeatable)")
	f.BoolVar(&restoreStandby, "restore-as-replica", false, "write standby.signal instead of recovery.signal")
	f.StringVar(&restorePrimaryCI, "primary-conninfo", "", "primary_conninfo for standby setups")
	rootCmd.AddCommand(restoreCmd)
}

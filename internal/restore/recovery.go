package restore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pgbackup/internal/catalog"
	"pgbackup/internal/fsio"
	"pgbackup/internal/xlog"
)

// RecoveryOptions describe the point the restored cluster should
// recover to and how it should get there. At most one target field is
// set; all empty means "latest".
type RecoveryOptions struct {
	TargetTime      *time.Time
	TargetXID       string
	TargetLSN       xlog.LSN
	TargetName      string
	TargetImmediate bool
	TargetInclusive bool
	TargetAction    string // "pause" (default), "promote", "shutdown"

	// RestoreCommand overrides the generated archive-get invocation.
	RestoreCommand string
	// Standby keeps the cluster in standby after reaching the target.
	Standby bool
	// PrimaryConnInfo is written for standby setups.
	PrimaryConnInfo string
}

// writeRecoveryConf appends the recovery directives to
// postgresql.auto.conf and drops recovery.signal or standby.signal, the
// layout PostgreSQL 12+ reads. The same layout is written whatever the
// backup's server version; no recovery.conf is produced.
func (e *Engine) writeRecoveryConf(destDir string, b *catalog.Backup, opts *RecoveryOptions) error {
	var content strings.Builder
	content.WriteString("# recovery settings added by pgbackup restore\n")

	restoreCmd := opts.RestoreCommand
	if restoreCmd == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = "pgbackup"
		}
		restoreCmd = fmt.Sprintf("%s archive-get -B %s --instance %s %%f %%p",
			exe, e.cfg.CatalogPath, e.cfg.Instance)
	}
	fmt.Fprintf(&content, "restore_command = '%s'\n", restoreCmd)

	switch {
	case opts.TargetTime != nil:
		fmt.Fprintf(&content, "recovery_target_time = '%s'\n", opts.TargetTime.Format("2006-01-02 15:04:05.999999-07"))
	case opts.TargetXID != "":
		fmt.Fprintf(&content, "recovery_target_xid = '%s'\n", opts.TargetXID)
	case opts.TargetLSN.Valid():
		fmt.Fprintf(&content, "recovery_target_lsn = '%s'\n", opts.TargetLSN)
	case opts.TargetName != "":
		fmt.Fprintf(&content, "recovery_target_name = '%s'\n", opts.TargetName)
	case opts.TargetImmediate:
		content.WriteString("recovery_target = 'immediate'\n")
	}
	if opts.TargetInclusive {
		content.WriteString("recovery_target_inclusive = true\n")
	}
	if opts.TargetAction != "" {
		fmt.Fprintf(&content, "recovery_target_action = '%s'\n", opts.TargetAction)
	}
	if opts.Standby && opts.PrimaryConnInfo != "" {
		fmt.Fprintf(&content, "primary_conninfo = '%s'\n", opts.PrimaryConnInfo)
	}

	autoConf := filepath.Join(destDir, "postgresql.auto.conf")
	existing, err := os.ReadFile(autoConf)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", autoConf, err)
	}
	merged := append(existing, []byte(content.String())...)
	if err := fsio.WriteFileAtomic(autoConf, merged, 0600, !e.cfg.NoSync); err != nil {
		return err
	}

	signal := "recovery.signal"
	if opts.Standby {
		signal = "standby.signal"
	}
	signalPath := filepath.Join(destDir, signal)
	f, err := os.OpenFile(signalPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", signal, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	e.log.Info("Recovery configuration written", "backup", b.ID, "signal", signal)
	return nil
}

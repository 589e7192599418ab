package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pgbackup/internal/backup"
	"pgbackup/internal/catalog"
	"pgbackup/internal/pg"
)

var (
	backupModeFlag   string
	backupNoValidate bool
	backupStream     bool
	backupSlot       string
	backupPinTTL     time.Duration
	backupCompress   string
	backupLevel      int
)

// backupCmd takes a backup of the registered instance.
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a backup of the registered cluster",
	Long: `Take a physical backup in one of four modes:

  FULL    copy every page of every datafile
  DELTA   read every page, copy those changed since the parent backup
  PAGE    copy pages named by the WAL written since the parent backup
  PTRACK  copy pages named by the ptrack extension since the parent

Incremental modes require a valid parent chain; PAGE additionally needs
uninterrupted archived WAL between the parent's stop point and now.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		mode, err := catalog.ParseMode(backupModeFlag)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadArgument, err)
		}
		if cfg.PGData == "" {
			return fmt.Errorf("%w: --pgdata (-D) is required (or register it with add-instance)", errBadArgument)
		}
		if backupCompress != "" {
			cfg.CompressAlg = backupCompress
		}
		if cmd.Flags().Changed("compress-level") {
			cfg.CompressLevel = backupLevel
		}
		cfg.Stream = backupStream
		cfg.Slot = backupSlot

		ctx := cmd.Context()
		conn, err := pg.Connect(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)

		opts := backup.Options{
			Mode:     mode,
			Validate: !backupNoValidate,
		}
		if backupPinTTL > 0 {
			opts.ExpireTime = time.Now().Add(backupPinTTL)
		}

		orch := backup.New(cfg, cat, conn, log)
		watchInterrupt(ctx, &orch.Interrupted)
		b, err := orch.Run(ctx, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Backup %s completed (mode %s, status %s)\n", b.ID, b.Mode, b.Status)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupModeFlag, "backup-mode", "b", "FULL", "backup mode: FULL, PAGE, PTRACK or DELTA")
	backupCmd.Flags().BoolVar(&backupNoValidate, "no-validate", false, "skip validation after the backup")
	backupCmd.Flags().BoolVar(&backupStream, "stream", false, "stream WAL into the backup via pg_receivewal instead of relying on the archive")
	backupCmd.Flags().StringVarP(&backupSlot, "slot", "S", "", "replication slot for --stream")
	backupCmd.Flags().DurationVar(&backupPinTTL, "ttl", 0, "pin the backup against retention for this duration")
	backupCmd.Flags().StringVar(&backupCompress, "compress-algorithm", "", "compress stored files: none or gzip")
	backupCmd.Flags().IntVar(&backupLevel, "compress-level", 1, "gzip compression level")
	rootCmd.AddCommand(backupCmd)
}

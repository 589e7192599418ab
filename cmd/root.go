package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pgbackup/internal/backup"
	"pgbackup/internal/catalog"
	"pgbackup/internal/config"
	"pgbackup/internal/logger"
	"pgbackup/internal/merge"
	"pgbackup/internal/page"
	"pgbackup/internal/restore"
	"pgbackup/internal/validate"
)

// Stable exit codes; operator scripts branch on these.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitArgument       = 2
	ExitCatalogCorrupt = 3
	ExitBackupCorrupt  = 4
	ExitIncompatible   = 5
	ExitAlreadyRunning = 6
	ExitInterrupted    = 7
	ExitArchiveFailed  = 8
)

var (
	cfg = config.New()
	log logger.Logger
)

// rootCmd represents the base command when called without subcommands
var rootCmd = &cobra.Command{
	Use:   "pgbackup",
	Short: "Physical backup and point-in-time recovery manager for PostgreSQL",
	Long: `pgbackup manages page-level physical backups of PostgreSQL clusters.

It keeps a catalog of full and incremental backups (PAGE, PTRACK and
DELTA modes), links them into chains, validates their integrity, merges
increments into their full ancestor, and restores a data directory from
any chain member with optional point-in-time recovery via archived WAL.

A catalog is a directory tree with one subdirectory per registered
instance:

  backups/<instance>/<backup-id>/   backup images and metadata
  wal/<instance>/                   archived WAL segments

Typical session:
  pgbackup init -B /srv/backups
  pgbackup add-instance -B /srv/backups --instance main -D /var/lib/pgsql/data
  pgbackup backup -B /srv/backups --instance main -b FULL
  pgbackup backup -B /srv/backups --instance main -b PAGE
  pgbackup restore -B /srv/backups --instance main -D /var/lib/pgsql/data`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg.LogFile != "" {
			fileLog, err := logger.FileLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
			if err != nil {
				return err
			}
			log = fileLog
		} else {
			log = logger.New(cfg.LogLevel, cfg.LogFormat)
		}
		// flags not set explicitly fall back to the persisted
		// instance configuration
		if cfg.CatalogPath != "" && cfg.Instance != "" {
			ic, err := config.LoadInstanceConfig(cfg.InstanceDir())
			if err != nil {
				log.Warn("Failed to load instance config", "error", err)
			} else if ic != nil {
				explicit := map[string]bool{}
				cmd.Flags().Visit(func(f *pflag.Flag) { explicit[f.Name] = true })
				if !explicit["pgdata"] {
					cfg.PGData = ""
				}
				ic.Apply(cfg)
			}
		}
		return nil
	},
}

// Execute runs the CLI and maps errors to stable exit codes.
func Execute(ctx context.Context, version string) int {
	cfg.Version = version
	log = logger.New(cfg.LogLevel, cfg.LogFormat)

	rootCmd.Version = version

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if log != nil {
			log.Error("Command failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return exitCode(err)
	}
	return ExitOK
}

// exitCode classifies an error into the documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, catalog.ErrLocked):
		return ExitAlreadyRunning
	case errors.Is(err, page.ErrInterrupted), errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, validate.ErrCorrupt):
		return ExitBackupCorrupt
	case errors.Is(err, catalog.ErrChainBroken), errors.Is(err, catalog.ErrNotFound):
		return ExitCatalogCorrupt
	case errors.Is(err, merge.ErrIncompatibleChain),
		errors.Is(err, backup.ErrTimelineSwitch),
		errors.Is(err, restore.ErrLSNRefused):
		return ExitIncompatible
	case errors.Is(err, errArchiveFailed):
		return ExitArchiveFailed
	case errors.Is(err, errBadArgument):
		return ExitArgument
	default:
		return ExitError
	}
}

// errBadArgument wraps argument validation failures detected past
// cobra's own parsing.
var errBadArgument = errors.New("invalid argument")

// errArchiveFailed wraps archive-push/archive-get failures so the
// server's archive_command observes the documented code.
var errArchiveFailed = errors.New("WAL archiving failed")

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfg.CatalogPath, "backup-path", "B", cfg.CatalogPath, "backup catalog root")
	pf.StringVar(&cfg.Instance, "instance", cfg.Instance, "instance name within the catalog")
	pf.StringVarP(&cfg.PGData, "pgdata", "D", cfg.PGData, "data directory of the cluster")
	pf.IntVarP(&cfg.Jobs, "jobs", "j", cfg.Jobs, "number of parallel workers")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	pf.StringVar(&cfg.LogFile, "log-file", "", "also append logs to this file")
	pf.BoolVar(&cfg.Progress, "progress", false, "show progress bars")
	pf.BoolVar(&cfg.NoSync, "no-sync", false, "skip fsync of written files (unsafe)")

	pf.StringVar(&cfg.Host, "pghost", cfg.Host, "server host")
	pf.IntVarP(&cfg.Port, "pgport", "p", cfg.Port, "server port")
	pf.StringVarP(&cfg.User, "pguser", "U", cfg.User, "server user")
	pf.StringVarP(&cfg.Database, "pgdatabase", "d", cfg.Database, "connection database")
}

func requireInstance() error {
	if cfg.CatalogPath == "" {
		return fmt.Errorf("%w: --backup-path (-B) is required", errBadArgument)
	}
	if cfg.Instance == "" {
		return fmt.Errorf("%w: --instance is required", errBadArgument)
	}
	return nil
}

func openCatalog() (*catalog.Catalog, error) {
	if err := requireInstance(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.InstanceDir()); err != nil {
		return nil, fmt.Errorf("instance %q is not registered in %s: %w", cfg.Instance, cfg.CatalogPath, catalog.ErrNotFound)
	}
	return catalog.New(cfg.InstanceDir(), log), nil
}

func parseBackupID(s string) (catalog.ID, error) {
	id := catalog.ID(s)
	if _, err := id.Time(); err != nil {
		return catalog.NoID, fmt.Errorf("%w: invalid backup id %q", errBadArgument, s)
	}
	return id, nil
}

// watchInterrupt propagates context cancellation (SIGINT/SIGTERM via
// main's signal context) into an engine's polled interrupt flag.
func watchInterrupt(ctx context.Context, flag *atomic.Bool) {
	go func() {
		<-ctx.Done()
		flag.Store(true)
	}()
}

func parseTimeFlag(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized time %q", errBadArgument, s)
}

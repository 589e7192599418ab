package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pgbackup/internal/config"
	"pgbackup/internal/logger"
)

// walReceiver owns the WAL-streaming helper of a stream backup: a
// pg_receivewal process writing into the backup image's pg_wal. The
// helper holds the run's second server connection (replication
// protocol); the orchestrator keeps only the control connection.
type walReceiver struct {
	host string
	port int
	user string
	dir  string
	slot string

	log logger.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	wg     sync.WaitGroup
	closed bool
}

// newWALReceiver prepares a receiver streaming into dir.
func newWALReceiver(cfg *config.Config, dir string, log logger.Logger) *walReceiver {
	return &walReceiver{
		host: cfg.Host,
		port: cfg.Port,
		user: cfg.User,
		dir:  dir,
		slot: cfg.Slot,
		log:  log,
	}
}

// Start launches pg_receivewal in the background. A missing binary is
// an immediate, clearly named error; stream mode never degrades into
// an archive-wait timeout.
func (r *walReceiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return fmt.Errorf("WAL receiver already started")
	}
	if err := os.MkdirAll(r.dir, 0700); err != nil {
		return fmt.Errorf("failed to create stream WAL directory: %w", err)
	}

	bin, err := exec.LookPath("pg_receivewal")
	if err != nil {
		return fmt.Errorf("stream mode needs pg_receivewal in PATH: %w", err)
	}

	args := []string{
		"--host", r.host,
		"--port", fmt.Sprintf("%d", r.port),
		"--username", r.user,
		"--no-password",
		"--directory", r.dir,
	}
	if r.slot != "" {
		args = append(args, "--slot", r.slot)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	logFile := filepath.Join(r.dir, "pg_receivewal.log")
	lf, err := os.Create(logFile)
	if err != nil {
		return fmt.Errorf("failed to create receiver log: %w", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		return fmt.Errorf("failed to start pg_receivewal: %w", err)
	}
	r.cmd = cmd
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := cmd.Wait()
		lf.Close()
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if err != nil && !closed {
			r.log.Warn("pg_receivewal exited early", "error", err)
		}
	}()
	r.log.Info("WAL receiver started", "dir", r.dir)
	return nil
}

// Stop joins the helper: SIGINT, wait for exit, drop the slot when
// one is configured. Safe to call more than once.
func (r *walReceiver) Stop() error {
	r.mu.Lock()
	if r.closed || r.cmd == nil {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cmd := r.cmd
	r.mu.Unlock()

	if cmd.Process != nil {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("failed to stop pg_receivewal: %w", err)
		}
	}
	r.wg.Wait()

	if r.slot != "" {
		drop := exec.Command("pg_receivewal",
			"--host", r.host,
			"--port", fmt.Sprintf("%d", r.port),
			"--username", r.user,
			"--no-password", "--drop-slot", "--slot", r.slot)
		if err := drop.Run(); err != nil {
			r.log.Warn("Failed to drop replication slot", "slot", r.slot, "error", err)
		}
	}
	// the receiver's log has no place in a restored data directory
	_ = os.Remove(filepath.Join(r.dir, "pg_receivewal.log"))
	return nil
}

// finalizePartialWAL renames the newest *.partial segment left behind
// by the stopped receiver to its final name, so restore_command and
// the validator find the stream's tail under the regular name.
func finalizePartialWAL(dir string) error {
	partials, err := filepath.Glob(filepath.Join(dir, "*.partial"))
	if err != nil {
		return err
	}
	if len(partials) == 0 {
		return nil
	}
	sort.Strings(partials)
	last := partials[len(partials)-1]
	final := strings.TrimSuffix(last, ".partial")
	if _, err := os.Stat(final); err == nil {
		// a completed copy already exists; the partial is stale
		return os.Remove(last)
	}
	if err := os.Rename(last, final); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", last, err)
	}
	return nil
}

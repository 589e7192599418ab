package pg

import (
	"context"
	"fmt"

	"pgbackup/internal/xlog"
)

// StartResult is what start-backup hands back.
type StartResult struct {
	LSN xlog.LSN
	TLI xlog.TimelineID
}

// StopResult is what stop-backup hands back. Label and TablespaceMap
// are written into the backup image so a restored directory carries
// its own backup_label.
type StopResult struct {
	LSN           xlog.LSN
	Label         string
	TablespaceMap string
}

// BackupStarter abstracts the exclusive vs non-exclusive backup
// protocol split. The orchestrator sees one interface; the server
// version picks the implementation.
type BackupStarter interface {
	StartBackup(ctx context.Context, label string, fast bool) (StartResult, error)
	StopBackup(ctx context.Context) (StopResult, error)
}

func newBackupStarter(c *Conn) BackupStarter {
	if c.version >= 150000 {
		return &modernStarter{c: c}
	}
	return &legacyStarter{c: c}
}

// parseStopLSN parses the position stop-backup reported. ok=false
// flags the rare replica race where the server hands back 0/0; the
// caller must then fall back to the last complete record.
func parseStopLSN(s string) (xlog.LSN, bool, error) {
	lsn, err := xlog.ParseLSN(s)
	if err != nil {
		return xlog.InvalidLSN, false, err
	}
	return lsn, lsn.Valid(), nil
}

// lastCompleteRecordLSN returns the end of the last WAL record the
// server has fully written: the replay position on a replica, the
// flush position on a primary.
func (c *Conn) lastCompleteRecordLSN(ctx context.Context) (xlog.LSN, error) {
	var lsnStr string
	err := c.conn.QueryRow(ctx,
		`SELECT CASE WHEN pg_is_in_recovery()
		             THEN pg_last_wal_replay_lsn()
		             ELSE pg_current_wal_flush_lsn()
		        END::text`).Scan(&lsnStr)
	if err != nil {
		return xlog.InvalidLSN, fmt.Errorf("failed to read last complete record position: %w", err)
	}
	return xlog.ParseLSN(lsnStr)
}

// resolveStopLSN applies one uniform policy to the reported stop
// position: an invalid 0/0 (seen on replicas when stop-backup races a
// restartpoint) is replaced by the last complete record, with a
// warning. A server that cannot name any complete record is an error.
func (c *Conn) resolveStopLSN(ctx context.Context, reported string) (xlog.LSN, error) {
	lsn, ok, err := parseStopLSN(reported)
	if err != nil {
		return xlog.InvalidLSN, err
	}
	if ok {
		return lsn, nil
	}
	c.log.Warn("stop-backup reported an invalid position; retrying with the last complete record")
	lsn, err = c.lastCompleteRecordLSN(ctx)
	if err != nil {
		return xlog.InvalidLSN, err
	}
	if !lsn.Valid() {
		return xlog.InvalidLSN, fmt.Errorf("stop-backup returned an invalid position and no complete record is available")
	}
	return lsn, nil
}

// modernStarter speaks pg_backup_start/pg_backup_stop (v15+), which is
// always non-exclusive.
type modernStarter struct {
	c *Conn
}

func (s *modernStarter) StartBackup(ctx context.Context, label string, fast bool) (StartResult, error) {
	var lsnStr string
	err := s.c.conn.QueryRow(ctx,
		`SELECT pg_backup_start($1, $2)::text`, label, fast).Scan(&lsnStr)
	if err != nil {
		return StartResult{}, fmt.Errorf("pg_backup_start: %w", err)
	}
	lsn, err := xlog.ParseLSN(lsnStr)
	if err != nil {
		return StartResult{}, err
	}
	tli, err := s.c.CurrentTimeline(ctx)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{LSN: lsn, TLI: tli}, nil
}

func (s *modernStarter) StopBackup(ctx context.Context) (StopResult, error) {
	var res StopResult
	var lsnStr string
	err := s.c.conn.QueryRow(ctx,
		`SELECT lsn::text, labelfile, spcmapfile FROM pg_backup_stop(true)`).
		Scan(&lsnStr, &res.Label, &res.TablespaceMap)
	if err != nil {
		return StopResult{}, fmt.Errorf("pg_backup_stop: %w", err)
	}
	lsn, err := s.c.resolveStopLSN(ctx, lsnStr)
	if err != nil {
		return StopResult{}, err
	}
	res.LSN = lsn
	return res, nil
}

// legacyStarter speaks pg_start_backup/pg_stop_backup in non-exclusive
// mode (9.6 – 14).
type legacyStarter struct {
	c *Conn
}

func (s *legacyStarter) StartBackup(ctx context.Context, label string, fast bool) (StartResult, error) {
	var lsnStr string
	err := s.c.conn.QueryRow(ctx,
		`SELECT pg_start_backup($1, $2, false)::text`, label, fast).Scan(&lsnStr)
	if err != nil {
		return StartResult{}, fmt.Errorf("pg_start_backup: %w", err)
	}
	lsn, err := xlog.ParseLSN(lsnStr)
	if err != nil {
		return StartResult{}, err
	}
	tli, err := s.c.CurrentTimeline(ctx)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{LSN: lsn, TLI: tli}, nil
}

func (s *legacyStarter) StopBackup(ctx context.Context) (StopResult, error) {
	var res StopResult
	var lsnStr string
	err := s.c.conn.QueryRow(ctx,
		`SELECT lsn::text, labelfile, spcmapfile FROM pg_stop_backup(false, true)`).
		Scan(&lsnStr, &res.Label, &res.TablespaceMap)
	if err != nil {
		return StopResult{}, fmt.Errorf("pg_stop_backup: %w", err)
	}
	lsn, err := s.c.resolveStopLSN(ctx, lsnStr)
	if err != nil {
		return StopResult{}, err
	}
	res.LSN = lsn
	return res, nil
}

package pg

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"pgbackup/internal/config"
	"pgbackup/internal/fileset"
	"pgbackup/internal/logger"
	"pgbackup/internal/xlog"
)

// Conn is the single control connection to the source cluster: start
// and stop backup, switch WAL, catalog queries. WAL streaming uses the
// replication protocol on its own connection and is not multiplexed
// here.
type Conn struct {
	conn    *pgx.Conn
	log     logger.Logger
	version int
	starter BackupStarter
}

// Connect opens the control connection and probes the server version.
func Connect(ctx context.Context, cfg *config.Config, log logger.Logger) (*Conn, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Database, cfg.SSLMode)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	c := &Conn{conn: conn, log: log}
	var versionStr string
	if err := conn.QueryRow(ctx, `SHOW server_version_num`).Scan(&versionStr); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to read server version: %w", err)
	}
	c.version, err = strconv.Atoi(versionStr)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("unexpected server version %q: %w", versionStr, err)
	}
	c.starter = newBackupStarter(c)
	log.Debug("Connected to server", "version", c.version)
	return c, nil
}

// Close terminates the control connection.
func (c *Conn) Close(ctx context.Context) {
	if c.conn != nil {
		_ = c.conn.Close(ctx)
		c.conn = nil
	}
}

// ServerVersion returns the numeric server version (e.g. 150004).
func (c *Conn) ServerVersion() int {
	return c.version
}

// Starter returns the version-appropriate backup protocol.
func (c *Conn) Starter() BackupStarter {
	return c.starter
}

// SwitchWAL forces a segment switch so the archive catches up to the
// current insert position.
func (c *Conn) SwitchWAL(ctx context.Context) (xlog.LSN, error) {
	var lsnStr string
	if err := c.conn.QueryRow(ctx, `SELECT pg_switch_wal()::text`).Scan(&lsnStr); err != nil {
		// pg_switch_wal fails on a replica; callers treat that as
		// "nothing to switch"
		return xlog.InvalidLSN, fmt.Errorf("pg_switch_wal: %w", err)
	}
	return xlog.ParseLSN(lsnStr)
}

// IsInRecovery reports whether the server is a replica.
func (c *Conn) IsInRecovery(ctx context.Context) (bool, error) {
	var inRecovery bool
	if err := c.conn.QueryRow(ctx, `SELECT pg_is_in_recovery()`).Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("pg_is_in_recovery: %w", err)
	}
	return inRecovery, nil
}

// DatabaseOIDs returns the datname → oid map for partial restore
// bookkeeping.
func (c *Conn) DatabaseOIDs(ctx context.Context) (map[string]uint32, error) {
	rows, err := c.conn.Query(ctx, `SELECT datname, oid FROM pg_database`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pg_database: %w", err)
	}
	defer rows.Close()
	out := make(map[string]uint32)
	for rows.Next() {
		var name string
		var oid uint32
		if err := rows.Scan(&name, &oid); err != nil {
			return nil, fmt.Errorf("failed to scan pg_database row: %w", err)
		}
		out[name] = oid
	}
	return out, rows.Err()
}

// Tablespace is one non-default tablespace of the cluster.
type Tablespace struct {
	Oid      uint32
	Location string
}

// Tablespaces lists non-default tablespaces and their locations.
func (c *Conn) Tablespaces(ctx context.Context) ([]Tablespace, error) {
	rows, err := c.conn.Query(ctx, `SELECT oid, pg_tablespace_location(oid)
	                                  FROM pg_tablespace
	                                 WHERE spcname NOT IN ('pg_default','pg_global')`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tablespaces: %w", err)
	}
	defer rows.Close()
	var out []Tablespace
	for rows.Next() {
		var t Tablespace
		if err := rows.Scan(&t.Oid, &t.Location); err != nil {
			return nil, fmt.Errorf("failed to scan tablespace row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PtrackVersion probes the ptrack extension; empty when absent.
func (c *Conn) PtrackVersion(ctx context.Context) (string, error) {
	var version *string
	err := c.conn.QueryRow(ctx,
		`SELECT extversion FROM pg_extension WHERE extname = 'ptrack'`).Scan(&version)
	if err == pgx.ErrNoRows || version == nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to probe ptrack: %w", err)
	}
	return *version, nil
}

// PtrackPageMaps asks the ptrack extension for every relation changed
// since lsn, keyed by data-directory-relative path.
func (c *Conn) PtrackPageMaps(ctx context.Context, lsn xlog.LSN) (map[string]*fileset.PageMap, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT path, pagemap FROM ptrack_get_pagemapset($1::pg_lsn)`, lsn.String())
	if err != nil {
		return nil, fmt.Errorf("ptrack_get_pagemapset: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*fileset.PageMap)
	for rows.Next() {
		var path string
		var bits []byte
		if err := rows.Scan(&path, &bits); err != nil {
			return nil, fmt.Errorf("failed to scan ptrack row: %w", err)
		}
		out[path] = fileset.PageMapFromBits(bits)
	}
	return out, rows.Err()
}

// CurrentTimeline reads the timeline from the live control data.
func (c *Conn) CurrentTimeline(ctx context.Context) (xlog.TimelineID, error) {
	var tli uint32
	err := c.conn.QueryRow(ctx,
		`SELECT timeline_id FROM pg_control_checkpoint()`).Scan(&tli)
	if err != nil {
		return 0, fmt.Errorf("pg_control_checkpoint: %w", err)
	}
	return xlog.TimelineID(tli), nil
}

// SystemID reads the cluster's system identifier for catalog
// compatibility checks.
func (c *Conn) SystemID(ctx context.Context) (uint64, error) {
	var sysid uint64
	err := c.conn.QueryRow(ctx,
		`SELECT system_identifier FROM pg_control_system()`).Scan(&sysid)
	if err != nil {
		return 0, fmt.Errorf("pg_control_system: %w", err)
	}
	return sysid, nil
}

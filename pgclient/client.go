// Package pgclient issues the narrow set of SQL operations the backup
// engine needs against a live server, over one or two pgx connections
// (primary and, for a standby backup, a second connection to the
// standby).
package pgclient

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kndrvt/pgrman/catalog"
	"github.com/kndrvt/pgrman/pgrerr"
)

// MinServerVersion is the lowest server major version supporting the
// two-argument, three-result pg_backup_stop this client depends on.
const MinServerVersion = 150000

// Conn wraps a single pgx connection with the operations the backup
// engine drives through it.
type Conn struct {
	pg *pgx.Conn
}

// Connect opens a connection using a libpq-style connection string.
func Connect(ctx context.Context, connString string) (*Conn, error) {
	pg, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, pgrerr.Wrap(pgrerr.KindPGConnect, "connect to server", err)
	}
	return &Conn{pg: pg}, nil
}

// Close disconnects. For a connection with a non-exclusive backup still
// open, disconnecting implicitly aborts that backup on the server side.
func (c *Conn) Close(ctx context.Context) error {
	if c == nil || c.pg == nil {
		return nil
	}
	return c.pg.Close(ctx)
}

// CheckServerVersion fails with KindPGIncompatible if the connected
// server is older than MinServerVersion.
func (c *Conn) CheckServerVersion(ctx context.Context) error {
	var version int
	if err := c.pg.QueryRow(ctx, `SHOW server_version_num`).Scan(&version); err != nil {
		return pgrerr.Wrap(pgrerr.KindPGCommand, "query server_version_num", err)
	}
	if err := checkVersionCompatible(version); err != nil {
		return err
	}
	return nil
}

// checkVersionCompatible is the pure comparison CheckServerVersion
// applies to the queried version number, split out so it can be tested
// without a live connection.
func checkVersionCompatible(version int) error {
	if version < MinServerVersion {
		return pgrerr.New(pgrerr.KindPGIncompatible,
			fmt.Sprintf("server version %d is below the minimum supported %d", version, MinServerVersion))
	}
	return nil
}

// BlockSize queries the compiled-in block size, compared by the caller
// against the codec's assumed page size.
func (c *Conn) BlockSize(ctx context.Context) (int, error) {
	var size int
	if err := c.pg.QueryRow(ctx, `SHOW block_size`).Scan(&size); err != nil {
		return 0, pgrerr.Wrap(pgrerr.KindPGCommand, "query block_size", err)
	}
	return size, nil
}

// ChecksumsEnabled reports the cluster's data_checksums setting.
func (c *Conn) ChecksumsEnabled(ctx context.Context) (bool, error) {
	var v string
	if err := c.pg.QueryRow(ctx, `SHOW data_checksums`).Scan(&v); err != nil {
		return false, pgrerr.Wrap(pgrerr.KindPGCommand, "query data_checksums", err)
	}
	return v == "on", nil
}

// CurrentTimeline returns the server's current timeline ID.
func (c *Conn) CurrentTimeline(ctx context.Context) (uint32, error) {
	var tli uint32
	if err := c.pg.QueryRow(ctx, `SELECT timeline_id FROM pg_control_checkpoint()`).Scan(&tli); err != nil {
		return 0, pgrerr.Wrap(pgrerr.KindPGCommand, "query current timeline", err)
	}
	return tli, nil
}

// BeginBackup issues the server's non-exclusive begin-backup call. The
// connection must stay open and otherwise idle until StopBackup: a
// non-exclusive backup session is bound to the connection that started
// it, and disconnecting aborts it.
func (c *Conn) BeginBackup(ctx context.Context, label string, fast bool) (timeline uint32, startLSN uint64, err error) {
	var lsnText string
	if err := c.pg.QueryRow(ctx, `SELECT pg_backup_start($1, $2)`, label, fast).Scan(&lsnText); err != nil {
		return 0, 0, pgrerr.Wrap(pgrerr.KindPGCommand, "pg_backup_start", err)
	}
	startLSN, err = catalog.ParseLSN(lsnText)
	if err != nil {
		return 0, 0, pgrerr.Wrap(pgrerr.KindPGCommand, "parse start lsn", err)
	}
	timeline, err = c.CurrentTimeline(ctx)
	if err != nil {
		return 0, 0, err
	}
	return timeline, startLSN, nil
}

// StopResult is everything StopBackup hands back for the orchestrator to
// persist.
type StopResult struct {
	StopLSN         uint64
	BackupLabel     string
	TablespaceMap   string // empty when the cluster has no tablespaces
}

// StopBackup closes the non-exclusive backup session started by
// BeginBackup.
func (c *Conn) StopBackup(ctx context.Context) (StopResult, error) {
	var lsnText, label, tsMap string
	err := c.pg.QueryRow(ctx, `SELECT lsn, labelfile, spcmapfile FROM pg_backup_stop($1)`, true).
		Scan(&lsnText, &label, &tsMap)
	if err != nil {
		return StopResult{}, pgrerr.Wrap(pgrerr.KindPGCommand, "pg_backup_stop", err)
	}
	stopLSN, err := catalog.ParseLSN(lsnText)
	if err != nil {
		return StopResult{}, pgrerr.Wrap(pgrerr.KindPGCommand, "parse stop lsn", err)
	}
	return StopResult{StopLSN: stopLSN, BackupLabel: label, TablespaceMap: tsMap}, nil
}

// WALFilename computes the WAL segment filename containing lsn.
func (c *Conn) WALFilename(ctx context.Context, lsn uint64) (string, error) {
	var name string
	err := c.pg.QueryRow(ctx, `SELECT pg_walfile_name($1)`, catalog.FormatLSN(lsn)).Scan(&name)
	if err != nil {
		return "", pgrerr.Wrap(pgrerr.KindPGCommand, "pg_walfile_name", err)
	}
	return name, nil
}

// SwitchWAL forces a WAL segment switch, used for archive-only backups
// that have no file-copy phase of their own.
func (c *Conn) SwitchWAL(ctx context.Context) (timeline uint32, lsn uint64, err error) {
	var lsnText string
	if err := c.pg.QueryRow(ctx, `SELECT pg_switch_wal()`).Scan(&lsnText); err != nil {
		return 0, 0, pgrerr.Wrap(pgrerr.KindPGCommand, "pg_switch_wal", err)
	}
	lsn, err = catalog.ParseLSN(lsnText)
	if err != nil {
		return 0, 0, pgrerr.Wrap(pgrerr.KindPGCommand, "parse switch-wal lsn", err)
	}
	timeline, err = c.CurrentTimeline(ctx)
	if err != nil {
		return 0, 0, err
	}
	return timeline, lsn, nil
}

// RecoveryXID returns the current transaction ID, captured after stop
// for display during restore.
func (c *Conn) RecoveryXID(ctx context.Context) (uint32, error) {
	var xid uint32
	if err := c.pg.QueryRow(ctx, `SELECT txid_current()::xid::text::int`).Scan(&xid); err != nil {
		return 0, pgrerr.Wrap(pgrerr.KindPGCommand, "txid_current", err)
	}
	return xid, nil
}

// Checkpoint forces a restartpoint, used on the standby connection
// during the standby-backup handshake.
func (c *Conn) Checkpoint(ctx context.Context) error {
	if _, err := c.pg.Exec(ctx, `CHECKPOINT`); err != nil {
		return pgrerr.Wrap(pgrerr.KindPGCommand, "checkpoint", err)
	}
	return nil
}

// ReplayedLSN is the standby-side replay progress query.
func (c *Conn) ReplayedLSN(ctx context.Context) (uint64, error) {
	var lsnText string
	if err := c.pg.QueryRow(ctx, `SELECT pg_last_wal_replay_lsn()`).Scan(&lsnText); err != nil {
		return 0, pgrerr.Wrap(pgrerr.KindPGCommand, "pg_last_wal_replay_lsn", err)
	}
	return catalog.ParseLSN(lsnText)
}

// Tablespace is one non-default, non-global tablespace known to the
// server.
type Tablespace struct {
	Name string
	OID  uint32
}

// Tablespaces lists every user tablespace, for reconciliation against
// the snapshot driver's output.
func (c *Conn) Tablespaces(ctx context.Context) ([]Tablespace, error) {
	rows, err := c.pg.Query(ctx, `SELECT spcname, oid FROM pg_tablespace WHERE spcname NOT IN ('pg_default','pg_global')`)
	if err != nil {
		return nil, pgrerr.Wrap(pgrerr.KindPGCommand, "query pg_tablespace", err)
	}
	defer rows.Close()

	var out []Tablespace
	for rows.Next() {
		var t Tablespace
		if err := rows.Scan(&t.Name, &t.OID); err != nil {
			return nil, pgrerr.Wrap(pgrerr.KindPGCommand, "scan pg_tablespace row", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, pgrerr.Wrap(pgrerr.KindPGCommand, "iterate pg_tablespace rows", err)
	}
	return out, nil
}

// standbyBackoff is the exponential backoff schedule for polling the
// standby's replay LSN during the handshake: 1, 2, 4, 8, 16, 32, then a
// steady 60 seconds.
var standbyBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second, 60 * time.Second,
}

// backoffDelay returns the wait schedule's delay for the given retry
// step, holding at the schedule's last entry once step runs past it.
func backoffDelay(step int) time.Duration {
	if step < len(standbyBackoff) {
		return standbyBackoff[step]
	}
	return standbyBackoff[len(standbyBackoff)-1]
}

// WaitForReplay polls the standby connection's replay LSN with the
// standard backoff schedule until it reaches or passes targetLSN, or
// interrupted reports true.
func (c *Conn) WaitForReplay(ctx context.Context, targetLSN uint64, interrupted func() bool) error {
	for step := 0; ; step++ {
		if interrupted() {
			return pgrerr.New(pgrerr.KindInterrupted, "interrupted while waiting for standby replay")
		}
		lsn, err := c.ReplayedLSN(ctx)
		if err != nil {
			return err
		}
		if lsn >= targetLSN {
			return nil
		}
		delay := backoffDelay(step)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return pgrerr.Wrap(pgrerr.KindInterrupted, "interrupted while waiting for standby replay", ctx.Err())
		}
	}
}

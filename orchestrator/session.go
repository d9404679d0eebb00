// Package orchestrator implements the top-level state machine for one
// backup run, tying together the catalog, the server control client,
// the file copier, the archive waiter, and the snapshot driver.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kndrvt/pgrman/archivewait"
	"github.com/kndrvt/pgrman/catalog"
	"github.com/kndrvt/pgrman/manifest"
	"github.com/kndrvt/pgrman/pagecodec"
	"github.com/kndrvt/pgrman/pgclient"
	"github.com/kndrvt/pgrman/pgrerr"
	"github.com/kndrvt/pgrman/pgrlog"
	"github.com/kndrvt/pgrman/progress"
	"github.com/kndrvt/pgrman/snapshot"
)

// session carries the mutable state of one run as it moves through the
// state machine. It replaces the teacher's process-wide singletons
// (current connection, current backup record, in_backup flag) with one
// value threaded explicitly through each phase.
type session struct {
	opts Options
	log  func(level, msg string)

	cat  *catalog.Catalog
	lock *catalog.Lock

	primary ServerConn
	standby ServerConn

	backup    catalog.Backup
	state     State
	inBackup  bool // raised once STARTED is reached; tells the cleanup path there is server-side state to unwind
	snapDrv   *snapshot.Driver
	snapArmed bool

	prevBackup   catalog.Backup
	hasPrevBackup bool
	prevManifest *manifest.List

	checksumsEnabled bool
	pageSize         int
}

// Run executes one complete backup: lock, begin, copy, stop, wait for
// archival, copy archive and server logs, commit, prune, unlock. Any
// failure unwinds cleanup and returns the error; pgrerr.KindOf gives the
// Kind that determines the process exit code (KindSystem for an error
// that carries no Kind).
func Run(ctx context.Context, opts Options) error {
	s := &session{opts: opts, state: Init}
	s.log = func(level, msg string) {
		switch level {
		case "info":
			pgrlog.Info(msg)
		case "notice":
			pgrlog.Notice(msg)
		case "warning":
			pgrlog.Warning(msg)
		}
	}

	err := s.run(ctx)
	if err != nil {
		s.handleFailure(ctx, err)
		return err
	}
	return nil
}

func (s *session) run(ctx context.Context) error {
	cat, err := catalog.Open(s.opts.CatalogRoot)
	if err != nil {
		return pgrerr.Wrap(pgrerr.KindSystem, "open catalog", err)
	}
	s.cat = cat

	lock, err := catalog.AcquireLock(s.opts.CatalogRoot)
	if err != nil {
		return err // already carries KindAlreadyRunning
	}
	s.lock = lock
	s.state = Locked

	if err := s.begin(ctx); err != nil {
		return err
	}
	s.state = Started
	s.inBackup = true

	if s.backup.Mode == catalog.ModeArchive {
		// Archive-only backups have no data phase at all: begin() has
		// already recorded the WAL-switch boundary as both start_lsn and
		// stop_lsn, so there is nothing to copy and no backup session to
		// stop on the server.
		s.log("info", "archive-only backup: skipping data copy and begin/stop backup session")
	} else {
		if err := s.copyData(ctx); err != nil {
			return err
		}
		s.state = CopyingData

		stop, err := s.primary.StopBackup(ctx)
		if err != nil {
			return err
		}
		s.backup.StopLSN = stop.StopLSN

		if err := s.writeStopArtifacts(stop); err != nil {
			return err
		}
	}
	s.state = Stopped

	if err := s.waitArchive(ctx); err != nil {
		return err
	}
	s.state = WaitingArchive

	if err := s.copyArchive(ctx); err != nil {
		return err
	}
	s.state = CopyingArchive

	if s.opts.WithServerlog {
		if err := s.copyServerlog(ctx); err != nil {
			return err
		}
	}
	s.state = CopyingSrvlog

	xid, err := s.primary.RecoveryXID(ctx)
	if err != nil {
		return err
	}
	s.backup.RecoveryXID = xid
	s.backup.EndTime = s.opts.now()
	s.backup.Status = catalog.StatusDone
	if err := catalog.WriteMetadata(s.cat.Root, s.backup); err != nil {
		return pgrerr.Wrap(pgrerr.KindSystem, "write DONE metadata", err)
	}
	s.state = Done

	if err := s.runRetention(); err != nil {
		// Retention failures are reported but do not turn a completed,
		// DONE backup into an ERROR one: the backup this run produced is
		// intact regardless of whether pruning older ones succeeded.
		s.log("warning", "retention sweep failed: "+err.Error())
	}

	if err := s.disconnect(ctx); err != nil {
		s.log("warning", "disconnect after DONE: "+err.Error())
	}
	if err := s.lock.Release(); err != nil {
		s.log("warning", "release catalog lock: "+err.Error())
	}
	return nil
}

// begin resolves the incremental base (if any), applies the
// full-backup-on-error fallback, and starts the server-side backup
// session (including the standby handshake, if configured).
func (s *session) begin(ctx context.Context) error {
	primary, err := s.opts.connect(ctx, s.opts.ConnString)
	if err != nil {
		return err
	}
	s.primary = primary

	if err := s.primary.CheckServerVersion(ctx); err != nil {
		return err
	}

	blockSize, err := s.primary.BlockSize(ctx)
	if err != nil {
		return err
	}
	if blockSize != pagecodec.PageSize {
		return pgrerr.New(pgrerr.KindPGIncompatible,
			fmt.Sprintf("server block size %d does not match supported page size %d", blockSize, pagecodec.PageSize))
	}
	s.pageSize = blockSize

	checksums, err := s.primary.ChecksumsEnabled(ctx)
	if err != nil {
		return err
	}
	s.checksumsEnabled = checksums

	timeline, err := s.primary.CurrentTimeline(ctx)
	if err != nil {
		return err
	}

	mode := s.opts.Mode
	if mode == catalog.ModeIncremental || mode == catalog.ModeArchive {
		base, ok, err := s.cat.SelectIncrementalBase(timeline)
		if err != nil {
			return err
		}
		if ok {
			s.prevBackup = base
			s.hasPrevBackup = true
		} else if s.opts.FullBackupOnError {
			s.log("notice", "no eligible base found; turn to take a full backup instead")
			mode = catalog.ModeFull
		} else {
			return pgrerr.New(pgrerr.KindArgs, "no validated full backup to use as an incremental base")
		}
	}

	if s.hasPrevBackup {
		prevList, err := s.loadPrevManifest()
		if err != nil {
			return err
		}
		s.prevManifest = prevList
	}

	start := s.opts.now()
	s.backup = catalog.Backup{
		ID:            catalog.NewID(start),
		Status:        catalog.StatusRunning,
		Mode:          mode,
		StartTime:     start,
		Timeline:      timeline,
		BlockSize:     blockSize,
		WALBlockSize:  blockSize,
		WithServerlog: s.opts.WithServerlog,
		CompressData:  s.opts.CompressData,
		FromStandby:   s.opts.StandbyConnString != "",
	}

	if err := s.cat.CreateBackupDir(s.backup); err != nil {
		return pgrerr.Wrap(pgrerr.KindSystem, "create backup directory", err)
	}

	if mode == catalog.ModeArchive {
		// No data phase: force a WAL switch instead of begin_backup, and
		// use its (timeline, lsn) as both the start and stop boundary.
		// There is no non-exclusive session to hold open, so the standby
		// handshake and snapshot driver (both data-phase concerns) do
		// not apply here.
		switchTimeline, switchLSN, err := s.primary.SwitchWAL(ctx)
		if err != nil {
			return err
		}
		s.backup.Timeline = switchTimeline
		s.backup.StartLSN = switchLSN
		s.backup.StopLSN = switchLSN
		return nil
	}

	label := fmt.Sprintf("pgrman backup %s", s.backup.ID)
	_, startLSN, err := s.primary.BeginBackup(ctx, label, s.opts.Fast)
	if err != nil {
		return err
	}
	s.backup.StartLSN = startLSN

	if s.opts.StandbyConnString != "" {
		if err := s.standbyHandshake(ctx, startLSN); err != nil {
			return err
		}
	}

	scriptPath := s.cat.SnapshotScriptPath()
	if _, err := os.Stat(scriptPath); err == nil && s.opts.StandbyConnString == "" {
		s.snapDrv = snapshot.New(scriptPath)
	}

	return nil
}

func (s *session) loadPrevManifest() (*manifest.List, error) {
	path := s.cat.ManifestPath(s.prevBackup, "database")
	f, err := os.Open(path)
	if err != nil {
		return nil, pgrerr.Wrap(pgrerr.KindSystem, "open previous manifest", err)
	}
	defer f.Close()
	list, err := manifest.ReadFrom(f)
	if err != nil {
		return nil, pgrerr.Wrap(pgrerr.KindSystem, "parse previous manifest", err)
	}
	return list, nil
}

// standbyHandshake saves the primary connection, opens the standby
// connection, waits for replay to catch up to startLSN with the
// standard backoff, forces a restartpoint, then returns to the primary.
func (s *session) standbyHandshake(ctx context.Context, startLSN uint64) error {
	standby, err := s.opts.connect(ctx, s.opts.StandbyConnString)
	if err != nil {
		return err
	}
	s.standby = standby

	if err := s.standby.WaitForReplay(ctx, startLSN, s.opts.interrupted); err != nil {
		return err
	}
	if err := s.standby.Checkpoint(ctx); err != nil {
		return err
	}
	return nil
}

func (s *session) writeStopArtifacts(stop pgclient.StopResult) error {
	dbDir := s.cat.DatabaseDir(s.backup)
	if stop.BackupLabel != "" {
		if err := os.WriteFile(filepath.Join(dbDir, "backup_label"), []byte(stop.BackupLabel), 0o600); err != nil {
			return pgrerr.Wrap(pgrerr.KindSystem, "write backup_label", err)
		}
	}
	if stop.TablespaceMap != "" {
		if err := os.WriteFile(filepath.Join(dbDir, "tablespace_map"), []byte(stop.TablespaceMap), 0o600); err != nil {
			return pgrerr.Wrap(pgrerr.KindSystem, "write tablespace_map", err)
		}
	}
	return nil
}

// waitArchive computes the segment containing stop_lsn and waits for it
// to be archived, polling both the primary and (for a standby backup)
// the standby archive-status directory.
func (s *session) waitArchive(ctx context.Context) error {
	segment, err := s.primary.WALFilename(ctx, s.backup.StopLSN)
	if err != nil {
		return err
	}
	primaryDir := filepath.Join(s.opts.PGData, "pg_wal", "archive_status")
	if s.standby != nil {
		var standbyDir string
		if s.opts.StandbyPGData != "" {
			standbyDir = filepath.Join(s.opts.StandbyPGData, "pg_wal", "archive_status")
		}
		return archivewait.WaitEither(primaryDir, standbyDir, segment, s.opts.interrupted)
	}
	return archivewait.Wait(primaryDir, segment, s.opts.interrupted)
}

func (s *session) sink() progress.Sink {
	if s.opts.Sink == nil {
		return progress.Noop{}
	}
	return s.opts.Sink
}

func (s *session) runRetention() error {
	backups, err := s.cat.List()
	if err != nil {
		return err
	}
	plan := catalog.PlanRetention(backups, s.opts.KeepGenerations, s.opts.KeepDays, s.opts.now())
	for _, b := range plan.Delete {
		if err := s.cat.Delete(b); err != nil {
			return err
		}
	}
	return nil
}

// disconnect closes both connections. For the primary, closing while a
// non-exclusive backup session is still open implicitly aborts it; by
// the time disconnect is called on the success path, StopBackup has
// already ended the session, so this is a plain teardown.
func (s *session) disconnect(ctx context.Context) error {
	var firstErr error
	if s.standby != nil {
		if err := s.standby.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.primary != nil {
		if err := s.primary.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleFailure runs the full unwind sequence for a run that failed at
// any state: snapshot cleanup stack, disconnect (aborting any open
// server-side session), ERROR metadata, lock release.
func (s *session) handleFailure(ctx context.Context, cause error) {
	if s.snapDrv != nil {
		s.snapDrv.Abort(ctx, func(stage snapshot.Stage, err error) {
			s.log("warning", fmt.Sprintf("snapshot cleanup %s failed: %v", stage, err))
		})
	}

	if err := s.disconnect(ctx); err != nil {
		s.log("warning", "disconnect during failure unwind: "+err.Error())
	}

	if s.inBackup {
		s.backup.Status = catalog.StatusError
		s.backup.EndTime = s.opts.now()
		if err := catalog.WriteMetadata(s.cat.Root, s.backup); err != nil {
			s.log("warning", "write ERROR metadata: "+err.Error())
		}
	}

	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			s.log("warning", "release catalog lock during failure unwind: "+err.Error())
		}
	}

	pgrlog.Error(cause.Error(), "", "")
}

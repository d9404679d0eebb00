package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/kndrvt/pgrman/filecopy"
	"github.com/kndrvt/pgrman/manifest"
	"github.com/kndrvt/pgrman/pgclient"
	"github.com/kndrvt/pgrman/pgrerr"
	"github.com/kndrvt/pgrman/progress"
	"github.com/kndrvt/pgrman/snapshot"
)

// copyData walks PGDATA (or, in snapshot mode, the frozen-and-mounted
// copy) plus every known tablespace, dispatching each file through the
// copier and accumulating one merged manifest under the backup's
// database root.
func (s *session) copyData(ctx context.Context) error {
	tablespaces, err := s.primary.Tablespaces(ctx)
	if err != nil {
		return err
	}

	mainSrc := s.opts.PGData
	tblspcSrc := map[string]string{}

	if s.snapDrv != nil {
		if err := s.runSnapshotCaptureStages(ctx, tablespaces); err != nil {
			return err
		}
		if p, ok := s.snapDrv.Tablespaces[snapshot.PGDataLabel]; ok {
			mainSrc = p
		}
		for name, p := range s.snapDrv.Tablespaces {
			if name != snapshot.PGDataLabel {
				tblspcSrc[name] = p
			}
		}
	}
	for _, t := range tablespaces {
		if _, ok := tblspcSrc[t.Name]; !ok {
			loc, ok := s.opts.TablespaceLocations[t.Name]
			if !ok {
				return pgrerr.New(pgrerr.KindArgs, "no source location known for tablespace "+t.Name)
			}
			tblspcSrc[t.Name] = loc
		}
	}

	var baseLSN *uint64
	if s.hasPrevBackup {
		lsn := s.prevBackup.StartLSN
		baseLSN = &lsn
	}

	dbDir := s.cat.DatabaseDir(s.backup)
	now := s.opts.now()

	main, err := copyTree(mainSrc, dbDir, "", s.prevManifest, baseLSN,
		s.checksumsEnabled, s.backup.CompressData, s.pageSize, s.sink(), now)
	if err != nil {
		return err
	}

	lists := []*manifest.List{main.List}
	readBytes, writeBytes := main.ReadBytes, main.WriteBytes

	for _, t := range tablespaces {
		prefix := filepath.Join("pg_tblspc", fmt.Sprintf("%d", t.OID))
		dst := filepath.Join(dbDir, prefix)
		r, err := copyTree(tblspcSrc[t.Name], dst, prefix, s.prevManifest, baseLSN,
			s.checksumsEnabled, s.backup.CompressData, s.pageSize, s.sink(), now)
		if err != nil {
			return err
		}
		lists = append(lists, r.List)
		readBytes += r.ReadBytes
		writeBytes += r.WriteBytes
	}

	if s.snapDrv != nil {
		if err := s.snapDrv.Umount(ctx); err != nil {
			return err
		}
		if err := s.snapDrv.Resync(ctx); err != nil {
			return err
		}
	}

	merged, err := mergeLists(lists...)
	if err != nil {
		return pgrerr.Wrap(pgrerr.KindSystem, "merge manifests", err)
	}

	if err := writeManifestFile(s.cat.ManifestPath(s.backup, "database"), merged); err != nil {
		return err
	}

	s.backup.ReadBytes = readBytes
	s.backup.WriteBytes = writeBytes
	s.backup.TotalDataBytes = readBytes
	return nil
}

// runSnapshotCaptureStages drives freeze/split/unfreeze/mount and
// reconciles the resulting tablespace set against the server's own
// list, per the snapshot driver's documented lifecycle.
func (s *session) runSnapshotCaptureStages(ctx context.Context, tablespaces []pgclient.Tablespace) error {
	if err := s.snapDrv.Freeze(ctx); err != nil {
		return err
	}
	if _, err := s.snapDrv.Split(ctx); err != nil {
		return err
	}
	if err := s.snapDrv.Unfreeze(ctx); err != nil {
		return err
	}
	if err := s.snapDrv.Mount(ctx); err != nil {
		return err
	}

	names := make([]string, 0, len(tablespaces))
	for _, t := range tablespaces {
		names = append(names, t.Name)
	}
	if _, err := s.snapDrv.ReconcileTablespaces(names); err != nil {
		return err
	}
	return nil
}

var walSegmentNameRE = regexp.MustCompile(`^[0-9A-Fa-f]{24}$`)
var historyFileNameRE = regexp.MustCompile(`^[0-9A-Fa-f]{8}\.history$`)

// copyArchive captures every WAL segment produced during this backup
// (from the start segment through the stop segment, inclusive) plus any
// timeline-history files, into the backup's arclog root.
func (s *session) copyArchive(ctx context.Context) error {
	startSeg, err := s.primary.WALFilename(ctx, s.backup.StartLSN)
	if err != nil {
		return err
	}
	stopSeg, err := s.primary.WALFilename(ctx, s.backup.StopLSN)
	if err != nil {
		return err
	}

	walDir := filepath.Join(s.opts.PGData, "pg_wal")
	dirEntries, err := os.ReadDir(walDir)
	if err != nil {
		return pgrerr.Wrap(pgrerr.KindSystem, "read pg_wal", err)
	}

	var names []string
	for _, e := range dirEntries {
		name := e.Name()
		if historyFileNameRE.MatchString(name) {
			names = append(names, name)
			continue
		}
		if walSegmentNameRE.MatchString(name) && name >= startSeg && name <= stopSeg {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	dst := s.cat.ArclogDir(s.backup)
	entries, readBytes, err := copyPlainFileList(walDir, dst, names, s.sink())
	if err != nil {
		return err
	}

	list, err := manifest.NewList(entries)
	if err != nil {
		return pgrerr.Wrap(pgrerr.KindSystem, "build arclog manifest", err)
	}
	if err := writeManifestFile(s.cat.ManifestPath(s.backup, "arclog"), list); err != nil {
		return err
	}
	s.backup.ReadArclogBytes = readBytes
	return nil
}

// copyServerlog captures the server's current log files into the
// backup's srvlog root, when requested.
func (s *session) copyServerlog(ctx context.Context) error {
	if s.opts.ServerLogDir == "" {
		return nil
	}
	observed, err := manifest.WalkTree(s.opts.ServerLogDir)
	if err != nil {
		return err
	}
	dst := s.cat.SrvlogDir(s.backup)

	var readBytes int64
	final, err := manifest.Fold(observed, nil, func(e manifest.Entry, _ manifest.Entry, _ bool) (manifest.Entry, error) {
		src := filepath.Join(s.opts.ServerLogDir, e.Path)
		out := filepath.Join(dst, e.Path)
		copied, err := filecopy.CopyOne(src, out, e, manifest.Entry{}, false, filecopy.Options{Sink: s.sink()})
		if err != nil {
			return manifest.Entry{}, err
		}
		readBytes += copied.Size
		return copied, nil
	})
	if err != nil {
		return err
	}
	if err := writeManifestFile(s.cat.ManifestPath(s.backup, "srvlog"), final); err != nil {
		return err
	}
	s.backup.ReadServlogBytes = readBytes
	return nil
}

// copyPlainFileList copies a flat list of named files from srcDir to
// dstDir (no subdirectories, as with pg_wal segments), returning their
// manifest entries and total bytes read.
func copyPlainFileList(srcDir, dstDir string, names []string, sink progress.Sink) ([]manifest.Entry, int64, error) {
	var entries []manifest.Entry
	var readBytes int64
	for _, name := range names {
		src := filepath.Join(srcDir, name)
		info, err := os.Stat(src)
		if err != nil {
			return nil, 0, pgrerr.Wrap(pgrerr.KindSystem, "stat "+src, err)
		}
		e := manifest.Entry{
			Path:    name,
			Type:    manifest.Regular,
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		}
		final, err := filecopy.CopyOne(src, filepath.Join(dstDir, name), e, manifest.Entry{}, false, filecopy.Options{Sink: sink})
		if err != nil {
			return nil, 0, err
		}
		readBytes += final.Size
		entries = append(entries, final)
	}
	return entries, readBytes, nil
}

func writeManifestFile(path string, list *manifest.List) error {
	f, err := os.Create(path)
	if err != nil {
		return pgrerr.Wrap(pgrerr.KindSystem, "create manifest file", err)
	}
	defer f.Close()
	if _, err := list.WriteTo(f); err != nil {
		return pgrerr.Wrap(pgrerr.KindSystem, "write manifest file", err)
	}
	return nil
}

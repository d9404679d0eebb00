package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	backupSubdir    = "backup"
	historySubdir   = "timeline_history"
	databaseSubdir  = "database"
	arclogSubdir    = "arclog"
	srvlogSubdir    = "srvlog"
	snapshotScript  = "snapshot_script"
	defaultsFile    = "pg_rman.ini"
)

// Catalog is the on-disk root directory holding every backup, its
// timeline-history cache, and the shared configuration files.
type Catalog struct {
	Root string
}

// Open returns a Catalog rooted at root. The root and its "backup"
// subdirectory are created if absent.
func Open(root string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Join(root, backupSubdir), 0o700); err != nil {
		return nil, fmt.Errorf("catalog: create catalog root %s: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, historySubdir), 0o700); err != nil {
		return nil, fmt.Errorf("catalog: create history cache dir: %w", err)
	}
	return &Catalog{Root: root}, nil
}

// SnapshotScriptPath returns the path a snapshot driver should check for
// existence before using snapshot mode.
func (c *Catalog) SnapshotScriptPath() string {
	return filepath.Join(c.Root, snapshotScript)
}

// List enumerates every backup directory and parses its metadata,
// oldest first.
func (c *Catalog) List() ([]Backup, error) {
	dir := filepath.Join(c.Root, backupSubdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", dir, err)
	}
	var out []Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := ReadMetadata(c.Root, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SelectIncrementalBase returns the most recent DONE full-or-incremental
// backup on the given timeline, or ok=false if none exists.
//
// Timeline-ancestry via history-file walking is not implemented: a base
// on an earlier timeline than the current one is never selected, even if
// the current timeline descends from it. Call sites that need a base
// across a timeline switch must fail or fall back to a full backup.
func (c *Catalog) SelectIncrementalBase(timeline uint32) (Backup, bool, error) {
	backups, err := c.List()
	if err != nil {
		return Backup{}, false, err
	}
	var best Backup
	found := false
	for _, b := range backups {
		if !b.EligibleAsBase(timeline) {
			continue
		}
		if !found || b.StartTime.After(best.StartTime) {
			best = b
			found = true
		}
	}
	return best, found, nil
}

// CreateBackupDir builds the per-backup directory tree and writes the
// initial RUNNING metadata record.
func (c *Catalog) CreateBackupDir(b Backup) error {
	dir := b.Dir(c.Root)
	for _, sub := range []string{databaseSubdir, arclogSubdir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return fmt.Errorf("catalog: create %s: %w", sub, err)
		}
	}
	if b.WithServerlog {
		if err := os.MkdirAll(filepath.Join(dir, srvlogSubdir), 0o700); err != nil {
			return fmt.Errorf("catalog: create %s: %w", srvlogSubdir, err)
		}
	}
	return WriteMetadata(c.Root, b)
}

// DatabaseDir, ArclogDir, and SrvlogDir return the per-backup root
// directories the orchestrator copies files into.
func (c *Catalog) DatabaseDir(b Backup) string { return filepath.Join(b.Dir(c.Root), databaseSubdir) }
func (c *Catalog) ArclogDir(b Backup) string   { return filepath.Join(b.Dir(c.Root), arclogSubdir) }
func (c *Catalog) SrvlogDir(b Backup) string   { return filepath.Join(b.Dir(c.Root), srvlogSubdir) }

// ManifestPath returns the path of one of the three manifest files
// within a backup, named by its root's subdirectory.
func (c *Catalog) ManifestPath(b Backup, sub string) string {
	switch sub {
	case databaseSubdir:
		return filepath.Join(c.DatabaseDir(b), "file_database.txt")
	case arclogSubdir:
		return filepath.Join(c.ArclogDir(b), "file_arclog.txt")
	case srvlogSubdir:
		return filepath.Join(c.SrvlogDir(b), "file_srvlog.txt")
	default:
		panic("catalog: unknown manifest root " + sub)
	}
}

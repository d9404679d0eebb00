package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kndrvt/pgrman/catalog"
	"github.com/kndrvt/pgrman/manifest"
	"github.com/kndrvt/pgrman/pgclient"
)

// fakeConn is a scripted ServerConn standing in for a live PostgreSQL
// connection, letting the orchestrator's state machine be driven without
// a server.
type fakeConn struct {
	blockSize int
	checksums bool
	timeline  uint32

	walSegment string // returned for any LSN, by WALFilename

	startLSN  uint64
	stopLSN   uint64
	switchLSN uint64

	tablespaces []pgclient.Tablespace
	recoveryXID uint32

	waitForReplayErr error
	versionErr       error

	beginCalled  bool
	stopCalled   bool
	switchCalled bool
	checkpointCalled bool
	closed       bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		blockSize:  8192,
		timeline:   1,
		walSegment: "000000010000000000000001",
		startLSN:   0x1000000,
		stopLSN:    0x2000000,
		switchLSN:  0x1500000,
	}
}

func (f *fakeConn) CheckServerVersion(ctx context.Context) error { return f.versionErr }
func (f *fakeConn) BlockSize(ctx context.Context) (int, error)   { return f.blockSize, nil }
func (f *fakeConn) ChecksumsEnabled(ctx context.Context) (bool, error) {
	return f.checksums, nil
}
func (f *fakeConn) CurrentTimeline(ctx context.Context) (uint32, error) { return f.timeline, nil }

func (f *fakeConn) BeginBackup(ctx context.Context, label string, fast bool) (uint32, uint64, error) {
	f.beginCalled = true
	return f.timeline, f.startLSN, nil
}

func (f *fakeConn) StopBackup(ctx context.Context) (pgclient.StopResult, error) {
	f.stopCalled = true
	return pgclient.StopResult{
		StopLSN:       f.stopLSN,
		BackupLabel:   "fake backup label contents",
		TablespaceMap: "",
	}, nil
}

func (f *fakeConn) WALFilename(ctx context.Context, lsn uint64) (string, error) {
	return f.walSegment, nil
}

func (f *fakeConn) SwitchWAL(ctx context.Context) (uint32, uint64, error) {
	f.switchCalled = true
	return f.timeline, f.switchLSN, nil
}

func (f *fakeConn) RecoveryXID(ctx context.Context) (uint32, error) { return f.recoveryXID, nil }

func (f *fakeConn) Checkpoint(ctx context.Context) error {
	f.checkpointCalled = true
	return nil
}

func (f *fakeConn) WaitForReplay(ctx context.Context, targetLSN uint64, interrupted func() bool) error {
	return f.waitForReplayErr
}

func (f *fakeConn) Tablespaces(ctx context.Context) ([]pgclient.Tablespace, error) {
	return f.tablespaces, nil
}

func (f *fakeConn) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

// fakeDialer returns a Dialer that always hands back conn, regardless of
// connString, recording nothing beyond what the conn itself records.
func fakeDialer(conn ServerConn) Dialer {
	return func(ctx context.Context, connString string) (ServerConn, error) {
		return conn, nil
	}
}

// stepClock returns a Now func that advances by a second on every call,
// keeping successive backup IDs (second resolution) distinct within one
// test and staying safely after any fixture file's mtime.
func stepClock() func() time.Time {
	t := time.Now().UTC()
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

// writeEmptyCluster creates the minimal PGDATA fixture an empty cluster
// backup walks: PG_VERSION, global/pg_control, and a pg_wal directory
// containing one segment plus its archived marker so archivewait.Wait
// returns immediately.
func writeEmptyCluster(t *testing.T, segment string) string {
	t.Helper()
	pgdata := t.TempDir()
	if err := os.WriteFile(filepath.Join(pgdata, "PG_VERSION"), []byte("16\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(pgdata, "global"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pgdata, "global", "pg_control"), []byte("control"), 0o600); err != nil {
		t.Fatal(err)
	}
	walDir := filepath.Join(pgdata, "pg_wal")
	if err := os.MkdirAll(filepath.Join(walDir, "archive_status"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(walDir, segment), []byte("wal segment bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(walDir, "archive_status", segment+".done"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	return pgdata
}

func readManifest(t *testing.T, path string) *manifest.List {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open manifest %s: %v", path, err)
	}
	defer f.Close()
	list, err := manifest.ReadFrom(f)
	if err != nil {
		t.Fatalf("parse manifest %s: %v", path, err)
	}
	return list
}

func TestRun_EmptyClusterFullBackup(t *testing.T) {
	conn := newFakeConn()
	pgdata := writeEmptyCluster(t, conn.walSegment)
	catRoot := t.TempDir()

	opts := Options{
		CatalogRoot: catRoot,
		PGData:      pgdata,
		ConnString:  "fake",
		Mode:        catalog.ModeFull,
		Connect:     fakeDialer(conn),
		Now:         stepClock(),
		Interrupted: func() bool { return false },
	}

	if err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	cat, err := catalog.Open(catRoot)
	if err != nil {
		t.Fatal(err)
	}
	backups, err := cat.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("len(backups) = %d, want 1", len(backups))
	}
	b := backups[0]
	if b.Status != catalog.StatusDone {
		t.Errorf("Status = %v, want DONE", b.Status)
	}
	if b.Mode != catalog.ModeFull {
		t.Errorf("Mode = %v, want FULL", b.Mode)
	}
	if !conn.beginCalled || !conn.stopCalled {
		t.Error("expected BeginBackup and StopBackup to be called for a full backup")
	}
	if conn.switchCalled {
		t.Error("SwitchWAL should not be called for a full backup")
	}

	list := readManifest(t, cat.ManifestPath(b, "database"))
	if _, ok := list.Lookup("PG_VERSION"); !ok {
		t.Error("manifest missing PG_VERSION")
	}
	if _, ok := list.Lookup(filepath.Join("global", "pg_control")); !ok {
		t.Error("manifest missing global/pg_control")
	}

	labelPath := filepath.Join(cat.DatabaseDir(b), "backup_label")
	if _, err := os.Stat(labelPath); err != nil {
		t.Errorf("expected backup_label on disk: %v", err)
	}
}

func TestRun_IncrementalNoBase_ErrorsWithoutFallback(t *testing.T) {
	conn := newFakeConn()
	pgdata := writeEmptyCluster(t, conn.walSegment)
	catRoot := t.TempDir()

	opts := Options{
		CatalogRoot: catRoot,
		PGData:      pgdata,
		ConnString:  "fake",
		Mode:        catalog.ModeIncremental,
		Connect:     fakeDialer(conn),
		Now:         stepClock(),
		Interrupted: func() bool { return false },
	}

	err := Run(context.Background(), opts)
	if err == nil {
		t.Fatal("expected an error with no eligible incremental base and no fallback")
	}
	if conn.beginCalled {
		t.Error("BeginBackup should not be reached when base selection fails")
	}
}

func TestRun_IncrementalNoBase_FallsBackToFull(t *testing.T) {
	conn := newFakeConn()
	pgdata := writeEmptyCluster(t, conn.walSegment)
	catRoot := t.TempDir()

	opts := Options{
		CatalogRoot:       catRoot,
		PGData:            pgdata,
		ConnString:        "fake",
		Mode:              catalog.ModeIncremental,
		FullBackupOnError: true,
		Connect:           fakeDialer(conn),
		Now:               stepClock(),
		Interrupted:       func() bool { return false },
	}

	if err := Run(context.Background(), opts); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	cat, _ := catalog.Open(catRoot)
	backups, err := cat.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("len(backups) = %d, want 1", len(backups))
	}
	if backups[0].Mode != catalog.ModeFull {
		t.Errorf("Mode = %v, want FULL (fallen back)", backups[0].Mode)
	}
}

func TestRun_ArchiveOnlyMode_SkipsDataPhaseAndCallsSwitchWAL(t *testing.T) {
	conn := newFakeConn()
	pgdata := writeEmptyCluster(t, conn.walSegment)
	catRoot := t.TempDir()
	now := stepClock()

	base := Options{
		CatalogRoot: catRoot,
		PGData:      pgdata,
		ConnString:  "fake",
		Mode:        catalog.ModeFull,
		Connect:     fakeDialer(conn),
		Now:         now,
		Interrupted: func() bool { return false },
	}
	if err := Run(context.Background(), base); err != nil {
		t.Fatalf("seed full backup: Run() error = %v", err)
	}

	conn.beginCalled = false
	conn.stopCalled = false

	archiveOpts := base
	archiveOpts.Mode = catalog.ModeArchive

	if err := Run(context.Background(), archiveOpts); err != nil {
		t.Fatalf("archive-only Run() error = %v", err)
	}

	if conn.beginCalled {
		t.Error("BeginBackup should not be called for an archive-only backup")
	}
	if conn.stopCalled {
		t.Error("StopBackup should not be called for an archive-only backup")
	}
	if !conn.switchCalled {
		t.Error("SwitchWAL should be called for an archive-only backup")
	}

	cat, _ := catalog.Open(catRoot)
	backups, err := cat.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Fatalf("len(backups) = %d, want 2", len(backups))
	}
	var archived catalog.Backup
	found := false
	for _, b := range backups {
		if b.Mode == catalog.ModeArchive {
			archived = b
			found = true
		}
	}
	if !found {
		t.Fatal("no ARCHIVE-mode backup found in catalog")
	}
	if archived.Status != catalog.StatusDone {
		t.Errorf("archive backup Status = %v, want DONE", archived.Status)
	}
	if archived.StartLSN != archived.StopLSN {
		t.Errorf("archive backup StartLSN (%d) != StopLSN (%d), want equal (WAL-switch boundary)", archived.StartLSN, archived.StopLSN)
	}
}

func TestRun_ArchiveWaitTimeout(t *testing.T) {
	conn := newFakeConn()
	pgdata := t.TempDir()
	if err := os.WriteFile(filepath.Join(pgdata, "PG_VERSION"), []byte("16\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(pgdata, "global"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pgdata, "global", "pg_control"), []byte("control"), 0o600); err != nil {
		t.Fatal(err)
	}
	// pg_wal/archive_status exists but is never populated with the
	// marker: the waiter must time out rather than hang forever.
	if err := os.MkdirAll(filepath.Join(pgdata, "pg_wal", "archive_status"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pgdata, "pg_wal", conn.walSegment), []byte("wal"), 0o600); err != nil {
		t.Fatal(err)
	}
	catRoot := t.TempDir()

	opts := Options{
		CatalogRoot: catRoot,
		PGData:      pgdata,
		ConnString:  "fake",
		Mode:        catalog.ModeFull,
		Connect:     fakeDialer(conn),
		Now:         stepClock(),
		Interrupted: func() bool { return false },
	}

	err := Run(context.Background(), opts)
	if err == nil {
		t.Fatal("expected archive-wait timeout error")
	}
}

func TestRun_InterruptedDuringArchiveWait(t *testing.T) {
	conn := newFakeConn()
	pgdata := writeEmptyCluster(t, conn.walSegment)
	// Remove the pre-placed marker: the only way this run can finish is
	// via the interrupt path, never by observing the archive marker.
	if err := os.Remove(filepath.Join(pgdata, "pg_wal", "archive_status", conn.walSegment+".done")); err != nil {
		t.Fatal(err)
	}
	catRoot := t.TempDir()

	opts := Options{
		CatalogRoot: catRoot,
		PGData:      pgdata,
		ConnString:  "fake",
		Mode:        catalog.ModeFull,
		Connect:     fakeDialer(conn),
		Now:         stepClock(),
		Interrupted: func() bool { return true },
	}

	err := Run(context.Background(), opts)
	if err == nil {
		t.Fatal("expected an interrupted error")
	}
	if !conn.closed {
		t.Error("expected the connection to be closed during failure unwind")
	}

	cat, _ := catalog.Open(catRoot)
	backups, err := cat.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 || backups[0].Status != catalog.StatusError {
		t.Fatalf("expected one ERROR-status backup, got %+v", backups)
	}
}

// TestWaitArchive_PollsDistinctStandbyDirectory proves the fix for the
// primary and standby archive_status directories having collapsed onto
// the same path: only the standby's directory holds the marker here, so
// waitArchive must consult the path built from StandbyPGData rather than
// reusing PGData's.
func TestWaitArchive_PollsDistinctStandbyDirectory(t *testing.T) {
	primaryPGData := t.TempDir()
	standbyPGData := t.TempDir()
	segment := "000000010000000000000002"

	if err := os.MkdirAll(filepath.Join(primaryPGData, "pg_wal", "archive_status"), 0o700); err != nil {
		t.Fatal(err)
	}
	standbyStatusDir := filepath.Join(standbyPGData, "pg_wal", "archive_status")
	if err := os.MkdirAll(standbyStatusDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(standbyStatusDir, segment+".done"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn()
	conn.walSegment = segment

	s := &session{
		opts: Options{
			PGData:        primaryPGData,
			StandbyPGData: standbyPGData,
			Interrupted:   func() bool { return false },
		},
		primary: conn,
		standby: conn, // non-nil marks this as a from-standby run
		backup:  catalog.Backup{StopLSN: 1},
	}

	if err := s.waitArchive(context.Background()); err != nil {
		t.Fatalf("waitArchive() error = %v, want nil (marker present in standby dir)", err)
	}
}

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kndrvt/pgrman/pgrerr"
)

func TestAcquireLockUsesDocumentedFileName(t *testing.T) {
	root := t.TempDir()
	l, err := AcquireLock(root)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer l.Release()

	want := filepath.Join(root, "backup.lock")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected lock file at %s, stat error: %v", want, err)
	}
}

func TestAcquireLockSecondRunAlreadyRunning(t *testing.T) {
	root := t.TempDir()
	first, err := AcquireLock(root)
	if err != nil {
		t.Fatalf("first AcquireLock() error = %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(root)
	if err == nil {
		t.Fatal("expected second AcquireLock() to fail while the first is held")
	}
	if got := pgrerr.KindOf(err).String(); got != "already_running" {
		t.Errorf("second AcquireLock() kind = %q, want already_running", got)
	}
}

func TestLockReleaseAllowsReacquire(t *testing.T) {
	root := t.TempDir()
	l, err := AcquireLock(root)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	l2, err := AcquireLock(root)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	defer l2.Release()
}

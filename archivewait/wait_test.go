package archivewait

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kndrvt/pgrman/pgrerr"
)

func neverInterrupted() bool { return false }

func TestWaitReturnsAsSoonAsMarkerAppears(t *testing.T) {
	dir := t.TempDir()
	segment := "0000000100000000000000A1"

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, segment+".done"), nil, 0o600)
	}()

	start := time.Now()
	if err := Wait(dir, segment, neverInterrupted); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if time.Since(start) >= Timeout {
		t.Error("Wait() took the full timeout instead of returning once the marker appeared")
	}
}

func TestWaitInterruptedReturnsImmediately(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	interrupted := func() bool { calls++; return true }

	err := Wait(dir, "0000000100000000000000A1", interrupted)
	if pgrerr.KindOf(err) != pgrerr.KindInterrupted {
		t.Fatalf("KindOf(err) = %v, want KindInterrupted", pgrerr.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("interrupted() called %d times, want exactly 1", calls)
	}
}

func TestWaitEitherSucceedsOnStandbyMarkerAlone(t *testing.T) {
	primaryDir := t.TempDir()
	standbyDir := t.TempDir()
	segment := "0000000100000000000000A1"
	if err := os.WriteFile(filepath.Join(standbyDir, segment+".done"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := WaitEither(primaryDir, standbyDir, segment, neverInterrupted); err != nil {
		t.Fatalf("WaitEither() error = %v", err)
	}
}

func TestWaitEitherWithEmptyStandbyDirOnlyChecksPrimary(t *testing.T) {
	primaryDir := t.TempDir()
	segment := "0000000100000000000000A1"
	if err := os.WriteFile(filepath.Join(primaryDir, segment+".done"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := WaitEither(primaryDir, "", segment, neverInterrupted); err != nil {
		t.Fatalf("WaitEither() error = %v", err)
	}
}

func TestWaitTimesOutWithoutMarker(t *testing.T) {
	dir := t.TempDir()
	err := Wait(dir, "0000000100000000000000A1", neverInterrupted)
	if pgrerr.KindOf(err) != pgrerr.KindArchiveFailed {
		t.Fatalf("KindOf(err) = %v, want KindArchiveFailed", pgrerr.KindOf(err))
	}
}

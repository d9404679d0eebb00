package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeScript creates an executable shell script at dir/name whose body is
// body, returning its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	full := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(full), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDriverFreezeSplitMountLifecycle(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "snap.sh", `
case "$1" in
  freeze) echo SUCCESS ;;
  split) echo PG-DATA; echo ts1; echo SUCCESS ;;
  mount) echo "PG-DATA=/mnt/pgdata"; echo "ts1=/mnt/ts1"; echo SUCCESS ;;
  unfreeze) echo SUCCESS ;;
  umount) echo SUCCESS ;;
  resync) echo SUCCESS ;;
  *) echo "unknown stage: $1" >&2; exit 1 ;;
esac
`)
	d := New(script)
	ctx := context.Background()

	if err := d.Freeze(ctx); err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}
	names, err := d.Split(ctx)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(names) != 2 || names[0] != PGDataLabel || names[1] != "ts1" {
		t.Errorf("Split() = %v, want [PG-DATA ts1]", names)
	}
	if err := d.Unfreeze(ctx); err != nil {
		t.Fatalf("Unfreeze() error = %v", err)
	}
	if err := d.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if d.Tablespaces[PGDataLabel] != "/mnt/pgdata" || d.Tablespaces["ts1"] != "/mnt/ts1" {
		t.Errorf("Tablespaces = %v", d.Tablespaces)
	}
	if err := d.Umount(ctx); err != nil {
		t.Fatalf("Umount() error = %v", err)
	}
	if err := d.Resync(ctx); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if !d.stack.Empty() {
		t.Error("compensation stack not empty after a clean run")
	}
}

func TestDriverInvokeRejectsMissingSuccessLine(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "snap.sh", `echo "partial output"`)
	d := New(script)

	if err := d.Freeze(context.Background()); err == nil {
		t.Fatal("Freeze() error = nil, want error for missing SUCCESS line")
	}
}

func TestDriverInvokeCapturesStderrOnFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "snap.sh", `echo "boom" >&2; exit 1`)
	d := New(script)

	err := d.Freeze(context.Background())
	if err == nil {
		t.Fatal("Freeze() error = nil, want error for nonzero exit")
	}
}

func TestDriverAbortRunsPendingCompensations(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "snap.sh", `
echo "$@" >> `+filepath.Join(dir, "log.txt")+`
echo SUCCESS
`)
	d := New(script)
	ctx := context.Background()

	if err := d.Freeze(ctx); err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}
	if _, err := d.Split(ctx); err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	d.Abort(ctx, func(stage Stage, err error) {
		t.Errorf("unexpected cleanup failure for %v: %v", stage, err)
	})
	if !d.stack.Empty() {
		t.Error("stack not empty after Abort")
	}

	log, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(log)
	if !strings.Contains(content, "resync cleanup") || !strings.Contains(content, "unfreeze cleanup") {
		t.Errorf("cleanup log = %q, want both resync and unfreeze invoked with cleanup arg", content)
	}
}

func TestReconcileTablespacesDetectsUnknownSnapshotTablespace(t *testing.T) {
	d := New("unused")
	d.Tablespaces = map[string]string{PGDataLabel: "/mnt/pgdata", "ghost": "/mnt/ghost"}

	_, err := d.ReconcileTablespaces([]string{"ts1"})
	if err == nil {
		t.Fatal("ReconcileTablespaces() error = nil, want error for unknown tablespace")
	}
}

func TestReconcileTablespacesReportsMissingFromSnapshot(t *testing.T) {
	d := New("unused")
	d.Tablespaces = map[string]string{PGDataLabel: "/mnt/pgdata", "ts1": "/mnt/ts1"}

	missing, err := d.ReconcileTablespaces([]string{"ts1", "ts2"})
	if err != nil {
		t.Fatalf("ReconcileTablespaces() error = %v", err)
	}
	if len(missing) != 1 || missing[0] != "ts2" {
		t.Errorf("missing = %v, want [ts2]", missing)
	}
}

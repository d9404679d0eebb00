// Package snapshot drives an external storage-snapshot script through
// its freeze/split/unfreeze/mount/umount/resync lifecycle, so a backup
// can read from a point-in-time snapshot of PGDATA and its tablespaces
// instead of a long live copy.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kndrvt/pgrman/pgrerr"
)

// Stage identifies one step of the snapshot script's lifecycle.
type Stage int

const (
	Freeze Stage = iota
	Split
	Unfreeze
	Mount
	Umount
	Resync
)

func (s Stage) String() string {
	switch s {
	case Freeze:
		return "freeze"
	case Split:
		return "split"
	case Unfreeze:
		return "unfreeze"
	case Mount:
		return "mount"
	case Umount:
		return "umount"
	case Resync:
		return "resync"
	default:
		return "unknown"
	}
}

// PGDataLabel is the snapshot script's reserved name for the main data
// directory, as opposed to a named tablespace.
const PGDataLabel = "PG-DATA"

// Driver runs scriptPath through one backup's snapshot lifecycle,
// recording a compensation stack as it goes.
type Driver struct {
	scriptPath string
	stack      Stack

	// Tablespaces maps a logical name (or PGDataLabel) to its mount
	// path, filled in by Mount.
	Tablespaces map[string]string
}

// New returns a Driver for the script at scriptPath.
func New(scriptPath string) *Driver {
	return &Driver{scriptPath: scriptPath, Tablespaces: map[string]string{}}
}

// invoke runs the script with stage.String() and args as its leading
// arguments, returning stdout split into lines. The last line must be
// exactly "SUCCESS"; anything else is an error carrying the output seen
// so far for diagnostics.
func (d *Driver) invoke(ctx context.Context, stage Stage, args ...string) ([]string, error) {
	cmdArgs := append([]string{stage.String()}, args...)
	cmd := exec.CommandContext(ctx, d.scriptPath, cmdArgs...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var lines []string
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}

	if runErr != nil {
		return lines, pgrerr.Wrap(pgrerr.KindSystem,
			fmt.Sprintf("snapshot script %s failed", stage), runErr).
			WithDetail(stderr.String())
	}
	if len(lines) == 0 || lines[len(lines)-1] != "SUCCESS" {
		return lines, pgrerr.New(pgrerr.KindSystem,
			fmt.Sprintf("snapshot script %s did not report SUCCESS", stage)).
			WithDetail(strings.Join(lines, "\n"))
	}
	return lines[:len(lines)-1], nil
}

// runCleanupStage invokes the script for a compensating action with an
// extra trailing "cleanup" argument; its own failures are reported
// through onErr rather than propagated, so one bad cleanup step doesn't
// stop the rest of the unwind.
func (d *Driver) runCleanupStage(ctx context.Context, stage Stage, args []string) error {
	_, err := d.invoke(ctx, stage, append(args, "cleanup")...)
	return err
}

// Abort runs whatever compensating actions remain on the stack, in
// reverse order, logging (not propagating) any cleanup-time failure.
func (d *Driver) Abort(ctx context.Context, onErr func(stage Stage, err error)) {
	d.stack.Unwind(func(stage Stage, args []string) error {
		return d.runCleanupStage(ctx, stage, args)
	}, onErr)
}

// Freeze begins the lifecycle: freeze PGDATA and its tablespaces at the
// storage layer.
func (d *Driver) Freeze(ctx context.Context) error {
	d.stack.push(Unfreeze)
	if _, err := d.invoke(ctx, Freeze); err != nil {
		return err
	}
	return nil
}

// Split requests the storage-level split, returning the logical names
// (tablespaces plus PGDataLabel) the script will produce.
func (d *Driver) Split(ctx context.Context) ([]string, error) {
	d.stack.push(Resync)
	names, err := d.invoke(ctx, Split)
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Unfreeze releases the freeze taken in Freeze; its compensation is
// removed since there is nothing left to unfreeze once this succeeds.
func (d *Driver) Unfreeze(ctx context.Context) error {
	if _, err := d.invoke(ctx, Unfreeze); err != nil {
		return err
	}
	// The pending Unfreeze compensation from Freeze sits below Split's
	// Resync, so it is removed by stage rather than popped off the top.
	for i := len(d.stack.actions) - 1; i >= 0; i-- {
		if d.stack.actions[i].stage == Unfreeze {
			d.stack.actions = append(d.stack.actions[:i], d.stack.actions[i+1:]...)
			break
		}
	}
	return nil
}

// Mount requests the split volumes be mounted, parsing "name=path" lines
// into d.Tablespaces.
func (d *Driver) Mount(ctx context.Context) error {
	d.stack.push(Umount)
	lines, err := d.invoke(ctx, Mount)
	if err != nil {
		return err
	}
	for _, line := range lines {
		name, path, ok := strings.Cut(line, "=")
		if !ok {
			return pgrerr.New(pgrerr.KindSystem, "snapshot script mount output malformed: "+line)
		}
		d.Tablespaces[name] = path
	}
	return nil
}

// Umount releases the mounts taken in Mount.
func (d *Driver) Umount(ctx context.Context) error {
	if _, err := d.invoke(ctx, Umount); err != nil {
		return err
	}
	d.stack.pop() // the pending Umount compensation from Mount
	return nil
}

// Resync lets the storage layer resynchronize the split copy, the final
// lifecycle stage on a successful run.
func (d *Driver) Resync(ctx context.Context) error {
	if _, err := d.invoke(ctx, Resync); err != nil {
		return err
	}
	d.stack.pop() // the pending Resync compensation from Split
	return nil
}

// ReconcileTablespaces checks the snapshot's produced names against the
// server's own tablespace list. Tablespaces the server knows about but
// the snapshot didn't produce are copied live by the caller; tablespaces
// the snapshot produced but the server doesn't know about are a fatal
// configuration error.
func (d *Driver) ReconcileTablespaces(serverNames []string) (missingFromSnapshot []string, err error) {
	known := make(map[string]bool, len(serverNames))
	for _, n := range serverNames {
		known[n] = true
	}
	for snapName := range d.Tablespaces {
		if snapName == PGDataLabel {
			continue
		}
		if !known[snapName] {
			return nil, pgrerr.New(pgrerr.KindSystem,
				"snapshot script produced unknown tablespace "+snapName)
		}
	}
	for _, n := range serverNames {
		if _, ok := d.Tablespaces[n]; !ok {
			missingFromSnapshot = append(missingFromSnapshot, n)
		}
	}
	return missingFromSnapshot, nil
}

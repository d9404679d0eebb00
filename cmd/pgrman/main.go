// Command pgrman runs one physical backup of a PostgreSQL-compatible
// server: a thin flag parser in front of the orchestrator package, which
// owns the actual state machine.
//
// Usage:
//
//	pgrman backup -pgdata /var/lib/postgresql/data -catalog /backup/catalog \
//	    -conn "host=/var/run/postgresql" [-mode full|incremental|archive] \
//	    [-compress] [-with-serverlog -serverlog-dir DIR] [-fast] \
//	    [-standby-conn CONNSTRING -standby-pgdata DIR] [-keep-generations N] [-keep-days N]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/kndrvt/pgrman/catalog"
	"github.com/kndrvt/pgrman/orchestrator"
	"github.com/kndrvt/pgrman/pgrerr"
	"github.com/kndrvt/pgrman/pgrlog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] != "backup" {
		fmt.Fprintln(os.Stderr, "usage: pgrman backup -pgdata DIR -catalog DIR -conn CONNSTRING [options]")
		return pgrerr.KindArgs.ExitCode()
	}

	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	pgData := fs.String("pgdata", "", "PostgreSQL data directory to back up")
	catalogRoot := fs.String("catalog", "", "backup catalog root directory")
	connString := fs.String("conn", "", "libpq connection string for the server being backed up")
	standbyConn := fs.String("standby-conn", "", "libpq connection string for a standby, if backing up from one")
	standbyPGData := fs.String("standby-pgdata", "", "standby's own data directory, to also poll its archive_status during a from-standby backup")
	mode := fs.String("mode", "full", "backup mode: full, incremental, or archive")
	fullOnError := fs.Bool("full-backup-on-error", false, "fall back to a full backup if no incremental base is found")
	compress := fs.Bool("compress", false, "compress copied files with zstd")
	fast := fs.Bool("fast", false, "request an immediate checkpoint instead of a spread one")
	withServerlog := fs.Bool("with-serverlog", false, "capture the server's log files alongside the backup")
	serverLogDir := fs.String("serverlog-dir", "", "server log directory, required with -with-serverlog")
	jsonLog := fs.Bool("json-log", false, "emit structured JSON log lines instead of console output")
	keepGenerations := fs.Int("keep-generations", 0, "retention: number of most recent DONE backups, of any mode, to keep (0 = no count limit; with -keep-days also 0, no backup is deleted)")
	keepDays := fs.Int("keep-days", 0, "retention: age in days past which a backup is eligible for deletion (0 = no age limit; with -keep-generations also 0, no backup is deleted)")
	keepArchiveFiles := fs.Int("keep-archive-files", 0, "archived WAL files to keep; accepted but not applied, since a backup run does not prune archived WAL")
	keepArchiveDays := fs.Int("keep-archive-days", 0, "age in days for archived WAL files; accepted but not applied, since a backup run does not prune archived WAL")
	tablespaceMap := fs.String("tablespace", "", "comma-separated name=path pairs for tablespaces not covered by a snapshot script")

	if err := fs.Parse(args[1:]); err != nil {
		return pgrerr.KindArgs.ExitCode()
	}

	pgrlog.Init(pgrlog.Config{Output: os.Stderr, JSON: *jsonLog})

	if *pgData == "" || *catalogRoot == "" || *connString == "" {
		fmt.Fprintln(os.Stderr, "pgrman: -pgdata, -catalog, and -conn are required")
		return pgrerr.KindArgs.ExitCode()
	}

	backupMode, err := parseMode(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pgrman:", err)
		return pgrerr.KindArgs.ExitCode()
	}
	if *withServerlog && *serverLogDir == "" {
		fmt.Fprintln(os.Stderr, "pgrman: -serverlog-dir is required with -with-serverlog")
		return pgrerr.KindArgs.ExitCode()
	}
	tablespaceLocations, err := parseTablespaceMap(*tablespaceMap)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pgrman:", err)
		return pgrerr.KindArgs.ExitCode()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var interrupted atomic.Bool
	go func() {
		<-ctx.Done()
		interrupted.Store(true)
	}()

	opts := orchestrator.Options{
		CatalogRoot:         *catalogRoot,
		PGData:              *pgData,
		ConnString:          *connString,
		StandbyConnString:   *standbyConn,
		StandbyPGData:       *standbyPGData,
		Mode:                backupMode,
		FullBackupOnError:   *fullOnError,
		WithServerlog:       *withServerlog,
		ServerLogDir:        *serverLogDir,
		CompressData:        *compress,
		Fast:                *fast,
		KeepGenerations:     *keepGenerations,
		KeepDays:            *keepDays,
		KeepArchiveFiles:    *keepArchiveFiles,
		KeepArchiveDays:     *keepArchiveDays,
		TablespaceLocations: tablespaceLocations,
		Interrupted:         interrupted.Load,
	}

	if err := orchestrator.Run(ctx, opts); err != nil {
		kind := pgrerr.KindOf(err)
		reportError(err)
		return kind.ExitCode()
	}
	return 0
}

func parseMode(s string) (catalog.Mode, error) {
	switch strings.ToLower(s) {
	case "full":
		return catalog.ModeFull, nil
	case "incremental":
		return catalog.ModeIncremental, nil
	case "archive":
		return catalog.ModeArchive, nil
	default:
		return "", fmt.Errorf("unknown -mode %q (want full, incremental, or archive)", s)
	}
}

func parseTablespaceMap(s string) (map[string]string, error) {
	out := map[string]string{}
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		name, path, ok := strings.Cut(pair, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("malformed -tablespace entry %q (want name=path)", pair)
		}
		out[name] = path
	}
	return out, nil
}

func reportError(err error) {
	detail, hint := "", ""
	if pe, ok := err.(*pgrerr.Error); ok {
		detail = pe.Detail
		hint = pe.Hint
	}
	pgrlog.Error(err.Error(), detail, hint)
}

package orchestrator

import (
	"context"
	"time"

	"github.com/kndrvt/pgrman/catalog"
	"github.com/kndrvt/pgrman/progress"
)

// Options is the fully-resolved configuration a single backup run needs.
// It is built by the CLI/config layer, which is out of this module's
// scope; the orchestrator never reads environment variables or files
// outside the catalog itself.
type Options struct {
	CatalogRoot string
	PGData      string

	ConnString        string
	StandbyConnString string // non-empty means this is a from-standby backup

	// StandbyPGData is the standby's own data directory, used only to
	// locate its archive_status directory when polling for WAL archival
	// of a from-standby backup (archivewait.WaitEither). Empty means only
	// the primary's archive_status directory is polled.
	StandbyPGData string

	Mode              catalog.Mode
	FullBackupOnError bool
	WithServerlog     bool
	ServerLogDir      string
	CompressData      bool
	Fast              bool

	KeepGenerations  int
	KeepDays         int
	KeepArchiveFiles int
	KeepArchiveDays  int

	// TablespaceLocations maps a tablespace name to its live filesystem
	// path, for tablespaces the snapshot driver (if any) does not cover.
	TablespaceLocations map[string]string

	// Connect opens the server connections this run drives. Nil uses
	// dialPgclient, dialing a real server over pgx; tests supply a fake.
	Connect Dialer

	Sink        progress.Sink
	Interrupted func() bool
	Now         func() time.Time
}

func (o Options) connect(ctx context.Context, connString string) (ServerConn, error) {
	if o.Connect == nil {
		return dialPgclient(ctx, connString)
	}
	return o.Connect(ctx, connString)
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o Options) interrupted() bool {
	if o.Interrupted == nil {
		return false
	}
	return o.Interrupted()
}

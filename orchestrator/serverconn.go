package orchestrator

import (
	"context"

	"github.com/kndrvt/pgrman/pgclient"
)

// ServerConn is the subset of pgclient.Conn's operations the orchestrator
// drives directly. It exists so the state machine can be exercised
// against a fake in tests, the same way pagecodec's source interface
// lets the codec be tested against an in-memory vfs.MemFile instead of a
// real file.
type ServerConn interface {
	CheckServerVersion(ctx context.Context) error
	BlockSize(ctx context.Context) (int, error)
	ChecksumsEnabled(ctx context.Context) (bool, error)
	CurrentTimeline(ctx context.Context) (uint32, error)
	BeginBackup(ctx context.Context, label string, fast bool) (timeline uint32, startLSN uint64, err error)
	StopBackup(ctx context.Context) (pgclient.StopResult, error)
	WALFilename(ctx context.Context, lsn uint64) (string, error)
	SwitchWAL(ctx context.Context) (timeline uint32, lsn uint64, err error)
	RecoveryXID(ctx context.Context) (uint32, error)
	Checkpoint(ctx context.Context) error
	WaitForReplay(ctx context.Context, targetLSN uint64, interrupted func() bool) error
	Tablespaces(ctx context.Context) ([]pgclient.Tablespace, error)
	Close(ctx context.Context) error
}

// Dialer opens a ServerConn against a libpq-style connection string. The
// zero Options value uses dialPgclient, which dials a real server
// through pgclient.Connect; tests supply a fake Dialer instead.
type Dialer func(ctx context.Context, connString string) (ServerConn, error)

// dialPgclient is the default Dialer, wrapping pgclient.Connect.
func dialPgclient(ctx context.Context, connString string) (ServerConn, error) {
	conn, err := pgclient.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Package pgrlog provides the engine's diagnostic logging. It maps five
// stderr severities (INFO, NOTICE, WARNING, ERROR, FATAL) onto zerolog
// levels.
package pgrlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-level logger used by every component. Callers
// that need per-run fields should derive a child with With().
var Logger zerolog.Logger

func init() {
	Init(Config{Output: os.Stderr})
}

// Config controls where and how diagnostics are written.
type Config struct {
	// Output defaults to os.Stderr.
	Output io.Writer
	// JSON switches to structured JSON lines instead of the console format.
	JSON bool
}

// Init (re)configures the package-level logger.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Info writes an INFO: line.
func Info(msg string) { Logger.Info().Msg(msg) }

// Notice writes a NOTICE: line. zerolog has no dedicated Notice level;
// NOTICE sits between Info and Warn in severity, so it is logged at Info
// with an explicit tag.
func Notice(msg string) { Logger.Info().Str("severity", "NOTICE").Msg(msg) }

// Warning writes a WARNING: line.
func Warning(msg string) { Logger.Warn().Msg(msg) }

// Error writes an ERROR: line, optionally with DETAIL/HINT follow-ups.
func Error(msg string, detail, hint string) {
	ev := Logger.Error()
	if detail != "" {
		ev = ev.Str("detail", detail)
	}
	if hint != "" {
		ev = ev.Str("hint", hint)
	}
	ev.Msg(msg)
}

// Fatal writes a FATAL: line. It deliberately does not call zerolog's own
// Fatal level, which os.Exit(1)s — the orchestrator owns exit-code
// selection and must run its cleanup stack first.
func Fatal(msg string) { Logger.Error().Str("severity", "FATAL").Msg(msg) }

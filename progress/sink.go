// Package progress decouples the orchestrator's reporting from stderr so
// tests can observe file-copy ordering without parsing log lines.
package progress

// Sink receives progress events as the orchestrator copies files. All
// methods are called from the same foreground goroutine that runs the
// backup — implementations need no internal synchronization.
type Sink interface {
	// OnFileStarted is called before a file begins copying.
	OnFileStarted(path string)
	// OnFileFinished is called after a file finishes copying successfully;
	// it is not called when the copy fails. skipped is true when the
	// mtime-skip rule applied.
	OnFileFinished(path string, writeSize int64, skipped bool)
	// OnBytes is called as bytes are read from the source, for
	// throughput reporting. It may be called many times per file.
	OnBytes(n int64)
}

// Noop is a Sink that discards every event. It is the default when no
// sink is supplied.
type Noop struct{}

func (Noop) OnFileStarted(string)               {}
func (Noop) OnFileFinished(string, int64, bool) {}
func (Noop) OnBytes(int64)                      {}

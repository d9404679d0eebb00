// Package archivewait blocks until a WAL segment has been durably
// archived, confirmed by the presence of its ".done" marker under an
// archive_status directory.
package archivewait

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kndrvt/pgrman/pgrerr"
)

// PollInterval is how often the marker file is checked.
const PollInterval = 1 * time.Second

// Timeout is the fixed deadline after which waiting fails.
const Timeout = 10 * time.Second

// Wait polls for <archiveStatusDir>/<segment>.done, failing with
// KindArchiveFailed after Timeout or KindInterrupted if interrupted()
// reports true on any poll.
func Wait(archiveStatusDir, segment string, interrupted func() bool) error {
	marker := filepath.Join(archiveStatusDir, segment+".done")
	deadline := time.Now().Add(Timeout)

	for {
		if interrupted() {
			return pgrerr.New(pgrerr.KindInterrupted, "interrupted while waiting for WAL archival")
		}
		if _, err := os.Stat(marker); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return pgrerr.New(pgrerr.KindArchiveFailed,
				"timed out waiting for "+segment+" to be archived").
				WithDetail("marker not found: " + marker)
		}
		time.Sleep(PollInterval)
	}
}

// WaitEither polls both a primary-configured archive-status directory
// and, for a standby backup, the standby's own archive-status directory,
// succeeding as soon as either shows the marker. Used because it is not
// specified which of the two is authoritative for a standby-sourced
// backup.
func WaitEither(primaryDir, standbyDir, segment string, interrupted func() bool) error {
	primaryMarker := filepath.Join(primaryDir, segment+".done")
	var standbyMarker string
	if standbyDir != "" {
		standbyMarker = filepath.Join(standbyDir, segment+".done")
	}
	deadline := time.Now().Add(Timeout)

	for {
		if interrupted() {
			return pgrerr.New(pgrerr.KindInterrupted, "interrupted while waiting for WAL archival")
		}
		if _, err := os.Stat(primaryMarker); err == nil {
			return nil
		}
		if standbyMarker != "" {
			if _, err := os.Stat(standbyMarker); err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return pgrerr.New(pgrerr.KindArchiveFailed,
				"timed out waiting for "+segment+" to be archived").
				WithDetail("checked " + primaryMarker)
		}
		time.Sleep(PollInterval)
	}
}

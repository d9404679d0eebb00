package catalog

import (
	"fmt"
	"path/filepath"

	"github.com/kndrvt/pgrman/pgrerr"
)

const lockFileName = "backup.lock"

// Lock represents ownership of the catalog's single run-lock. Only one
// process may hold it at a time; a second process attempting to acquire
// it gets KindAlreadyRunning immediately rather than blocking.
type Lock struct {
	inner *catalogLock
	path  string
}

// AcquireLock takes the catalog's exclusive lock. catalogRoot must
// already exist.
func AcquireLock(catalogRoot string) (*Lock, error) {
	path := filepath.Join(catalogRoot, lockFileName)
	inner, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	return &Lock{inner: inner, path: path}, nil
}

// Release gives up the lock. The lock file itself is left in place for
// the next run to acquire.
func (l *Lock) Release() error {
	if l == nil || l.inner == nil {
		return nil
	}
	return l.inner.release()
}

func errAlreadyRunning(path string) error {
	return pgrerr.Wrap(pgrerr.KindAlreadyRunning,
		fmt.Sprintf("another pgrman process is already running against this catalog (%s)", path), nil).
		WithHint("wait for the other run to finish, or confirm it is dead and remove the lock file manually")
}

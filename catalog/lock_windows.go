//go:build windows

package catalog

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock = 0x00000002
	lockfileFailImmediate = 0x00000001
)

// catalogLock holds an OS-level exclusive lock on the catalog root.
type catalogLock struct {
	file *os.File
}

// acquireLock takes an exclusive, non-blocking lock on lockPath. The
// lock file is never removed on release; it is the catalog's standing
// "another run is in progress" marker.
func acquireLock(lockPath string) (*catalogLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("catalog: open lock file %s: %w", lockPath, err)
	}

	ol := new(syscall.Overlapped)
	r1, _, _ := procLockFileEx.Call(
		f.Fd(),
		uintptr(lockfileExclusiveLock|lockfileFailImmediate),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	if r1 == 0 {
		f.Close()
		return nil, errAlreadyRunning(lockPath)
	}

	return &catalogLock{file: f}, nil
}

func (l *catalogLock) release() error {
	if l.file == nil {
		return nil
	}
	ol := new(syscall.Overlapped)
	procUnlockFileEx.Call(
		l.file.Fd(),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	return l.file.Close()
}

package fs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// deadline passed to [Locker.Lock].
var ErrLockTimeout = errors.New("fs: lock timeout")

const lockRetryInterval = 10 * time.Millisecond

// Locker acquires advisory exclusive locks on sidecar ".lock" files via
// flock(2), to guard a file against concurrent writers from another
// process. No package in this module takes a Locker; within one process,
// HighDB's mutex serializes access to its lowdb and pidx.
type Locker struct {
	fs FS
}

// NewLocker returns a Locker that opens lock files through fsys.
func NewLocker(fsys FS) *Locker {
	if fsys == nil {
		panic("fs is nil")
	}

	return &Locker{fs: fsys}
}

// Handle represents a held advisory lock. Call Close to release it.
type Handle struct {
	file File
}

// Close releases the lock and closes the underlying lock file.
func (h *Handle) Close() error {
	if h == nil || h.file == nil {
		return nil
	}

	_ = unix.Flock(int(h.file.Fd()), unix.LOCK_UN)

	return h.file.Close()
}

// Lock acquires an exclusive lock on path+".lock", retrying until timeout
// elapses. The lock file itself is never removed (only unlocked and
// closed) so repeated Lock calls on the same path are cheap.
func (l *Locker) Lock(path string, timeout time.Duration) (*Handle, error) {
	lockPath := path + ".lock"

	file, err := l.fs.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fs: open lock file %q: %w", lockPath, err)
	}

	deadline := time.Now().Add(timeout)

	for {
		flockErr := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockErr == nil {
			return &Handle{file: file}, nil
		}

		if time.Now().After(deadline) {
			_ = file.Close()

			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}

		time.Sleep(lockRetryInterval)
	}
}

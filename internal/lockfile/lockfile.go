// Package lockfile guards a state directory against concurrent ApptPipe processes.
//
// The SQLite audit store allows a single writer; a second instance pointed at the same state
// directory would contend for it and interleave dedup records. The lock is an flock on a file
// inside the directory and is released by the kernel if the process dies.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "apptpipe.lock"

const maxAcquireAttempts = 3

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock for stateDir, creating the directory if needed.
// It fails with a *LockError if another process holds the lock.
func Acquire(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	var file *os.File
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
		}
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			holder := describeHolder(f)
			f.Close()
			slog.Error("lockfile.Acquire: state directory is locked", "lock_path", lockPath, "holder", holder, "error", err)
			return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
		}
		// A releasing holder may have unlinked the file between our open and flock
		if lockedPathMatches(f, lockPath) {
			file = f
			break
		}
		f.Close()
		if attempt+1 >= maxAcquireAttempts {
			return nil, fmt.Errorf("lock file %s kept changing while acquiring", lockPath)
		}
		slog.Debug("lockfile.Acquire: lock file replaced, retrying", "lock_path", lockPath, "attempt", attempt+1)
	}

	// Truncate only once the lock is ours so a failed attempt never clears the holder's pid
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0)
		if err != nil {
			slog.Warn("lockfile.Acquire: failed to record pid", "lock_path", lockPath, "error", err)
		}
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// A process blocked on the old inode will see it unlinked and reopen the path in Acquire
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports that another process holds the state directory lock.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another ApptPipe instance is using this state directory (lock file %s", e.LockPath)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + "); stop it or choose a different -state-dir"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func describeHolder(file *os.File) string {
	buf := make([]byte, 64)
	n, _ := file.ReadAt(buf, 0)
	pid := parsePID(string(buf[:n]))
	if pid <= 0 {
		return ""
	}
	if processRunning(pid) {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d, not running", pid)
}

func parsePID(content string) int {
	_, rest, ok := strings.Cut(content, "pid=")
	if !ok {
		return 0
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}

// lockedPathMatches reports whether path still names the inode behind file.
func lockedPathMatches(file *os.File, path string) bool {
	held, err := file.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

// processRunning checks pid with signal 0.
func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

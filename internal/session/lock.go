package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// lockDirName is the per-user directory holding one lock file per live
// session. Each file is named <uuid>.lock and contains the owning process id
// as a decimal string.
const lockDirName = ".claude-voice-sessions"

// ErrSessionLimit is returned by AcquireLock when the configured maximum
// number of concurrent sessions is already running.
var ErrSessionLimit = errors.New("session: concurrent session limit reached")

// Lock is a held session slot. Release deletes the lock file; a deferred
// Release in main is the last-resort process-exit hook.
type Lock struct {
	path string
}

// AcquireLock claims a session slot under the user's lock directory.
//
// Stale files — those whose recorded pid no longer names a live process — are
// deleted during the scan, so a crashed or kill -9'd session never blocks a
// new one. If the count of live locks is already at maxSessions the acquire
// fails with [ErrSessionLimit].
func AcquireLock(maxSessions int) (*Lock, error) {
	if maxSessions <= 0 {
		maxSessions = 1
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("session: resolve home directory: %w", err)
	}
	dir := filepath.Join(home, lockDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create lock directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("session: scan lock directory: %w", err)
	}

	live := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		pid, readErr := readLockPid(path)
		if readErr != nil || !pidAlive(pid) {
			slog.Debug("removing stale session lock", "file", entry.Name(), "pid", pid)
			_ = os.Remove(path)
			continue
		}
		live++
	}

	if live >= maxSessions {
		return nil, fmt.Errorf("%w (%d of %d in use)", ErrSessionLimit, live, maxSessions)
	}

	path := filepath.Join(dir, uuid.NewString()+".lock")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: create lock file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("session: write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("session: close lock file: %w", err)
	}

	slog.Debug("session lock acquired", "file", filepath.Base(path), "live", live+1, "max", maxSessions)
	return &Lock{path: path}, nil
}

// Release deletes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: remove lock file: %w", err)
	}
	return nil
}

// readLockPid parses the decimal pid payload of a lock file.
func readLockPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("session: lock file %q has no valid pid", path)
	}
	return pid, nil
}

// pidAlive reports whether pid names a live process. Signal 0 performs the
// existence check without delivering anything; EPERM still means alive.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Package lockfile keeps two BulkPipe processes from sharing one state directory.
//
// The lock is an flock(2) on a file inside the state directory, so the kernel
// drops it when the holding process dies for any reason.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "bulkpipe.lock"

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	StartedAt time.Time
	Addr      string
}

func (o Owner) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	fmt.Fprintf(&b, "started_at=%s\n", o.StartedAt.UTC().Format(time.RFC3339))
	if o.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", o.Addr)
	}
	return b.String()
}

// parseOwner reads key=value lines; unknown keys are ignored.
func parseOwner(content string) Owner {
	var o Owner
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "started_at":
			o.StartedAt, _ = time.Parse(time.RFC3339, value)
		case "addr":
			o.Addr = value
		}
	}
	return o
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on stateDir, creating the directory if needed.
// addr is recorded for diagnostics and may be empty. When another process holds
// the lock the error is a *LockError.
func Acquire(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.Acquire: acquiring state directory lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's details before we know whether we win.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Holder: describeHolder(lockPath), Cause: err}
		slog.Error("lockfile.Acquire: state directory is locked by another BulkPipe instance",
			"lock_path", lockPath, "holder", lockErr.Holder)
		return nil, lockErr
	}

	owner := Owner{PID: os.Getpid(), StartedAt: time.Now(), Addr: addr}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock owner in %s: %w", lockPath, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(o.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeOwner: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports that another process holds the state directory lock.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another BulkPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder != "" {
		msg += ": " + e.Holder
	}
	return msg + "; if no other instance is running, remove the lock file and retry"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarizes the lock file contents for error messages.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	o := parseOwner(string(data))
	if o.PID <= 0 {
		return ""
	}
	state := "running"
	if !processAlive(o.PID) {
		state = "not running"
	}
	desc := fmt.Sprintf("pid %d (%s)", o.PID, state)
	if !o.StartedAt.IsZero() {
		desc += ", started " + o.StartedAt.Format(time.RFC3339)
	}
	if o.Addr != "" {
		desc += ", serving " + o.Addr
	}
	return desc
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

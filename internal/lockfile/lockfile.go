// Package lockfile guards a Sage state directory against concurrent instances.
//
// The lock is an flock on a file in the state directory; the kernel releases it
// when the process exits, so a crashed instance never leaves a live lock behind.
// The file records the owning process so a refused start can say who holds it.
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
const LockFileName = "sage.lock"

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID      int
	Started  time.Time
	Database string
}

// encode renders o as key=value lines.
func (o Owner) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	fmt.Fprintf(&b, "started=%s\n", o.Started.UTC().Format(time.RFC3339))
	if o.Database != "" {
		fmt.Fprintf(&b, "database=%s\n", o.Database)
	}
	return b.String()
}

// parseOwner reads key=value lines written by encode. Unknown keys are
// ignored; ok is false when no valid pid is present.
func parseOwner(content string) (owner Owner, ok bool) {
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				owner.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				owner.Started = t
			}
		case "database":
			owner.Database = value
		}
	}
	return owner, owner.PID > 0
}

// Opts holds optional lock metadata.
type Opts struct {
	Database string
}

// Option configures AcquireLock.
type Option func(*Opts)

// WithDatabase records the database path guarded by the lock.
func WithDatabase(path string) Option {
	return func(o *Opts) { o.Database = path }
}

// Lock represents an active directory lock
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Owner returns the metadata written to the lock file.
func (l *Lock) Owner() Owner { return l.owner }

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the
// directory if needed. When another process holds it, the returned error is a
// *LockError describing that process.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: acquiring", "lockPath", lockPath, "database", cfg.Database)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the flock is held so a refused start keeps the
	// holder's record readable.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := newLockError(lockPath, err)
		slog.Error("lockfile.AcquireLock: state directory is held by another Sage instance",
			"lockPath", lockPath, "holderPID", lockErr.Holder.PID, "holderRunning", lockErr.HolderRunning)
		return nil, lockErr
	}

	owner := Owner{PID: os.Getpid(), Started: time.Now(), Database: cfg.Database}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: lock acquired", "lockPath", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath, owner: owner}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(owner.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeOwner: failed to sync lock file", "error", err, "lockPath", file.Name())
	}
	return nil
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: failed to release flock", "error", err, "lockPath", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: failed to close lock file", "error", err, "lockPath", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("Lock.Release: failed to remove lock file", "error", err, "lockPath", l.path)
	}
	l.file = nil

	slog.Info("Lock.Release: lock released", "lockPath", l.path)
	return nil
}

// LockError is returned when another process holds the state directory.
type LockError struct {
	LockPath string
	// Holder is zero when the lock file could not be read or parsed.
	Holder        Owner
	HolderRunning bool
	Cause         error
}

func newLockError(lockPath string, cause error) *LockError {
	e := &LockError{LockPath: lockPath, Cause: cause}
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return e
	}
	if owner, ok := parseOwner(string(data)); ok {
		e.Holder = owner
		e.HolderRunning = isProcessRunning(owner.PID)
	}
	return e
}

func (e *LockError) Error() string {
	var b strings.Builder
	b.WriteString("Another Sage instance is already running with this state directory.\n\n")
	fmt.Fprintf(&b, "Lock file: %s", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !e.HolderRunning {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&b, "\nExisting process: PID %d (%s)", e.Holder.PID, state)
		if !e.Holder.Started.IsZero() {
			fmt.Fprintf(&b, ", started %s", e.Holder.Started.Format(time.RFC3339))
		}
		if e.Holder.Database != "" {
			fmt.Fprintf(&b, "\nDatabase: %s", e.Holder.Database)
		}
	}
	fmt.Fprintf(&b, "\n\nIf no other Sage instance is running the lock file is stale and can be removed with:\n  rm %s", e.LockPath)
	b.WriteString("\n\nTwo instances sharing one SQLite database will run every lifecycle job twice.")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning reports whether pid exists. Signal 0 delivers nothing.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

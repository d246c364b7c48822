// Package lockfile guards files in the OutreachPipe state directory against use by
// more than one process.
//
// Locks are flock-based, so the kernel drops them when the holder exits, cleanly or not.
// The whatsmeow session database is the main user: two processes logged into the same
// WhatsApp device corrupt each other's session.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// SessionLockName guards the whatsmeow session database.
const SessionLockName = "whatsmeow.lock"

// Info is what a holder writes into its lock file.
type Info struct {
	PID     int
	Purpose string
	Since   time.Time
}

func (i Info) String() string {
	var parts []string
	if i.PID > 0 {
		state := "not running, stale lock"
		if isProcessRunning(i.PID) {
			state = "running"
		}
		parts = append(parts, fmt.Sprintf("PID %d (%s)", i.PID, state))
	}
	if i.Purpose != "" {
		parts = append(parts, "purpose "+i.Purpose)
	}
	if !i.Since.IsZero() {
		parts = append(parts, "since "+i.Since.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}

// Lock is a held lock. Release it on shutdown.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on name inside dir, creating dir if needed.
// It fails immediately with a *LockError when another process holds the lock.
func Acquire(dir, name, purpose string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)

	// No O_TRUNC: the current holder's info must survive a failed attempt.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadInfo(path)
		slog.Error("lockfile.Acquire: lock held by another process", "path", path, "holder", holder.String())
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	info := Info{PID: os.Getpid(), Purpose: purpose, Since: time.Now().UTC()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock info to %s: %w", path, err)
	}
	slog.Debug("lockfile.Acquire: lock acquired", "path", path, "pid", info.PID, "purpose", purpose)
	return &Lock{file: file, path: path}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\npurpose=%s\nsince=%s\n", info.PID, info.Purpose, info.Since.Format(time.RFC3339))
	if _, err := f.WriteAt([]byte(content), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile: sync failed", "path", f.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	l.file = nil
	slog.Debug("lockfile.Release: lock released", "path", l.path)
	return errors.Join(errs...)
}

// LockError reports a lock held by someone else.
type LockError struct {
	Path   string
	Holder Info
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("lock %s is held by another OutreachPipe process", e.Path)
	if h := e.Holder.String(); h != "" {
		msg += ": " + h
	}
	if e.Holder.PID > 0 && !isProcessRunning(e.Holder.PID) {
		msg += fmt.Sprintf(" (remove %s if no other instance is running)", e.Path)
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// ReadInfo parses a lock file. Unknown lines are ignored.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var info Info
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "purpose":
			info.Purpose = value
		case "since":
			info.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return info, sc.Err()
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

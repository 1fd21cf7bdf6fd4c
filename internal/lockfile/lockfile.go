package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is matched by a *HeldError
var ErrLocked = errors.New("store is locked by another poller")

// HeldError reports who holds a store lock
type HeldError struct {
	Path string
	PID  int // 0 when unknown
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%v (pid %d holds %s)", ErrLocked, e.PID, e.Path)
	}
	return fmt.Sprintf("%v (lock held at %s)", ErrLocked, e.Path)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrLocked
}

// Lock is an exclusive flock on a file next to the store, held for the
// whole run.
type Lock struct {
	path string
	file *os.File
}

// ForStore locks the store at storePath
func ForStore(storePath string) (*Lock, error) {
	return Acquire(PathFor(storePath))
}

// PathFor returns the lock path for a store
func PathFor(storePath string) string {
	return storePath + ".lock"
}

// Acquire takes the lock without blocking and records our PID in it
func Acquire(lockPath string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			pid, _ := ReadPID(lockPath)
			return nil, &HeldError{Path: lockPath, PID: pid}
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if err := writePID(file); err != nil {
		file.Close()
		return nil, err
	}

	return &Lock{path: lockPath, file: file}, nil
}

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := file.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// Release drops the lock. The file is left in place: removing it would let a
// second poller lock a fresh inode while a third still holds the old one.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	l.file = nil
	return nil
}

// Path returns the path to the lock file
func (l *Lock) Path() string {
	return l.path
}

// ReadPID reads the PID from a lock file
// Returns 0 if the file doesn't exist
func ReadPID(lockPath string) (int, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return 0, fmt.Errorf("lock file is empty")
	}

	pid, err := strconv.Atoi(content)
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID from lock file: %w", err)
	}
	return pid, nil
}

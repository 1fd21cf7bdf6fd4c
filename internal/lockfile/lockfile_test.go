package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestForStore(t *testing.T) {
	store := filepath.Join(t.TempDir(), "poll.db")

	lock, err := ForStore(store)
	if err != nil {
		t.Fatalf("Failed to lock store: %v", err)
	}
	defer lock.Release()

	if lock.Path() != store+".lock" {
		t.Errorf("Expected lock at %s.lock, got %s", store, lock.Path())
	}

	pid, err := ReadPID(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read PID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("Expected PID %d, got %d", os.Getpid(), pid)
	}
}

func TestAcquireTwice_Fails(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "poll.db.lock")

	lock1, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(lockPath)
	if err == nil {
		lock2.Release()
		t.Fatal("Expected second lock acquisition to fail, but it succeeded")
	}
	if lock2 != nil {
		t.Error("Expected lock2 to be nil when acquisition fails")
	}

	if !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("Expected *HeldError, got %T", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("Expected holder PID %d, got %d", os.Getpid(), held.PID)
	}
	if !strings.Contains(err.Error(), "pid") {
		t.Errorf("Expected PID in message, got %q", err.Error())
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "poll.db.lock")

	lock1, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	info1, err := os.Stat(lockPath)
	if err != nil {
		t.Fatalf("Failed to stat lock file: %v", err)
	}
	if err := lock1.Release(); err != nil {
		t.Fatalf("Failed to release first lock: %v", err)
	}

	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Error("Lock file should persist after release")
	}

	lock2, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Failed to acquire second lock after release: %v", err)
	}
	defer lock2.Release()

	info2, err := os.Stat(lockPath)
	if err != nil {
		t.Fatalf("Failed to stat lock file after reacquire: %v", err)
	}
	if !os.SameFile(info1, info2) {
		t.Error("Lock file inode changed after release/reacquire")
	}
}

func TestReleaseTwice(t *testing.T) {
	lock, err := Acquire(filepath.Join(t.TempDir(), "nested", "dir", "poll.db.lock"))
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("First release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Second release should be a no-op, got %v", err)
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("Nil release should be a no-op, got %v", err)
	}
}

func TestHeldError_UnknownPID(t *testing.T) {
	err := &HeldError{Path: "/var/lib/rrdpoll/poll.db.lock"}
	if !strings.Contains(err.Error(), "lock held at /var/lib/rrdpoll/poll.db.lock") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestReadPID(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		want    int
		wantErr bool
	}{
		{name: "missing file", content: nil, want: 0},
		{name: "empty", content: strPtr(""), wantErr: true},
		{name: "whitespace only", content: strPtr("  \n\t  \n"), wantErr: true},
		{name: "no newline", content: strPtr("12345"), want: 12345},
		{name: "garbage", content: strPtr("pid=1"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lockPath := filepath.Join(t.TempDir(), "poll.db.lock")
			if tt.content != nil {
				if err := os.WriteFile(lockPath, []byte(*tt.content), 0644); err != nil {
					t.Fatalf("Failed to write lock file: %v", err)
				}
			}

			pid, err := ReadPID(lockPath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadPID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if pid != tt.want {
				t.Errorf("Expected PID %d, got %d", tt.want, pid)
			}
		})
	}
}

func strPtr(s string) *string {
	return &s
}

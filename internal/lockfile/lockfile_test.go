package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireLockWritesPID(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("reading lock file failed: %v", err)
	}
	want := fmt.Sprintf("pid=%d\n", os.Getpid())
	if string(content) != want {
		t.Errorf("lock file content = %q, want %q", string(content), want)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("second acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "Another Pestline instance is already running") {
		t.Errorf("error should name the conflicting instance: %s", msg)
	}
	if !strings.Contains(msg, dir) {
		t.Errorf("error should carry the lock path: %s", msg)
	}
	// The holder is this test process, so the error reports it as running.
	if !strings.Contains(msg, fmt.Sprintf("PID %d (running)", os.Getpid())) {
		t.Errorf("error should report the live holder PID: %s", msg)
	}
}

func TestReleaseRemovesLockFile(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	lockPath := filepath.Join(dir, LockFileName)

	if err := lock.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file should be gone after release: %s", lockPath)
	}

	// A second release is a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("repeated Release failed: %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	lock1.Release()

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquisition after release failed: %v", err)
	}
	defer lock2.Release()
}

func TestAcquireLockCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), fmt.Sprintf("state_%d", time.Now().UnixNano()))

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock should create the directory: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("state directory was not created: %s", dir)
	}
}

func TestExtractPIDFromLockInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"plain pid line", "pid=12345\n", 12345},
		{"pid with trailing fields", "pid=67890\nother=info", 67890},
		{"no pid field", "other=info", 0},
		{"empty body", "", 0},
		{"non-numeric pid", "pid=abc", 0},
		{"missing equals", "pid12345", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPIDFromLockInfo(tt.content); got != tt.want {
				t.Errorf("extractPIDFromLockInfo(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("the test process should be reported as running")
	}
}

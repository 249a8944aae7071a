package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("Lock file content mismatch. Expected: %q, Got: %q", want, string(content))
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if !strings.Contains(lockErr.Holder, fmt.Sprintf("pid %d", os.Getpid())) {
		t.Errorf("holder should name this process, got %q", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("Error message should contain the lock path: %s", err.Error())
	}

	// The failed attempt must not clobber the holder's pid
	content, _ := os.ReadFile(first.Path())
	if !strings.HasPrefix(string(content), "pid=") {
		t.Errorf("lock file content was cleared: %q", content)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Reacquire after release failed: %v", err)
	}
	again.Release()
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"pid=1234\n", 1234},
		{"pid=42", 42},
		{"", 0},
		{"pid=\n", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parsePID(tt.content); got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestProcessRunning(t *testing.T) {
	if !processRunning(os.Getpid()) {
		t.Error("current process should be reported running")
	}
}

func TestLockedPathMatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("Failed to create lock file: %v", err)
	}
	defer file.Close()

	if !lockedPathMatches(file, path) {
		t.Error("open file should match its own path")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove lock file: %v", err)
	}
	if lockedPathMatches(file, path) {
		t.Error("unlinked file should not match the path")
	}

	if err := os.WriteFile(path, []byte("pid=1\n"), 0644); err != nil {
		t.Fatalf("Failed to recreate lock file: %v", err)
	}
	if lockedPathMatches(file, path) {
		t.Error("replaced file should not match the path")
	}
}

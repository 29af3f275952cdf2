package util

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestUserHomeReturnsValidPath(t *testing.T) {
	home := UserHome()
	if home == "" {
		t.Fatal("UserHome returned empty string")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("UserHome returned non-existent path %s: %v", home, err)
	}
}

func TestCheckFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "present")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !CheckFileExists(path) {
		t.Error("expected true for existing file")
	}
	if CheckFileExists(filepath.Join(dir, "absent")) {
		t.Error("expected false for missing file")
	}
	// Directories count as existing too.
	if !CheckFileExists(dir) {
		t.Error("expected true for directory")
	}
}

type fakeCloser struct {
	mu     sync.Mutex
	closed int
	err    error
}

func (f *fakeCloser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.err
}

func TestRegisterAndCloseAll(t *testing.T) {
	a := &fakeCloser{}
	b := &fakeCloser{err: errors.New("close failed")}
	RegisterCloser(a)
	RegisterCloser(b)
	CloseAll()
	if a.closed != 1 || b.closed != 1 {
		t.Errorf("expected each closer closed once, got %d and %d", a.closed, b.closed)
	}
	// The list is cleared; a second CloseAll must not close again.
	CloseAll()
	if a.closed != 1 {
		t.Errorf("closer closed again after list cleared: %d", a.closed)
	}
}

func TestPanicfFormatsMessage(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "value 42") {
			t.Errorf("unexpected panic payload: %v", r)
		}
	}()
	Panicf("value %d", 42)
}

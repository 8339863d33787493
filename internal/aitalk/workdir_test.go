package aitalk

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWithWorkingDirRestores(t *testing.T) {
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	dir := t.TempDir()
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}

	var inside string
	boom := errors.New("boom")
	err = WithWorkingDir(dir, func() error {
		inside, _ = os.Getwd()
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if got, _ := filepath.EvalSymlinks(inside); got != want {
		t.Fatalf("expected to run in %s, ran in %s", want, inside)
	}
	if now, _ := os.Getwd(); now != orig {
		t.Fatalf("expected working dir restored to %s, got %s", orig, now)
	}
}

func TestWithWorkingDirMissing(t *testing.T) {
	called := false
	err := WithWorkingDir(filepath.Join(t.TempDir(), "missing"), func() error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected error without running fn, got err=%v called=%v", err, called)
	}
}

package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/chunkrelay/internal/sink"
	"github.com/danmuck/chunkrelay/internal/testutil/testlog"
)

func TestSaveOverwritesSingleSlot(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	s := NewWithRoot(root)
	ctx := context.Background()

	if err := s.Save(ctx, sink.DefaultSlot, "print(1)"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, sink.DefaultSlot, "print(2)"); err != nil {
		t.Fatalf("save again: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, sink.DefaultSlot))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(raw) != "print(2)" {
		t.Fatalf("expected overwrite, got %q", string(raw))
	}
	got, err := s.Load(ctx, sink.DefaultSlot)
	if err != nil || got != "print(2)" {
		t.Fatalf("load got=%q err=%v", got, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %d entries", len(entries))
	}
}

func TestSaveCreatesNestedDirs(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	s := NewWithRoot(root)
	if err := s.Save(context.Background(), "inbox/code.py", "x = 1"); err != nil {
		t.Fatalf("save nested: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "inbox", "code.py")); err != nil {
		t.Fatalf("stat nested: %v", err)
	}
}

func TestSaveRejectsPathsOutsideRoot(t *testing.T) {
	testlog.Start(t)
	s := NewWithRoot(t.TempDir())
	ctx := context.Background()
	if err := s.Save(ctx, "../escape.py", "x"); !errors.Is(err, ErrEscapesRoot) {
		t.Fatalf("expected ErrEscapesRoot, got %v", err)
	}
	if err := s.Save(ctx, "/etc/passwd", "x"); !errors.Is(err, ErrAbsolutePath) {
		t.Fatalf("expected ErrAbsolutePath, got %v", err)
	}
	if err := s.Save(ctx, "  ", "x"); !errors.Is(err, sink.ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestSaveHonorsCanceledContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewWithRoot(t.TempDir()).Save(ctx, "a.py", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

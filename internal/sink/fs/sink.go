package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/chunkrelay/internal/observability"
	"github.com/danmuck/chunkrelay/internal/sink"
)

const Backend = "fs"

var (
	ErrAbsolutePath = errors.New("sink.fs: absolute path not allowed")
	ErrEscapesRoot  = errors.New("sink.fs: path escapes root")
)

// Sink writes each name as a file under root.
type Sink struct {
	root string
}

// New constructs a filesystem sink rooted at the working directory.
func New() Sink {
	return NewWithRoot(".")
}

// NewWithRoot constructs a filesystem sink with explicit root.
func NewWithRoot(root string) Sink {
	resolved := strings.TrimSpace(root)
	if resolved == "" {
		resolved = "."
	}
	return Sink{root: resolved}
}

func (s Sink) Root() string {
	return s.root
}

// Save replaces the file for name with content. The write goes through a
// temporary file in the same directory so readers never see a partial file.
func (s Sink) Save(ctx context.Context, name, content string) (err error) {
	defer func() { observability.RecordSinkWrite(Backend, err == nil) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolvePath(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sink.fs: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("sink.fs: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sink.fs: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sink.fs: close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("sink.fs: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("sink.fs: replace %s: %w", name, err)
	}
	return nil
}

// Load returns the stored content for name.
func (s Sink) Load(_ context.Context, name string) (string, error) {
	p, err := s.resolvePath(name)
	if err != nil {
		return "", err
	}
	out, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("sink.fs: read %s: %w", name, err)
	}
	return string(out), nil
}

func (s Sink) resolvePath(name string) (string, error) {
	rel := strings.TrimSpace(name)
	if rel == "" {
		return "", sink.ErrEmptyName
	}
	if filepath.IsAbs(rel) {
		return "", ErrAbsolutePath
	}
	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	p := filepath.Clean(filepath.Join(root, rel))
	if !isWithin(p, root) || p == root {
		return "", ErrEscapesRoot
	}
	return p, nil
}

func isWithin(path string, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}

var _ sink.Sink = Sink{}

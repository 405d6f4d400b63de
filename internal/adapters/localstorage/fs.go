package localstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"hospitaletl/internal/core/ports"
)

// ErrInvalidName is returned for artifact names that would escape the artifact root.
var ErrInvalidName = errors.New("invalid artifact name")

// LocalStorage implements ports.ArtifactStore on the local filesystem:
// <BaseDir>/raw/<name> and <BaseDir>/processed/<name>.
type LocalStorage struct {
	BaseDir string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(baseDir string) *LocalStorage {
	return &LocalStorage{BaseDir: baseDir}
}

// Init creates the artifact directories.
func (s *LocalStorage) Init() error {
	for _, kind := range []ports.ArtifactKind{ports.ArtifactRaw, ports.ArtifactProcessed} {
		path := s.dir(kind)
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create artifact directory %s: %w", path, err)
		}
	}
	return nil
}

// Put writes r to a temp file next to the target, syncs it, and renames it
// into place. Readers never observe a partially written artifact.
func (s *LocalStorage) Put(ctx context.Context, kind ports.ArtifactKind, name string, r io.Reader) (string, error) {
	path, err := s.pathFor(kind, name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		return "", fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return path, nil
}

// Open returns a reader for a path previously returned by Put.
func (s *LocalStorage) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", location, err)
	}
	return f, nil
}

// Remove deletes an artifact. Paths outside BaseDir are refused.
func (s *LocalStorage) Remove(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := filepath.Rel(s.BaseDir, location)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s is outside %s", ErrInvalidName, location, s.BaseDir)
	}
	if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove artifact %s: %w", location, err)
	}
	return nil
}

func (s *LocalStorage) dir(kind ports.ArtifactKind) string {
	return filepath.Join(s.BaseDir, string(kind))
}

func (s *LocalStorage) pathFor(kind ports.ArtifactKind, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir(kind), name), nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

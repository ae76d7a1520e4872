// Package local implements a blob store rooted at a local directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes blobs beneath BaseDir. All access goes through an
// os.Root, so object paths cannot leave the directory even via symlinks.
type BlobStore struct {
	root    *os.Root
	baseDir string
	seq     atomic.Uint64
}

// New creates the base directory if needed, checks that it is writable and
// opens it.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if info, err := os.Stat(baseDir); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("base directory %s is not a directory", baseDir)
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	s := &BlobStore{root: root, baseDir: baseDir}
	if err := s.checkWritable(); err != nil {
		_ = root.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}

// PutObject writes data to a temporary sibling and renames it into place, so
// readers never observe a partial blob. It returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, objectPath string, _ string, data io.Reader) (string, error) {
	name, err := s.resolve(objectPath)
	if err != nil {
		return "", err
	}
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	}

	tmp := path.Join(path.Dir(name), fmt.Sprintf(".blob-%d-%d", os.Getpid(), s.seq.Add(1)))
	f, err := s.root.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := s.root.Rename(tmp, name); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("move blob into place: %w", err)
	}
	return "file://" + filepath.Join(s.baseDir, filepath.FromSlash(name)), nil
}

// DeleteObject removes the blob. A missing blob is not an error.
func (s *BlobStore) DeleteObject(_ context.Context, objectPath string) error {
	name, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := s.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

func (s *BlobStore) checkWritable() error {
	const name = ".writable_test"
	if err := s.root.WriteFile(name, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := s.root.Remove(name); err != nil {
		return fmt.Errorf("remove write check file: %w", err)
	}
	return nil
}

// resolve turns an object path into a clean slash-separated name local to
// the root.
func (s *BlobStore) resolve(objectPath string) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", errors.New("path is required")
	}
	name := path.Clean(strings.ReplaceAll(objectPath, `\`, "/"))
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", fmt.Errorf("path traversal detected in %q", objectPath)
	}
	return name, nil
}

// Package filesystem is a reference connector over a local directory tree.
// Identifiers are slash-separated paths relative to the configured root;
// directories are containers.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// CredentialRoot names the directory to crawl.
const CredentialRoot = "root"

// Bin is the single throttling bin shared by every local path.
const Bin = "local"

// RootID identifies the crawl root.
const RootID crawler.DocumentIdentifier = "."

// Connector implements crawler.Connector[*os.Root].
type Connector struct{}

// New returns a filesystem Connector.
func New() *Connector {
	return &Connector{}
}

// RequiredCredentials implements crawler.Connector.
func (*Connector) RequiredCredentials() []string {
	return []string{CredentialRoot}
}

// CreateSession opens the root directory. A missing or unreadable root is a
// configuration problem and fails permanently.
func (*Connector) CreateSession(_ context.Context, creds crawler.Credentials) (*os.Root, error) {
	dir := creds[CredentialRoot]
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, bounded.Permanent(fmt.Errorf("open root %q: %w", dir, err))
	}
	return root, nil
}

// CheckLive stats the root.
func (*Connector) CheckLive(_ context.Context, root *os.Root) error {
	if _, err := root.Stat("."); err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	return nil
}

// DestroySession closes the root handle.
func (*Connector) DestroySession(_ context.Context, root *os.Root) error {
	if root == nil {
		return nil
	}
	if err := root.Close(); err != nil {
		return fmt.Errorf("close root: %w", err)
	}
	return nil
}

// ListSeeds returns the root, or the subdirectory named by query. The
// window is ignored: expanding the tree over-reports, which is allowed.
func (*Connector) ListSeeds(_ context.Context, root *os.Root, query string, _ crawler.TimeWindow) ([]crawler.DocumentIdentifier, error) {
	id, err := clean(crawler.DocumentIdentifier(query))
	if err != nil {
		return nil, err
	}
	if _, err := root.Stat(string(id)); err != nil {
		return nil, bounded.Permanent(fmt.Errorf("seed %q: %w", query, err))
	}
	return []crawler.DocumentIdentifier{id}, nil
}

// GetVersion reports <modTimeUnixNano>:<size>. A missing path is Absent.
func (*Connector) GetVersion(_ context.Context, root *os.Root, id crawler.DocumentIdentifier) (crawler.VersionInfo, error) {
	name, err := clean(id)
	if err != nil {
		return crawler.VersionInfo{}, err
	}
	info, err := root.Stat(string(name))
	if errors.Is(err, fs.ErrNotExist) {
		return crawler.Absent(), nil
	}
	if err != nil {
		return crawler.VersionInfo{}, fmt.Errorf("stat %s: %w", id, err)
	}
	return crawler.VersionInfo{
		Version:   version(info),
		Container: info.IsDir(),
	}, nil
}

// Fetch opens the file for streaming.
func (*Connector) Fetch(_ context.Context, root *os.Root, id crawler.DocumentIdentifier) (crawler.Document, error) {
	name, err := clean(id)
	if err != nil {
		return crawler.Document{}, err
	}
	f, err := root.Open(string(name))
	if err != nil {
		return crawler.Document{}, fmt.Errorf("open %s: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return crawler.Document{}, fmt.Errorf("stat %s: %w", id, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return crawler.Document{}, bounded.Permanent(fmt.Errorf("fetch %s: is a directory", id))
	}
	return crawler.Document{
		ID:       name,
		Version:  version(info),
		URI:      "file://" + filepath.ToSlash(filepath.Join(root.Name(), string(name))),
		MimeType: mime.TypeByExtension(path.Ext(string(name))),
		Length:   info.Size(),
		Modified: info.ModTime().UTC(),
		Metadata: map[string][]string{"name": {info.Name()}, "mode": {info.Mode().String()}},
		Content:  f,
	}, nil
}

// ListChildren returns the directory entries of id.
func (*Connector) ListChildren(_ context.Context, root *os.Root, id crawler.DocumentIdentifier) ([]crawler.DocumentIdentifier, error) {
	name, err := clean(id)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(root.FS(), string(name))
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", id, err)
	}
	out := make([]crawler.DocumentIdentifier, 0, len(entries))
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		out = append(out, crawler.DocumentIdentifier(path.Join(string(name), e.Name())))
	}
	return out, nil
}

// ResolveBins implements crawler.Connector.
func (*Connector) ResolveBins(crawler.DocumentIdentifier) []string {
	return []string{Bin}
}

func clean(id crawler.DocumentIdentifier) (crawler.DocumentIdentifier, error) {
	raw := strings.TrimSpace(string(id))
	if raw == "" {
		return RootID, nil
	}
	cleaned := path.Clean(strings.TrimPrefix(raw, "/"))
	if !fs.ValidPath(cleaned) {
		return "", bounded.Permanent(fmt.Errorf("invalid identifier %q", id))
	}
	return crawler.DocumentIdentifier(cleaned), nil
}

func version(info fs.FileInfo) crawler.DocumentVersion {
	return crawler.DocumentVersion(strconv.FormatInt(info.ModTime().UnixNano(), 10) + ":" + strconv.FormatInt(info.Size(), 10))
}

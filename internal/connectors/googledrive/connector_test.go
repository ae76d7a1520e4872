package googledrive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
)

type fakeFile struct {
	ID       string
	Name     string
	MimeType string
	Modified string
	Trashed  bool
	Parent   string
	Body     string
}

type fakeDrive struct {
	mu      sync.Mutex
	files   map[string]fakeFile
	queries []string
	status  int
	header  http.Header
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		for k, v := range f.header {
			w.Header()[k] = v
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, `{"error":{"code":`+itoa(f.status)+`,"message":"injected","errors":[{"reason":"rateLimitExceeded"}]}}`)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "about":
		writeJSON(w, map[string]any{"user": map[string]any{"displayName": "crawler"}})
	case path == "files":
		q := r.URL.Query().Get("q")
		f.queries = append(f.queries, q)
		var out []map[string]any
		for _, file := range f.files {
			if file.Trashed {
				continue
			}
			if strings.Contains(q, "in parents") && !strings.Contains(q, "'"+file.Parent+"' in parents") {
				continue
			}
			out = append(out, map[string]any{"id": file.ID})
		}
		writeJSON(w, map[string]any{"files": out})
	case strings.HasSuffix(path, "/export"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "files/"), "/export")
		file, ok := f.files[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", r.URL.Query().Get("mimeType"))
		_, _ = io.WriteString(w, "exported:"+file.Body)
	case strings.HasPrefix(path, "files/"):
		id := strings.TrimPrefix(path, "files/")
		file, ok := f.files[id]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"File not found"}}`)
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			_, _ = io.WriteString(w, file.Body)
			return
		}
		writeJSON(w, map[string]any{
			"id":           file.ID,
			"name":         file.Name,
			"mimeType":     file.MimeType,
			"modifiedTime": file.Modified,
			"trashed":      file.Trashed,
			"size":         itoa(len(file.Body)),
			"webViewLink":  "https://drive.google.com/file/d/" + file.ID,
		})
	default:
		http.NotFound(w, r)
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFixture(t *testing.T) (*Connector, *Session, *fakeDrive) {
	t.Helper()
	fake := &fakeDrive{files: map[string]fakeFile{
		"folder": {ID: "folder", Name: "Reports", MimeType: mimeFolder, Modified: "2026-01-02T03:04:05.000Z"},
		"pdf":    {ID: "pdf", Name: "q1.pdf", MimeType: "application/pdf", Modified: "2026-01-03T00:00:00.000Z", Parent: "folder", Body: "%PDF-1.7"},
		"doc":    {ID: "doc", Name: "Notes", MimeType: "application/vnd.google-apps.document", Modified: "2026-01-04T00:00:00.000Z", Parent: "folder", Body: "notes"},
		"bin":    {ID: "bin", Name: "old", MimeType: "text/plain", Modified: "2025-01-01T00:00:00.000Z", Trashed: true},
	}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c := New(Config{Endpoint: srv.URL + "/", HTTPClient: srv.Client()}, zap.NewNop())
	s, err := c.CreateSession(context.Background(), crawler.Credentials{
		CredentialClientID:     "id",
		CredentialClientSecret: "secret",
		CredentialRefreshToken: "token",
	})
	require.NoError(t, err)
	return c, s, fake
}

func TestCheckLive(t *testing.T) {
	t.Parallel()

	c, s, _ := newFixture(t)
	require.NoError(t, c.CheckLive(context.Background(), s))
	require.NoError(t, c.DestroySession(context.Background(), s))
}

func TestListSeedsBuildsWindowedQuery(t *testing.T) {
	t.Parallel()

	c, s, fake := newFixture(t)
	window := crawler.TimeWindow{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	seeds, err := c.ListSeeds(context.Background(), s, "name contains 'q'", window)
	require.NoError(t, err)
	require.ElementsMatch(t, []crawler.DocumentIdentifier{"folder", "pdf", "doc"}, seeds)

	fake.mu.Lock()
	queries := append([]string(nil), fake.queries...)
	fake.mu.Unlock()
	require.Len(t, queries, 1)
	q := queries[0]
	require.Contains(t, q, "trashed = false")
	require.Contains(t, q, "(name contains 'q')")
	require.Contains(t, q, "modifiedTime >= '2026-01-01T00:00:00Z'")
	require.Contains(t, q, "modifiedTime < '2026-02-01T00:00:00Z'")
}

func TestListSeedsKeepsSubSecondWindowBounds(t *testing.T) {
	t.Parallel()

	c, s, fake := newFixture(t)
	window := crawler.TimeWindow{
		Start: time.Date(2026, 3, 4, 10, 0, 0, 250_000_000, time.UTC),
		End:   time.Date(2026, 3, 4, 10, 0, 5, 123_456_000, time.FixedZone("CET", 3600)),
	}
	_, err := c.ListSeeds(context.Background(), s, "", window)
	require.NoError(t, err)

	fake.mu.Lock()
	queries := append([]string(nil), fake.queries...)
	fake.mu.Unlock()
	require.Len(t, queries, 1)
	q := queries[0]
	require.Contains(t, q, "modifiedTime >= '2026-03-04T10:00:00.25Z'")
	// A file modified at 09:00:05.1 UTC sits inside the window and must not
	// be cut off by a bound truncated to 09:00:05.
	require.Contains(t, q, "modifiedTime < '2026-03-04T09:00:05.123456Z'")
	require.NotContains(t, q, "'2026-03-04T09:00:05Z'")
}

func TestGetVersion(t *testing.T) {
	t.Parallel()

	c, s, _ := newFixture(t)
	ctx := context.Background()

	folder, err := c.GetVersion(ctx, s, "folder")
	require.NoError(t, err)
	require.True(t, folder.Container)
	require.Equal(t, crawler.DocumentVersion("2026-01-02T03:04:05.000Z"), folder.Version)

	trashed, err := c.GetVersion(ctx, s, "bin")
	require.NoError(t, err)
	require.True(t, trashed.Absent)

	missing, err := c.GetVersion(ctx, s, "nope")
	require.NoError(t, err)
	require.True(t, missing.Absent)
}

func TestListChildren(t *testing.T) {
	t.Parallel()

	c, s, _ := newFixture(t)
	children, err := c.ListChildren(context.Background(), s, "folder")
	require.NoError(t, err)
	require.ElementsMatch(t, []crawler.DocumentIdentifier{"pdf", "doc"}, children)
}

func TestFetchDownloadsAndExports(t *testing.T) {
	t.Parallel()

	c, s, _ := newFixture(t)
	ctx := context.Background()

	doc, err := c.Fetch(ctx, s, "pdf")
	require.NoError(t, err)
	body, err := io.ReadAll(doc.Content)
	require.NoError(t, err)
	require.NoError(t, doc.Close())
	require.Equal(t, "%PDF-1.7", string(body))
	require.Equal(t, "application/pdf", doc.MimeType)
	require.Equal(t, "https://drive.google.com/file/d/pdf", doc.URI)
	require.Equal(t, []string{"q1.pdf"}, doc.Metadata["name"])

	native, err := c.Fetch(ctx, s, "doc")
	require.NoError(t, err)
	body, err = io.ReadAll(native.Content)
	require.NoError(t, err)
	require.NoError(t, native.Close())
	require.Equal(t, "exported:notes", string(body))
	require.Equal(t, defaultExportMimeType, native.MimeType)
	require.Equal(t, time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC), native.Modified)

	_, err = c.Fetch(ctx, s, "folder")
	require.Error(t, err)
}

func TestRateLimitedResponsesAreTransient(t *testing.T) {
	t.Parallel()

	c, s, fake := newFixture(t)
	fake.mu.Lock()
	fake.status = http.StatusTooManyRequests
	fake.header = http.Header{"Retry-After": {"7"}}
	fake.mu.Unlock()

	exec := bounded.NewExecutor(bounded.WithClassifiers(Classify))
	out := bounded.Execute(context.Background(), exec, bounded.Call{Name: "drive.version", Timeout: time.Second},
		func(ctx context.Context) (crawler.VersionInfo, error) {
			return c.GetVersion(ctx, s, "pdf")
		})
	require.Equal(t, bounded.KindTransient, out.Kind())
	si := out.Interruption()
	require.NotNil(t, si)
	require.WithinDuration(t, time.Now().Add(7*time.Second), si.RetryAfter, 2*time.Second)
}

func TestForbiddenRateLimitIsTransientButUnauthorizedIsFatal(t *testing.T) {
	t.Parallel()

	c, s, fake := newFixture(t)
	exec := bounded.NewExecutor(bounded.WithClassifiers(Classify))
	run := func() bounded.Kind {
		return bounded.Execute(context.Background(), exec, bounded.Call{Name: "drive.children", Timeout: time.Second},
			func(ctx context.Context) ([]crawler.DocumentIdentifier, error) {
				return c.ListChildren(ctx, s, "folder")
			}).Kind()
	}

	fake.mu.Lock()
	fake.status = http.StatusForbidden
	fake.mu.Unlock()
	require.Equal(t, bounded.KindTransient, run())

	fake.mu.Lock()
	fake.status = http.StatusServiceUnavailable
	fake.mu.Unlock()
	require.Equal(t, bounded.KindTransient, run())

	fake.mu.Lock()
	fake.status = http.StatusUnauthorized
	fake.mu.Unlock()
	require.Equal(t, bounded.KindFatal, run())
}

func TestBinsAndCredentials(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil)
	require.Equal(t, []string{Bin}, c.ResolveBins("anything"))
	require.ElementsMatch(t,
		[]string{CredentialClientID, CredentialClientSecret, CredentialRefreshToken},
		c.RequiredCredentials())
	require.Equal(t, `a\'b\\c`, escape(`a'b\c`))
}

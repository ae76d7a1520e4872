package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
)

func openTree(t *testing.T) (*Connector, *os.Root, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a.txt"), []byte("alpha"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "nested", "b.md"), []byte("# beta"), 0o600))

	c := New()
	root, err := c.CreateSession(context.Background(), crawler.Credentials{CredentialRoot: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.DestroySession(context.Background(), root) })
	return c, root, dir
}

func TestCreateSessionMissingRootIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := New().CreateSession(context.Background(),
		crawler.Credentials{CredentialRoot: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	require.Equal(t, bounded.KindFatal, bounded.FromError[struct{}](bounded.NewExecutor(), err).Kind())
}

func TestListSeedsDefaultsToRoot(t *testing.T) {
	t.Parallel()

	c, root, _ := openTree(t)
	seeds, err := c.ListSeeds(context.Background(), root, "", crawler.TimeWindow{})
	require.NoError(t, err)
	require.Equal(t, []crawler.DocumentIdentifier{RootID}, seeds)

	seeds, err = c.ListSeeds(context.Background(), root, "/docs/nested/", crawler.TimeWindow{})
	require.NoError(t, err)
	require.Equal(t, []crawler.DocumentIdentifier{"docs/nested"}, seeds)

	_, err = c.ListSeeds(context.Background(), root, "nope", crawler.TimeWindow{})
	require.Error(t, err)
}

func TestGetVersionDistinguishesFilesDirsAndMissing(t *testing.T) {
	t.Parallel()

	c, root, dir := openTree(t)
	ctx := context.Background()

	info, err := c.GetVersion(ctx, root, "docs")
	require.NoError(t, err)
	require.True(t, info.Container)

	first, err := c.GetVersion(ctx, root, "docs/a.txt")
	require.NoError(t, err)
	require.False(t, first.Container)
	require.NotEmpty(t, first.Version)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a.txt"), []byte("alpha v2"), 0o600))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "docs", "a.txt"), later, later))
	second, err := c.GetVersion(ctx, root, "docs/a.txt")
	require.NoError(t, err)
	require.NotEqual(t, first.Version, second.Version)

	missing, err := c.GetVersion(ctx, root, "docs/gone.txt")
	require.NoError(t, err)
	require.True(t, missing.Absent)
}

func TestRejectsEscapingIdentifiers(t *testing.T) {
	t.Parallel()

	c, root, _ := openTree(t)
	_, err := c.GetVersion(context.Background(), root, "../etc/passwd")
	require.ErrorContains(t, err, "invalid identifier")
}

func TestListChildrenAndFetch(t *testing.T) {
	t.Parallel()

	c, root, _ := openTree(t)
	ctx := context.Background()

	children, err := c.ListChildren(ctx, root, "docs")
	require.NoError(t, err)
	require.ElementsMatch(t, []crawler.DocumentIdentifier{"docs/a.txt", "docs/nested"}, children)

	doc, err := c.Fetch(ctx, root, "docs/nested/b.md")
	require.NoError(t, err)
	defer doc.Close()
	body, err := io.ReadAll(doc.Content)
	require.NoError(t, err)
	require.Equal(t, "# beta", string(body))
	require.EqualValues(t, 6, doc.Length)
	require.Equal(t, []string{"b.md"}, doc.Metadata["name"])

	_, err = c.Fetch(ctx, root, "docs")
	require.Error(t, err)
}

func TestCheckLiveAndBins(t *testing.T) {
	t.Parallel()

	c, root, _ := openTree(t)
	require.NoError(t, c.CheckLive(context.Background(), root))
	require.Equal(t, []string{Bin}, c.ResolveBins("docs/a.txt"))
	require.Equal(t, []string{CredentialRoot}, c.RequiredCredentials())
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/cycle"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o600))

	path := filepath.Join(t.TempDir(), "crawlcore.yaml")
	body := fmt.Sprintf(`
logging:
  development: false
  level: error
connection:
  id: notes
  type: filesystem
  credentials:
    root: %q
activity:
  sinks: [log]
job:
  id: nightly
%s`, root, extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCheckCommandReportsConnection(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), []string{"check", "--config", writeConfig(t, "")}, &stdout, &stderr)
	require.NoError(t, err)
	require.Equal(t, "connection OK\n", stdout.String())
}

func TestCheckCommandFailsForMissingRoot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crawlcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging: {level: error}
connection:
  type: filesystem
  credentials:
    root: /does/not/exist
activity: {sinks: [log]}
`), 0o600))

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), []string{"check", "--config", path}, &stdout, &stderr)
	require.ErrorContains(t, err, "connection check failed")
	require.Contains(t, stdout.String(), "connection failed:")
}

func TestCrawlCommandPrintsReport(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), []string{"crawl", "--config", writeConfig(t, ""), "--job", "adhoc"}, &stdout, &stderr)
	require.NoError(t, err)

	var report cycle.Report
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.NotNil(t, report.Seeding)
	require.Equal(t, "adhoc", report.Seeding.JobID)
	require.Equal(t, 1, report.Seeding.Seeds)
	require.NotNil(t, report.Cleanup)
}

func TestCrawlCommandRejectsBadMode(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), []string{"crawl", "--config", writeConfig(t, ""), "--mode", "weekly"}, &stdout, &stderr)
	require.ErrorContains(t, err, "unknown job mode")
}

func TestCrawlCommandContinuousStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := execute(ctx, []string{"crawl", "--config", writeConfig(t, "  mode: continuous\n  interval: 50ms\n")}, &stdout, &stderr)
	require.NoError(t, err)
}

func TestConfigErrorsSurface(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), []string{"check", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	require.ErrorContains(t, err, "load config")
}

func TestServeHandlesRequestsUntilCanceled(t *testing.T) {
	t.Parallel()

	rt := &runtime{cfgFile: writeConfig(t, "")}
	require.NoError(t, rt.init(context.Background()))
	t.Cleanup(func() { _ = rt.close(context.Background()) })

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, rt, lis) }()

	url := "http://" + lis.Addr().String() + "/readyz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}

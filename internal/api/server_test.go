package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/cycle"
	"github.com/JakeFAU/crawlcore/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	check   bounded.Outcome[struct{}]
	jobs    []crawler.Job
	windows []crawler.TimeWindow
	resets  []string
	status  map[string]cycle.Status
	block   chan struct{}
	started chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		check:   bounded.Success(struct{}{}),
		status:  map[string]cycle.Status{},
		started: make(chan struct{}, 4),
	}
}

func (f *fakeRunner) RunJob(ctx context.Context, job crawler.Job, window crawler.TimeWindow) (cycle.Report, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.windows = append(f.windows, window)
	block := f.block
	f.mu.Unlock()
	f.started <- struct{}{}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return cycle.Report{}, ctx.Err()
		}
	}
	return cycle.Report{}, nil
}

func (f *fakeRunner) RequestReset(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == "broken" {
		return errors.New("reset failed")
	}
	f.resets = append(f.resets, jobID)
	return nil
}

func (f *fakeRunner) Status(jobID string) (cycle.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[jobID]
	return st, ok
}

func (f *fakeRunner) CheckConnection(context.Context) bounded.Outcome[struct{}] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.check
}

func serve(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeRunner(), Options{}, zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzMapsOutcomeKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  bounded.Outcome[struct{}]
		code int
		text string
	}{
		{"ok", bounded.Success(struct{}{}), http.StatusOK, "connection OK"},
		{"transient", bounded.Transient[struct{}](&bounded.ServiceInterruption{Cause: "drive unavailable", RetryAfter: time.Now()}),
			http.StatusServiceUnavailable, "connection temporarily failed: drive unavailable"},
		{"fatal", bounded.Fatal[struct{}](errors.New("bad credentials")), http.StatusInternalServerError, "connection failed: bad credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner := newFakeRunner()
			runner.check = tt.out
			rec := serve(t, NewServer(runner, Options{}, nil), http.MethodGet, "/readyz", nil)
			require.Equal(t, tt.code, rec.Code)
			require.Contains(t, rec.Body.String(), tt.text)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeRunner(), Options{}, nil)
	serve(t, s, http.MethodGet, "/healthz", nil)
	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRunJobStartsBackgroundRun(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := NewServer(runner, Options{DefaultJob: crawler.Job{Query: "reports", Mode: crawler.JobModeOnce}}, nil)

	body := []byte(`{"window_start":"2026-01-01T00:00:00Z","window_end":"2026-02-01T00:00:00Z"}`)
	rec := serve(t, s, http.MethodPost, "/v1/jobs/nightly/run", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	<-runner.started
	require.NoError(t, s.Shutdown(context.Background()))

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Equal(t, []crawler.Job{{ID: "nightly", Query: "reports", Mode: crawler.JobModeOnce}}, runner.jobs)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), runner.windows[0].Start)
}

func TestRunJobRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := NewServer(runner, Options{}, nil)

	require.Equal(t, http.StatusAccepted, serve(t, s, http.MethodPost, "/v1/jobs/a/run", nil).Code)
	<-runner.started
	rec := serve(t, s, http.MethodPost, "/v1/jobs/b/run", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	close(runner.block)
	require.NoError(t, s.Shutdown(context.Background()))
	require.Equal(t, http.StatusAccepted, serve(t, s, http.MethodPost, "/v1/jobs/b/run", nil).Code)
}

func TestRunJobValidatesBody(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeRunner(), Options{}, nil)
	require.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodPost, "/v1/jobs/a/run", []byte("{bad")).Code)
	require.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodPost, "/v1/jobs/a/run", []byte(`{"mode":"weekly"}`)).Code)
	rec := serve(t, s, http.MethodPost, "/v1/jobs/a/run",
		[]byte(`{"window_start":"2026-02-01T00:00:00Z","window_end":"2026-01-01T00:00:00Z"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetAndStatus(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.status["nightly"] = cycle.Status{JobID: "nightly", Phase: cycle.PhaseActive, Queued: 3}
	s := NewServer(runner, Options{}, nil)

	rec := serve(t, s, http.MethodPost, "/v1/jobs/nightly/reset", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"nightly"}, runner.resets)
	require.Equal(t, http.StatusInternalServerError, serve(t, s, http.MethodPost, "/v1/jobs/broken/reset", nil).Code)

	rec = serve(t, s, http.MethodGet, "/v1/jobs/nightly/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st cycle.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, cycle.PhaseActive, st.Phase)
	require.Equal(t, 3, st.Queued)

	require.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/v1/jobs/unknown/status", nil).Code)
}

func TestAPIKeyGuardsJobRoutes(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.status["j"] = cycle.Status{JobID: "j"}
	s := NewServer(runner, Options{APIKey: "secret"}, nil)

	require.Equal(t, http.StatusForbidden, serve(t, s, http.MethodGet, "/v1/jobs/j/status", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/v1/jobs/j/status?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", nil).Code)
}

type fakeActivities struct {
	rows  []store.Activity
	err   error
	limit int
}

func (f *fakeActivities) InsertActivities(context.Context, []store.Activity) (int64, error) {
	return 0, nil
}

func (f *fakeActivities) ListActivities(_ context.Context, _ uuid.UUID, limit, _ int) ([]store.Activity, error) {
	f.limit = limit
	return f.rows, f.err
}

func TestListRunActivities(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &fakeActivities{rows: []store.Activity{{RunID: runID, Identifier: "f2", Activity: "fetch", Code: "OK", Bytes: 12}}}
	s := NewServer(newFakeRunner(), Options{Activities: repo}, nil)

	rec := serve(t, s, http.MethodGet, "/v1/runs/"+runID.String()+"/activities?limit=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"identifier":"f2"`)
	require.Equal(t, maxActivityLimit, repo.limit)

	require.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/v1/runs/nope/activities", nil).Code)
	require.Equal(t, http.StatusBadRequest,
		serve(t, s, http.MethodGet, "/v1/runs/"+runID.String()+"/activities?offset=-1", nil).Code)

	repo.err = errors.New("db down")
	require.Equal(t, http.StatusInternalServerError,
		serve(t, s, http.MethodGet, "/v1/runs/"+runID.String()+"/activities", nil).Code)
}

func TestActivityRoutesAbsentWithoutRepository(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeRunner(), Options{}, nil)
	rec := serve(t, s, http.MethodGet, "/v1/runs/"+uuid.NewString()+"/activities", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

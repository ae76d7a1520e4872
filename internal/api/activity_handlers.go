package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/store"
)

const (
	defaultActivityLimit = 100
	maxActivityLimit     = 1000
	activityTimeout      = 3 * time.Second
)

// ActivityHandler exposes the persisted activity log read-only.
type ActivityHandler struct {
	repo    store.ActivityRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewActivityHandler wires the repository and logger.
func NewActivityHandler(repo store.ActivityRepository, logger *zap.Logger) *ActivityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityHandler{repo: repo, timeout: activityTimeout, logger: logger}
}

// ListRunActivities handles GET /v1/runs/{run_id}/activities?limit=&offset=.
// It returns {"activities": [...]} newest first, 400 for a malformed run ID
// or paging, 503 without a repository and 500 when the query fails.
func (h *ActivityHandler) ListRunActivities(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "activity repository unavailable")
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultActivityLimit, maxActivityLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rows, err := h.repo.ListActivities(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list activities failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list activities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": toActivityDTOs(rows)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type activityDTO struct {
	RunID        string    `json:"run_id"`
	ConnectionID string    `json:"connection_id"`
	JobID        string    `json:"job_id"`
	Activity     string    `json:"activity"`
	Identifier   string    `json:"identifier"`
	Started      time.Time `json:"started"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	Bytes        int64     `json:"bytes"`
	Code         string    `json:"code"`
	Detail       string    `json:"detail,omitempty"`
}

func toActivityDTOs(in []store.Activity) []activityDTO {
	out := make([]activityDTO, 0, len(in))
	for _, a := range in {
		out = append(out, activityDTO{
			RunID:        a.RunID.String(),
			ConnectionID: a.ConnectionID,
			JobID:        a.JobID,
			Activity:     a.Activity,
			Identifier:   a.Identifier,
			Started:      a.Started,
			ElapsedMs:    a.ElapsedMs,
			Bytes:        a.Bytes,
			Code:         a.Code,
			Detail:       a.Detail,
		})
	}
	return out
}

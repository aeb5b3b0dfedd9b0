package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

const (
	defaultRunLimit     = 50
	maxRunLimit         = 500
	defaultSourcesLimit = 100
	maxSourcesLimit     = 1000
	historyTimeout      = 3 * time.Second
)

// triggerRun handles POST /v1/runs. It returns 202 with the new run id, or
// 409 with the active run id while another run is in flight.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.trigger.Trigger(r.Context())
	if err != nil {
		if errors.Is(err, monitor.ErrRunActive) {
			payload := map[string]string{"error": "a run is already active"}
			if id, ok := s.trigger.ActiveRunID(); ok {
				payload["run_id"] = id
			}
			writeJSON(w, http.StatusConflict, payload)
			return
		}
		s.logger.Error("trigger run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to trigger run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// listRuns handles GET /v1/runs?status=&limit=&offset=. It returns a JSON
// object {"runs": [...]} on success, 400 for invalid filters, or 500 if the
// run store call fails.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	statusParam := strings.TrimSpace(r.URL.Query().Get("status"))
	var status *monitor.RunStatus
	if statusParam != "" {
		statusVal, parseErr := parseRunStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	runs, err := s.runs.ListRuns(ctx, status, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []monitor.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} on
// success, 400 for malformed ids, 404 when the run store reports
// monitor.ErrNotFound, or 500 otherwise.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// listRunSources handles GET /v1/runs/{run_id}/sources?limit=&offset=. It
// returns {"sources": [...]} with the per-source counter rows of the run.
func (s *Server) listRunSources(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSourcesLimit, maxSourcesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	rows, err := s.runs.ListRunSources(ctx, runID, limit, offset)
	if err != nil {
		s.logger.Error("list run sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run sources")
		return
	}
	if rows == nil {
		rows = []monitor.RunSourceStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": rows})
}

func parseRunID(r *http.Request) (string, error) {
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		return "", errors.New("run_id is required")
	}
	if _, err := uuid.Parse(runID); err != nil {
		return "", errors.New("invalid run_id")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
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

func parseRunStatus(input string) (monitor.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return monitor.RunRunning, nil
	case "succeeded", "success":
		return monitor.RunSucceeded, nil
	case "failed", "failure", "error":
		return monitor.RunFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/stageflow/internal/orchestrator"
	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SubmitRunRequest is the body of POST /runs.
type SubmitRunRequest struct {
	Stages []types.StageConfig `json:"stages"`
	Labels map[string]string   `json:"labels,omitempty"`
}

// CancelRunRequest is the optional body of POST /runs/{id}/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RunResponse is a run with its jobs in stage order.
type RunResponse struct {
	Run  *types.Run   `json:"run"`
	Jobs []*types.Job `json:"jobs"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func httpError(w http.ResponseWriter, message string, code int) {
	respondJSON(w, code, ErrorResponse{Error: message, Code: strconv.Itoa(code)})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownRun):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidPipeline):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrRunTerminal):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.ErrorContext(r.Context(), msg, "error", err)
	}
	httpError(w, err.Error(), code)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			httpError(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// getRun handles GET /runs/{id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := types.RunID(chi.URLParam(r, "id"))
	run, err := s.cfg.Repo.GetRun(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get run failed", err)
		return
	}
	jobs, err := s.cfg.Repo.ListJobs(r.Context(), id)
	if err != nil {
		s.fail(w, r, "list jobs failed", err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	respondJSON(w, http.StatusOK, RunResponse{Run: run, Jobs: jobs})
}

// listRuns handles GET /runs?status=ACTIVE. Without a status filter every run is listed.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	status := types.RunStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.RunCreated, types.RunActive, types.RunFinished, types.RunFailed:
	default:
		httpError(w, "unknown run status "+string(status), http.StatusBadRequest)
		return
	}
	runs, err := s.cfg.Repo.ListRuns(r.Context(), status)
	if err != nil {
		s.fail(w, r, "list runs failed", err)
		return
	}
	if runs == nil {
		runs = []*types.Run{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// submitRun handles POST /runs.
func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	run, err := s.cfg.Runs.SubmitRun(r.Context(), req.Stages, req.Labels)
	if err != nil {
		s.fail(w, r, "submit run failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

// cancelRun handles POST /runs/{id}/cancel.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := types.RunID(chi.URLParam(r, "id"))
	var req CancelRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = orchestrator.CancelledReason
	}
	if err := s.cfg.Runs.CancelRun(r.Context(), id, req.Reason); err != nil {
		s.fail(w, r, "cancel run failed", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled", "run_id": string(id)})
}

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

// Run-start payload limits.
const (
	maxTaskLength       = 16000
	maxInputCount       = 120
	maxInputValueLength = 4000
	maxScenarioLength   = 80
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && strings.TrimSpace(token) == s.cfg.AuthToken {
			next(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"pipelines": len(s.store.ListPipelines()),
	})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines := s.store.ListPipelines()
	if pipelines == nil {
		pipelines = []*flow.Flow{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	s.upsertPipeline(w, r, "")
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.GetPipeline(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline %s not found", id))
		return
	}
	s.upsertPipeline(w, r, id)
}

func (s *Server) upsertPipeline(w http.ResponseWriter, r *http.Request, forceID string) {
	body, err := readBody(r, 4<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ext := ".json"
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		ext = ".yaml"
	}
	f, err := flow.Decode(body, ext)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid pipeline document: %v", err))
		return
	}
	if forceID != "" {
		f.ID = forceID
	}
	saved, fieldErrs, err := s.store.UpsertPipeline(f)
	if len(fieldErrs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "pipeline validation failed",
			"fields": fieldErrs,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if forceID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.store.DeletePipeline(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type startRunRequest struct {
	Task     string            `json:"task"`
	Inputs   map[string]string `json:"inputs"`
	Scenario string            `json:"scenario"`
}

func (req startRunRequest) validate() string {
	if strings.TrimSpace(req.Task) == "" {
		return "task is required"
	}
	if len(req.Task) > maxTaskLength {
		return fmt.Sprintf("task exceeds %d characters", maxTaskLength)
	}
	if len(req.Inputs) > maxInputCount {
		return fmt.Sprintf("inputs exceed %d keys", maxInputCount)
	}
	for k, v := range req.Inputs {
		if len(v) > maxInputValueLength {
			return fmt.Sprintf("input %q exceeds %d characters", k, maxInputValueLength)
		}
	}
	if len(req.Scenario) > maxScenarioLength {
		return fmt.Sprintf("scenario exceeds %d characters", maxScenarioLength)
	}
	return ""
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("id")
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	run, err := s.store.CreateRun(pipelineID, req.Task, req.Inputs, req.Scenario)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.spawnScheduler(run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil && n > 0 {
			limit = n
		}
	}
	runs := s.store.ListRuns(limit)
	if runs == nil {
		runs = []*runtime.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		return
	}
	if run.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s already %s", id, run.Status))
		return
	}
	if !s.controllers.Stop(id) {
		// No live scheduler owns the run; resolve it directly.
		s.store.UpdateRun(id, func(r *runtime.Run) {
			if !r.Status.Terminal() {
				r.Status = runtime.RunCancelled
			}
		})
		s.store.AppendLog(id, "run cancelled: Stopped by user")
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "signal": "stop"})
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		return
	}
	if !run.Status.Runnable() {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s is %s, not pausable", id, run.Status))
		return
	}
	if !s.controllers.Pause(id) {
		s.store.UpdateRun(id, func(r *runtime.Run) {
			if r.Status.Runnable() {
				r.Status = runtime.RunPaused
			}
		})
		s.store.AppendLog(id, "run paused by user")
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "signal": "pause"})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		return
	}
	if run.Status != runtime.RunPaused {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s is %s, not paused", id, run.Status))
		return
	}
	if s.controllers.Owns(id) {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s still unwinding, retry shortly", id))
		return
	}
	s.store.UpdateRun(id, func(r *runtime.Run) { r.Status = runtime.RunRunning })
	s.store.AppendLog(id, "run resumed by user")
	s.spawnScheduler(id)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "signal": "resume"})
}

type approvalRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	approvalID := r.PathValue("approval_id")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	var approve bool
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "approve", "approved":
		approve = true
	case "reject", "rejected":
		approve = false
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}
	run, err := s.store.ResolveApproval(runID, approvalID, approve, req.Note)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/remediation"
)

const maxBodyBytes = 4 << 20

// decode reads a JSON body into v. An empty body leaves v unchanged when
// optional is set.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
	return false
}

func (s *Server) promoteGaps(w http.ResponseWriter, r *http.Request) {
	var req remediation.PromoteRequest
	if !decode(w, r, &req, false) {
		return
	}
	resp, err := s.engine.PromoteGaps(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.GapsPromoted > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) listGaps(w http.ResponseWriter, r *http.Request) {
	req := remediation.ListGapsRequest{RunID: chi.URLParam(r, "runID")}
	for _, st := range r.URL.Query()["status"] {
		req.Statuses = append(req.Statuses, model.GapStatus(st))
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		req.Limit = n
	}

	gaps, err := s.engine.ListGaps(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": req.RunID, "gaps": gaps, "count": len(gaps)})
}

func (s *Server) logAttempt(w http.ResponseWriter, r *http.Request) {
	var req remediation.LogAttemptRequest
	if !decode(w, r, &req, false) {
		return
	}
	resp, err := s.engine.LogAttempt(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	gapID := chi.URLParam(r, "gapID")
	attempts, err := s.engine.ListAttempts(r.Context(), gapID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gap_id": gapID, "attempts": attempts})
}

func (s *Server) triggerKill(w http.ResponseWriter, r *http.Request) {
	var req remediation.KillRequest
	if !decode(w, r, &req, false) {
		return
	}
	resp, err := s.engine.TriggerKillSwitch(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) haltStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	halt, err := s.engine.HaltStatus(r.Context(), runID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "halted": halt != nil, "halt": halt})
}

func (s *Server) resetKill(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.ResetKillSwitch(r.Context(), chi.URLParam(r, "runID"), r.URL.Query().Get("by"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) coverage(w http.ResponseWriter, r *http.Request) {
	var req remediation.EvaluateRequest
	if r.Method == http.MethodPost && !decode(w, r, &req, true) {
		return
	}
	req.RunID = chi.URLParam(r, "runID")

	d, err := s.engine.Evaluate(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	var req remediation.OverrideRequest
	if !decode(w, r, &req, false) {
		return
	}
	req.RunID = chi.URLParam(r, "runID")

	rec, err := s.engine.Override(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// dispatch starts draining a run's queue and answers 202 right away. A
// run already being dispatched by this server answers 409.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "invalid request", "run_id is required")
		return
	}

	s.mu.Lock()
	if s.running[runID] {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "dispatch already running", runID)
		return
	}
	s.running[runID] = true
	delete(s.failures, runID)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report, err := s.engine.Dispatch(s.base, runID)

		s.mu.Lock()
		delete(s.running, runID)
		if err != nil {
			s.failures[runID] = err.Error()
		} else {
			s.reports[runID] = report
		}
		s.mu.Unlock()

		if err != nil {
			zap.L().Error("dispatch failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		zap.L().Info("dispatch complete",
			zap.String("run_id", runID),
			zap.Int("dispatched", report.Dispatched),
			zap.Int64("cost_cents", report.CostCents),
			zap.Bool("halted", report.Halted),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": runID})
}

func (s *Server) dispatchStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	s.mu.Lock()
	running := s.running[runID]
	report := s.reports[runID]
	failure := s.failures[runID]
	s.mu.Unlock()

	switch {
	case running:
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": "running", "last_report": report})
	case failure != "":
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": "failed", "error": failure})
	case report != nil:
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": "complete", "last_report": report})
	default:
		writeError(w, http.StatusNotFound, "no dispatch for run", runID)
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/spawnstep/internal/dispatch"
	"github.com/mattjoyce/spawnstep/internal/inspect"
	"github.com/mattjoyce/spawnstep/internal/protocol"
	"github.com/mattjoyce/spawnstep/internal/runlog"
	"github.com/mattjoyce/spawnstep/internal/spawn"
)

// maxBodyBytes bounds a POST /run body.
const maxBodyBytes = 32 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Command:       s.config.Step.Command,
		History:       s.runs != nil,
	})
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Step.Command))
}

// handleRun handles POST /run. The batch runs synchronously; the response
// carries the output items, or a 422 with the items completed before the
// failing one.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "request body is required")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	raw := bytes.TrimSpace(req.Items)
	if len(raw) == 0 {
		s.writeError(w, http.StatusBadRequest, "items is required")
		return
	}
	if raw[0] != '[' {
		s.writeError(w, http.StatusBadRequest, "items must be a JSON array")
		return
	}

	items, err := protocol.DecodeItems(bytes.NewReader(raw))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid items: "+err.Error())
		return
	}
	if s.config.MaxBatchItems > 0 && len(items) > s.config.MaxBatchItems {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			"batch has "+strconv.Itoa(len(items))+" items, limit is "+strconv.Itoa(s.config.MaxBatchItems))
		return
	}

	step := s.config.Step
	if req.ContinueOnFail != nil {
		step.ContinueOnFail = *req.ContinueOnFail
	}

	res, err := s.executor.Execute(r.Context(), dispatch.Request{
		Step:        step,
		Items:       items,
		SubmittedBy: "api",
	})
	if res == nil {
		s.logger.Error("batch did not start", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "batch did not start: "+errorText(err))
		return
	}

	resp := RunResponse{
		RunID:  res.RunID,
		Status: string(res.Status),
		Items:  res.Items,
	}
	if resp.Items == nil {
		resp.Items = []protocol.Item{}
	}
	if err != nil {
		detail := &FailureDetail{Message: err.Error(), Kind: string(spawn.KindOf(err))}
		if f, ok := spawn.AsFailure(err); ok {
			detail.ItemIndex = f.ItemIndex
		}
		resp.Error = detail
		respondJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetRun handles GET /runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}

	runID := chi.URLParam(r, "runID")
	report, err := inspect.Gather(r.Context(), s.runs, runID)
	if err != nil {
		if errors.Is(err, runlog.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("failed to retrieve run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

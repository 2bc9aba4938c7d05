package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hookbeat/internal/core"
	"hookbeat/internal/store"
)

type executionResponse struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status"`
	ScheduledFor string  `json:"scheduled_for"`
	StartedAt    *string `json:"started_at,omitempty"`
	FinishedAt   *string `json:"finished_at,omitempty"`
	HTTPStatus   *int    `json:"http_status,omitempty"`
	DurationMs   *int64  `json:"duration_ms,omitempty"`
	Attempt      int     `json:"attempt"`
	ResponseBody *string `json:"response_body,omitempty"`
	Error        *string `json:"error,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTenantTask(r.Context(), tenant, taskID); err != nil {
		s.taskError(w, taskID, err, "load task for executions")
		return
	}
	limit, offset := pageParams(r)

	execs, err := s.store.ListExecutions(r.Context(), taskID, limit+1, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("list executions")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list executions")
		return
	}
	hasMore := len(execs) > limit
	if hasMore {
		execs = execs[:limit]
	}
	data := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		data = append(data, executionToResponse(exec))
	}
	writeJSON(w, http.StatusOK, listEnvelope{Data: data, HasMore: hasMore, Limit: limit, Offset: offset})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	execID := chi.URLParam(r, "executionID")

	exec, err := s.store.GetExecution(r.Context(), execID)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
			return
		}
		s.logger.Error().Err(err).Str("execution_id", execID).Msg("get execution")
		writeError(w, http.StatusInternalServerError, "internal_error", "execution store failure")
		return
	}
	// Ownership is established through the parent task.
	if _, err := s.store.GetTenantTask(r.Context(), tenant, exec.TaskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
			return
		}
		s.logger.Error().Err(err).Str("execution_id", execID).Msg("check execution ownership")
		writeError(w, http.StatusInternalServerError, "internal_error", "execution store failure")
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec))
}

func executionToResponse(exec *core.Execution) executionResponse {
	return executionResponse{
		ID:           exec.ID,
		TaskID:       exec.TaskID,
		Status:       string(exec.Status),
		ScheduledFor: exec.ScheduledFor.UTC().Format(time.RFC3339Nano),
		StartedAt:    timeString(exec.StartedAt),
		FinishedAt:   timeString(exec.FinishedAt),
		HTTPStatus:   exec.HTTPStatus,
		DurationMs:   exec.DurationMs,
		Attempt:      exec.Attempt,
		ResponseBody: exec.ResponseBody,
		Error:        exec.Error,
		CreatedAt:    exec.CreatedAt.Format(time.RFC3339Nano),
	}
}

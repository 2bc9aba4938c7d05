package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hookbeat/internal/core"
	"hookbeat/internal/store"
)

type createTaskRequest struct {
	URL           string               `json:"url"`
	Method        string               `json:"method"`
	Headers       map[string]string    `json:"headers"`
	Body          string               `json:"body"`
	Cron          *string              `json:"cron"`
	Preset        *core.SchedulePreset `json:"preset"`
	Delay         *string              `json:"delay"`
	ScheduledAt   *time.Time           `json:"scheduled_at"`
	Timezone      string               `json:"timezone"`
	Queue         *string              `json:"queue"`
	CallbackURL   *string              `json:"callback_url"`
	RetryAttempts *int                 `json:"retry_attempts"`
	TimeoutMs     *int                 `json:"timeout_ms"`
	Enabled       *bool                `json:"enabled"`
}

type updateTaskRequest struct {
	URL           *string           `json:"url"`
	Method        *string           `json:"method"`
	Headers       map[string]string `json:"headers"`
	Body          *string           `json:"body"`
	Cron          *string           `json:"cron"`
	Timezone      *string           `json:"timezone"`
	Queue         *string           `json:"queue"`
	CallbackURL   *string           `json:"callback_url"`
	RetryAttempts *int              `json:"retry_attempts"`
	TimeoutMs     *int              `json:"timeout_ms"`
	Enabled       *bool             `json:"enabled"`
}

type taskResponse struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ScheduleKind   string            `json:"schedule_kind"`
	Cron           *string           `json:"cron,omitempty"`
	CadenceMinutes int               `json:"cadence_minutes,omitempty"`
	ScheduledAt    *string           `json:"scheduled_at,omitempty"`
	Timezone       string            `json:"timezone"`
	Enabled        bool              `json:"enabled"`
	RetryAttempts  int               `json:"retry_attempts"`
	TimeoutMs      int               `json:"timeout_ms"`
	NextRunAt      *string           `json:"next_run_at,omitempty"`
	Queue          *string           `json:"queue,omitempty"`
	CallbackURL    *string           `json:"callback_url,omitempty"`
	Failing        bool              `json:"failing"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

type scheduledResponse struct {
	TaskID       string `json:"task_id"`
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status"`
	ScheduledFor string `json:"scheduled_for"`
}

const (
	defaultRetryAttempts = 3
	maxRetryAttempts     = 10
	defaultTimeoutMs     = 30000
	maxTimeoutMs         = 300000
)

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "url is required")
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "url must be absolute http or https")
		return
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}
	if !allowedMethods[method] {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "unsupported HTTP method")
		return
	}

	timezone := strings.TrimSpace(req.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "unknown timezone")
		return
	}

	retryAttempts := defaultRetryAttempts
	if req.RetryAttempts != nil {
		retryAttempts = *req.RetryAttempts
	}
	if retryAttempts < 0 || retryAttempts > maxRetryAttempts {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "retry_attempts out of range")
		return
	}
	timeoutMs := defaultTimeoutMs
	if req.TimeoutMs != nil {
		timeoutMs = *req.TimeoutMs
	}
	if timeoutMs < 1 || timeoutMs > maxTimeoutMs {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "timeout_ms out of range")
		return
	}

	hasCron := req.Cron != nil && strings.TrimSpace(*req.Cron) != ""
	hasDelay := req.Delay != nil
	hasScheduledAt := req.ScheduledAt != nil
	if req.Preset != nil {
		// A preset is just a structured way to write a cron expression.
		if hasCron {
			writeError(w, http.StatusUnprocessableEntity, "invalid_schedule", "preset and cron are mutually exclusive")
			return
		}
		expr, err := req.Preset.BuildCron()
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_schedule", err.Error())
			return
		}
		req.Cron = &expr
		hasCron = true
	}
	if hasCron && (hasDelay || hasScheduledAt) {
		writeError(w, http.StatusUnprocessableEntity, "invalid_schedule", "cron cannot be combined with delay or scheduled_at")
		return
	}
	if hasDelay && hasScheduledAt {
		writeError(w, http.StatusUnprocessableEntity, "invalid_schedule", "delay and scheduled_at are mutually exclusive")
		return
	}

	now := time.Now().UTC()
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	task := &core.Task{
		ID:            core.NewID(core.PrefixTask),
		TenantID:      tenant,
		URL:           req.URL,
		Method:        method,
		Headers:       req.Headers,
		Body:          []byte(req.Body),
		Timezone:      timezone,
		Enabled:       enabled,
		RetryAttempts: retryAttempts,
		TimeoutMs:     timeoutMs,
		Queue:         trimPtr(req.Queue),
		CallbackURL:   trimPtr(req.CallbackURL),
	}

	if hasCron {
		expr := strings.TrimSpace(*req.Cron)
		if _, err := core.ParseCron(expr); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_cron", err.Error())
			return
		}
		task.ScheduleKind = core.ScheduleKindCron
		task.CronExpr = &expr
		task.CadenceMinutes = core.EstimateCadenceMinutes(expr)
		if enabled {
			next, err := core.NextRunAfter(expr, now, loc)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "invalid_cron", err.Error())
				return
			}
			task.NextRunAt = &next
		}
		if err := s.store.InsertTask(r.Context(), task); err != nil {
			s.logger.Error().Err(err).Msg("insert task")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
			return
		}
		writeJSON(w, http.StatusCreated, taskToResponse(task))
		return
	}

	// One-shot: immediate, delayed, or at a fixed time.
	scheduledFor := now
	switch {
	case hasDelay:
		delay, err := parseDelay(*req.Delay)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_delay", err.Error())
			return
		}
		scheduledFor = now.Add(delay)
	case hasScheduledAt:
		scheduledFor = req.ScheduledAt.UTC()
	}

	task.ScheduleKind = core.ScheduleKindOnce
	task.ScheduledAt = &scheduledFor
	if enabled {
		task.NextRunAt = &scheduledFor
	}
	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error().Err(err).Msg("insert task")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}

	exec := &core.Execution{
		ID:           core.NewID(core.PrefixExecution),
		TaskID:       task.ID,
		Status:       core.ExecutionStatusPending,
		ScheduledFor: scheduledFor,
		Attempt:      1,
	}
	if err := s.store.InsertExecution(r.Context(), exec); err != nil {
		s.logger.Error().Err(err).Msg("insert execution")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to schedule execution")
		return
	}

	writeJSON(w, http.StatusAccepted, scheduledResponse{
		TaskID:       task.ID,
		ExecutionID:  exec.ID,
		Status:       string(core.ExecutionStatusPending),
		ScheduledFor: scheduledFor.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")

	task, err := s.store.GetTenantTask(r.Context(), tenant, taskID)
	if err != nil {
		s.taskError(w, taskID, err, "load task for trigger")
		return
	}

	now := time.Now().UTC()
	// A pending attempt (a waiting retry, or a concurrent trigger's row) is
	// pulled forward instead of forking a second attempt chain.
	exec, err := s.store.PendingExecution(r.Context(), task.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("check pending execution")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to schedule execution")
		return
	}
	if exec == nil {
		exec = &core.Execution{
			ID:           core.NewID(core.PrefixExecution),
			TaskID:       task.ID,
			Status:       core.ExecutionStatusPending,
			ScheduledFor: now,
			Attempt:      1,
		}
		if err := s.store.InsertExecution(r.Context(), exec); err != nil {
			s.logger.Error().Err(err).Msg("insert triggered execution")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to schedule execution")
			return
		}
	}
	if err := s.store.SetTaskNextRun(r.Context(), task.ID, &now); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("point task at trigger")
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id":  exec.ID,
		"status":        string(core.ExecutionStatusPending),
		"scheduled_for": now.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	limit, offset := pageParams(r)

	tasks, err := s.store.ListTasks(r.Context(), tenant, limit+1, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("list tasks")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	hasMore := len(tasks) > limit
	if hasMore {
		tasks = tasks[:limit]
	}
	data := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		data = append(data, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, listEnvelope{Data: data, HasMore: hasMore, Limit: limit, Offset: offset})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTenantTask(r.Context(), tenant, taskID)
	if err != nil {
		s.taskError(w, taskID, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTenantTask(r.Context(), tenant, taskID)
	if err != nil {
		s.taskError(w, taskID, err, "get task for update")
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.URL != nil {
		trimmed := strings.TrimSpace(*req.URL)
		parsed, err := url.Parse(trimmed)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "url must be absolute http or https")
			return
		}
		task.URL = trimmed
	}
	if req.Method != nil {
		method := strings.ToUpper(strings.TrimSpace(*req.Method))
		if !allowedMethods[method] {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "unsupported HTTP method")
			return
		}
		task.Method = method
	}
	if req.Headers != nil {
		task.Headers = req.Headers
	}
	if req.Body != nil {
		task.Body = []byte(*req.Body)
	}
	if req.Queue != nil {
		task.Queue = trimPtr(req.Queue)
	}
	if req.CallbackURL != nil {
		task.CallbackURL = trimPtr(req.CallbackURL)
	}
	if req.RetryAttempts != nil {
		if *req.RetryAttempts < 0 || *req.RetryAttempts > maxRetryAttempts {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "retry_attempts out of range")
			return
		}
		task.RetryAttempts = *req.RetryAttempts
	}
	if req.TimeoutMs != nil {
		if *req.TimeoutMs < 1 || *req.TimeoutMs > maxTimeoutMs {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "timeout_ms out of range")
			return
		}
		task.TimeoutMs = *req.TimeoutMs
	}
	if req.Timezone != nil {
		timezone := strings.TrimSpace(*req.Timezone)
		if _, err := time.LoadLocation(timezone); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "unknown timezone")
			return
		}
		task.Timezone = timezone
	}
	if req.Cron != nil {
		if task.ScheduleKind != core.ScheduleKindCron {
			writeError(w, http.StatusUnprocessableEntity, "invalid_schedule", "cron can only be set on cron tasks")
			return
		}
		expr := strings.TrimSpace(*req.Cron)
		if _, err := core.ParseCron(expr); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_cron", err.Error())
			return
		}
		task.CronExpr = &expr
		task.CadenceMinutes = core.EstimateCadenceMinutes(expr)
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}

	// Keep next_run_at consistent with (kind, expression, enabled):
	// disabling always clears it, re-enabling a cron task recomputes it.
	if !task.Enabled {
		task.NextRunAt = nil
	} else if task.ScheduleKind == core.ScheduleKindCron && task.CronExpr != nil {
		loc, _ := time.LoadLocation(task.Timezone)
		next, err := core.NextRunAfter(*task.CronExpr, time.Now().UTC(), loc)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_cron", err.Error())
			return
		}
		task.NextRunAt = &next
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.taskError(w, taskID, err, "update task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), tenant, taskID); err != nil {
		s.taskError(w, taskID, err, "delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskError(w http.ResponseWriter, taskID string, err error, op string) {
	if errors.Is(err, store.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	s.logger.Error().Err(err).Str("task_id", taskID).Msg(op)
	writeError(w, http.StatusInternalServerError, "internal_error", "task store failure")
}

// parseDelay parses a delay like "30s" or "5m". A bare number has no unit and
// is rejected, as is anything time.ParseDuration cannot read.
func parseDelay(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("delay must not be empty")
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, errors.New("delay must be a duration with a unit, e.g. 30s or 5m")
	}
	if d < 0 {
		return 0, errors.New("delay must not be negative")
	}
	return d, nil
}

func taskToResponse(task *core.Task) taskResponse {
	resp := taskResponse{
		ID:             task.ID,
		URL:            task.URL,
		Method:         task.Method,
		Headers:        task.Headers,
		Body:           string(task.Body),
		ScheduleKind:   string(task.ScheduleKind),
		Cron:           task.CronExpr,
		CadenceMinutes: task.CadenceMinutes,
		Timezone:       task.Timezone,
		Enabled:        task.Enabled,
		RetryAttempts:  task.RetryAttempts,
		TimeoutMs:      task.TimeoutMs,
		Queue:          task.Queue,
		CallbackURL:    task.CallbackURL,
		Failing:        task.Failing,
		CreatedAt:      task.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      task.UpdatedAt.Format(time.RFC3339Nano),
	}
	resp.ScheduledAt = timeString(task.ScheduledAt)
	resp.NextRunAt = timeString(task.NextRunAt)
	return resp
}

type listEnvelope struct {
	Data    any  `json:"data"`
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = parseIntDefault(r.URL.Query().Get("limit"), defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset = parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func trimPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func timeString(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(time.RFC3339Nano)
	return &formatted
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

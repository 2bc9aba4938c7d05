package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hookbeat/internal/core"
	"hookbeat/internal/monitor"
	"hookbeat/internal/store"
)

type createMonitorRequest struct {
	Name            *string `json:"name"`
	Kind            string  `json:"kind"`
	Cron            *string `json:"cron"`
	IntervalSeconds *int    `json:"interval_seconds"`
	GraceSeconds    *int    `json:"grace_seconds"`
	Muted           bool    `json:"muted"`
}

type monitorResponse struct {
	ID              string  `json:"id"`
	Name            *string `json:"name,omitempty"`
	PingToken       string  `json:"ping_token"`
	PingURL         string  `json:"ping_url"`
	Kind            string  `json:"kind"`
	Cron            *string `json:"cron,omitempty"`
	IntervalSeconds *int    `json:"interval_seconds,omitempty"`
	GraceSeconds    int     `json:"grace_seconds"`
	Status          string  `json:"status"`
	LastPingAt      *string `json:"last_ping_at,omitempty"`
	NextExpectedAt  *string `json:"next_expected_at,omitempty"`
	Muted           bool    `json:"muted"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

const defaultGraceSeconds = 60

func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())

	var req createMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	m := &core.Monitor{
		ID:        core.NewID(core.PrefixMonitor),
		TenantID:  tenant,
		Name:      trimPtr(req.Name),
		PingToken: core.NewPingToken(),
		Status:    core.MonitorStatusNew,
		Muted:     req.Muted,
	}

	switch core.MonitorKind(req.Kind) {
	case core.MonitorKindInterval:
		if req.IntervalSeconds == nil || *req.IntervalSeconds < 1 {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "interval monitors require a positive interval_seconds")
			return
		}
		m.Kind = core.MonitorKindInterval
		m.IntervalSeconds = req.IntervalSeconds
	case core.MonitorKindCron:
		if req.Cron == nil || strings.TrimSpace(*req.Cron) == "" {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "cron monitors require a cron expression")
			return
		}
		expr := strings.TrimSpace(*req.Cron)
		if _, err := core.ParseCron(expr); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_cron", err.Error())
			return
		}
		m.Kind = core.MonitorKindCron
		m.CronExpr = &expr
	default:
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "kind must be interval or cron")
		return
	}

	grace := defaultGraceSeconds
	if req.GraceSeconds != nil {
		grace = *req.GraceSeconds
	}
	if grace < 0 {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "grace_seconds must not be negative")
		return
	}
	m.GraceSeconds = grace

	if err := s.store.InsertMonitor(r.Context(), m); err != nil {
		s.logger.Error().Err(err).Msg("insert monitor")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert monitor")
		return
	}
	writeJSON(w, http.StatusCreated, monitorToResponse(m))
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	limit, offset := pageParams(r)

	monitors, err := s.store.ListMonitors(r.Context(), tenant, limit+1, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("list monitors")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list monitors")
		return
	}
	hasMore := len(monitors) > limit
	if hasMore {
		monitors = monitors[:limit]
	}
	data := make([]monitorResponse, 0, len(monitors))
	for _, m := range monitors {
		data = append(data, monitorToResponse(m))
	}
	writeJSON(w, http.StatusOK, listEnvelope{Data: data, HasMore: hasMore, Limit: limit, Offset: offset})
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := s.tenantMonitor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, monitorToResponse(m))
}

func (s *Server) handleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	monitorID := chi.URLParam(r, "monitorID")
	if err := s.store.DeleteMonitor(r.Context(), tenant, monitorID); err != nil {
		s.monitorError(w, monitorID, err, "delete monitor")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := s.tenantMonitor(w, r)
	if !ok {
		return
	}
	if err := s.engine.Pause(r.Context(), m); err != nil {
		s.monitorError(w, m.ID, err, "pause monitor")
		return
	}
	m.Status = core.MonitorStatusPaused
	writeJSON(w, http.StatusOK, monitorToResponse(m))
}

func (s *Server) handleResumeMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := s.tenantMonitor(w, r)
	if !ok {
		return
	}
	status, err := s.engine.Resume(r.Context(), m, time.Now().UTC())
	if err != nil {
		s.monitorError(w, m.ID, err, "resume monitor")
		return
	}
	m.Status = status
	writeJSON(w, http.StatusOK, monitorToResponse(m))
}

func (s *Server) handleMonitorUptime(w http.ResponseWriter, r *http.Request) {
	m, ok := s.tenantMonitor(w, r)
	if !ok {
		return
	}
	days := parseIntDefault(r.URL.Query().Get("days"), 30)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)
	counts, err := s.store.CountPingsPerDay(r.Context(), m.ID, since)
	if err != nil {
		s.logger.Error().Err(err).Str("monitor_id", m.ID).Msg("count pings per day")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build uptime report")
		return
	}
	summaries := monitor.BuildUptime(m, counts, days, now)
	writeJSON(w, http.StatusOK, map[string]any{
		"monitor_id":     m.ID,
		"days":           summaries,
		"uptime_percent": monitor.UptimePercent(summaries),
	})
}

// handlePing is the unauthenticated heartbeat endpoint; the path token is the
// only credential.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	m, err := s.engine.OnPing(r.Context(), token, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrMonitorNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown ping token")
		case errors.Is(err, monitor.ErrMonitorPaused):
			writeError(w, http.StatusGone, "monitor_paused", "monitor is paused")
		default:
			s.logger.Error().Err(err).Msg("record ping")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to record ping")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           string(m.Status),
		"next_expected_at": timeString(m.NextExpectedAt),
	})
}

func (s *Server) tenantMonitor(w http.ResponseWriter, r *http.Request) (*core.Monitor, bool) {
	tenant := TenantFromContext(r.Context())
	monitorID := chi.URLParam(r, "monitorID")
	m, err := s.store.GetTenantMonitor(r.Context(), tenant, monitorID)
	if err != nil {
		s.monitorError(w, monitorID, err, "load monitor")
		return nil, false
	}
	return m, true
}

func (s *Server) monitorError(w http.ResponseWriter, monitorID string, err error, op string) {
	if errors.Is(err, store.ErrMonitorNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}
	s.logger.Error().Err(err).Str("monitor_id", monitorID).Msg(op)
	writeError(w, http.StatusInternalServerError, "internal_error", "monitor store failure")
}

func monitorToResponse(m *core.Monitor) monitorResponse {
	return monitorResponse{
		ID:              m.ID,
		Name:            m.Name,
		PingToken:       m.PingToken,
		PingURL:         "/ping/" + m.PingToken,
		Kind:            string(m.Kind),
		Cron:            m.CronExpr,
		IntervalSeconds: m.IntervalSeconds,
		GraceSeconds:    m.GraceSeconds,
		Status:          string(m.Status),
		LastPingAt:      timeString(m.LastPingAt),
		NextExpectedAt:  timeString(m.NextExpectedAt),
		Muted:           m.Muted,
		CreatedAt:       m.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       m.UpdatedAt.Format(time.RFC3339Nano),
	}
}

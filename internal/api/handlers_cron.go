package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"hookbeat/internal/core"
)

type cronPreviewRequest struct {
	Cron     string               `json:"cron"`
	Preset   *core.SchedulePreset `json:"preset"`
	Count    int                  `json:"count"`
	Timezone string               `json:"timezone"`
}

// handleCronPreview evaluates a cron expression and returns its next
// occurrences so clients can sanity-check a schedule before creating a task.
func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	expr := strings.TrimSpace(req.Cron)
	if req.Preset != nil {
		if expr != "" {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "preset and cron are mutually exclusive")
			return
		}
		built, err := req.Preset.BuildCron()
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", err.Error())
			return
		}
		expr = built
	}
	if expr == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "cron or preset is required")
		return
	}
	schedule, err := core.ParseCron(expr)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_cron", err.Error())
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

	count := req.Count
	if count < 1 {
		count = 5
	}
	if count > 50 {
		count = 50
	}

	occurrences := core.NextOccurrences(schedule, time.Now().In(loc), count)
	next := make([]string, 0, len(occurrences))
	for _, t := range occurrences {
		next = append(next, t.UTC().Format(time.RFC3339Nano))
	}
	resp := map[string]any{
		"cron":            expr,
		"timezone":        timezone,
		"cadence_minutes": core.EstimateCadenceMinutes(expr),
		"next":            next,
	}
	if preset, ok := core.PresetFromCron(expr); ok {
		resp["preset"] = preset
	}
	writeJSON(w, http.StatusOK, resp)
}
